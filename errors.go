// Completion: 100% - Error classification complete
package main

import (
	"errors"
	"fmt"
)

// errors.go - Error kinds of the rewrite pipeline
//
// Errors are surfaced by result propagation; there is no panic-based control
// flow. Each error kind states whether it is recoverable (the offending
// function is demoted to non-simple and copied verbatim) or fatal (the run
// stops with a BOLT-ERROR diagnostic).

// ErrorLevel indicates the severity of a pipeline error
type ErrorLevel int

const (
	LevelWarning ErrorLevel = iota
	LevelRecoverable
	LevelFatal
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelRecoverable:
		return "recoverable"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for the recoverable demotion paths
var (
	// errDisasmFailed marks a function whose body could not be decoded
	errDisasmFailed = errors.New("disassembly failed")
	// errBadCFG marks a branch into the middle of an instruction
	errBadCFG = errors.New("CFG construction failed")
	// errCFIRepair marks an unrepairable CFI state after reordering
	errCFIRepair = errors.New("CFI state cannot be repaired")
	// errEmissionOverflow marks code that no longer fits its original hole
	errEmissionOverflow = errors.New("emitted code exceeds maximum size")
)

// PipelineError wraps an error with its severity and, where known, the file
// offset it was detected at.
type PipelineError struct {
	Level  ErrorLevel
	Offset uint64 // file offset, 0 when unknown
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("%s at file offset %#x: %v", e.Level, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Level, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// fatalErr builds a fatal PipelineError
func fatalErr(offset uint64, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Level: LevelFatal, Offset: offset, Err: fmt.Errorf(format, args...)}
}

// recoverable builds a demotion-grade PipelineError
func recoverable(err error, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Level: LevelRecoverable,
		Err:   fmt.Errorf(format+": %w", append(args, err)...),
	}
}

// IsRecoverable reports whether the pipeline may demote and continue
func IsRecoverable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Level != LevelFatal
	}
	return errors.Is(err, errDisasmFailed) || errors.Is(err, errBadCFG) ||
		errors.Is(err, errCFIRepair) || errors.Is(err, errEmissionOverflow)
}
