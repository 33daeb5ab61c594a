// Completion: 100% - Platform support complete
package main

import (
	"fmt"
	"strings"
)

// arch.go - Target architecture handling
//
// The rewriter supports statically linked ELF64 little-endian binaries for
// x86_64 and aarch64. Everything architecture-specific is hidden behind the
// ArchBackend interface (see insn.go); this file only deals with naming and
// detection.

// Arch is the machine architecture of the input binary
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchAArch64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchAArch64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %s (supported: amd64, arm64)", s)
	}
}

// MinInstructionSize returns the smallest encodable instruction for the
// architecture. Used when carving blocks and validating branch targets.
func (a Arch) MinInstructionSize() int {
	if a == ArchAArch64 {
		return 4
	}
	return 1
}

// FunctionAlignment is the default alignment for emitted functions
func (a Arch) FunctionAlignment() uint16 {
	if a == ArchAArch64 {
		return 4
	}
	return 16
}

// NewBackend creates the instruction backend for the given architecture
func NewBackend(arch Arch) (ArchBackend, error) {
	switch arch {
	case ArchX86_64:
		return &X86Backend{}, nil
	case ArchAArch64:
		return &AArch64Backend{}, nil
	default:
		return nil, fmt.Errorf("no instruction backend for architecture %v", arch)
	}
}
