// Completion: 100% - All pipeline options wired to the CLI
package main

import (
	"runtime"

	"github.com/xyproto/env/v2"
)

// options.go - Typed configuration for the rewrite pipeline
//
// There are no process-wide option globals; a single PipelineOptions value is
// built by the CLI (or by tests) and threaded through the BinaryContext.
// Environment variables provide defaults so that batch jobs can tune the
// layout model without changing command lines.

// ReorderBlocksKind selects the basic-block reordering variant
type ReorderBlocksKind int

const (
	ReorderBlocksNone ReorderBlocksKind = iota
	ReorderBlocksReverse
	ReorderBlocksBranch // profile-driven, optimal for tiny CFGs
	ReorderBlocksCache  // Ext-TSP heuristic
)

// ReorderFunctionsKind selects inter-function ordering
type ReorderFunctionsKind int

const (
	ReorderFunctionsNone ReorderFunctionsKind = iota
	ReorderFunctionsHFSort
	ReorderFunctionsPettisHansen
	ReorderFunctionsHFSortPlus
	ReorderFunctionsUser
)

// RelocsMode controls whether --emit-relocs inputs are required
type RelocsMode int

const (
	RelocsAuto RelocsMode = iota
	RelocsRequired
	RelocsDisabled
)

// ExtTSPParams are the tunables of the cache-aware layout model
type ExtTSPParams struct {
	FallthroughWeight float64
	ForwardWeight     float64
	BackwardWeight    float64
	ForwardDistance   uint64
	BackwardDistance  uint64
}

// PipelineOptions carries every knob of the rewrite pipeline
type PipelineOptions struct {
	OutputPath  string
	ProfilePath string
	Threads     int
	Verbose     bool

	ReorderBlocks         ReorderBlocksKind
	ReorderFunctions      ReorderFunctionsKind
	SplitFunctions        int // 0..3
	ICF                   bool
	InlineSmall           bool
	SimplifyCondTailCalls bool
	SimplifyRODataLoads   bool
	Peepholes             bool
	Instrument            bool
	InferStaticProb       bool
	EliminateUnreachable  bool

	UseOldText    bool
	UseGNUStack   bool
	Relocs        RelocsMode
	Strict        bool
	IgnoreBuildID bool
	EnableBAT     bool
	DumpCFG       bool

	HotTextSymbols bool // synthesize __hot_start/__hot_end and friends

	ExtTSP ExtTSPParams

	// Inlining limits
	InlineMaxInsns   int
	InlineMaxBytes   int
	InlineMaxCallees int
}

// DefaultOptions returns the option set used when no flags are given.
// RELAYOUT_* environment variables override the built-in defaults.
func DefaultOptions() *PipelineOptions {
	return &PipelineOptions{
		OutputPath:           "a.out",
		Threads:              env.Int("RELAYOUT_THREADS", runtime.NumCPU()),
		ReorderBlocks:        ReorderBlocksCache,
		ReorderFunctions:     ReorderFunctionsNone,
		SplitFunctions:       0,
		EliminateUnreachable: true,
		Relocs:               RelocsAuto,
		UseGNUStack:          true,
		ExtTSP: ExtTSPParams{
			FallthroughWeight: env.Float64("RELAYOUT_EXTTSP_FALLTHROUGH", 1.0),
			ForwardWeight:     env.Float64("RELAYOUT_EXTTSP_FORWARD", 0.1),
			BackwardWeight:    env.Float64("RELAYOUT_EXTTSP_BACKWARD", 0.1),
			ForwardDistance:   uint64(env.Int("RELAYOUT_EXTTSP_FWD_DISTANCE", 1024)),
			BackwardDistance:  uint64(env.Int("RELAYOUT_EXTTSP_BWD_DISTANCE", 640)),
		},
		InlineMaxInsns:   8,
		InlineMaxBytes:   60,
		InlineMaxCallees: 30000,
	}
}

// ParseReorderBlocks parses the -reorder-blocks flag value
func ParseReorderBlocks(s string) (ReorderBlocksKind, error) {
	switch s {
	case "none":
		return ReorderBlocksNone, nil
	case "reverse":
		return ReorderBlocksReverse, nil
	case "branch":
		return ReorderBlocksBranch, nil
	case "cache", "":
		return ReorderBlocksCache, nil
	}
	return 0, errorf("invalid -reorder-blocks value: %s", s)
}

// ParseReorderFunctions parses the -reorder-functions flag value
func ParseReorderFunctions(s string) (ReorderFunctionsKind, error) {
	switch s {
	case "none", "":
		return ReorderFunctionsNone, nil
	case "hfsort":
		return ReorderFunctionsHFSort, nil
	case "pettis-hansen":
		return ReorderFunctionsPettisHansen, nil
	case "hfsort+":
		return ReorderFunctionsHFSortPlus, nil
	case "user":
		return ReorderFunctionsUser, nil
	}
	return 0, errorf("invalid -reorder-functions value: %s", s)
}

// ParseRelocsMode parses the -relocs flag value
func ParseRelocsMode(s string) (RelocsMode, error) {
	switch s {
	case "auto", "":
		return RelocsAuto, nil
	case "true", "1":
		return RelocsRequired, nil
	case "false", "0":
		return RelocsDisabled, nil
	}
	return 0, errorf("invalid -relocs value: %s", s)
}
