// Completion: 100% - Pass manager with parallel dispatch complete
package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// passes.go - Pass registration and dispatch
//
// Passes run in a fixed order. Function passes fan out over a bounded
// worker pool; module passes (ICF, inlining, function ordering) run on the
// driving goroutine because they mutate cross-function state. Each parallel
// task receives its own annotation allocator so workers never contend on
// the annotation arenas.

// SchedulingPolicy balances parallel work across workers
type SchedulingPolicy int

const (
	ScheduleByFunc SchedulingPolicy = iota
	ScheduleByInsnCount
	ScheduleByInsnCountSquared
	ScheduleByBlockCount
	ScheduleByBlockCountSquared
)

// taskCost estimates the work a function contributes under a policy
func taskCost(policy SchedulingPolicy, f *BinaryFunction) uint64 {
	switch policy {
	case ScheduleByInsnCount:
		return uint64(f.NumInstructions())
	case ScheduleByInsnCountSquared:
		n := uint64(f.NumInstructions())
		return n * n
	case ScheduleByBlockCount:
		return uint64(len(f.Blocks))
	case ScheduleByBlockCountSquared:
		n := uint64(len(f.Blocks))
		return n * n
	default:
		return 1
	}
}

// FunctionPass is run independently per function
type FunctionPass interface {
	Name() string
	Enabled(opts *PipelineOptions) bool
	Predicate(f *BinaryFunction) bool
	Policy() SchedulingPolicy
	RunOnFunction(f *BinaryFunction, alloc int) error
}

// ModulePass mutates cross-function state and runs sequentially
type ModulePass interface {
	Name() string
	Enabled(opts *PipelineOptions) bool
	Run(bc *BinaryContext) error
}

// PassManager executes the registered pass sequence
type PassManager struct {
	bc     *BinaryContext
	passes []interface{} // FunctionPass or ModulePass, in order
}

// NewPassManager registers the standard optimization sequence
func NewPassManager(bc *BinaryContext) *PassManager {
	return &PassManager{
		bc: bc,
		passes: []interface{}{
			&ValidateCFGPass{},
			&ICFPass{},
			&InlinePass{},
			&SimplifyRODataLoadsPass{},
			&PeepholePass{},
			&InferStaticProfilePass{},
			&ReorderBlocksPass{},
			&SimplifyCondTailCallsPass{},
			&SplitFunctionsPass{},
			&FixCFIPass{},
			&ReorderFunctionsPass{},
			&InstrumentPass{},
		},
	}
}

// Run executes every enabled pass in order
func (pm *PassManager) Run() error {
	opts := pm.bc.Opts
	for _, p := range pm.passes {
		start := time.Now()
		switch pass := p.(type) {
		case ModulePass:
			if !pass.Enabled(opts) {
				continue
			}
			debugf("running pass %s", pass.Name())
			if err := pass.Run(pm.bc); err != nil {
				return fmt.Errorf("pass %s: %w", pass.Name(), err)
			}
		case FunctionPass:
			if !pass.Enabled(opts) {
				continue
			}
			debugf("running pass %s", pass.Name())
			if err := pm.runParallel(pass); err != nil {
				return fmt.Errorf("pass %s: %w", pass.Name(), err)
			}
		default:
			return fmt.Errorf("unregisterable pass %T", p)
		}
		debugf("pass %T finished in %v", p, time.Since(start))
	}
	return nil
}

// runParallel dispatches a function pass over the worker pool. Functions
// are submitted in descending cost order so stragglers start first.
func (pm *PassManager) runParallel(pass FunctionPass) error {
	var work []*BinaryFunction
	for _, f := range pm.bc.Functions() {
		if f.Simple && !f.Folded && pass.Predicate(f) {
			work = append(work, f)
		}
	}
	policy := pass.Policy()
	sort.SliceStable(work, func(i, j int) bool {
		return taskCost(policy, work[i]) > taskCost(policy, work[j])
	})

	threads := pm.bc.Opts.Threads
	if threads < 1 {
		threads = 1
	}
	if threads == 1 {
		for _, f := range work {
			alloc := int(pm.bc.Annotations.NewAllocator())
			if err := pass.RunOnFunction(f, alloc); err != nil {
				if IsRecoverable(err) {
					f.MarkNonSimple(err.Error())
					continue
				}
				return err
			}
		}
		return nil
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(threads)
	for _, f := range work {
		f := f
		alloc := int(pm.bc.Annotations.NewAllocator())
		g.Go(func() error {
			if err := pass.RunOnFunction(f, alloc); err != nil {
				if IsRecoverable(err) {
					f.MarkNonSimple(err.Error())
					return nil
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// ValidateCFGPass asserts block invariants before any transformation
type ValidateCFGPass struct{}

func (p *ValidateCFGPass) Name() string                          { return "validate-cfg" }
func (p *ValidateCFGPass) Enabled(opts *PipelineOptions) bool    { return true }
func (p *ValidateCFGPass) Predicate(f *BinaryFunction) bool      { return f.State == StateCFG }
func (p *ValidateCFGPass) Policy() SchedulingPolicy              { return ScheduleByBlockCount }
func (p *ValidateCFGPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	return f.ValidateCFG()
}

// FixCFIPass repairs per-block CFI state after layout changes
type FixCFIPass struct{}

func (p *FixCFIPass) Name() string                       { return "fix-cfi" }
func (p *FixCFIPass) Enabled(opts *PipelineOptions) bool { return true }
func (p *FixCFIPass) Predicate(f *BinaryFunction) bool {
	return f.State == StateCFG && f.HasCFI && f.Layout != nil
}
func (p *FixCFIPass) Policy() SchedulingPolicy { return ScheduleByBlockCount }
func (p *FixCFIPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	if err := f.FixCFIState(); err != nil {
		return recoverable(errCFIRepair, "function %s", f.Name())
	}
	return nil
}
