// Completion: 100% - Hot/cold splitting complete
package main

// splitter.go - Hot/cold function splitting
//
// Blocks with a known-zero execution count are moved behind the hot blocks
// and, when splitting is enabled, emitted into a separate cold section. The
// entry block is never cold. Functions with an exception table are left
// whole: the cold fragment carries no landing pads, so splitting them would
// orphan their unwind paths.

// SplitFunctionsPass flags cold blocks and marks split functions
type SplitFunctionsPass struct{}

func (p *SplitFunctionsPass) Name() string { return "split-functions" }
func (p *SplitFunctionsPass) Enabled(opts *PipelineOptions) bool {
	return opts.SplitFunctions > 0
}
func (p *SplitFunctionsPass) Predicate(f *BinaryFunction) bool {
	return f.State == StateCFG && f.HasProfile && len(f.Blocks) > 1 && f.LSDA == nil
}
func (p *SplitFunctionsPass) Policy() SchedulingPolicy { return ScheduleByBlockCount }

func (p *SplitFunctionsPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	level := f.Context().Opts.SplitFunctions
	layout := f.LayoutOrder()

	cold := func(b *BasicBlock) bool {
		return b != layout[0] && b.ExecutionCount != CountNoProfile && b.ExecutionCount == 0
	}

	if level == 1 {
		// Conservative: only a cold suffix of the existing layout splits
		n := len(layout)
		for n > 1 && cold(layout[n-1]) {
			n--
		}
		if n == len(layout) {
			return nil
		}
		for _, b := range layout[n:] {
			b.IsCold = true
		}
		f.Split = true
		return nil
	}

	// Aggressive: move every cold block behind the hot ones, preserving
	// relative order within each half.
	var hot, coldBlocks []*BasicBlock
	for _, b := range layout {
		if cold(b) {
			coldBlocks = append(coldBlocks, b)
		} else {
			hot = append(hot, b)
		}
	}
	if len(coldBlocks) == 0 {
		return nil
	}
	for _, b := range coldBlocks {
		b.IsCold = true
	}
	order := append(hot, coldBlocks...)
	if err := f.SetLayout(order); err != nil {
		return err
	}
	f.Split = true
	// Moving blocks invalidates terminators fixed by the reorder pass
	return fixBranches(f)
}
