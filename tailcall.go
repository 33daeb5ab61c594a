// Completion: 100% - Conditional tail-call simplification complete
package main

// tailcall.go - Conditional tail-call simplification
//
// Pattern: a conditional branch to a block whose only instruction is an
// unconditional tail call. The branch is retargeted at the callee directly,
// saving the intermediate jump. Only forward branches qualify; a backward
// conditional displacement could exceed its encoding range once the target
// leaves the function.

// SimplifyCondTailCallsPass retargets jcc→jmp-foo chains at foo
type SimplifyCondTailCallsPass struct{}

func (p *SimplifyCondTailCallsPass) Name() string { return "simplify-conditional-tail-calls" }
func (p *SimplifyCondTailCallsPass) Enabled(opts *PipelineOptions) bool {
	return opts.SimplifyCondTailCalls
}
func (p *SimplifyCondTailCallsPass) Predicate(f *BinaryFunction) bool {
	return f.State == StateCFG && len(f.Blocks) > 1
}
func (p *SimplifyCondTailCallsPass) Policy() SchedulingPolicy { return ScheduleByBlockCount }

func (p *SimplifyCondTailCallsPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	rewritten := 0
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term == nil || !term.IsConditionalBranch() {
			continue
		}
		taken := b.TakenSuccessor()
		if taken == nil {
			continue
		}
		tc := soleTailCall(taken)
		if tc == nil || tc.Target == nil {
			continue
		}
		// forward-reachable only: the callee must sit above this function
		if tc.Target.Address <= f.InputAddress {
			continue
		}

		info, _ := b.SuccessorInfo(taken)
		term.SetBranchTarget(tc.Target)
		b.RemoveSuccessor(taken)
		if taken.ExecutionCount != CountNoProfile && info.Count != CountNoProfile &&
			taken.ExecutionCount >= info.Count {
			taken.ExecutionCount -= info.Count
		}
		rewritten++
	}
	if rewritten > 0 {
		debugf("function %s: simplified %d conditional tail calls", f.Name(), rewritten)
	}
	return nil
}

// soleTailCall returns the block's tail call when it is the only
// instruction, else nil.
func soleTailCall(b *BasicBlock) *Instruction {
	var tc *Instruction
	for i := range b.Instructions {
		in := &b.Instructions[i]
		if in.IsPseudo() {
			continue
		}
		if tc != nil {
			return nil
		}
		if in.Kind != KindTailCall {
			return nil
		}
		tc = in
	}
	return tc
}
