// Completion: 100% - CFG construction complete
package main

import (
	"fmt"
	"sort"
)

// cfg.go - CFG construction (Disassembled → CFG)
//
// Blocks are carved between label offsets. Local branches, fall-throughs,
// jump-table dispatch and landing pads become edges; CFI pseudos are woven
// between instructions; the instruction map is discarded at the end.

// BuildCFG turns the decoded instruction map into basic blocks and edges
func (f *BinaryFunction) BuildCFG() error {
	if !f.Simple {
		return nil
	}
	if err := f.advanceState(StateCFG); err != nil {
		return err
	}
	if len(f.insns) == 0 {
		f.MarkNonSimple("no instructions")
		return nil
	}

	f.carveBlocks()
	if err := f.wireLocalBranches(); err != nil {
		f.MarkNonSimple(err.Error())
		return nil
	}
	f.wireFallthroughs()
	if err := f.wireJumpTables(); err != nil {
		f.MarkNonSimple(err.Error())
		return nil
	}
	if err := f.wireLandingPads(); err != nil {
		f.MarkNonSimple(err.Error())
		return nil
	}
	if err := f.computeCFIStates(); err != nil {
		f.MarkNonSimple(err.Error())
		return nil
	}
	f.origCFICount = len(f.FrameInstructions)

	// The instruction map is dead past this point
	f.insns = nil
	f.localBranches = nil
	return nil
}

// carveBlocks creates one block per leader offset and distributes
// instructions, inserting CFI pseudos at their pinned offsets. Leaders are
// the entry, every label, and every instruction following a terminator.
func (f *BinaryFunction) carveBlocks() {
	leaders := map[uint64]bool{0: true}
	for off := range f.labels {
		if off < f.InputSize {
			leaders[off] = true
		}
	}
	for i := range f.insns {
		in := &f.insns[i]
		if next := in.Offset + uint64(in.Size); in.IsTerminator() && next < f.InputSize {
			leaders[next] = true
		}
	}
	offsets := make([]uint64, 0, len(leaders))
	for off := range leaders {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	f.Blocks = make([]*BasicBlock, 0, len(offsets))
	for i, off := range offsets {
		b := &BasicBlock{
			Index:          i,
			InputOffset:    off,
			Label:          f.getOrCreateLabel(off),
			ExecutionCount: CountNoProfile,
			Func:           f,
		}
		f.Blocks = append(f.Blocks, b)
	}

	// Entry-state CFIs come before the first instruction
	for _, idx := range f.cfiIndicesAt(cfiEntryOffset) {
		f.Blocks[0].AddInstruction(NewCFIPseudo(idx))
	}

	cur := 0
	for i := range f.insns {
		in := f.insns[i]
		for cur+1 < len(f.Blocks) && in.Offset >= f.Blocks[cur+1].InputOffset {
			cur++
		}
		f.Blocks[cur].AddInstruction(in)
		for _, idx := range f.cfiIndicesAt(in.Offset) {
			f.Blocks[cur].AddInstruction(NewCFIPseudo(idx))
		}
	}
}

// wireLocalBranches links every recorded (from → to) branch pair
func (f *BinaryFunction) wireLocalBranches() error {
	for _, br := range f.localBranches {
		src := f.BlockContaining(br.FromOffset)
		dst := f.BlockAtOffset(br.ToOffset)
		if src == nil || dst == nil {
			return fmt.Errorf("branch %#x → %#x outside block map", br.FromOffset, br.ToOffset)
		}
		term := src.Terminator()
		if term == nil || term.Offset != br.FromOffset {
			return fmt.Errorf("branch at %#x is not a block terminator", br.FromOffset)
		}
		if _, dup := src.SuccessorInfo(dst); dup {
			continue
		}
		src.AddSuccessor(dst, BranchInfo{Count: CountNoProfile})
	}
	return nil
}

// wireFallthroughs links blocks that can fall into their storage successor
func (f *BinaryFunction) wireFallthroughs() {
	for i, b := range f.Blocks {
		if i+1 >= len(f.Blocks) {
			break
		}
		term := b.Terminator()
		if term != nil && term.IsTerminator() && !term.IsConditionalBranch() {
			continue
		}
		next := f.Blocks[i+1]
		if _, dup := b.SuccessorInfo(next); dup {
			continue
		}
		b.AddSuccessor(next, BranchInfo{Count: CountNoProfile})
	}
}

// wireJumpTables resolves raw table targets to labels and adds dispatch
// edges to the indirect-branch blocks.
func (f *BinaryFunction) wireJumpTables() error {
	for _, jt := range f.JumpTables {
		jt.Targets = make([]*Symbol, len(jt.RawTargets))
		for i, target := range jt.RawTargets {
			off := target - f.InputAddress
			label := f.labels[off]
			if label == nil {
				return fmt.Errorf("jump table %#x entry %d: no label at offset %#x", jt.Address, i, off)
			}
			jt.Targets[i] = label
			dst := f.BlockAtOffset(off)
			if dst == nil {
				return fmt.Errorf("jump table %#x entry %d: no block at offset %#x", jt.Address, i, off)
			}
			src := f.blockWithJumpTable(jt)
			if src == nil {
				return fmt.Errorf("jump table %#x has no owning branch", jt.Address)
			}
			if _, dup := src.SuccessorInfo(dst); !dup {
				src.AddSuccessor(dst, BranchInfo{Count: CountNoProfile})
			}
		}
		jt.RawTargets = nil // invalid past CFG construction
		if err := jt.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// blockWithJumpTable finds the block whose indirect branch reads jt
func (f *BinaryFunction) blockWithJumpTable(jt *JumpTable) *BasicBlock {
	for _, b := range f.Blocks {
		term := b.Terminator()
		if term != nil && term.IsIndirectBranch() && term.HasMemAddr && term.MemAddr == jt.Address {
			return b
		}
	}
	return nil
}

// wireLandingPads parses the LSDA and records thrower/landing-pad edges
func (f *BinaryFunction) wireLandingPads() error {
	if f.LSDAAddress == 0 {
		return nil
	}
	if f.LSDA == nil {
		lsda, err := ParseLSDA(f)
		if err != nil {
			return fmt.Errorf("LSDA at %#x: %w", f.LSDAAddress, err)
		}
		f.LSDA = lsda
	}
	for _, cs := range f.LSDA.CallSites {
		if cs.LandingPadOffset == 0 {
			continue
		}
		lp := f.BlockAtOffset(cs.LandingPadOffset)
		if lp == nil {
			lp = f.BlockContaining(cs.LandingPadOffset)
		}
		if lp == nil {
			return fmt.Errorf("no landing pad block at offset %#x", cs.LandingPadOffset)
		}
		for _, b := range f.Blocks {
			if b.InputOffset >= cs.Start+cs.Length || b.InputOffset+f.blockInputSize(b) <= cs.Start {
				continue
			}
			if !blockHasInvoke(b) {
				continue
			}
			b.LandingPads = append(b.LandingPads, lp)
			lp.Throwers = append(lp.Throwers, b)
		}
	}
	return nil
}

// blockInputSize is the input byte span of a block
func (f *BinaryFunction) blockInputSize(b *BasicBlock) uint64 {
	if b.Index+1 < len(f.Blocks) {
		return f.Blocks[b.Index+1].InputOffset - b.InputOffset
	}
	return f.InputSize - b.InputOffset
}

// blockHasInvoke reports whether the block contains a call that may throw
func blockHasInvoke(b *BasicBlock) bool {
	for i := range b.Instructions {
		if b.Instructions[i].IsCall() {
			return true
		}
	}
	return false
}

// EliminateUnreachable removes blocks not reachable from the entry via
// successor or landing-pad edges. Returns the number of removed blocks.
func (f *BinaryFunction) EliminateUnreachable() int {
	if len(f.Blocks) == 0 {
		return 0
	}
	reachable := make(map[*BasicBlock]bool, len(f.Blocks))
	stack := []*BasicBlock{f.Blocks[0]}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[b] {
			continue
		}
		reachable[b] = true
		stack = append(stack, b.Successors...)
		stack = append(stack, b.LandingPads...)
	}

	kept := f.Blocks[:0]
	removed := 0
	for _, b := range f.Blocks {
		if reachable[b] {
			b.Index = len(kept)
			kept = append(kept, b)
			continue
		}
		for _, s := range append([]*BasicBlock(nil), b.Successors...) {
			b.RemoveSuccessor(s)
		}
		removed++
	}
	f.Blocks = kept
	if removed > 0 {
		f.Layout = nil // storage order is the layout again
	}
	return removed
}

// ValidateCFG checks the block invariants after construction or mutation
func (f *BinaryFunction) ValidateCFG() error {
	for _, b := range f.Blocks {
		if err := b.ValidateSuccessors(); err != nil {
			return err
		}
		for _, p := range b.Predecessors {
			if _, ok := p.SuccessorInfo(b); !ok {
				return fmt.Errorf("block %s: stale predecessor %s", b.Name(), p.Name())
			}
		}
	}
	return nil
}
