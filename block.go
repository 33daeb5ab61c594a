// Completion: 100% - Basic block model complete
package main

import (
	"fmt"
)

// block.go - Basic blocks
//
// A block owns its instructions. Successor edges carry BranchInfo;
// predecessor and thrower lists are back-references only. Input offsets and
// output addresses are kept in separate fields so pre- and post-layout
// positions can never be confused.

// BranchInfo carries the profile of one CFG edge
type BranchInfo struct {
	Count       uint64
	Mispredicts uint64
}

// BasicBlock is a maximal straight-line run of instructions
type BasicBlock struct {
	Index       int // position in the function's storage order
	InputOffset uint64
	Label       *Symbol

	Instructions []Instruction

	Successors   []*BasicBlock
	BranchInfo   []BranchInfo // parallel to Successors
	Predecessors []*BasicBlock

	// Exception wiring: LandingPads are where this block's invokes unwind
	// to; Throwers are the blocks whose invokes land here.
	LandingPads []*BasicBlock
	Throwers    []*BasicBlock

	CFIState       int // prevailing FrameInstructions index at entry
	ExecutionCount uint64
	Alignment      uint32
	AlignMaxBytes  uint32
	IsCold         bool

	OutputAddress uint64
	OutputSize    uint64
	Placed        bool

	Func *BinaryFunction
}

// Name returns the label name of the block
func (b *BasicBlock) Name() string {
	if b.Label != nil {
		return b.Label.Name
	}
	return fmt.Sprintf("BB%d", b.Index)
}

// Terminator returns the last non-pseudo instruction, or nil
func (b *BasicBlock) Terminator() *Instruction {
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if !b.Instructions[i].IsPseudo() {
			return &b.Instructions[i]
		}
	}
	return nil
}

// AddInstruction appends an instruction to the block
func (b *BasicBlock) AddInstruction(in Instruction) {
	b.Instructions = append(b.Instructions, in)
}

// PrependInstruction inserts an instruction at the block entry, after any
// leading CFI pseudos so the frame state stays anchored to the block start.
func (b *BasicBlock) PrependInstruction(in Instruction) {
	at := 0
	for at < len(b.Instructions) && b.Instructions[at].IsPseudo() {
		at++
	}
	b.Instructions = append(b.Instructions, Instruction{})
	copy(b.Instructions[at+1:], b.Instructions[at:])
	b.Instructions[at] = in
}

// AddInstructionAfterTerminator inserts an instruction right after the
// current terminator, before any trailing CFI pseudos.
func (b *BasicBlock) AddInstructionAfterTerminator(in Instruction) {
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if !b.Instructions[i].IsPseudo() {
			rest := append([]Instruction{in}, b.Instructions[i+1:]...)
			b.Instructions = append(b.Instructions[:i+1], rest...)
			return
		}
	}
	b.Instructions = append(b.Instructions, in)
}

// RemoveTerminator deletes the last non-pseudo instruction
func (b *BasicBlock) RemoveTerminator() {
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if !b.Instructions[i].IsPseudo() {
			b.Instructions = append(b.Instructions[:i], b.Instructions[i+1:]...)
			return
		}
	}
}

// AddSuccessor links b → succ with the given branch info and installs the
// predecessor back-reference.
func (b *BasicBlock) AddSuccessor(succ *BasicBlock, info BranchInfo) {
	b.Successors = append(b.Successors, succ)
	b.BranchInfo = append(b.BranchInfo, info)
	succ.Predecessors = append(succ.Predecessors, b)
}

// RemoveSuccessor unlinks b → succ (first occurrence)
func (b *BasicBlock) RemoveSuccessor(succ *BasicBlock) {
	for i, s := range b.Successors {
		if s == succ {
			b.Successors = append(b.Successors[:i], b.Successors[i+1:]...)
			b.BranchInfo = append(b.BranchInfo[:i], b.BranchInfo[i+1:]...)
			break
		}
	}
	for i, p := range succ.Predecessors {
		if p == b {
			succ.Predecessors = append(succ.Predecessors[:i], succ.Predecessors[i+1:]...)
			break
		}
	}
}

// SuccessorInfo returns the BranchInfo of the b → succ edge
func (b *BasicBlock) SuccessorInfo(succ *BasicBlock) (BranchInfo, bool) {
	for i, s := range b.Successors {
		if s == succ {
			return b.BranchInfo[i], true
		}
	}
	return BranchInfo{}, false
}

// SetSuccessorInfo updates the BranchInfo of the b → succ edge
func (b *BasicBlock) SetSuccessorInfo(succ *BasicBlock, info BranchInfo) {
	for i, s := range b.Successors {
		if s == succ {
			b.BranchInfo[i] = info
			return
		}
	}
}

// FallthroughSuccessor returns the successor reached without a taken branch:
// for a conditional terminator, the successor that is not the branch target;
// for a block with a single non-branch exit, that successor.
func (b *BasicBlock) FallthroughSuccessor() *BasicBlock {
	term := b.Terminator()
	switch {
	case term == nil || !term.IsTerminator():
		if len(b.Successors) == 1 {
			return b.Successors[0]
		}
	case term.IsConditionalBranch():
		for _, s := range b.Successors {
			if s.Label != term.Target {
				return s
			}
		}
	}
	return nil
}

// TakenSuccessor returns the branch-target successor of a conditional block
func (b *BasicBlock) TakenSuccessor() *BasicBlock {
	term := b.Terminator()
	if term == nil || !term.IsConditionalBranch() {
		return nil
	}
	for _, s := range b.Successors {
		if s.Label == term.Target {
			return s
		}
	}
	return nil
}

// KnownExecutionCount returns the profile count, treating missing as zero
func (b *BasicBlock) KnownExecutionCount() uint64 {
	if b.ExecutionCount == CountNoProfile {
		return 0
	}
	return b.ExecutionCount
}

// RawSize is the byte size of the block's non-pseudo instructions
func (b *BasicBlock) RawSize() uint64 {
	var size uint64
	for i := range b.Instructions {
		if !b.Instructions[i].IsPseudo() {
			size += uint64(b.Instructions[i].Size)
		}
	}
	return size
}

// ValidateSuccessors checks the terminator/successor-count contract:
// zero successors iff return/indirect-tail/unreachable, one iff
// unconditional, two iff conditional. Indirect branches with jump tables
// may have any positive successor count.
func (b *BasicBlock) ValidateSuccessors() error {
	term := b.Terminator()
	if term == nil {
		if len(b.Successors) > 1 {
			return fmt.Errorf("block %s: empty block with %d successors", b.Name(), len(b.Successors))
		}
		return nil
	}
	switch term.Kind {
	case KindReturn, KindTailCall, KindUnreachable:
		if len(b.Successors) != 0 {
			return fmt.Errorf("block %s: %v terminator with %d successors",
				b.Name(), term.Kind, len(b.Successors))
		}
	case KindBranch:
		if len(b.Successors) != 1 {
			return fmt.Errorf("block %s: unconditional branch with %d successors",
				b.Name(), len(b.Successors))
		}
	case KindCondBranch:
		if len(b.Successors) != 2 {
			return fmt.Errorf("block %s: conditional branch with %d successors",
				b.Name(), len(b.Successors))
		}
	case KindIndirectBranch:
		// jump-table dispatch: any number; bare indirect tail: zero
	default:
		if len(b.Successors) > 1 {
			return fmt.Errorf("block %s: fall-through with %d successors",
				b.Name(), len(b.Successors))
		}
	}
	return nil
}

func (b *BasicBlock) String() string {
	return fmt.Sprintf("%s(offset=%#x,insns=%d)", b.Name(), b.InputOffset, len(b.Instructions))
}
