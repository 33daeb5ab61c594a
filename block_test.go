// Completion: 100% - Basic block tests complete
package main

import (
	"testing"
)

func TestPrependInstructionSkipsLeadingCFI(t *testing.T) {
	b := &BasicBlock{}
	b.AddInstruction(NewCFIPseudo(0))
	b.AddInstruction(NewCFIPseudo(1))
	b.AddInstruction(Instruction{Kind: KindOther, Mnemonic: "MOV"})

	b.PrependInstruction(Instruction{Kind: KindOther, Mnemonic: "ADD"})

	if len(b.Instructions) != 4 {
		t.Fatalf("got %d instructions", len(b.Instructions))
	}
	if !b.Instructions[0].IsCFI() || !b.Instructions[1].IsCFI() {
		t.Error("leading CFI pseudos moved")
	}
	if b.Instructions[2].Mnemonic != "ADD" {
		t.Errorf("instruction 2 = %s, want ADD", b.Instructions[2].Mnemonic)
	}
	if b.Instructions[3].Mnemonic != "MOV" {
		t.Errorf("instruction 3 = %s, want MOV", b.Instructions[3].Mnemonic)
	}
}

func TestPrependInstructionEmptyBlock(t *testing.T) {
	b := &BasicBlock{}
	b.PrependInstruction(Instruction{Kind: KindOther, Mnemonic: "ADD"})
	if len(b.Instructions) != 1 || b.Instructions[0].Mnemonic != "ADD" {
		t.Errorf("instructions = %v", b.Instructions)
	}
}

func TestAddInstructionAfterTerminator(t *testing.T) {
	b := &BasicBlock{}
	b.AddInstruction(Instruction{Kind: KindCondBranch, Mnemonic: "JE"})
	b.AddInstruction(NewCFIPseudo(0))

	b.AddInstructionAfterTerminator(Instruction{Kind: KindBranch, Mnemonic: "JMP"})

	if len(b.Instructions) != 3 {
		t.Fatalf("got %d instructions", len(b.Instructions))
	}
	if b.Instructions[1].Mnemonic != "JMP" {
		t.Errorf("instruction 1 = %s, want JMP", b.Instructions[1].Mnemonic)
	}
	if !b.Instructions[2].IsCFI() {
		t.Error("trailing CFI pseudo should stay last")
	}
}

func TestRemoveTerminatorKeepsPseudos(t *testing.T) {
	b := &BasicBlock{}
	b.AddInstruction(Instruction{Kind: KindOther})
	b.AddInstruction(Instruction{Kind: KindBranch})
	b.AddInstruction(NewCFIPseudo(0))
	b.RemoveTerminator()
	if len(b.Instructions) != 2 {
		t.Fatalf("got %d instructions", len(b.Instructions))
	}
	if b.Instructions[0].Kind != KindOther || !b.Instructions[1].IsCFI() {
		t.Errorf("instructions = %v", b.Instructions)
	}
}

func TestSuccessorWiring(t *testing.T) {
	a := &BasicBlock{Index: 0}
	b := &BasicBlock{Index: 1}
	c := &BasicBlock{Index: 2}
	a.AddSuccessor(b, BranchInfo{Count: 5})
	a.AddSuccessor(c, BranchInfo{Count: 9})

	if info, ok := a.SuccessorInfo(b); !ok || info.Count != 5 {
		t.Errorf("SuccessorInfo(b) = %+v, %v", info, ok)
	}
	a.SetSuccessorInfo(b, BranchInfo{Count: 7, Mispredicts: 1})
	if info, _ := a.SuccessorInfo(b); info.Count != 7 || info.Mispredicts != 1 {
		t.Errorf("after SetSuccessorInfo: %+v", info)
	}
	if len(b.Predecessors) != 1 || b.Predecessors[0] != a {
		t.Errorf("predecessors of b = %v", b.Predecessors)
	}

	a.RemoveSuccessor(b)
	if _, ok := a.SuccessorInfo(b); ok {
		t.Error("edge a->b should be gone")
	}
	if len(b.Predecessors) != 0 {
		t.Errorf("predecessors of b = %v", b.Predecessors)
	}
	if info, ok := a.SuccessorInfo(c); !ok || info.Count != 9 {
		t.Errorf("edge a->c damaged: %+v, %v", info, ok)
	}
}

func TestFallthroughAndTakenSuccessors(t *testing.T) {
	takenLabel := &Symbol{Name: ".Ltaken"}
	a := &BasicBlock{Index: 0}
	taken := &BasicBlock{Index: 1, Label: takenLabel}
	fall := &BasicBlock{Index: 2, Label: &Symbol{Name: ".Lfall"}}

	a.AddInstruction(Instruction{Kind: KindCondBranch, Target: takenLabel, HasTarget: true})
	a.AddSuccessor(taken, BranchInfo{})
	a.AddSuccessor(fall, BranchInfo{})

	if got := a.TakenSuccessor(); got != taken {
		t.Errorf("TakenSuccessor = %v", got)
	}
	if got := a.FallthroughSuccessor(); got != fall {
		t.Errorf("FallthroughSuccessor = %v", got)
	}
}

func TestValidateSuccessors(t *testing.T) {
	ret := &BasicBlock{}
	ret.AddInstruction(Instruction{Kind: KindReturn})
	if err := ret.ValidateSuccessors(); err != nil {
		t.Errorf("return block: %v", err)
	}
	ret.AddSuccessor(&BasicBlock{Index: 1}, BranchInfo{})
	if err := ret.ValidateSuccessors(); err == nil {
		t.Error("return block with a successor should fail")
	}

	cond := &BasicBlock{}
	cond.AddInstruction(Instruction{Kind: KindCondBranch})
	cond.AddSuccessor(&BasicBlock{Index: 1}, BranchInfo{})
	if err := cond.ValidateSuccessors(); err == nil {
		t.Error("conditional branch with one successor should fail")
	}
	cond.AddSuccessor(&BasicBlock{Index: 2}, BranchInfo{})
	if err := cond.ValidateSuccessors(); err != nil {
		t.Errorf("conditional branch with two successors: %v", err)
	}
}

func TestRawSizeExcludesPseudos(t *testing.T) {
	b := &BasicBlock{}
	b.AddInstruction(NewCFIPseudo(0))
	b.AddInstruction(Instruction{Kind: KindOther, Size: 3})
	b.AddInstruction(Instruction{Kind: KindBranch, Size: 5})
	if got := b.RawSize(); got != 8 {
		t.Errorf("RawSize = %d, want 8", got)
	}
}

func TestKnownExecutionCount(t *testing.T) {
	b := &BasicBlock{ExecutionCount: CountNoProfile}
	if b.KnownExecutionCount() != 0 {
		t.Error("missing profile should read as zero")
	}
	b.ExecutionCount = 42
	if b.KnownExecutionCount() != 42 {
		t.Error("known count should pass through")
	}
}
