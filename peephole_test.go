// Completion: 100% - Peephole tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeepholeRemovesNoopsAndDeadTail(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x20, 0x20, nil)
	f.State = StateCFG

	b := &BasicBlock{Index: 0, Func: f}
	b.AddInstruction(NewCFIPseudo(0))
	b.AddInstruction(Instruction{Kind: KindOther, Mnemonic: "MOV"})
	b.AddInstruction(Instruction{Kind: KindNoop, Mnemonic: "NOP"})
	b.AddInstruction(Instruction{Kind: KindBranch, Mnemonic: "JMP"})
	b.AddInstruction(Instruction{Kind: KindOther, Mnemonic: "XOR"})
	b.AddInstruction(NewCFIPseudo(1))
	f.Blocks = []*BasicBlock{b}

	p := &PeepholePass{}
	require.NoError(t, p.RunOnFunction(f, 0))

	require.Len(t, b.Instructions, 4)
	require.True(t, b.Instructions[0].IsCFI())
	require.Equal(t, "MOV", b.Instructions[1].Mnemonic)
	require.Equal(t, "JMP", b.Instructions[2].Mnemonic, "padding removed, jump kept")
	require.True(t, b.Instructions[3].IsCFI(), "frame pseudos survive past the terminator")
}

func TestPeepholeKeepsCodeAfterConditionalBranch(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x20, 0x20, nil)
	f.State = StateCFG

	b := &BasicBlock{Index: 0, Func: f}
	b.AddInstruction(Instruction{Kind: KindCondBranch, Cond: CondEqual, Mnemonic: "JE"})
	b.AddInstruction(Instruction{Kind: KindOther, Mnemonic: "MOV"})
	f.Blocks = []*BasicBlock{b}

	p := &PeepholePass{}
	require.NoError(t, p.RunOnFunction(f, 0))
	require.Len(t, b.Instructions, 2, "conditional branches fall through")
}
