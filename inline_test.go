// Completion: 100% - Inlining tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// leafCallee registers a one-block function ending in a return
func leafCallee(t *testing.T, bc *BinaryContext, name string, addr uint64) *BinaryFunction {
	t.Helper()
	f := bc.RegisterFunction(name, addr, 0x10, 0x10, nil)
	f.State = StateCFG
	b := &BasicBlock{Index: 0, Func: f}
	b.AddInstruction(Instruction{Kind: KindOther, Size: 2, Mnemonic: "MOV"})
	b.AddInstruction(Instruction{Kind: KindOther, Size: 3, Mnemonic: "ADD"})
	b.AddInstruction(Instruction{Kind: KindReturn, Size: 1, Mnemonic: "RET"})
	f.Blocks = []*BasicBlock{b}
	return f
}

func TestIsInlinable(t *testing.T) {
	bc := testContext(t)
	f := leafCallee(t, bc, "leaf", 0x2000)
	require.True(t, isInlinable(f, bc.Opts))

	f.HasCFI = true
	require.False(t, isInlinable(f, bc.Opts), "frame info cannot be spliced")
	f.HasCFI = false

	f.Simple = false
	require.False(t, isInlinable(f, bc.Opts))
}

func TestInlineSplicesCalleeBody(t *testing.T) {
	bc := testContext(t)
	bc.Opts.InlineSmall = true
	callee := leafCallee(t, bc, "leaf", 0x2000)
	callee.ExecutionCount = 10

	caller := bc.RegisterFunction("caller", 0x1000, 0x20, 0x20, nil)
	caller.State = StateCFG
	b := &BasicBlock{Index: 0, Func: caller, ExecutionCount: 10}
	b.AddInstruction(Instruction{Kind: KindOther, Size: 2, Mnemonic: "PUSH"})
	b.AddInstruction(Instruction{Kind: KindCall, Size: 5, HasTarget: true, TargetAddr: 0x2000, Mnemonic: "CALL"})
	b.AddInstruction(Instruction{Kind: KindReturn, Size: 1, Mnemonic: "RET"})
	caller.Blocks = []*BasicBlock{b}

	p := &InlinePass{}
	require.NoError(t, p.Run(bc))

	mnemonics := make([]string, len(b.Instructions))
	for i := range b.Instructions {
		mnemonics[i] = b.Instructions[i].Mnemonic
	}
	require.Equal(t, []string{"PUSH", "MOV", "ADD", "RET"}, mnemonics,
		"call replaced by the callee body without its return")
	require.Equal(t, uint64(0), callee.ExecutionCount, "site frequency moved out of the callee")
}

func TestInlineSkipsMidFunctionCalls(t *testing.T) {
	bc := testContext(t)
	bc.Opts.InlineSmall = true
	leafCallee(t, bc, "leaf", 0x2000)

	caller := bc.RegisterFunction("caller", 0x1000, 0x20, 0x20, nil)
	caller.State = StateCFG
	b := &BasicBlock{Index: 0, Func: caller}
	b.AddInstruction(Instruction{Kind: KindCall, Size: 5, HasTarget: true, TargetAddr: 0x2004, Mnemonic: "CALL"})
	caller.Blocks = []*BasicBlock{b}

	p := &InlinePass{}
	require.NoError(t, p.Run(bc))
	require.Equal(t, "CALL", b.Instructions[0].Mnemonic, "secondary entry points stay calls")
}

func TestSpliceableBodyRejectsEarlyReturn(t *testing.T) {
	bc := testContext(t)
	f := leafCallee(t, bc, "leaf", 0x2000)
	f.Blocks[0].Instructions = []Instruction{
		{Kind: KindReturn, Size: 1, Mnemonic: "RET"},
		{Kind: KindOther, Size: 2, Mnemonic: "MOV"},
	}
	require.Nil(t, spliceableBody(f))
}
