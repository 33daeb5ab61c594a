// Completion: 100% - Identical-code folding tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// diamondAt registers a diamond-shaped function at the given address so
// several structurally equal bodies can share one context.
func diamondAt(t *testing.T, bc *BinaryContext, name string, addr uint64) *BinaryFunction {
	t.Helper()
	f := bc.RegisterFunction(name, addr, 0xb, 0xb, nil)
	f.State = StateDisassembled
	f.insns = []Instruction{
		{Kind: KindOther, Offset: 0x0, InputPC: addr, Size: 2, Mnemonic: "CMP"},
		{Kind: KindCondBranch, Offset: 0x2, InputPC: addr + 2, Size: 2, Cond: CondEqual,
			Target: f.getOrCreateLabel(0x8), HasTarget: true, Mnemonic: "JE"},
		{Kind: KindOther, Offset: 0x4, InputPC: addr + 4, Size: 2, Mnemonic: "MOV"},
		{Kind: KindBranch, Offset: 0x6, InputPC: addr + 6, Size: 2,
			Target: f.getOrCreateLabel(0xa), HasTarget: true, Mnemonic: "JMP"},
		{Kind: KindOther, Offset: 0x8, InputPC: addr + 8, Size: 2, Mnemonic: "MOV"},
		{Kind: KindReturn, Offset: 0xa, InputPC: addr + 0xa, Size: 1, Mnemonic: "RET"},
	}
	f.localBranches = []localBranch{{FromOffset: 0x2, ToOffset: 0x8}, {FromOffset: 0x6, ToOffset: 0xa}}
	require.NoError(t, f.BuildCFG())
	return f
}

func TestFunctionFingerprintEquality(t *testing.T) {
	bc := testContext(t)
	a := diamondAt(t, bc, "a", 0x1000)
	b := diamondAt(t, bc, "b", 0x2000)
	require.Equal(t, functionFingerprint(a), functionFingerprint(b),
		"local labels normalize away the address difference")
}

func TestFunctionFingerprintSeparatesBodies(t *testing.T) {
	bc := testContext(t)
	a := diamondAt(t, bc, "a", 0x1000)
	b := diamondAt(t, bc, "b", 0x2000)
	b.Blocks[1].Instructions[0].Mnemonic = "ADD"
	require.NotEqual(t, functionFingerprint(a), functionFingerprint(b))
}

func TestFunctionFingerprintSeparatesImmediates(t *testing.T) {
	bc := testContext(t)
	a := diamondAt(t, bc, "a", 0x1000)
	b := diamondAt(t, bc, "b", 0x2000)
	b.Blocks[0].Instructions[0].HasImm = true
	b.Blocks[0].Instructions[0].ImmValue = 7
	require.NotEqual(t, functionFingerprint(a), functionFingerprint(b))
}

func TestICFFoldsIntoLowestAddress(t *testing.T) {
	bc := testContext(t)
	bc.Opts.ICF = true
	a := diamondAt(t, bc, "a", 0x2000)
	b := diamondAt(t, bc, "b", 0x1000)
	c := diamondAt(t, bc, "c", 0x3000)
	c.Blocks[1].Instructions[0].Mnemonic = "ADD"

	p := &ICFPass{}
	require.NoError(t, p.Run(bc))

	require.False(t, b.Folded, "lowest address wins")
	require.True(t, a.Folded)
	require.False(t, c.Folded, "different body stays out of the bucket")
}

func TestICFSkipsNonSimpleFunctions(t *testing.T) {
	bc := testContext(t)
	bc.Opts.ICF = true
	a := diamondAt(t, bc, "a", 0x1000)
	b := diamondAt(t, bc, "b", 0x2000)
	a.Simple = false

	p := &ICFPass{}
	require.NoError(t, p.Run(bc))
	require.False(t, a.Folded)
	require.False(t, b.Folded)
}
