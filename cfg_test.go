// Completion: 100% - CFG construction tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// diamondFunction builds the disassembled form of
//
//	0x0: cmp          0x4: mov            0x8: mov
//	0x2: je 0x8       0x6: jmp 0xa        0xa: ret
func diamondFunction(t *testing.T) *BinaryFunction {
	t.Helper()
	bc := testContext(t)
	f := bc.RegisterFunction("diamond", 0x1000, 0xb, 0xb, nil)
	f.State = StateDisassembled

	f.insns = []Instruction{
		{Kind: KindOther, Offset: 0x0, InputPC: 0x1000, Size: 2, Mnemonic: "CMP"},
		{Kind: KindCondBranch, Offset: 0x2, InputPC: 0x1002, Size: 2, Cond: CondEqual,
			Target: f.getOrCreateLabel(0x8), HasTarget: true, Mnemonic: "JE"},
		{Kind: KindOther, Offset: 0x4, InputPC: 0x1004, Size: 2, Mnemonic: "MOV"},
		{Kind: KindBranch, Offset: 0x6, InputPC: 0x1006, Size: 2,
			Target: f.getOrCreateLabel(0xa), HasTarget: true, Mnemonic: "JMP"},
		{Kind: KindOther, Offset: 0x8, InputPC: 0x1008, Size: 2, Mnemonic: "MOV"},
		{Kind: KindReturn, Offset: 0xa, InputPC: 0x100a, Size: 1, Mnemonic: "RET"},
	}
	f.localBranches = []localBranch{{FromOffset: 0x2, ToOffset: 0x8}, {FromOffset: 0x6, ToOffset: 0xa}}
	return f
}

func TestBuildCFGDiamond(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	require.True(t, f.Simple, "diamond must stay simple")
	require.Equal(t, StateCFG, f.State)
	require.Len(t, f.Blocks, 4)

	offsets := []uint64{0x0, 0x4, 0x8, 0xa}
	for i, b := range f.Blocks {
		require.Equal(t, offsets[i], b.InputOffset, "block %d", i)
		require.Equal(t, i, b.Index)
	}

	entry := f.Blocks[0]
	left := f.Blocks[1]  // 0x4, fall-through path
	right := f.Blocks[2] // 0x8, taken path
	exit := f.Blocks[3]

	require.ElementsMatch(t, []*BasicBlock{left, right}, entry.Successors)
	require.Equal(t, []*BasicBlock{exit}, left.Successors)
	require.Equal(t, []*BasicBlock{exit}, right.Successors)
	require.Empty(t, exit.Successors)
	require.Len(t, exit.Predecessors, 2)

	require.NoError(t, f.ValidateCFG())
	require.Nil(t, f.insns, "instruction map must be discarded after CFG build")
}

func TestBuildCFGTakenAndFallthrough(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	entry := f.Blocks[0]
	require.Same(t, f.Blocks[2], entry.TakenSuccessor())
	require.Same(t, f.Blocks[1], entry.FallthroughSuccessor())
}

func TestBuildCFGBranchOutsideBlockMapDemotes(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("broken", 0x1000, 4, 4, nil)
	f.State = StateDisassembled
	f.insns = []Instruction{
		{Kind: KindCondBranch, Offset: 0, Size: 2, Target: f.getOrCreateLabel(0x20), HasTarget: true},
		{Kind: KindReturn, Offset: 2, Size: 2},
	}
	f.localBranches = []localBranch{{FromOffset: 0, ToOffset: 0x20}}

	require.NoError(t, f.BuildCFG())
	require.False(t, f.Simple, "out-of-range branch must demote")
}

func TestBuildCFGEmptyDemotes(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("empty", 0x1000, 0, 0, nil)
	f.State = StateDisassembled
	require.NoError(t, f.BuildCFG())
	require.False(t, f.Simple)
}

func TestBuildCFGJumpTableDispatch(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("dispatch", 0x1000, 8, 8, nil)
	f.State = StateDisassembled

	jt := NewJumpTable(0x5000, nil, JumpTableNormal, 8)
	jt.Parent = f
	jt.RawTargets = []uint64{0x1003, 0x1005}
	f.getOrCreateLabel(0x3)
	f.getOrCreateLabel(0x5)
	f.JumpTables[0x5000] = jt

	f.insns = []Instruction{
		{Kind: KindIndirectBranch, Offset: 0x0, Size: 3, HasMemAddr: true, MemAddr: 0x5000, Mnemonic: "JMP"},
		{Kind: KindOther, Offset: 0x3, Size: 2, Mnemonic: "MOV"},
		{Kind: KindReturn, Offset: 0x5, Size: 3, Mnemonic: "RET"},
	}

	require.NoError(t, f.BuildCFG())
	require.True(t, f.Simple)
	require.Len(t, f.Blocks, 3)

	entry := f.Blocks[0]
	require.Len(t, entry.Successors, 2)
	require.Len(t, jt.Targets, 2)
	require.Nil(t, jt.RawTargets, "raw targets are invalid past CFG construction")
	require.Same(t, f.Blocks[1].Label, jt.Targets[0])
	require.Same(t, f.Blocks[2].Label, jt.Targets[1])
}

func TestEliminateUnreachable(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())

	// Detach the taken edge; block 0x8 keeps its fall-through out-edge but
	// loses its only way in.
	entry := f.Blocks[0]
	right := f.Blocks[2]
	entry.RemoveSuccessor(right)

	removed := f.EliminateUnreachable()
	require.Equal(t, 1, removed)
	require.Len(t, f.Blocks, 3)
	for i, b := range f.Blocks {
		require.Equal(t, i, b.Index, "indices must be renumbered")
		require.NotSame(t, right, b)
	}
	// The exit block no longer lists the removed block as a predecessor
	exit := f.Blocks[2]
	require.Len(t, exit.Predecessors, 1)
}

func TestEliminateUnreachableKeepsLandingPads(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	entry := f.Blocks[0]
	right := f.Blocks[2]
	entry.RemoveSuccessor(right)
	// An invoke in the entry keeps the detached block alive as a landing pad
	entry.LandingPads = append(entry.LandingPads, right)
	right.Throwers = append(right.Throwers, entry)

	require.Equal(t, 0, f.EliminateUnreachable())
	require.Len(t, f.Blocks, 4)
}

func TestCFIStatePropagation(t *testing.T) {
	f := diamondFunction(t)
	// def_cfa at entry, def_cfa_offset before the instruction at 0x8
	f.AddCFIInstruction(0, FrameInstruction{Op: CFIDefCfa, Reg: 7, Offset: 8})
	f.AddCFIInstruction(0x8, FrameInstruction{Op: CFIDefCfaOffset, Offset: 16})

	require.NoError(t, f.BuildCFG())
	require.Equal(t, 0, f.Blocks[0].CFIState)
	require.Equal(t, 1, f.Blocks[1].CFIState, "state after the entry CFI")
	// The second CFI pins after the jump at 0x6, so it prevails from 0x8 on
	require.Equal(t, 2, f.Blocks[2].CFIState)
	require.Equal(t, 2, f.Blocks[3].CFIState)
}
