// Completion: 100% - Binary context tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testContext builds an x86_64 context with default options for fixtures
func testContext(t *testing.T) *BinaryContext {
	t.Helper()
	bc, err := NewBinaryContext(ArchX86_64, DefaultOptions())
	require.NoError(t, err)
	return bc
}

func TestRegisterSectionDeduplicates(t *testing.T) {
	bc := testContext(t)
	first := NewBinarySection(".text", 0x1000, make([]byte, 16), 16, SecAlloc|SecText)
	second := NewBinarySection(".text", 0x2000, make([]byte, 16), 16, SecAlloc|SecText)

	got := bc.RegisterSection(first)
	require.Same(t, first, got)
	got = bc.RegisterSection(second)
	require.Same(t, first, got, "input sections keep the first registration")
	require.Same(t, first, bc.SectionByName(".text"))
}

func TestSectionForAddress(t *testing.T) {
	bc := testContext(t)
	text := bc.RegisterSection(NewBinarySection(".text", 0x1000, make([]byte, 0x100), 16, SecAlloc|SecText))
	data := bc.RegisterSection(NewBinarySection(".data", 0x2000, make([]byte, 0x100), 8, SecAlloc|SecWritable))

	require.Same(t, text, bc.SectionForAddress(0x1000))
	require.Same(t, text, bc.SectionForAddress(0x10ff))
	require.Same(t, data, bc.SectionForAddress(0x2080))
	require.Nil(t, bc.SectionForAddress(0x1100))
	require.Nil(t, bc.SectionForAddress(0x3000))
}

func TestRegisterNameAtAddressAliases(t *testing.T) {
	bc := testContext(t)
	a, err := bc.RegisterNameAtAddress("object", 0x2000, 8, 1, 0)
	require.NoError(t, err)
	b, err := bc.RegisterNameAtAddress("alias", 0x2000, 8, 1, 0)
	require.NoError(t, err)
	require.NotSame(t, a, b)

	d := bc.BinaryDataByName("object")
	require.NotNil(t, d)
	require.Same(t, d, bc.BinaryDataByName("alias"), "same address and size merge onto one object")
	require.True(t, d.HasName("alias"))
}

func TestRegisterNameAtAddressUniquifier(t *testing.T) {
	bc := testContext(t)
	_, err := bc.RegisterNameAtAddress("dup", 0x2000, 8, 1, 0)
	require.NoError(t, err)
	s, err := bc.RegisterNameAtAddress("dup", 0x3000, 8, 1, 0)
	require.NoError(t, err)
	require.NotEqual(t, "dup", s.Name, "colliding names are disambiguated")
	require.NotNil(t, bc.BinaryDataByName(s.Name))
}

func TestGetOrCreateGlobalSymbol(t *testing.T) {
	bc := testContext(t)
	s1, err := bc.GetOrCreateGlobalSymbol(0x4000, "SYMBOLat", 8, 1, 0)
	require.NoError(t, err)
	require.Equal(t, "SYMBOLat0x4000", s1.Name)

	s2, err := bc.GetOrCreateGlobalSymbol(0x4000, "SYMBOLat", 8, 1, 0)
	require.NoError(t, err)
	require.Same(t, s1, s2, "second lookup returns the existing symbol")
}

func TestNextSymbolAddressAfter(t *testing.T) {
	bc := testContext(t)
	_, err := bc.RegisterNameAtAddress("a", 0x1000, 8, 1, 0)
	require.NoError(t, err)
	_, err = bc.RegisterNameAtAddress("b", 0x1800, 8, 1, 0)
	require.NoError(t, err)

	require.Equal(t, uint64(0x1800), bc.NextSymbolAddressAfter(0x1000, 0x2000))
	require.Equal(t, uint64(0x2000), bc.NextSymbolAddressAfter(0x1800, 0x2000))
}

func TestRegisterFunctionMergesAliases(t *testing.T) {
	bc := testContext(t)
	f1 := bc.RegisterFunction("main", 0x1000, 0x40, 0x40, nil)
	f2 := bc.RegisterFunction("entry_alias", 0x1000, 0x40, 0x40, nil)
	require.Same(t, f1, f2)
	require.True(t, f1.HasName("entry_alias"))
	require.Same(t, f1, bc.FunctionByName("entry_alias"))
}

func TestFunctionForAddress(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x40, 0x40, nil)
	require.Same(t, f, bc.FunctionForAddress(0x1000))
	require.Same(t, f, bc.FunctionForAddress(0x103f))
	require.Nil(t, bc.FunctionForAddress(0x1040))
}

func TestFoldFunctionRelocationMode(t *testing.T) {
	bc := testContext(t)
	bc.HasRelocations = true
	parent := bc.RegisterFunction("parent", 0x1000, 0x40, 0x40, nil)
	child := bc.RegisterFunction("child", 0x2000, 0x40, 0x40, nil)
	child.ExecutionCount = 10
	parent.ExecutionCount = 5

	caller := bc.RegisterFunction("caller", 0x3000, 0x40, 0x40, nil)
	caller.State = StateCFG
	cb := &BasicBlock{Func: caller}
	cb.AddInstruction(Instruction{Kind: KindCall, Target: child.Symbol(), HasTarget: true})
	caller.Blocks = []*BasicBlock{cb}

	bc.FoldFunction(child, parent)

	require.True(t, child.Folded)
	require.Nil(t, bc.FunctionByName("child"))
	require.True(t, parent.HasName("child"))
	require.Equal(t, uint64(15), parent.ExecutionCount)
	require.Same(t, parent.Symbol(), cb.Instructions[0].Target, "call was redirected")
}

func TestFoldFunctionNonRelocationMode(t *testing.T) {
	bc := testContext(t)
	parent := bc.RegisterFunction("parent", 0x1000, 0x40, 0x40, nil)
	child := bc.RegisterFunction("child", 0x2000, 0x40, 0x40, nil)

	bc.FoldFunction(child, parent)

	require.True(t, child.Folded)
	require.Nil(t, bc.FunctionByName("child"))
	require.Same(t, child, bc.FunctionByName("__ICF_child"), "folded body stays reachable under a new name")
}

func TestValidateObjectNesting(t *testing.T) {
	bc := testContext(t)
	_, err := bc.RegisterNameAtAddress("outer", 0x1000, 0x100, 1, 0)
	require.NoError(t, err)
	_, err = bc.RegisterNameAtAddress("inner", 0x1010, 0x10, 1, 0)
	require.NoError(t, err)
	require.NoError(t, bc.ValidateObjectNesting())
}
