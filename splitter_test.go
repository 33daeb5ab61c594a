// Completion: 100% - Hot/cold splitting tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFunctionsConservative(t *testing.T) {
	f := hotDiamond(t)
	f.Context().Opts.SplitFunctions = 1
	entry, left, right, exit := f.Blocks[0], f.Blocks[1], f.Blocks[2], f.Blocks[3]
	entry.ExecutionCount = 101
	left.ExecutionCount = 1
	right.ExecutionCount = 0
	exit.ExecutionCount = 0

	// Only the trailing run of dead blocks splits off
	require.NoError(t, f.SetLayout([]*BasicBlock{entry, left, right, exit}))
	p := &SplitFunctionsPass{}
	require.NoError(t, p.RunOnFunction(f, 0))

	require.True(t, f.Split)
	require.False(t, entry.IsCold)
	require.False(t, left.IsCold)
	require.True(t, right.IsCold)
	require.True(t, exit.IsCold)
}

func TestSplitFunctionsConservativeIgnoresInteriorColdBlock(t *testing.T) {
	f := hotDiamond(t)
	f.Context().Opts.SplitFunctions = 1
	entry, left, right, exit := f.Blocks[0], f.Blocks[1], f.Blocks[2], f.Blocks[3]
	entry.ExecutionCount = 101
	left.ExecutionCount = 0
	right.ExecutionCount = 100
	exit.ExecutionCount = 101

	require.NoError(t, f.SetLayout([]*BasicBlock{entry, left, right, exit}))
	p := &SplitFunctionsPass{}
	require.NoError(t, p.RunOnFunction(f, 0))

	require.False(t, f.Split, "cold block shielded by hot blocks stays put")
	require.False(t, left.IsCold)
}

func TestSplitFunctionsAggressive(t *testing.T) {
	f := hotDiamond(t)
	f.Context().Opts.SplitFunctions = 2
	entry, left, right, exit := f.Blocks[0], f.Blocks[1], f.Blocks[2], f.Blocks[3]
	entry.ExecutionCount = 101
	left.ExecutionCount = 0
	right.ExecutionCount = 100
	exit.ExecutionCount = 101

	require.NoError(t, f.SetLayout([]*BasicBlock{entry, left, right, exit}))
	p := &SplitFunctionsPass{}
	require.NoError(t, p.RunOnFunction(f, 0))

	require.True(t, f.Split)
	require.True(t, left.IsCold)
	require.Equal(t, []*BasicBlock{entry, right, exit, left}, f.LayoutOrder(),
		"cold block moved behind the hot half")

	// Branches were repaired for the new order: the entry now falls through
	// to the old taken block under a reversed condition.
	term := entry.Terminator()
	require.Equal(t, CondNotEqual, term.Cond)
	require.Same(t, left.Label, term.Target)
}

func TestSplitFunctionsEntryNeverCold(t *testing.T) {
	f := hotDiamond(t)
	f.Context().Opts.SplitFunctions = 2
	for _, b := range f.Blocks {
		b.ExecutionCount = 0
	}

	p := &SplitFunctionsPass{}
	require.NoError(t, p.RunOnFunction(f, 0))
	require.False(t, f.Blocks[0].IsCold)
}

func TestSplitFunctionsPredicate(t *testing.T) {
	f := hotDiamond(t)
	p := &SplitFunctionsPass{}
	require.True(t, p.Predicate(f))

	f.LSDA = &LSDAInfo{}
	require.False(t, p.Predicate(f), "functions with exception tables stay whole")
}
