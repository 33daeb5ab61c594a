// Completion: 100% - Function ordering tests complete
package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// profiledCaller gives f one block that calls target freq times
func profiledCaller(f *BinaryFunction, freq uint64, target uint64) {
	f.State = StateCFG
	f.HasProfile = true
	b := &BasicBlock{Index: 0, Func: f, ExecutionCount: freq}
	b.AddInstruction(Instruction{Kind: KindCall, HasTarget: true, TargetAddr: target})
	f.Blocks = []*BasicBlock{b}
}

func TestBuildCallGraph(t *testing.T) {
	bc := testContext(t)
	a := bc.RegisterFunction("a", 0x1000, 0x20, 0x20, nil)
	b := bc.RegisterFunction("b", 0x2000, 0x20, 0x20, nil)
	profiledCaller(a, 50, 0x2000)

	// A second call site into the same callee accumulates
	blk := &BasicBlock{Index: 1, Func: a, ExecutionCount: 25}
	blk.AddInstruction(Instruction{Kind: KindCall, HasTarget: true, TargetAddr: 0x2000})
	// Calls into the middle of a function carry no arc
	blk.AddInstruction(Instruction{Kind: KindCall, HasTarget: true, TargetAddr: 0x2008})
	// Self-calls carry no arc either
	blk.AddInstruction(Instruction{Kind: KindCall, HasTarget: true, TargetAddr: 0x1000})
	a.Blocks = append(a.Blocks, blk)

	arcs := buildCallGraph(bc)
	require.Len(t, arcs, 1)
	require.Same(t, a, arcs[0].from)
	require.Same(t, b, arcs[0].to)
	require.Equal(t, uint64(75), arcs[0].weight)
}

func TestReorderFunctionsClustersCallerWithCallee(t *testing.T) {
	bc := testContext(t)
	bc.Opts.ReorderFunctions = ReorderFunctionsHFSort

	a := bc.RegisterFunction("a", 0x1000, 0x20, 0x20, nil)
	b := bc.RegisterFunction("b", 0x2000, 0x20, 0x20, nil)
	c := bc.RegisterFunction("c", 0x3000, 0x20, 0x20, nil)
	profiledCaller(a, 100, 0x2000)
	a.ExecutionCount = 100
	b.ExecutionCount = 100

	p := &ReorderFunctionsPass{}
	require.NoError(t, p.Run(bc))

	require.Equal(t, 0, a.OutputOrder, "hot cluster leads")
	require.Equal(t, 1, b.OutputOrder, "callee rides with its caller")
	require.Equal(t, 2, c.OutputOrder, "unprofiled function trails")
}

func TestReorderFunctionsNoArcsLeavesOrderAlone(t *testing.T) {
	bc := testContext(t)
	bc.Opts.ReorderFunctions = ReorderFunctionsHFSort
	f := bc.RegisterFunction("f", 0x1000, 0x20, 0x20, nil)

	p := &ReorderFunctionsPass{}
	require.NoError(t, p.Run(bc))
	require.Equal(t, -1, f.OutputOrder)
}

func TestApplyUserOrder(t *testing.T) {
	bc := testContext(t)
	a := bc.RegisterFunction("a", 0x1000, 0x20, 0x20, nil)
	b := bc.RegisterFunction("b", 0x2000, 0x20, 0x20, nil)
	c := bc.RegisterFunction("c", 0x3000, 0x20, 0x20, nil)

	path := filepath.Join(t.TempDir(), "order.txt")
	require.NoError(t, os.WriteFile(path, []byte("c\n\nnosuch\na\n"), 0o644))
	t.Setenv("RELAYOUT_FUNCTION_ORDER", path)

	require.NoError(t, applyUserOrder(bc))
	require.Equal(t, 0, c.OutputOrder)
	require.Equal(t, 1, a.OutputOrder, "unknown names are skipped without ranking")
	require.Equal(t, -1, b.OutputOrder, "unlisted functions keep input placement")
}
