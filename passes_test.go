// Completion: 100% - Pass dispatch tests complete
package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskCost(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())

	require.Equal(t, uint64(1), taskCost(ScheduleByFunc, f))
	require.Equal(t, uint64(4), taskCost(ScheduleByBlockCount, f))
	require.Equal(t, uint64(16), taskCost(ScheduleByBlockCountSquared, f))
	require.Equal(t, uint64(6), taskCost(ScheduleByInsnCount, f))
	require.Equal(t, uint64(36), taskCost(ScheduleByInsnCountSquared, f))
}

func TestRunParallelBothDispatchPaths(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	bc := f.Context()

	pm := NewPassManager(bc)
	for _, threads := range []int{1, 4} {
		bc.Opts.Threads = threads
		require.NoError(t, pm.runParallel(&ValidateCFGPass{}), "threads=%d", threads)
	}
}
