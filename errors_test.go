// Completion: 100% - Error classification tests complete
package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRecoverable(t *testing.T) {
	require.True(t, IsRecoverable(recoverable(errDisasmFailed, "function %s", "f")))
	require.True(t, IsRecoverable(errBadCFG))
	require.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", errCFIRepair)))
	require.False(t, IsRecoverable(fatalErr(0x40, "bad header")))
	require.False(t, IsRecoverable(fmt.Errorf("plain failure")))
}

func TestPipelineErrorMessage(t *testing.T) {
	err := fatalErr(0x40, "bad %s", "magic")
	require.Equal(t, "fatal at file offset 0x40: bad magic", err.Error())

	rec := recoverable(errDisasmFailed, "function f")
	require.Equal(t, "recoverable: function f: disassembly failed", rec.Error())
	require.ErrorIs(t, rec, errDisasmFailed)
}
