// Completion: 100% - YAML profile tests complete
package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const diamondYAML = `header:
  profile-version: 1
  binary-name: a.out
functions:
  - name: diamond
    fid: 1
    exec: 101
    nblocks: 4
    blocks:
      - bid: 0
        exec: 101
        succ:
          - bid: 2
            cnt: 100
            mis: 3
          - bid: 1
            cnt: 1
`

func writeProfile(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestParseYAMLProfile(t *testing.T) {
	p, err := ParseYAMLProfile(writeProfile(t, diamondYAML))
	require.NoError(t, err)
	require.Equal(t, 1, p.Header.Version)
	require.Len(t, p.Functions, 1)
	require.Equal(t, "diamond", p.Functions[0].Name)
	require.Equal(t, uint64(101), p.Functions[0].ExecCount)
	require.Len(t, p.Functions[0].Blocks[0].Successors, 2)
}

func TestParseYAMLProfileRejectsVersion(t *testing.T) {
	_, err := ParseYAMLProfile(writeProfile(t, "header:\n  profile-version: 9\n"))
	require.Error(t, err)
}

func TestBindYAMLProfile(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	bc := f.Context()

	p, err := ParseYAMLProfile(writeProfile(t, diamondYAML))
	require.NoError(t, err)
	bound, err := BindYAMLProfile(bc, p)
	require.NoError(t, err)
	require.Equal(t, 1, bound)

	require.True(t, f.HasProfile)
	require.Equal(t, uint64(101), f.ExecutionCount)
	entry := f.Blocks[0]
	require.Equal(t, uint64(101), entry.ExecutionCount)
	info, ok := entry.SuccessorInfo(f.Blocks[2])
	require.True(t, ok)
	require.Equal(t, uint64(100), info.Count)
	require.Equal(t, uint64(3), info.Mispredicts)
}

func TestBindYAMLProfileSkipsShapeMismatch(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())
	bc := f.Context()

	p := &YAMLProfile{
		Header:    YAMLProfileHeader{Version: 1},
		Functions: []YAMLProfileFunction{{Name: "diamond", ExecCount: 5, NumBlocks: 7}},
	}
	bound, err := BindYAMLProfile(bc, p)
	require.NoError(t, err)
	require.Zero(t, bound)
	require.False(t, f.HasProfile, "stale profiles must not bind")
}
