// Completion: 100% - Output note tests complete
package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltInfoNote(t *testing.T) {
	out := BoltInfoNote("relayout -reorder-blocks=cache a.out")

	require.Equal(t, uint32(9), binary.LittleEndian.Uint32(out), "name size includes the NUL")
	descLen := binary.LittleEndian.Uint32(out[4:])
	require.Equal(t, uint32(36), descLen)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(out[8:]), "note type")

	require.Equal(t, []byte("relayout\x00"), out[12:21])
	// Name pads to the 4-byte boundary before the descriptor
	require.Equal(t, []byte{0, 0, 0}, out[21:24])
	require.Equal(t, "relayout -reorder-blocks=cache a.out", string(out[24:24+descLen]))
	require.Zero(t, len(out)%4, "note records are 4-byte aligned")
}

func TestBATNote(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x20, 0x20, nil)
	f.State = StateAssembled
	f.ImageAddress = 0x600000
	f.Blocks = []*BasicBlock{
		placedBlock(f, 0, 0x00, 0x600000, 0x10),
		placedBlock(f, 1, 0x10, 0x600010, 0x10),
	}
	// Functions never emitted contribute nothing
	bc.RegisterFunction("skipped", 0x2000, 0x20, 0x20, nil)

	out := BATNote(bc)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(out), "one translated function")
	require.Equal(t, uint64(0x600000), binary.LittleEndian.Uint64(out[4:]))
	require.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(out[12:]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(out[20:]))

	// Block pairs are (output offset, input offset)
	require.Equal(t, uint32(0x00), binary.LittleEndian.Uint32(out[24:]))
	require.Equal(t, uint32(0x00), binary.LittleEndian.Uint32(out[28:]))
	require.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(out[32:]))
	require.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(out[36:]))
	require.Len(t, out, 40)
}
