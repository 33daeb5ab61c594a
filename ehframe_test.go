// Completion: 100% - .eh_frame codec tests complete
package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/relayout/internal/engine"
)

func TestParseCFIProgram(t *testing.T) {
	cie := &ehCIE{codeAlign: 2, dataAlign: -8, fdeEnc: engine.EncAbsPtr}
	prog := []byte{
		0x41,       // advance_loc 1 (scaled by code alignment)
		0x8e, 0x02, // offset r14, factored 2
		0x0a,       // remember_state
		0x0e, 0x20, // def_cfa_offset 32
		0x0b, // restore_state
		0x00, // nop
	}

	ops, err := parseCFIProgram(prog, 0, len(prog), 0, 0, cie)
	require.NoError(t, err)
	require.Len(t, ops, 4, "nops emit nothing")

	for _, op := range ops {
		require.Equal(t, uint64(2), op.Offset, "advance is scaled by code alignment")
	}
	require.Equal(t, CFIOffset, ops[0].FI.Op)
	require.Equal(t, uint64(14), ops[0].FI.Reg)
	require.Equal(t, int64(-16), ops[0].FI.Offset, "factored offset multiplied out")
	require.Equal(t, CFIRememberState, ops[1].FI.Op)
	require.Equal(t, CFIDefCfaOffset, ops[2].FI.Op)
	require.Equal(t, int64(0x20), ops[2].FI.Offset)
	require.Equal(t, CFIRestoreState, ops[3].FI.Op)
}

func TestParseCFIProgramRejectsUnknownOpcode(t *testing.T) {
	cie := &ehCIE{codeAlign: 1, dataAlign: -8}
	_, err := parseCFIProgram([]byte{0x3f}, 0, 1, 0, 0, cie)
	require.Error(t, err)
}

func TestEncodeCFIOpForms(t *testing.T) {
	tests := []struct {
		name string
		fi   FrameInstruction
		want []byte
	}{
		{"def_cfa", FrameInstruction{Op: CFIDefCfa, Reg: 7, Offset: 8}, []byte{dwCFADefCfa, 7, 8}},
		{"def_cfa_register", FrameInstruction{Op: CFIDefCfaRegister, Reg: 6}, []byte{dwCFADefCfaRegister, 6}},
		{"def_cfa_offset", FrameInstruction{Op: CFIDefCfaOffset, Offset: 16}, []byte{dwCFADefCfaOffset, 16}},
		{"offset_compact", FrameInstruction{Op: CFIOffset, Reg: 14, Offset: -16}, []byte{dwCFAOffsetHi | 14, 2}},
		{"offset_extended", FrameInstruction{Op: CFIOffset, Reg: 0x41, Offset: -16}, []byte{dwCFAOffsetExtended, 0x41, 2}},
		{"restore_compact", FrameInstruction{Op: CFIRestore, Reg: 3}, []byte{dwCFARestoreHi | 3}},
		{"restore_extended", FrameInstruction{Op: CFIRestore, Reg: 0x41}, []byte{dwCFARestoreExtended, 0x41}},
		{"remember", FrameInstruction{Op: CFIRememberState}, []byte{dwCFARememberState}},
		{"escape", FrameInstruction{Op: CFIEscape, Bytes: []byte{0x10, 0x02, 0x76, 0x08}}, []byte{0x10, 0x02, 0x76, 0x08}},
		{"gnu_args_size", FrameInstruction{Op: CFIGnuArgsSize, Offset: 32}, []byte{dwCFAGNUArgsSize, 32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeCFIOp(nil, tt.fi, -8)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeCFIOpRejectsUnfactorableOffset(t *testing.T) {
	_, err := encodeCFIOp(nil, FrameInstruction{Op: CFIOffset, Reg: 14, Offset: -12}, -8)
	require.Error(t, err, "offset must divide by the data alignment")
}

func TestAppendAdvanceLoc(t *testing.T) {
	tests := []struct {
		delta, align uint64
		want         []byte
	}{
		{0, 1, nil},
		{5, 1, []byte{dwCFAAdvanceLocHi | 5}},
		{0x3f, 1, []byte{dwCFAAdvanceLocHi | 0x3f}},
		{0x40, 1, []byte{dwCFAAdvanceLoc1, 0x40}},
		{0x1234, 1, []byte{dwCFAAdvanceLoc2, 0x34, 0x12}},
		{0x12345, 1, []byte{dwCFAAdvanceLoc4, 0x45, 0x23, 0x01, 0x00}},
		{8, 4, []byte{dwCFAAdvanceLocHi | 2}},
	}
	for _, tt := range tests {
		got, err := appendAdvanceLoc(nil, tt.delta, tt.align)
		require.NoError(t, err, "delta %#x", tt.delta)
		require.Equal(t, tt.want, got, "delta %#x align %d", tt.delta, tt.align)
	}

	_, err := appendAdvanceLoc(nil, 3, 2)
	require.Error(t, err, "advance must divide by the code alignment")
}

func TestSealRecordPadsToEight(t *testing.T) {
	rec, err := sealRecord(0, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	// id + 5 body bytes rounds up to 16; the length field excludes itself
	require.Len(t, rec, 20)
	require.Equal(t, uint32(16), binary.LittleEndian.Uint32(rec))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(rec[4:]))
	for _, b := range rec[13:] {
		require.Equal(t, byte(dwCFANop), b, "padding is nops")
	}
}

func TestEHFrameWriterDedupsCIEs(t *testing.T) {
	bc := testContext(t)
	w := NewEHFrameWriter()
	for i, name := range []string{"f1", "f2"} {
		f := bc.RegisterFunction(name, uint64(0x1000*(i+1)), 0x20, 0x20, nil)
		f.HasCFI = true
		f.CIECodeAlign = 1
		f.CIEDataAlign = -8
		f.RAReg = 16
		f.ImageAddress = uint64(0x600000 + 0x100*i)
		f.ImageSize = 0x20
		require.NoError(t, w.Add(f, 0))
	}
	require.Len(t, w.fdes, 2)
	require.Len(t, w.cies, 1, "identical frame setups share a CIE")
}

func TestEHFrameWriterEncode(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x40, 0x40, nil)
	f.HasCFI = true
	f.CIECodeAlign = 1
	f.CIEDataAlign = -8
	f.RAReg = 16
	f.FrameInstructions = []FrameInstruction{{Op: CFIDefCfaOffset, Offset: 16}}
	f.OutputCFI = []CFIPlacement{{Offset: 2, Index: 0}}
	f.ImageAddress = 0x600000
	f.ImageSize = 0x40

	w := NewEHFrameWriter()
	require.NoError(t, w.Add(f, 0))

	const baseVA = 0x700000
	out, entries, err := w.Encode(baseVA)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(0x600000), entries[0].InitLoc)

	// CIE first: id zero, then the FDE the index entry points at
	cieLen := int(binary.LittleEndian.Uint32(out)) + 4
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(out[4:]))
	fdeStart := cieLen
	require.Equal(t, baseVA+uint64(fdeStart), entries[0].FDEAddr)

	// The CIE pointer counts back to the CIE start
	require.Equal(t, uint32(fdeStart+4), binary.LittleEndian.Uint32(out[fdeStart+4:]))

	// Initial location is PC-relative to its own field
	fieldVA := uint64(baseVA + fdeStart + 8)
	delta := int32(binary.LittleEndian.Uint32(out[fdeStart+8:]))
	require.Equal(t, uint64(0x600000), uint64(int64(fieldVA)+int64(delta)))
	require.Equal(t, uint32(0x40), binary.LittleEndian.Uint32(out[fdeStart+12:]))

	// Section ends with the zero terminator
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(out[len(out)-4:]))
}

func TestWriteEHFrameHdr(t *testing.T) {
	const hdrVA = 0x400000
	const ehFrameVA = 0x400100
	entries := []FDEIndexEntry{
		{InitLoc: 0x601000, FDEAddr: 0x400140},
		{InitLoc: 0x600000, FDEAddr: 0x400120},
	}

	out := WriteEHFrameHdr(hdrVA, ehFrameVA, entries)
	require.Len(t, out, 12+len(entries)*8)
	require.Equal(t, byte(1), out[0])
	require.Equal(t, byte(engine.EncPCRel|engine.EncSData4), out[1])
	require.Equal(t, byte(engine.EncUData4), out[2])
	require.Equal(t, byte(engine.EncDataRel|engine.EncSData4), out[3])

	require.Equal(t, uint32(ehFrameVA-(hdrVA+4)), binary.LittleEndian.Uint32(out[4:]))
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(out[8:]))

	// Table is sorted by initial location, offsets relative to the header
	require.Equal(t, uint32(0x600000-hdrVA), binary.LittleEndian.Uint32(out[12:]))
	require.Equal(t, uint32(0x400120-hdrVA), binary.LittleEndian.Uint32(out[16:]))
	require.Equal(t, uint32(0x601000-hdrVA), binary.LittleEndian.Uint32(out[20:]))
	require.Equal(t, uint32(0x400140-hdrVA), binary.LittleEndian.Uint32(out[24:]))
}
