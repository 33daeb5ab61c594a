// Completion: 95% - .eh_frame parse/rewrite complete; extended-length records unsupported
package main

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xyproto/relayout/internal/engine"
)

// ehframe.go - DWARF call-frame section handling
//
// Parsing walks .eh_frame once, decodes every CIE, and attaches each FDE's
// frame program to its function through AddCFIInstruction. Writing goes the
// other way: rewritten functions get fresh FDEs against output addresses in
// a new .eh_frame, while functions left in place keep their original
// records; .eh_frame_hdr is regenerated over both.

// DWARF call-frame opcodes
const (
	dwCFANop              = 0x00
	dwCFASetLoc           = 0x01
	dwCFAAdvanceLoc1      = 0x02
	dwCFAAdvanceLoc2      = 0x03
	dwCFAAdvanceLoc4      = 0x04
	dwCFAOffsetExtended   = 0x05
	dwCFARestoreExtended  = 0x06
	dwCFAUndefined        = 0x07
	dwCFASameValue        = 0x08
	dwCFARegister         = 0x09
	dwCFARememberState    = 0x0a
	dwCFARestoreState     = 0x0b
	dwCFADefCfa           = 0x0c
	dwCFADefCfaRegister   = 0x0d
	dwCFADefCfaOffset     = 0x0e
	dwCFADefCfaExpression = 0x0f
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11
	dwCFADefCfaSF         = 0x12
	dwCFADefCfaOffsetSF   = 0x13
	dwCFAValOffset        = 0x14
	dwCFAValOffsetSF      = 0x15
	dwCFAValExpression    = 0x16
	dwCFAGNUArgsSize      = 0x2e

	dwCFAAdvanceLocHi = 0x40
	dwCFAOffsetHi     = 0x80
	dwCFARestoreHi    = 0xc0
)

// CFIPlacement records where a frame instruction landed in the output body
type CFIPlacement struct {
	Offset uint64 // from the fragment start
	Index  int    // into FrameInstructions
}

// FDEIndexEntry is one (initial location, FDE address) pair for the
// .eh_frame_hdr binary-search table.
type FDEIndexEntry struct {
	InitLoc uint64
	FDEAddr uint64
}

// EHFrameIndex holds the FDE geometry of the input .eh_frame
type EHFrameIndex struct {
	Entries []FDEIndexEntry
}

// ehCIE is one decoded Common Information Entry
type ehCIE struct {
	codeAlign uint64
	dataAlign int64
	raReg     uint64
	fdeEnc    byte
	lsdaEnc   byte
	persEnc   byte
	persAddr  uint64
	hasPers   bool
	program   []FrameInstruction
}

// locatedCFI pairs a frame instruction with its code offset
type locatedCFI struct {
	Offset uint64
	FI     FrameInstruction
}

// ParseEHFrame decodes .eh_frame and attaches CFI to every covered
// function. Functions whose frame program cannot be decoded are demoted.
func ParseEHFrame(bc *BinaryContext) (*EHFrameIndex, error) {
	sec := bc.SectionByName(".eh_frame")
	if sec == nil {
		return &EHFrameIndex{}, nil
	}
	data := sec.Contents()
	secVA := sec.InputAddress
	index := &EHFrameIndex{}
	cies := make(map[int]*ehCIE)

	pos := 0
	for pos+4 <= len(data) {
		recStart := pos
		length := binary.LittleEndian.Uint32(data[pos:])
		if length == 0 {
			break // terminator
		}
		if length == 0xffffffff {
			return nil, fmt.Errorf(".eh_frame: 64-bit extended records are not supported")
		}
		recEnd := pos + 4 + int(length)
		if recEnd > len(data) {
			return nil, fmt.Errorf(".eh_frame: record at %#x overruns section", secVA+uint64(recStart))
		}
		idPos := pos + 4
		id := binary.LittleEndian.Uint32(data[idPos:])
		if id == 0 {
			cie, err := parseCIE(data, idPos+4, recEnd, secVA)
			if err != nil {
				return nil, fmt.Errorf(".eh_frame: CIE at %#x: %w", secVA+uint64(recStart), err)
			}
			cies[recStart] = cie
		} else {
			cieStart := idPos - int(id)
			cie := cies[cieStart]
			if cie == nil {
				return nil, fmt.Errorf(".eh_frame: FDE at %#x references unknown CIE", secVA+uint64(recStart))
			}
			if err := parseFDE(bc, data, idPos+4, recEnd, secVA, uint64(recStart), cie, index); err != nil {
				return nil, err
			}
		}
		pos = recEnd
	}
	return index, nil
}

// parseCIE decodes one CIE starting after the CIE id field
func parseCIE(data []byte, start, end int, secVA uint64) (*ehCIE, error) {
	r := engine.NewReader(data[:end])
	r.Pos = start

	version, err := r.U8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 {
		return nil, fmt.Errorf("unsupported CIE version %d", version)
	}
	aug, err := r.CStr()
	if err != nil {
		return nil, err
	}
	cie := &ehCIE{fdeEnc: engine.EncAbsPtr, lsdaEnc: engine.EncOmit}
	if cie.codeAlign, err = r.ULEB(); err != nil {
		return nil, err
	}
	if cie.dataAlign, err = r.SLEB(); err != nil {
		return nil, err
	}
	if version == 1 {
		ra, err := r.U8()
		if err != nil {
			return nil, err
		}
		cie.raReg = uint64(ra)
	} else {
		if cie.raReg, err = r.ULEB(); err != nil {
			return nil, err
		}
	}

	if len(aug) > 0 && aug[0] == 'z' {
		augLen, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		augEnd := r.Pos + int(augLen)
		for _, c := range aug[1:] {
			switch c {
			case 'P':
				if cie.persEnc, err = r.U8(); err != nil {
					return nil, err
				}
				fieldVA := secVA + uint64(r.Pos)
				if cie.persAddr, err = r.Pointer(cie.persEnc, fieldVA); err != nil {
					return nil, err
				}
				cie.hasPers = true
			case 'L':
				if cie.lsdaEnc, err = r.U8(); err != nil {
					return nil, err
				}
			case 'R':
				if cie.fdeEnc, err = r.U8(); err != nil {
					return nil, err
				}
			case 'S':
				// signal frame, no data
			default:
				return nil, fmt.Errorf("unsupported augmentation %q", aug)
			}
		}
		r.Pos = augEnd
	} else if len(aug) > 0 {
		return nil, fmt.Errorf("unsupported augmentation %q", aug)
	}

	ops, err := parseCFIProgram(data, r.Pos, end, secVA, 0, cie)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Offset != 0 {
			return nil, fmt.Errorf("CIE program advances location")
		}
		cie.program = append(cie.program, op.FI)
	}
	return cie, nil
}

// parseFDE decodes one FDE and attaches its frame program to the function
// at the initial location. FDEs for addresses we do not manage are indexed
// but otherwise ignored.
func parseFDE(bc *BinaryContext, data []byte, start, end int, secVA, recStart uint64, cie *ehCIE, index *EHFrameIndex) error {
	r := engine.NewReader(data[:end])
	r.Pos = start

	fieldVA := secVA + uint64(r.Pos)
	initLoc, err := r.Pointer(cie.fdeEnc, fieldVA)
	if err != nil {
		return err
	}
	rangeLen, err := r.Pointer(cie.fdeEnc&0x0f, 0)
	if err != nil {
		return err
	}
	var lsdaAddr uint64
	if cie.lsdaEnc != engine.EncOmit {
		augLen, err := r.ULEB()
		if err != nil {
			return err
		}
		augEnd := r.Pos + int(augLen)
		fieldVA = secVA + uint64(r.Pos)
		if lsdaAddr, err = r.Pointer(cie.lsdaEnc, fieldVA); err != nil {
			return err
		}
		r.Pos = augEnd
	}
	index.Entries = append(index.Entries, FDEIndexEntry{InitLoc: initLoc, FDEAddr: secVA + recStart})

	f := bc.FunctionForAddress(initLoc)
	if f == nil || f.InputAddress != initLoc {
		return nil
	}
	if rangeLen > f.InputSize {
		f.InputSize = rangeLen
	}

	f.HasCFI = true
	f.CIEFrameInstructions = append([]FrameInstruction(nil), cie.program...)
	f.CIECodeAlign = cie.codeAlign
	f.CIEDataAlign = cie.dataAlign
	f.RAReg = cie.raReg
	f.PersonalityAddr = cie.persAddr
	f.HasPersonality = cie.hasPers
	f.PersonalityEncoding = cie.persEnc
	f.LSDAEncoding = cie.lsdaEnc
	f.LSDAAddress = lsdaAddr

	ops, err := parseCFIProgram(data, r.Pos, end, secVA, initLoc, cie)
	if err != nil {
		f.MarkNonSimple(fmt.Sprintf("frame program: %v", err))
		return nil
	}
	for _, op := range ops {
		f.AddCFIInstruction(op.Offset, op.FI)
	}
	return nil
}

// parseCFIProgram decodes a call-frame instruction stream. Factored
// operands are multiplied out; expression ops are carried as raw escapes.
func parseCFIProgram(data []byte, start, end int, secVA, initLoc uint64, cie *ehCIE) ([]locatedCFI, error) {
	r := engine.NewReader(data[:end])
	r.Pos = start
	var out []locatedCFI
	var loc uint64

	emit := func(fi FrameInstruction) {
		out = append(out, locatedCFI{Offset: loc, FI: fi})
	}
	escape := func(opStart int) {
		emit(FrameInstruction{Op: CFIEscape, Bytes: append([]byte(nil), data[opStart:r.Pos]...)})
	}

	for r.Pos < end {
		opStart := r.Pos
		op, err := r.U8()
		if err != nil {
			return nil, err
		}
		switch {
		case op&0xc0 == dwCFAAdvanceLocHi:
			loc += uint64(op&0x3f) * cie.codeAlign
			continue
		case op&0xc0 == dwCFAOffsetHi:
			off, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIOffset, Reg: uint64(op & 0x3f), Offset: int64(off) * cie.dataAlign})
			continue
		case op&0xc0 == dwCFARestoreHi:
			emit(FrameInstruction{Op: CFIRestore, Reg: uint64(op & 0x3f)})
			continue
		}

		switch op {
		case dwCFANop:
		case dwCFASetLoc:
			fieldVA := secVA + uint64(r.Pos)
			addr, err := r.Pointer(cie.fdeEnc, fieldVA)
			if err != nil {
				return nil, err
			}
			if addr < initLoc {
				return nil, fmt.Errorf("set_loc moves backwards")
			}
			loc = addr - initLoc
		case dwCFAAdvanceLoc1:
			d, err := r.U8()
			if err != nil {
				return nil, err
			}
			loc += uint64(d) * cie.codeAlign
		case dwCFAAdvanceLoc2:
			d, err := r.U16()
			if err != nil {
				return nil, err
			}
			loc += uint64(d) * cie.codeAlign
		case dwCFAAdvanceLoc4:
			d, err := r.U32()
			if err != nil {
				return nil, err
			}
			loc += uint64(d) * cie.codeAlign
		case dwCFAOffsetExtended:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			off, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIOffset, Reg: reg, Offset: int64(off) * cie.dataAlign})
		case dwCFAOffsetExtendedSF:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			off, err := r.SLEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIOffset, Reg: reg, Offset: off * cie.dataAlign})
		case dwCFARestoreExtended:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIRestore, Reg: reg})
		case dwCFAUndefined:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIUndefined, Reg: reg})
		case dwCFASameValue:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFISameValue, Reg: reg})
		case dwCFARegister:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			reg2, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIRegister, Reg: reg, Reg2: reg2})
		case dwCFARememberState:
			emit(FrameInstruction{Op: CFIRememberState})
		case dwCFARestoreState:
			emit(FrameInstruction{Op: CFIRestoreState})
		case dwCFADefCfa:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			off, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIDefCfa, Reg: reg, Offset: int64(off)})
		case dwCFADefCfaSF:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			off, err := r.SLEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIDefCfa, Reg: reg, Offset: off * cie.dataAlign})
		case dwCFADefCfaRegister:
			reg, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIDefCfaRegister, Reg: reg})
		case dwCFADefCfaOffset:
			off, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIDefCfaOffset, Offset: int64(off)})
		case dwCFADefCfaOffsetSF:
			off, err := r.SLEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIDefCfaOffset, Offset: off * cie.dataAlign})
		case dwCFADefCfaExpression:
			n, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			if _, err := r.Bytes(int(n)); err != nil {
				return nil, err
			}
			escape(opStart)
		case dwCFAExpression, dwCFAValExpression:
			if _, err := r.ULEB(); err != nil {
				return nil, err
			}
			n, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			if _, err := r.Bytes(int(n)); err != nil {
				return nil, err
			}
			escape(opStart)
		case dwCFAValOffset:
			if _, err := r.ULEB(); err != nil {
				return nil, err
			}
			if _, err := r.ULEB(); err != nil {
				return nil, err
			}
			escape(opStart)
		case dwCFAValOffsetSF:
			if _, err := r.ULEB(); err != nil {
				return nil, err
			}
			if _, err := r.SLEB(); err != nil {
				return nil, err
			}
			escape(opStart)
		case dwCFAGNUArgsSize:
			n, err := r.ULEB()
			if err != nil {
				return nil, err
			}
			emit(FrameInstruction{Op: CFIGnuArgsSize, Offset: int64(n)})
		default:
			return nil, fmt.Errorf("unsupported call-frame opcode %#x", op)
		}
	}
	return out, nil
}

// encodeCFIOp appends the DWARF encoding of one frame instruction
func encodeCFIOp(buf []byte, fi FrameInstruction, dataAlign int64) ([]byte, error) {
	factor := func(off int64) (int64, error) {
		if dataAlign == 0 || off%dataAlign != 0 {
			return 0, fmt.Errorf("offset %d not a multiple of data alignment %d", off, dataAlign)
		}
		return off / dataAlign, nil
	}
	switch fi.Op {
	case CFIDefCfa:
		if fi.Offset >= 0 {
			buf = append(buf, dwCFADefCfa)
			buf = engine.AppendULEB(buf, fi.Reg)
			return engine.AppendULEB(buf, uint64(fi.Offset)), nil
		}
		f, err := factor(fi.Offset)
		if err != nil {
			return nil, err
		}
		buf = append(buf, dwCFADefCfaSF)
		buf = engine.AppendULEB(buf, fi.Reg)
		return engine.AppendSLEB(buf, f), nil
	case CFIDefCfaRegister:
		buf = append(buf, dwCFADefCfaRegister)
		return engine.AppendULEB(buf, fi.Reg), nil
	case CFIDefCfaOffset:
		if fi.Offset >= 0 {
			buf = append(buf, dwCFADefCfaOffset)
			return engine.AppendULEB(buf, uint64(fi.Offset)), nil
		}
		f, err := factor(fi.Offset)
		if err != nil {
			return nil, err
		}
		buf = append(buf, dwCFADefCfaOffsetSF)
		return engine.AppendSLEB(buf, f), nil
	case CFIOffset:
		f, err := factor(fi.Offset)
		if err != nil {
			return nil, err
		}
		if f >= 0 && fi.Reg < 0x40 {
			buf = append(buf, dwCFAOffsetHi|byte(fi.Reg))
			return engine.AppendULEB(buf, uint64(f)), nil
		}
		if f >= 0 {
			buf = append(buf, dwCFAOffsetExtended)
			buf = engine.AppendULEB(buf, fi.Reg)
			return engine.AppendULEB(buf, uint64(f)), nil
		}
		buf = append(buf, dwCFAOffsetExtendedSF)
		buf = engine.AppendULEB(buf, fi.Reg)
		return engine.AppendSLEB(buf, f), nil
	case CFIRestore:
		if fi.Reg < 0x40 {
			return append(buf, dwCFARestoreHi|byte(fi.Reg)), nil
		}
		buf = append(buf, dwCFARestoreExtended)
		return engine.AppendULEB(buf, fi.Reg), nil
	case CFISameValue:
		buf = append(buf, dwCFASameValue)
		return engine.AppendULEB(buf, fi.Reg), nil
	case CFIUndefined:
		buf = append(buf, dwCFAUndefined)
		return engine.AppendULEB(buf, fi.Reg), nil
	case CFIRegister:
		buf = append(buf, dwCFARegister)
		buf = engine.AppendULEB(buf, fi.Reg)
		return engine.AppendULEB(buf, fi.Reg2), nil
	case CFIRememberState:
		return append(buf, dwCFARememberState), nil
	case CFIRestoreState:
		return append(buf, dwCFARestoreState), nil
	case CFIEscape:
		return append(buf, fi.Bytes...), nil
	case CFIGnuArgsSize:
		buf = append(buf, dwCFAGNUArgsSize)
		return engine.AppendULEB(buf, uint64(fi.Offset)), nil
	}
	return nil, fmt.Errorf("unencodable frame op %v", fi.Op)
}

// appendAdvanceLoc appends the smallest advance_loc form for delta
func appendAdvanceLoc(buf []byte, delta, codeAlign uint64) ([]byte, error) {
	if codeAlign == 0 || delta%codeAlign != 0 {
		return nil, fmt.Errorf("advance %d not a multiple of code alignment %d", delta, codeAlign)
	}
	d := delta / codeAlign
	switch {
	case d == 0:
		return buf, nil
	case d <= 0x3f:
		return append(buf, dwCFAAdvanceLocHi|byte(d)), nil
	case d <= 0xff:
		return append(buf, dwCFAAdvanceLoc1, byte(d)), nil
	case d <= 0xffff:
		return append(buf, dwCFAAdvanceLoc2, byte(d), byte(d>>8)), nil
	default:
		return append(buf, dwCFAAdvanceLoc4, byte(d), byte(d>>8), byte(d>>16), byte(d>>24)), nil
	}
}

// ehFDE is one pending output FDE
type ehFDE struct {
	fn     *BinaryFunction
	cie    int
	cold   bool
	lsdaVA uint64
}

// EHFrameWriter accumulates rewritten functions and encodes a fresh
// .eh_frame for them. CIEs are deduplicated across functions.
type EHFrameWriter struct {
	cies    []*ehCIE
	cieKeys map[string]int
	fdes    []ehFDE
}

// NewEHFrameWriter creates an empty writer
func NewEHFrameWriter() *EHFrameWriter {
	return &EHFrameWriter{cieKeys: make(map[string]int)}
}

// Add schedules FDEs for a rewritten function. lsdaVA is the output
// address of its exception table, or 0.
func (w *EHFrameWriter) Add(f *BinaryFunction, lsdaVA uint64) error {
	if !f.HasCFI {
		return nil
	}
	cie := &ehCIE{
		codeAlign: f.CIECodeAlign,
		dataAlign: f.CIEDataAlign,
		raReg:     f.RAReg,
		fdeEnc:    engine.EncPCRel | engine.EncSData4,
		lsdaEnc:   engine.EncOmit,
		persEnc:   f.PersonalityEncoding,
		persAddr:  f.PersonalityAddr,
		hasPers:   f.HasPersonality,
		program:   f.CIEFrameInstructions,
	}
	if lsdaVA != 0 {
		cie.lsdaEnc = engine.EncPCRel | engine.EncSData4
	}
	idx, err := w.internCIE(cie)
	if err != nil {
		return err
	}
	w.fdes = append(w.fdes, ehFDE{fn: f, cie: idx, lsdaVA: lsdaVA})
	if f.Split {
		// The cold fragment carries no landing pads
		coldCIE := *cie
		coldCIE.lsdaEnc = engine.EncOmit
		coldIdx, err := w.internCIE(&coldCIE)
		if err != nil {
			return err
		}
		w.fdes = append(w.fdes, ehFDE{fn: f, cie: coldIdx, cold: true})
	}
	return nil
}

// internCIE deduplicates CIEs by their encoded identity
func (w *EHFrameWriter) internCIE(cie *ehCIE) (int, error) {
	var prog []byte
	var err error
	for _, fi := range cie.program {
		if prog, err = encodeCFIOp(prog, fi, cie.dataAlign); err != nil {
			return 0, err
		}
	}
	key := fmt.Sprintf("%d/%d/%d/%#x/%v/%#x/%#x/%x",
		cie.codeAlign, cie.dataAlign, cie.raReg, cie.persAddr, cie.hasPers,
		cie.persEnc, cie.lsdaEnc, prog)
	if idx, ok := w.cieKeys[key]; ok {
		return idx, nil
	}
	w.cies = append(w.cies, cie)
	idx := len(w.cies) - 1
	w.cieKeys[key] = idx
	return idx, nil
}

// Encode lays out the new .eh_frame at baseVA and returns its bytes plus
// the index entries for .eh_frame_hdr.
func (w *EHFrameWriter) Encode(baseVA uint64) ([]byte, []FDEIndexEntry, error) {
	var out []byte
	cieOffsets := make([]int, len(w.cies))
	for i, cie := range w.cies {
		cieOffsets[i] = len(out)
		rec, err := encodeCIERecord(cie, baseVA+uint64(len(out)))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, rec...)
	}
	var entries []FDEIndexEntry
	for _, fde := range w.fdes {
		fdeStart := len(out)
		rec, initLoc, err := encodeFDERecord(&fde, w.cies[fde.cie], baseVA+uint64(fdeStart), cieOffsets[fde.cie], fdeStart)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, rec...)
		entries = append(entries, FDEIndexEntry{InitLoc: initLoc, FDEAddr: baseVA + uint64(fdeStart)})
	}
	out = append(out, 0, 0, 0, 0) // terminator
	return out, entries, nil
}

// encodeCIERecord builds one CIE at the given output address
func encodeCIERecord(cie *ehCIE, recVA uint64) ([]byte, error) {
	body := []byte{1} // version
	aug := "z"
	if cie.hasPers {
		aug += "P"
	}
	if cie.lsdaEnc != engine.EncOmit {
		aug += "L"
	}
	aug += "R"
	body = append(body, aug...)
	body = append(body, 0)
	body = engine.AppendULEB(body, cie.codeAlign)
	body = engine.AppendSLEB(body, cie.dataAlign)
	body = append(body, byte(cie.raReg))

	var augData []byte
	if cie.hasPers {
		// Personality pointer re-encoded PC-relative at its new position.
		// The field offset inside the record is known once the aug-length
		// ULEB size is fixed; personality data makes it at least 5 bytes,
		// so the length byte never grows past one.
		augData = append(augData, engine.EncPCRel|engine.EncSData4|byte(cie.persEnc&engine.EncIndirect))
		fieldVA := recVA + 4 + 4 + uint64(len(body)) + 1 + uint64(len(augData))
		delta := int64(cie.persAddr) - int64(fieldVA)
		augData = binary.LittleEndian.AppendUint32(augData, uint32(int32(delta)))
	}
	if cie.lsdaEnc != engine.EncOmit {
		augData = append(augData, cie.lsdaEnc)
	}
	augData = append(augData, cie.fdeEnc)
	if engine.ULEBSize(uint64(len(augData))) != 1 {
		return nil, fmt.Errorf("oversized CIE augmentation")
	}
	body = append(body, byte(len(augData)))
	body = append(body, augData...)

	var err error
	for _, fi := range cie.program {
		if body, err = encodeCFIOp(body, fi, cie.dataAlign); err != nil {
			return nil, err
		}
	}
	return sealRecord(0, body)
}

// encodeFDERecord builds one FDE at the given output address
func encodeFDERecord(fde *ehFDE, cie *ehCIE, recVA uint64, cieOffset, fdeOffset int) ([]byte, uint64, error) {
	f := fde.fn
	initLoc := f.ImageAddress
	rangeLen := f.ImageSize
	placements := f.OutputCFI
	if fde.cold {
		initLoc = f.Cold.Address
		rangeLen = f.Cold.Size
		placements = f.ColdOutputCFI
	}

	var body []byte
	// initial location, PC-relative to its own field (record VA + length +
	// CIE pointer)
	fieldVA := recVA + 8
	body = binary.LittleEndian.AppendUint32(body, uint32(int32(int64(initLoc)-int64(fieldVA))))
	body = binary.LittleEndian.AppendUint32(body, uint32(rangeLen))

	if cie.lsdaEnc != engine.EncOmit {
		body = append(body, 4) // augmentation length
		lsdaFieldVA := recVA + 8 + uint64(len(body))
		body = binary.LittleEndian.AppendUint32(body, uint32(int32(int64(fde.lsdaVA)-int64(lsdaFieldVA))))
	} else {
		body = append(body, 0)
	}

	var loc uint64
	var err error
	for _, p := range placements {
		if p.Offset < loc {
			return nil, 0, fmt.Errorf("function %s: frame placement moves backwards", f.Name())
		}
		if body, err = appendAdvanceLoc(body, p.Offset-loc, cie.codeAlign); err != nil {
			return nil, 0, err
		}
		loc = p.Offset
		if body, err = encodeCFIOp(body, f.FrameInstructions[p.Index], cie.dataAlign); err != nil {
			return nil, 0, err
		}
	}

	ciePtr := uint32(fdeOffset + 4 - cieOffset)
	rec, err := sealRecord(ciePtr, body)
	if err != nil {
		return nil, 0, err
	}
	return rec, initLoc, nil
}

// sealRecord prefixes length and id, padding the body with nops to an
// 8-byte record size.
func sealRecord(id uint32, body []byte) ([]byte, error) {
	size := 4 + len(body) // id + body
	padded := int(engine.Align(uint64(size), 8))
	rec := make([]byte, 0, 4+padded)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(padded))
	rec = binary.LittleEndian.AppendUint32(rec, id)
	rec = append(rec, body...)
	for i := size; i < padded; i++ {
		rec = append(rec, dwCFANop)
	}
	return rec, nil
}

// WriteEHFrameHdr regenerates .eh_frame_hdr: a version-1 header with a
// sorted binary-search table over all FDE index entries.
func WriteEHFrameHdr(hdrVA, ehFrameVA uint64, entries []FDEIndexEntry) []byte {
	sorted := append([]FDEIndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InitLoc < sorted[j].InitLoc })

	out := []byte{
		1, // version
		engine.EncPCRel | engine.EncSData4,  // eh_frame_ptr encoding
		engine.EncUData4,                    // fde_count encoding
		engine.EncDataRel | engine.EncSData4, // table encoding
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(ehFrameVA)-int64(hdrVA+4))))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sorted)))
	for _, e := range sorted {
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(e.InitLoc)-int64(hdrVA))))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(int64(e.FDEAddr)-int64(hdrVA))))
	}
	return out
}
