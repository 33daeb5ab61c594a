// Completion: 95% - LSDA parse/rebuild complete; exception-spec filters untested
package main

import (
	"fmt"

	"github.com/xyproto/relayout/internal/engine"
)

// lsda.go - Language-Specific Data Area handling
//
// The LSDA (.gcc_except_table) pairs call-site ranges with landing pads and
// action chains. Call sites are decoded so the CFG can wire landing-pad
// edges and so reordering can rebuild the table against output addresses.
// The action table and type-index table are position independent within
// themselves and are carried as opaque bytes; type-table pointers are
// decoded so PC-relative entries can be re-encoded at the new location.

// CallSite is one decoded call-site record, function-relative
type CallSite struct {
	Start            uint64
	Length           uint64
	LandingPadOffset uint64 // 0 means no landing pad
	Action           uint64 // 1-based offset into the action table, 0 = cleanup
}

// LSDAInfo is the decoded exception table of one function
type LSDAInfo struct {
	LPStartEncoding  byte
	TTypeEncoding    byte
	CallSiteEncoding byte

	CallSites []CallSite

	// ActionBytes spans the action table and the type-index table; both are
	// self-relative and survive relocation untouched.
	ActionBytes []byte

	// TypeAddrs holds the decoded type table, reverse-indexed: TypeAddrs[0]
	// is type index 1.
	TypeAddrs []uint64
}

// ParseLSDA decodes the exception table referenced by the function's FDE
func ParseLSDA(f *BinaryFunction) (*LSDAInfo, error) {
	bc := f.Context()
	sec := bc.SectionForAddress(f.LSDAAddress)
	if sec == nil {
		return nil, fmt.Errorf("no section holds LSDA address %#x", f.LSDAAddress)
	}
	data := sec.Contents()
	base := f.LSDAAddress - sec.InputAddress
	r := engine.NewReader(data)
	r.Pos = int(base)
	va := func() uint64 { return sec.InputAddress + uint64(r.Pos) }

	info := &LSDAInfo{}

	lpEnc, err := r.U8()
	if err != nil {
		return nil, err
	}
	info.LPStartEncoding = lpEnc
	if lpEnc != engine.EncOmit {
		if _, err := r.Pointer(lpEnc, va()); err != nil {
			return nil, err
		}
		// A non-default landing-pad base is rare and pins the layout
		return nil, fmt.Errorf("explicit LPStart is not supported")
	}

	ttEnc, err := r.U8()
	if err != nil {
		return nil, err
	}
	info.TTypeEncoding = ttEnc
	ttypeEnd := -1
	if ttEnc != engine.EncOmit {
		off, err := r.ULEB()
		if err != nil {
			return nil, err
		}
		ttypeEnd = r.Pos + int(off)
	}

	csEnc, err := r.U8()
	if err != nil {
		return nil, err
	}
	info.CallSiteEncoding = csEnc
	csLen, err := r.ULEB()
	if err != nil {
		return nil, err
	}
	csEnd := r.Pos + int(csLen)
	for r.Pos < csEnd {
		var cs CallSite
		if cs.Start, err = r.Pointer(csEnc, 0); err != nil {
			return nil, err
		}
		if cs.Length, err = r.Pointer(csEnc, 0); err != nil {
			return nil, err
		}
		if cs.LandingPadOffset, err = r.Pointer(csEnc, 0); err != nil {
			return nil, err
		}
		if cs.Action, err = r.ULEB(); err != nil {
			return nil, err
		}
		info.CallSites = append(info.CallSites, cs)
	}

	if ttypeEnd < 0 {
		// Without a type table there is no end marker; only cleanup-only
		// tables can be carried safely.
		for _, cs := range info.CallSites {
			if cs.Action != 0 {
				return nil, fmt.Errorf("action table without type table bound")
			}
		}
		return info, nil
	}

	actionStart := r.Pos
	maxType, err := maxTypeIndex(data, actionStart, info.CallSites)
	if err != nil {
		return nil, err
	}
	entSize := engine.PointerSize(ttEnc)
	if maxType > 0 && entSize == 0 {
		return nil, fmt.Errorf("variable-width type encoding %#x", ttEnc)
	}
	typeStart := ttypeEnd - maxType*entSize
	if typeStart < actionStart || ttypeEnd > len(data) {
		return nil, fmt.Errorf("malformed type table bounds")
	}
	info.ActionBytes = append([]byte(nil), data[actionStart:typeStart]...)
	for idx := 1; idx <= maxType; idx++ {
		tr := engine.NewReader(data)
		tr.Pos = ttypeEnd - idx*entSize
		fieldVA := sec.InputAddress + uint64(tr.Pos)
		addr, err := tr.Pointer(ttEnc, fieldVA)
		if err != nil {
			return nil, err
		}
		info.TypeAddrs = append(info.TypeAddrs, addr)
	}
	return info, nil
}

// maxTypeIndex walks every action chain reachable from the call sites and
// returns the largest positive type filter.
func maxTypeIndex(data []byte, actionStart int, sites []CallSite) (int, error) {
	max := 0
	for _, cs := range sites {
		if cs.Action == 0 {
			continue
		}
		pos := actionStart + int(cs.Action) - 1
		for steps := 0; ; steps++ {
			if steps > 10000 {
				return 0, fmt.Errorf("action chain does not terminate")
			}
			r := engine.NewReader(data)
			r.Pos = pos
			filter, err := r.SLEB()
			if err != nil {
				return 0, err
			}
			dispPos := r.Pos
			disp, err := r.SLEB()
			if err != nil {
				return 0, err
			}
			if filter > 0 && int(filter) > max {
				max = int(filter)
			}
			if disp == 0 {
				break
			}
			pos = dispPos + int(disp)
		}
	}
	return max, nil
}

// actionForOffset returns the action of the input call site covering the
// given function offset, or 0.
func (info *LSDAInfo) actionForOffset(off uint64) uint64 {
	for _, cs := range info.CallSites {
		if off >= cs.Start && off < cs.Start+cs.Length {
			return cs.Action
		}
	}
	return 0
}

// outputCallSite is a rebuilt call-site record against output addresses
type outputCallSite struct {
	Start  uint64
	Length uint64
	Pad    uint64
	Action uint64
}

// UpdateEHRanges rebuilds the call-site table after reordering. Every block
// is covered (a range without a record aborts the unwind), and adjacent
// ranges with the same landing pad and action are coalesced.
func (f *BinaryFunction) UpdateEHRanges() ([]outputCallSite, error) {
	if f.LSDA == nil {
		return nil, nil
	}
	funcStart := f.ImageAddress
	var out []outputCallSite
	for _, b := range f.LayoutOrder() {
		if !b.Placed {
			return nil, fmt.Errorf("function %s: block %s has no output address", f.Name(), b.Name())
		}
		var pad uint64
		if len(b.LandingPads) > 0 {
			lp := b.LandingPads[0]
			if !lp.Placed {
				return nil, fmt.Errorf("function %s: landing pad %s has no output address", f.Name(), lp.Name())
			}
			pad = lp.OutputAddress - funcStart
		}
		action := f.LSDA.actionForOffset(b.InputOffset)
		if pad == 0 {
			action = 0
		}
		start := b.OutputAddress - funcStart
		if n := len(out); n > 0 && out[n-1].Pad == pad && out[n-1].Action == action &&
			out[n-1].Start+out[n-1].Length == start {
			out[n-1].Length += b.OutputSize
			continue
		}
		out = append(out, outputCallSite{Start: start, Length: b.OutputSize, Pad: pad, Action: action})
	}
	return out, nil
}

// EmitLSDA encodes the rebuilt exception table. lsdaVA is the virtual
// address the bytes will occupy; type-table pointers are re-encoded
// relative to their new field addresses.
func (f *BinaryFunction) EmitLSDA(lsdaVA uint64) ([]byte, error) {
	info := f.LSDA
	if info == nil {
		return nil, nil
	}
	sites, err := f.UpdateEHRanges()
	if err != nil {
		return nil, err
	}

	// Call sites are re-encoded as ULEB128; input fixed-width encodings
	// would overflow on grown functions.
	var cs []byte
	for _, s := range sites {
		cs = engine.AppendULEB(cs, s.Start)
		cs = engine.AppendULEB(cs, s.Length)
		cs = engine.AppendULEB(cs, s.Pad)
		cs = engine.AppendULEB(cs, s.Action)
	}

	entSize := engine.PointerSize(info.TTypeEncoding)
	typeBytes := len(info.TypeAddrs) * entSize

	out := []byte{engine.EncOmit} // LPStart defaults to the function start
	if info.TTypeEncoding == engine.EncOmit {
		out = append(out, engine.EncOmit)
	} else {
		out = append(out, info.TTypeEncoding)
		// Distance from the byte after this field to the type table end
		tail := 1 + engine.ULEBSize(uint64(len(cs))) + len(cs) + len(info.ActionBytes) + typeBytes
		out = engine.AppendULEB(out, uint64(tail))
	}
	out = append(out, engine.EncULEB128)
	out = engine.AppendULEB(out, uint64(len(cs)))
	out = append(out, cs...)
	out = append(out, info.ActionBytes...)

	// Type table, reverse-indexed: highest index first
	for idx := len(info.TypeAddrs); idx >= 1; idx-- {
		fieldVA := lsdaVA + uint64(len(out))
		v, err := encodeTypePointer(info.TTypeEncoding, info.TypeAddrs[idx-1], fieldVA)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", f.Name(), err)
		}
		out = append(out, v...)
	}
	return out, nil
}

// encodeTypePointer writes one type-table entry with the given encoding
func encodeTypePointer(enc byte, addr, fieldVA uint64) ([]byte, error) {
	value := addr
	if enc&0x70 == engine.EncPCRel && addr != 0 {
		value = addr - fieldVA
	}
	switch enc & 0x0f {
	case engine.EncAbsPtr, engine.EncUData8, engine.EncSData8:
		return []byte{
			byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
			byte(value >> 32), byte(value >> 40), byte(value >> 48), byte(value >> 56),
		}, nil
	case engine.EncUData4, engine.EncSData4:
		return []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}, nil
	case engine.EncUData2, engine.EncSData2:
		return []byte{byte(value), byte(value >> 8)}, nil
	}
	return nil, fmt.Errorf("unsupported type-table encoding %#x", enc)
}
