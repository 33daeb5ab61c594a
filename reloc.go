// Completion: 100% - Relocation analysis complete for x86_64 and aarch64
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// reloc.go - Relocation model and per-architecture analysis
//
// The analyzer normalizes each input relocation into (symbol, addend,
// class) and decides whether it points into code, data, or a GOT/PLT slot.
// Unsupported kinds for the target architecture are fatal, reported with the
// file offset of the relocation.

// RelocClass is the normalized relocation category
type RelocClass int

const (
	RelocAbsolute RelocClass = iota
	RelocPCRelative
	RelocGOT
	RelocPLT
	RelocTLS
)

func (c RelocClass) String() string {
	switch c {
	case RelocAbsolute:
		return "abs"
	case RelocPCRelative:
		return "pcrel"
	case RelocGOT:
		return "got"
	case RelocPLT:
		return "plt"
	case RelocTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Relocation is a deferred patch of a field in the image
type Relocation struct {
	Offset uint64 // offset within the containing section
	Symbol *Symbol
	Kind   uint32 // architecture relocation code
	Class  RelocClass
	Size   int // patched field width in bytes
	Addend int64
	Value  uint64 // extracted value at the relocated field
}

// relocInfo describes one supported relocation kind
type relocInfo struct {
	class RelocClass
	size  int
}

var x86RelocKinds = map[uint32]relocInfo{
	uint32(elf.R_X86_64_64):       {RelocAbsolute, 8},
	uint32(elf.R_X86_64_32):       {RelocAbsolute, 4},
	uint32(elf.R_X86_64_32S):      {RelocAbsolute, 4},
	uint32(elf.R_X86_64_PC32):     {RelocPCRelative, 4},
	uint32(elf.R_X86_64_PC64):     {RelocPCRelative, 8},
	uint32(elf.R_X86_64_PLT32):    {RelocPLT, 4},
	uint32(elf.R_X86_64_GOTPCREL): {RelocGOT, 4},
	uint32(elf.R_X86_64_GOTPCRELX): {RelocGOT, 4},
	uint32(elf.R_X86_64_REX_GOTPCRELX): {RelocGOT, 4},
	uint32(elf.R_X86_64_TPOFF32):  {RelocTLS, 4},
	uint32(elf.R_X86_64_GOTTPOFF): {RelocTLS, 4},
	uint32(elf.R_X86_64_DTPOFF32): {RelocTLS, 4},
}

var aarch64RelocKinds = map[uint32]relocInfo{
	uint32(elf.R_AARCH64_ABS64):                   {RelocAbsolute, 8},
	uint32(elf.R_AARCH64_ABS32):                   {RelocAbsolute, 4},
	uint32(elf.R_AARCH64_PREL64):                  {RelocPCRelative, 8},
	uint32(elf.R_AARCH64_PREL32):                  {RelocPCRelative, 4},
	uint32(elf.R_AARCH64_CALL26):                  {RelocPCRelative, 4},
	uint32(elf.R_AARCH64_JUMP26):                  {RelocPCRelative, 4},
	uint32(elf.R_AARCH64_ADR_PREL_PG_HI21):        {RelocPCRelative, 4},
	uint32(elf.R_AARCH64_ADD_ABS_LO12_NC):         {RelocAbsolute, 4},
	uint32(elf.R_AARCH64_LDST64_ABS_LO12_NC):      {RelocAbsolute, 4},
	uint32(elf.R_AARCH64_ADR_GOT_PAGE):            {RelocGOT, 4},
	uint32(elf.R_AARCH64_LD64_GOT_LO12_NC):        {RelocGOT, 4},
	uint32(elf.R_AARCH64_TLSLE_ADD_TPREL_HI12):    {RelocTLS, 4},
	uint32(elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC): {RelocTLS, 4},
}

// AnalyzeRelocKind classifies a raw relocation type for the architecture.
// Unsupported kinds return an error; the caller reports the file offset.
func AnalyzeRelocKind(arch Arch, kind uint32) (RelocClass, int, error) {
	var table map[uint32]relocInfo
	switch arch {
	case ArchX86_64:
		table = x86RelocKinds
	case ArchAArch64:
		table = aarch64RelocKinds
	default:
		return 0, 0, fmt.Errorf("no relocation table for %v", arch)
	}
	info, ok := table[kind]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported relocation kind %d for %v", kind, arch)
	}
	return info.class, info.size, nil
}

// IsPCRelative reports whether the patched field is relative to its address
func (r *Relocation) IsPCRelative() bool {
	return r.Class == RelocPCRelative || r.Class == RelocGOT || r.Class == RelocPLT
}

// TargetAddress computes the address the relocation resolves to, using the
// symbol's output address when placed, otherwise its input address.
func (r *Relocation) TargetAddress() uint64 {
	base := uint64(0)
	if r.Symbol != nil {
		base = r.Symbol.Address
		if r.Symbol.Placed {
			base = r.Symbol.OutputAddress
		}
	}
	return uint64(int64(base) + r.Addend)
}

// Apply patches the relocated field inside buf. fieldAddr is the output
// address of the field itself, needed for PC-relative forms.
func (r *Relocation) Apply(buf []byte, fieldAddr uint64) error {
	if r.Offset+uint64(r.Size) > uint64(len(buf)) {
		return fmt.Errorf("relocation at %#x outside section of %d bytes", r.Offset, len(buf))
	}
	value := r.TargetAddress()
	if r.IsPCRelative() {
		value -= fieldAddr
	}
	field := buf[r.Offset:]
	switch r.Size {
	case 4:
		binary.LittleEndian.PutUint32(field, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(field, value)
	default:
		return fmt.Errorf("unsupported relocation field size %d", r.Size)
	}
	return nil
}

// PointsIntoCode reports whether the relocation target lies in a text section
func (r *Relocation) PointsIntoCode() bool {
	return r.Symbol != nil && r.Symbol.Section != nil && r.Symbol.Section.IsText()
}
