// Completion: 100% - Section model complete
package main

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// section.go - Typed view of an input or synthesized section
//
// Input sections borrow their bytes from the mapped file; sections touched
// by the rewriter own a fresh byte slice. Once an output address is set it
// must honor the recorded alignment.

// SectionFlags describes section properties relevant to the rewriter
type SectionFlags uint32

const (
	SecAlloc SectionFlags = 1 << iota
	SecText
	SecReadOnly
	SecWritable
	SecTLS
	SecNote
	SecHasRelocs
	SecNew // synthesized by the rewriter, absent from the input
)

// BinarySection is one section of the input file or a synthesized one
type BinarySection struct {
	Name         string
	InputAddress uint64
	Size         uint64
	Alignment    uint64
	Flags        SectionFlags
	EntrySize    uint64
	Link, Info   uint32
	Index        int // input section header index, -1 for new sections

	contents []byte
	owned    bool // contents no longer alias the mapped input

	// Relocations pending application, keyed by intra-section offset
	Relocations map[uint64]*Relocation

	OutputAddress uint64
	OutputOffset  uint64
	OutputSize    uint64
	placed        bool
}

// NewBinarySection builds a section over borrowed contents
func NewBinarySection(name string, addr uint64, contents []byte, align uint64, flags SectionFlags) *BinarySection {
	if align == 0 {
		align = 1
	}
	return &BinarySection{
		Name:         name,
		InputAddress: addr,
		Size:         uint64(len(contents)),
		Alignment:    align,
		Flags:        flags,
		Index:        -1,
		contents:     contents,
		Relocations:  make(map[uint64]*Relocation),
	}
}

// Contents returns the section bytes
func (s *BinarySection) Contents() []byte { return s.contents }

// SetContents replaces the section bytes (the section now owns them)
func (s *BinarySection) SetContents(b []byte) {
	s.contents = b
	s.owned = true
	s.Size = uint64(len(b))
}

// IsAllocatable reports whether a loader maps the section
func (s *BinarySection) IsAllocatable() bool { return s.Flags&SecAlloc != 0 }

// IsText reports executable sections
func (s *BinarySection) IsText() bool { return s.Flags&SecText != 0 }

// IsReadOnly reports sections that never change at run time
func (s *BinarySection) IsReadOnly() bool { return s.Flags&SecReadOnly != 0 }

// IsNote reports non-allocatable note sections
func (s *BinarySection) IsNote() bool { return s.Flags&SecNote != 0 }

// ContainsAddress reports whether addr lies inside the input section
func (s *BinarySection) ContainsAddress(addr uint64) bool {
	return addr >= s.InputAddress && addr < s.InputAddress+s.Size
}

// ReadUint reads a little-endian value of the given size at an input address
func (s *BinarySection) ReadUint(addr uint64, size int) (uint64, error) {
	off := addr - s.InputAddress
	if !s.ContainsAddress(addr) || off+uint64(size) > uint64(len(s.contents)) {
		return 0, fmt.Errorf("read of %d bytes at %#x outside section %s", size, addr, s.Name)
	}
	b := s.contents[off:]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported read size %d", size)
}

// PatchBytes overwrites section bytes at an input address. The first patch
// copies the contents so the mapped input file stays untouched.
func (s *BinarySection) PatchBytes(addr uint64, b []byte) error {
	off := addr - s.InputAddress
	if !s.ContainsAddress(addr) || off+uint64(len(b)) > uint64(len(s.contents)) {
		return fmt.Errorf("patch of %d bytes at %#x outside section %s", len(b), addr, s.Name)
	}
	if !s.owned {
		s.contents = append([]byte(nil), s.contents...)
		s.owned = true
	}
	copy(s.contents[off:], b)
	return nil
}

// AddRelocation installs a pending relocation at the given section offset
func (s *BinarySection) AddRelocation(r *Relocation) {
	s.Relocations[r.Offset] = r
	s.Flags |= SecHasRelocs
}

// RemoveRelocationAt drops the relocation at offset, if any
func (s *BinarySection) RemoveRelocationAt(offset uint64) bool {
	if _, ok := s.Relocations[offset]; ok {
		delete(s.Relocations, offset)
		return true
	}
	return false
}

// RelocationAt returns the pending relocation at offset
func (s *BinarySection) RelocationAt(offset uint64) *Relocation {
	return s.Relocations[offset]
}

// SetOutputLocation records the final address and file offset. The address
// must honor the section alignment.
func (s *BinarySection) SetOutputLocation(addr, offset uint64) error {
	if s.Alignment > 1 && addr%s.Alignment != 0 {
		return fmt.Errorf("section %s output address %#x violates alignment %d",
			s.Name, addr, s.Alignment)
	}
	s.OutputAddress = addr
	s.OutputOffset = offset
	s.OutputSize = s.Size
	s.placed = true
	return nil
}

// Placed reports whether the section has a final location
func (s *BinarySection) Placed() bool { return s.placed }

// FlushPendingRelocations applies every pending relocation to the section
// bytes, resolving symbols through their output addresses.
func (s *BinarySection) FlushPendingRelocations() error {
	if len(s.Relocations) == 0 {
		return nil
	}
	// Copy-on-write: the contents may still be the mapped input bytes
	if !s.owned {
		s.contents = append([]byte(nil), s.contents...)
		s.owned = true
	}
	owned := s.contents
	offsets := make([]uint64, 0, len(s.Relocations))
	for off := range s.Relocations {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		r := s.Relocations[off]
		if err := r.Apply(owned, s.OutputAddress+off); err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
	}
	s.contents = owned
	return nil
}

func (s *BinarySection) String() string {
	return fmt.Sprintf("%s@%#x(%d)", s.Name, s.InputAddress, s.Size)
}
