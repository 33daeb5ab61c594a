// Completion: 100% - ELF output rewriting complete
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/xyproto/relayout/internal/engine"
)

// elf_writer.go - Producing the rewritten executable
//
// The output starts as a byte copy of the input, so every unmoved section
// keeps its file offset and virtual address. Rewritten section contents are
// patched over the copy; new allocatable content is appended past the end
// at offsets congruent to its virtual addresses modulo the page size, then
// covered by fresh PT_LOAD headers. The section header table, .shstrtab,
// .symtab and .strtab are rebuilt at the tail of the file.

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// elfPhdr is one program header in output form
type elfPhdr struct {
	typ, flags   uint32
	off, vaddr   uint64
	paddr        uint64
	filesz       uint64
	memsz, align uint64
}

// elfShdr is one section header in output form
type elfShdr struct {
	name           uint32
	typ            uint32
	flags          uint64
	addr, off      uint64
	size           uint64
	link, info     uint32
	align, entsize uint64
}

// ElfWriter assembles the output file image
type ElfWriter struct {
	bc  *BinaryContext
	in  *InputBinary
	out []byte

	newAlloc []*BinarySection
	newNote  []*BinarySection
	noteOff  map[string]uint64

	phdrOff        uint64
	phdrCount      int
	shdrCountStash int
}

// NewElfWriter creates a writer over the finished context
func NewElfWriter(bc *BinaryContext, in *InputBinary) *ElfWriter {
	return &ElfWriter{bc: bc, in: in, noteOff: make(map[string]uint64)}
}

// Write produces the output executable at path
func (w *ElfWriter) Write(path string) error {
	w.out = append([]byte(nil), w.in.Data...)

	w.patchInputSections()
	w.collectNewSections()
	if err := w.appendNewAlloc(); err != nil {
		return err
	}
	w.appendNotes()

	w.patchDynamicSymbols()
	w.patchDynamic()

	symtabOff, symtabLen, strtabLen, firstGlobal := w.rebuildSymtab()
	shstrOff, shstrLen, nameOff := w.rebuildShstrtab()

	if err := w.rewriteProgramHeaders(); err != nil {
		return err
	}

	shoff := w.writeSectionHeaders(symtabOff, symtabLen, strtabLen, firstGlobal,
		shstrOff, shstrLen, nameOff)

	w.patchEhdr(shoff)

	if err := os.WriteFile(path, w.out, 0o755); err != nil {
		return err
	}
	outsf("wrote %s (%d bytes)", path, len(w.out))
	return nil
}

// patchInputSections copies rewritten contents of input sections over the
// base image. In-place rewrites never change a section's size.
func (w *ElfWriter) patchInputSections() {
	for _, s := range w.bc.Sections() {
		if s.Index < 0 || s.Flags&SecNew != 0 {
			continue
		}
		sh := w.in.ELF.Sections[s.Index]
		if sh.Type == elf.SHT_NOBITS || uint64(len(s.Contents())) != sh.Size {
			continue
		}
		copy(w.out[sh.Offset:], s.Contents())
	}
}

// collectNewSections splits the synthesized sections into allocatable and
// note groups.
func (w *ElfWriter) collectNewSections() {
	for _, s := range w.bc.Sections() {
		if s.Flags&SecNew == 0 {
			continue
		}
		if s.IsAllocatable() {
			w.newAlloc = append(w.newAlloc, s)
		} else {
			w.newNote = append(w.newNote, s)
		}
	}
	sort.Slice(w.newAlloc, func(i, j int) bool {
		return w.newAlloc[i].OutputAddress < w.newAlloc[j].OutputAddress
	})
}

// appendNewAlloc lays the new allocatable sections past the input image at
// offsets congruent to their addresses modulo the page size.
func (w *ElfWriter) appendNewAlloc() error {
	page := w.bc.PageAlign
	for _, s := range w.newAlloc {
		off := uint64(len(w.out))
		if rem := (s.OutputAddress%page + page - off%page) % page; rem != 0 {
			off += rem
		}
		for uint64(len(w.out)) < off {
			w.out = append(w.out, 0)
		}
		if off%page != s.OutputAddress%page {
			return fmt.Errorf("section %s: offset %#x not congruent to address %#x",
				s.Name, off, s.OutputAddress)
		}
		s.OutputOffset = off
		w.out = append(w.out, s.Contents()...)
	}
	return nil
}

// appendNotes places the non-allocatable note sections
func (w *ElfWriter) appendNotes() {
	for _, s := range w.newNote {
		for len(w.out)%4 != 0 {
			w.out = append(w.out, 0)
		}
		w.noteOff[s.Name] = uint64(len(w.out))
		w.out = append(w.out, s.Contents()...)
	}
}

// movedFunction returns the assembled function whose entry is at addr
func (w *ElfWriter) movedFunction(addr uint64) *BinaryFunction {
	f := w.bc.FunctionForAddress(addr)
	if f != nil && f.State == StateAssembled && f.InputAddress == addr {
		return f
	}
	return nil
}

// patchDynamicSymbols updates st_value/st_size of moved functions inside
// the copied .dynsym bytes. The table layout is untouched, so an in-place
// patch is enough.
func (w *ElfWriter) patchDynamicSymbols() {
	sec := w.bc.SectionByName(".dynsym")
	if sec == nil || sec.Index < 0 {
		return
	}
	sh := w.in.ELF.Sections[sec.Index]
	const entSize = 24
	for off := sh.Offset + entSize; off+entSize <= sh.Offset+sh.Size; off += entSize {
		value := binary.LittleEndian.Uint64(w.out[off+8:])
		if f := w.movedFunction(value); f != nil {
			binary.LittleEndian.PutUint64(w.out[off+8:], f.ImageAddress)
			binary.LittleEndian.PutUint64(w.out[off+16:], f.ImageSize)
		}
	}
}

// patchDynamic redirects DT_INIT / DT_FINI when those functions moved
func (w *ElfWriter) patchDynamic() {
	sec := w.bc.SectionByName(".dynamic")
	if sec == nil || sec.Index < 0 {
		return
	}
	sh := w.in.ELF.Sections[sec.Index]
	for off := sh.Offset; off+16 <= sh.Offset+sh.Size; off += 16 {
		tag := int64(binary.LittleEndian.Uint64(w.out[off:]))
		if tag == 0 {
			break
		}
		if tag != int64(elf.DT_INIT) && tag != int64(elf.DT_FINI) {
			continue
		}
		value := binary.LittleEndian.Uint64(w.out[off+8:])
		if f := w.movedFunction(value); f != nil {
			binary.LittleEndian.PutUint64(w.out[off+8:], f.ImageAddress)
		}
	}
}

// symtabEntry is one output symbol before serialization
type symtabEntry struct {
	name    string
	info    byte
	other   byte
	section elf.SectionIndex
	value   uint64
	size    uint64
}

// rebuildSymtab rewrites .symtab and .strtab at the file tail: moved
// functions take their output addresses, split functions gain a .cold
// symbol, and AArch64 outputs get $x mapping symbols for rewritten code.
func (w *ElfWriter) rebuildSymtab() (off, symtabLen, strtabLen uint64, firstGlobal uint32) {
	symSec := w.bc.SectionByName(".symtab")
	if symSec == nil || symSec.Index < 0 {
		return 0, 0, 0, 0
	}
	input, err := w.in.ELF.Symbols()
	if err != nil {
		warnf("cannot read input symbols: %v", err)
		return 0, 0, 0, 0
	}

	textIndex := w.newSectionIndex(".text.bolt")
	coldIndex := w.newSectionIndex(".text.cold")

	var entries []symtabEntry
	for _, sym := range input {
		e := symtabEntry{
			name:    sym.Name,
			info:    sym.Info,
			other:   sym.Other,
			section: sym.Section,
			value:   sym.Value,
			size:    sym.Size,
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
			if f := w.movedFunction(sym.Value); f != nil {
				e.value = f.ImageAddress
				e.size = f.ImageSize
				if textIndex != 0 && f.ImageAddress != f.InputAddress {
					e.section = elf.SectionIndex(textIndex)
				}
			}
		}
		entries = append(entries, e)
	}

	for _, f := range w.bc.Functions() {
		if f.State != StateAssembled {
			continue
		}
		if f.Split && f.Cold.Size > 0 {
			entries = append(entries, symtabEntry{
				name:    f.Name() + ".cold",
				info:    byte(elf.STB_LOCAL)<<4 | byte(elf.STT_FUNC),
				section: elf.SectionIndex(coldIndex),
				value:   f.Cold.Address,
				size:    f.Cold.Size,
			})
		}
		if w.bc.Arch == ArchAArch64 && f.ImageAddress != f.InputAddress {
			entries = append(entries, symtabEntry{
				name:    "$x",
				info:    byte(elf.STB_LOCAL) << 4,
				section: elf.SectionIndex(textIndex),
				value:   f.ImageAddress,
			})
		}
	}
	if w.bc.Opts.HotTextSymbols {
		for _, name := range []string{"__hot_start", "__hot_end"} {
			if d := w.bc.BinaryDataByName(name); d != nil {
				entries = append(entries, symtabEntry{
					name:    name,
					info:    byte(elf.STB_WEAK) << 4,
					section: elf.SectionIndex(textIndex),
					value:   d.Address,
				})
			}
		}
	}

	// Locals must precede globals; sh_info is the first non-local index
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].info>>4 == byte(elf.STB_LOCAL) &&
			entries[j].info>>4 != byte(elf.STB_LOCAL)
	})
	firstGlobal = uint32(len(entries) + 1)
	for i, e := range entries {
		if e.info>>4 != byte(elf.STB_LOCAL) {
			firstGlobal = uint32(i + 1)
			break
		}
	}

	strtab := []byte{0}
	intern := func(name string) uint32 {
		if name == "" {
			return 0
		}
		n := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		return n
	}

	symtab := make([]byte, 24) // null entry
	for _, e := range entries {
		var buf [24]byte
		binary.LittleEndian.PutUint32(buf[0:], intern(e.name))
		buf[4] = e.info
		buf[5] = e.other
		binary.LittleEndian.PutUint16(buf[6:], uint16(e.section))
		binary.LittleEndian.PutUint64(buf[8:], e.value)
		binary.LittleEndian.PutUint64(buf[16:], e.size)
		symtab = append(symtab, buf[:]...)
	}

	for len(w.out)%8 != 0 {
		w.out = append(w.out, 0)
	}
	off = uint64(len(w.out))
	w.out = append(w.out, symtab...)
	w.out = append(w.out, strtab...)
	return off, uint64(len(symtab)), uint64(len(strtab)), firstGlobal
}

// newSectionIndex returns the output header index of a synthesized section,
// or 0 when it does not exist. New sections follow the input ones in their
// collection order.
func (w *ElfWriter) newSectionIndex(name string) int {
	idx := len(w.in.ELF.Sections)
	for _, s := range w.newAlloc {
		if s.Name == name {
			return idx
		}
		idx++
	}
	for _, s := range w.newNote {
		if s.Name == name {
			return idx
		}
		idx++
	}
	return 0
}

// rebuildShstrtab builds the section name table over old and new sections
func (w *ElfWriter) rebuildShstrtab() (uint64, uint64, map[string]uint32) {
	strtab := []byte{0}
	offsets := make(map[string]uint32)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := offsets[name]; ok {
			return
		}
		offsets[name] = uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
	}
	for _, sh := range w.in.ELF.Sections {
		add(sh.Name)
	}
	for _, s := range w.newAlloc {
		add(s.Name)
	}
	for _, s := range w.newNote {
		add(s.Name)
	}
	off := uint64(len(w.out))
	w.out = append(w.out, strtab...)
	return off, uint64(len(strtab)), offsets
}

// rewriteProgramHeaders covers the appended content with PT_LOAD headers
// and repoints PT_GNU_EH_FRAME at the regenerated unwind header. A single
// new segment reuses an unused GNU_STACK slot when allowed; otherwise the
// whole table moves into its own loadable page at the end of the file.
func (w *ElfWriter) rewriteProgramHeaders() error {
	var phdrs []elfPhdr
	gnuStack := -1
	for i, p := range w.in.ELF.Progs {
		if p.Type == elf.PT_GNU_STACK && w.bc.Opts.UseGNUStack {
			gnuStack = i
		}
		phdrs = append(phdrs, elfPhdr{
			typ:    uint32(p.Type),
			flags:  uint32(p.Flags),
			off:    p.Off,
			vaddr:  p.Vaddr,
			paddr:  p.Paddr,
			filesz: p.Filesz,
			memsz:  p.Memsz,
			align:  p.Align,
		})
	}

	loads := w.newLoadSegments()

	if hdr := w.bc.SectionByName(".eh_frame_hdr.bolt"); hdr != nil {
		for i := range phdrs {
			if phdrs[i].typ == uint32(elf.PT_GNU_EH_FRAME) {
				phdrs[i].off = hdr.OutputOffset
				phdrs[i].vaddr = hdr.OutputAddress
				phdrs[i].paddr = hdr.OutputAddress
				phdrs[i].filesz = hdr.Size
				phdrs[i].memsz = hdr.Size
			}
		}
	}

	return w.placePhdrs(phdrs, loads, gnuStack)
}

// newLoadSegments coalesces the appended sections into loadable segments,
// one per contiguous run with identical permissions.
func (w *ElfWriter) newLoadSegments() []elfPhdr {
	var loads []elfPhdr
	for _, s := range w.newAlloc {
		flags := uint32(elf.PF_R)
		if s.IsText() {
			flags |= uint32(elf.PF_X)
		}
		if s.Flags&SecWritable != 0 {
			flags |= uint32(elf.PF_W)
		}
		size := uint64(len(s.Contents()))
		if n := len(loads); n > 0 && loads[n-1].flags == flags &&
			s.OutputAddress >= loads[n-1].vaddr+loads[n-1].memsz &&
			s.OutputAddress-loads[n-1].vaddr == s.OutputOffset-loads[n-1].off {
			loads[n-1].filesz = s.OutputOffset + size - loads[n-1].off
			loads[n-1].memsz = s.OutputAddress + size - loads[n-1].vaddr
			continue
		}
		loads = append(loads, elfPhdr{
			typ: uint32(elf.PT_LOAD), flags: flags,
			off: s.OutputOffset, vaddr: s.OutputAddress, paddr: s.OutputAddress,
			filesz: size, memsz: size, align: w.bc.PageAlign,
		})
	}
	return loads
}

// placePhdrs serializes the program header table. The in-place path writes
// over the original table; the relocated path appends the table in a fresh
// read-only segment and patches PT_PHDR to match.
func (w *ElfWriter) placePhdrs(phdrs, loads []elfPhdr, gnuStack int) error {
	origOff := binary.LittleEndian.Uint64(w.out[32:])

	if gnuStack >= 0 && len(loads) == 1 {
		// Table size unchanged; the unused GNU_STACK slot carries the one
		// new segment.
		phdrs[gnuStack] = loads[0]
		w.phdrOff = origOff
		w.phdrCount = len(phdrs)
		w.serializePhdrs(phdrs, origOff)
		return nil
	}
	if gnuStack >= 0 && len(loads) > 0 {
		phdrs[gnuStack] = loads[0]
		loads = loads[1:]
	}
	phdrs = append(phdrs, loads...)
	if len(loads) == 0 {
		w.phdrOff = origOff
		w.phdrCount = len(phdrs)
		w.serializePhdrs(phdrs, origOff)
		return nil
	}

	// The grown table moves to the end of the file inside its own segment
	page := w.bc.PageAlign
	vaddr := engine.Align(w.bc.NextAvailableAddress, page)
	off := uint64(len(w.out))
	if rem := (vaddr%page + page - off%page) % page; rem != 0 {
		off += rem
	}
	for uint64(len(w.out)) < off {
		w.out = append(w.out, 0)
	}

	total := uint64(len(phdrs)+1) * phdrSize
	phdrs = append(phdrs, elfPhdr{
		typ: uint32(elf.PT_LOAD), flags: uint32(elf.PF_R),
		off: off, vaddr: vaddr, paddr: vaddr,
		filesz: total, memsz: total, align: page,
	})
	for i := range phdrs {
		if phdrs[i].typ == uint32(elf.PT_PHDR) {
			phdrs[i].off = off
			phdrs[i].vaddr = vaddr
			phdrs[i].paddr = vaddr
			phdrs[i].filesz = total
			phdrs[i].memsz = total
		}
	}

	w.out = append(w.out, make([]byte, total)...)
	w.phdrOff = off
	w.phdrCount = len(phdrs)
	w.bc.NextAvailableAddress = vaddr + total
	w.serializePhdrs(phdrs, off)
	return nil
}

// serializePhdrs writes the table at the given file offset
func (w *ElfWriter) serializePhdrs(phdrs []elfPhdr, off uint64) {
	for i, p := range phdrs {
		b := w.out[off+uint64(i)*phdrSize:]
		binary.LittleEndian.PutUint32(b[0:], p.typ)
		binary.LittleEndian.PutUint32(b[4:], p.flags)
		binary.LittleEndian.PutUint64(b[8:], p.off)
		binary.LittleEndian.PutUint64(b[16:], p.vaddr)
		binary.LittleEndian.PutUint64(b[24:], p.paddr)
		binary.LittleEndian.PutUint64(b[32:], p.filesz)
		binary.LittleEndian.PutUint64(b[40:], p.memsz)
		binary.LittleEndian.PutUint64(b[48:], p.align)
	}
}

// writeSectionHeaders rebuilds the section header table at the file tail.
// Input sections keep their indices; synthesized sections follow.
func (w *ElfWriter) writeSectionHeaders(symtabOff, symtabLen, strtabLen uint64, firstGlobal uint32, shstrOff, shstrLen uint64, nameOff map[string]uint32) uint64 {
	var shdrs []elfShdr
	for _, sh := range w.in.ELF.Sections {
		e := elfShdr{
			name:    nameOff[sh.Name],
			typ:     uint32(sh.Type),
			flags:   uint64(sh.Flags),
			addr:    sh.Addr,
			off:     sh.Offset,
			size:    sh.Size,
			link:    sh.Link,
			info:    sh.Info,
			align:   sh.Addralign,
			entsize: sh.Entsize,
		}
		switch sh.Name {
		case ".symtab":
			if symtabLen > 0 {
				e.off = symtabOff
				e.size = symtabLen
				e.info = firstGlobal
			}
		case ".strtab":
			if symtabLen > 0 {
				e.off = symtabOff + symtabLen
				e.size = strtabLen
			}
		case ".shstrtab":
			e.off = shstrOff
			e.size = shstrLen
		}
		shdrs = append(shdrs, e)
	}

	for _, s := range w.newAlloc {
		flags := uint64(elf.SHF_ALLOC)
		if s.IsText() {
			flags |= uint64(elf.SHF_EXECINSTR)
		}
		if s.Flags&SecWritable != 0 {
			flags |= uint64(elf.SHF_WRITE)
		}
		shdrs = append(shdrs, elfShdr{
			name:  nameOff[s.Name],
			typ:   uint32(elf.SHT_PROGBITS),
			flags: flags,
			addr:  s.OutputAddress,
			off:   s.OutputOffset,
			size:  uint64(len(s.Contents())),
			align: s.Alignment,
		})
	}
	for _, s := range w.newNote {
		shdrs = append(shdrs, elfShdr{
			name:  nameOff[s.Name],
			typ:   uint32(elf.SHT_NOTE),
			off:   w.noteOff[s.Name],
			size:  uint64(len(s.Contents())),
			align: 4,
		})
	}

	for len(w.out)%8 != 0 {
		w.out = append(w.out, 0)
	}
	shoff := uint64(len(w.out))
	for _, e := range shdrs {
		var buf [shdrSize]byte
		binary.LittleEndian.PutUint32(buf[0:], e.name)
		binary.LittleEndian.PutUint32(buf[4:], e.typ)
		binary.LittleEndian.PutUint64(buf[8:], e.flags)
		binary.LittleEndian.PutUint64(buf[16:], e.addr)
		binary.LittleEndian.PutUint64(buf[24:], e.off)
		binary.LittleEndian.PutUint64(buf[32:], e.size)
		binary.LittleEndian.PutUint32(buf[40:], e.link)
		binary.LittleEndian.PutUint32(buf[44:], e.info)
		binary.LittleEndian.PutUint64(buf[48:], e.align)
		binary.LittleEndian.PutUint64(buf[56:], e.entsize)
		w.out = append(w.out, buf[:]...)
	}
	w.shdrCountStash = len(shdrs)
	return shoff
}

// patchEhdr updates the header fields the rewrite invalidated
func (w *ElfWriter) patchEhdr(shoff uint64) {
	binary.LittleEndian.PutUint64(w.out[24:], w.bc.EntryPoint)
	binary.LittleEndian.PutUint64(w.out[32:], w.phdrOff)
	binary.LittleEndian.PutUint64(w.out[40:], shoff)
	binary.LittleEndian.PutUint16(w.out[56:], uint16(w.phdrCount))
	binary.LittleEndian.PutUint16(w.out[60:], uint16(w.shdrCountStash))
	// e_shstrndx keeps the input .shstrtab index; the table was rebuilt in
	// place of the old entry.
}

// BoltInfoNote builds the .note.bolt_info contents recording the invocation
func BoltInfoNote(cmdline string) []byte {
	name := "relayout"
	desc := []byte(cmdline)
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, uint32(len(name)+1))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(desc)))
	out = binary.LittleEndian.AppendUint32(out, 1)
	out = append(out, name...)
	out = append(out, 0)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	out = append(out, desc...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

// BATNote builds the address-translation note: per rewritten function its
// output and input entry addresses plus per-block offset pairs, so profiles
// collected against the input can be applied to the output.
func BATNote(bc *BinaryContext) []byte {
	var out []byte
	var count uint32
	var body []byte
	for _, f := range bc.Functions() {
		if f.State != StateAssembled {
			continue
		}
		count++
		body = binary.LittleEndian.AppendUint64(body, f.ImageAddress)
		body = binary.LittleEndian.AppendUint64(body, f.InputAddress)
		var blocks []*BasicBlock
		for _, b := range f.LayoutOrder() {
			if b.Placed {
				blocks = append(blocks, b)
			}
		}
		body = binary.LittleEndian.AppendUint32(body, uint32(len(blocks)))
		for _, b := range blocks {
			base := f.ImageAddress
			if b.IsCold {
				base = f.Cold.Address
			}
			body = binary.LittleEndian.AppendUint32(body, uint32(b.OutputAddress-base))
			body = binary.LittleEndian.AppendUint32(body, uint32(b.InputOffset))
		}
	}
	out = binary.LittleEndian.AppendUint32(out, count)
	return append(out, body...)
}
