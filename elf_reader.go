// Completion: 100% - ELF input discovery complete
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// elf_reader.go - Reading the input executable
//
// The input file is mapped read-only; sections borrow their bytes from the
// mapping until a rewrite touches them. Discovery registers sections first,
// then every symbol, then derives per-function maximum sizes from the
// following symbol, and finally installs --emit-relocs relocations when
// present.

// InputBinary is the mapped input file and its parsed ELF view
type InputBinary struct {
	Path   string
	Data   []byte
	ELF    *elf.File
	mapped bool
}

// OpenInput maps the file at path and parses its ELF header
func OpenInput(path string) (*InputBinary, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}

	in := &InputBinary{Path: path}
	data, err := unix.Mmap(int(fh.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err == nil {
		in.Data = data
		in.mapped = true
	} else {
		// Filesystems without mmap support still work, just slower
		if in.Data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}

	ef, err := elf.NewFile(bytes.NewReader(in.Data))
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	in.ELF = ef
	return in, nil
}

// Close unmaps the input file
func (in *InputBinary) Close() error {
	if !in.mapped {
		return nil
	}
	in.mapped = false
	return unix.Munmap(in.Data)
}

// archForMachine maps e_machine to a supported architecture
func archForMachine(m elf.Machine) (Arch, error) {
	switch m {
	case elf.EM_X86_64:
		return ArchX86_64, nil
	case elf.EM_AARCH64:
		return ArchAArch64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported machine %v", m)
}

// LoadBinaryContext validates the input and discovers its sections,
// symbols, functions and relocations.
func LoadBinaryContext(in *InputBinary, opts *PipelineOptions) (*BinaryContext, error) {
	ef := in.ELF
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, errorf("%s: only ELF64 little-endian inputs are supported", in.Path)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return nil, errorf("%s: not an executable (type %v)", in.Path, ef.Type)
	}
	arch, err := archForMachine(ef.Machine)
	if err != nil {
		return nil, errorf("%s: %v", in.Path, err)
	}

	bc, err := NewBinaryContext(arch, opts)
	if err != nil {
		return nil, err
	}
	bc.EntryPoint = ef.Entry

	bc.FirstAllocAddress = ^uint64(0)
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < bc.FirstAllocAddress {
			bc.FirstAllocAddress = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > bc.NextAvailableAddress {
			bc.NextAvailableAddress = end
		}
	}
	if bc.FirstAllocAddress == ^uint64(0) {
		return nil, errorf("%s: no loadable segments", in.Path)
	}

	registerInputSections(bc, in)
	bc.BuildID = findBuildID(bc)

	if err := loadSymbols(bc, ef); err != nil {
		return nil, err
	}
	boundFunctions(bc)

	hasRelocs, err := loadRelocations(bc, ef)
	if err != nil {
		return nil, err
	}
	switch opts.Relocs {
	case RelocsRequired:
		if !hasRelocs {
			return nil, errorf("%s: relocations requested but the input was not linked with --emit-relocs", in.Path)
		}
		bc.HasRelocations = true
	case RelocsDisabled:
		bc.HasRelocations = false
	default:
		bc.HasRelocations = hasRelocs
	}
	if bc.HasRelocations {
		outsf("relocation mode enabled")
	}

	bc.PrintStats()
	return bc, nil
}

// registerInputSections creates a BinarySection per input section header
func registerInputSections(bc *BinaryContext, in *InputBinary) {
	for i, sh := range in.ELF.Sections {
		if sh.Type == elf.SHT_NULL || sh.Name == "" {
			continue
		}
		var flags SectionFlags
		if sh.Flags&elf.SHF_ALLOC != 0 {
			flags |= SecAlloc
		}
		if sh.Flags&elf.SHF_EXECINSTR != 0 {
			flags |= SecText
		}
		if sh.Flags&elf.SHF_WRITE != 0 {
			flags |= SecWritable
		} else if sh.Flags&elf.SHF_ALLOC != 0 {
			flags |= SecReadOnly
		}
		if sh.Flags&elf.SHF_TLS != 0 {
			flags |= SecTLS
		}
		if sh.Type == elf.SHT_NOTE {
			flags |= SecNote
		}

		var contents []byte
		if sh.Type != elf.SHT_NOBITS && sh.Size > 0 &&
			sh.Offset+sh.Size <= uint64(len(in.Data)) {
			contents = in.Data[sh.Offset : sh.Offset+sh.Size]
		} else if sh.Type == elf.SHT_NOBITS {
			contents = nil
		}

		s := NewBinarySection(sh.Name, sh.Addr, contents, sh.Addralign, flags)
		s.Size = sh.Size // NOBITS sections have a size but no bytes
		s.EntrySize = sh.Entsize
		s.Link = sh.Link
		s.Info = sh.Info
		s.Index = i
		bc.RegisterSection(s)
	}
}

// findBuildID extracts the GNU build-id note, if present
func findBuildID(bc *BinaryContext) []byte {
	sec := bc.SectionByName(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	b := sec.Contents()
	// Note format: namesz, descsz, type, name (padded), desc (padded)
	if len(b) < 16 {
		return nil
	}
	namesz := binary.LittleEndian.Uint32(b)
	descsz := binary.LittleEndian.Uint32(b[4:])
	noteType := binary.LittleEndian.Uint32(b[8:])
	nameEnd := 12 + int(namesz)
	if noteType != 3 || nameEnd > len(b) || string(b[12:nameEnd-1]) != "GNU" {
		return nil
	}
	descOff := (nameEnd + 3) &^ 3
	if descOff+int(descsz) > len(b) {
		return nil
	}
	return append([]byte(nil), b[descOff:descOff+int(descsz)]...)
}

// loadSymbols registers every symbol from .symtab and .dynsym. Function
// symbols inside executable sections become BinaryFunctions; everything
// else becomes a named data object.
func loadSymbols(bc *BinaryContext, ef *elf.File) error {
	seen := make(map[string]bool)
	load := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name == "" || elf.ST_TYPE(sym.Info) == elf.STT_SECTION ||
				elf.ST_TYPE(sym.Info) == elf.STT_FILE {
				continue
			}
			key := fmt.Sprintf("%s@%x", sym.Name, sym.Value)
			if seen[key] {
				continue
			}
			seen[key] = true

			sec := bc.SectionForAddress(sym.Value)
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sec != nil && sec.IsText() {
				bc.RegisterFunction(sym.Name, sym.Value, sym.Size, 0, sec)
				continue
			}
			if sym.Value == 0 {
				continue // undefined or absolute-zero, nothing to index
			}
			if _, err := bc.RegisterNameAtAddress(sym.Name, sym.Value, sym.Size, 1, 0); err != nil {
				warnf("symbol %s: %v", sym.Name, err)
			}
		}
	}
	syms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return err
	}
	load(syms)
	dyns, err := ef.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return err
	}
	load(dyns)
	return nil
}

// boundFunctions derives each function's maximum size from the next symbol
// or the section end, whichever is nearer, and registers the entry symbols
// as data objects so later address lookups resolve them.
func boundFunctions(bc *BinaryContext) {
	funcs := bc.Functions()
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].InputAddress < funcs[j].InputAddress })
	for i, f := range funcs {
		if _, err := bc.RegisterNameAtAddress(f.Name(), f.InputAddress, f.InputSize, 1, 0); err != nil {
			warnf("function symbol %s: %v", f.Name(), err)
		}
		bound := f.InputAddress + f.InputSize
		if f.Section != nil {
			bound = f.Section.InputAddress + f.Section.Size
		}
		if i+1 < len(funcs) && funcs[i+1].InputAddress < bound {
			bound = funcs[i+1].InputAddress
		}
		f.MaxSize = bound - f.InputAddress
		if f.InputSize == 0 {
			// Assembly entry points often carry no size; take the whole slot
			f.InputSize = f.MaxSize
		}
		if f.InputSize > f.MaxSize {
			f.MarkNonSimple(fmt.Sprintf("size %d overlaps the next symbol", f.InputSize))
			f.InputSize = f.MaxSize
		}
	}
}

// loadRelocations installs RELA entries from --emit-relocs sections that
// target executable sections. Returns whether any were found.
func loadRelocations(bc *BinaryContext, ef *elf.File) (bool, error) {
	syms, _ := ef.Symbols()
	found := false
	for _, sh := range ef.Sections {
		if sh.Type != elf.SHT_RELA || !strings.HasPrefix(sh.Name, ".rela") {
			continue
		}
		targetName := strings.TrimPrefix(sh.Name, ".rela")
		target := bc.SectionByName(targetName)
		if target == nil || !target.IsText() {
			continue
		}
		raw, err := sh.Data()
		if err != nil {
			return false, err
		}
		for off := 0; off+24 <= len(raw); off += 24 {
			addr := binary.LittleEndian.Uint64(raw[off:])
			info := binary.LittleEndian.Uint64(raw[off+8:])
			addend := int64(binary.LittleEndian.Uint64(raw[off+16:]))
			kind := uint32(info)
			symIdx := int(info >> 32)

			var sym *Symbol
			var value uint64
			if symIdx > 0 && symIdx <= len(syms) {
				es := syms[symIdx-1]
				value = es.Value
				if es.Name != "" {
					var err error
					sym, err = bc.GetOrCreateGlobalSymbol(es.Value, "SYMBOLat", es.Size, 1, 0)
					if err != nil {
						warnf("relocation symbol at %#x: %v", es.Value, err)
						continue
					}
				}
			}
			if err := bc.AddRelocation(addr, sym, kind, addend, value); err != nil {
				debugf("skipping relocation at %#x: %v", addr, err)
				continue
			}
			found = true
		}
	}
	return found, nil
}
