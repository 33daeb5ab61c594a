// Completion: 100% - Binary context complete
package main

import (
	"fmt"
	"sort"
	"sync"
)

// context.go - Process-wide store for the rewrite pipeline
//
// The BinaryContext is the only shared mutable state. All mutating paths
// take the write lock; lookups take the read lock and become effectively
// lock-free after discovery because nothing mutates the indexes past that
// point. Functions are exclusively owned by their worker during a pass.

// CountNoProfile marks a missing execution count; it never means zero
const CountNoProfile = ^uint64(0)

// BinaryContext owns sections, symbols, functions and relocations
type BinaryContext struct {
	Arch    Arch
	Backend ArchBackend
	Opts    *PipelineOptions

	// HasRelocations is true when the input was linked with --emit-relocs
	HasRelocations bool

	// Input facts
	EntryPoint           uint64
	BuildID              []byte
	FirstAllocAddress    uint64
	NextAvailableAddress uint64
	PageAlign            uint64

	Annotations *AnnotationRegistry

	mu sync.RWMutex

	sections       []*BinarySection
	sectionsByName map[string]*BinarySection
	allocSections  []*BinarySection // address-sorted, allocatable only

	globalSymbols map[string]*BinaryData
	data          dataIndex

	functions       map[uint64]*BinaryFunction // by input address
	functionsByName map[string]*BinaryFunction
	nextFuncNumber  int
	uniquifier      int
}

// NewBinaryContext creates an empty context for the given architecture
func NewBinaryContext(arch Arch, opts *PipelineOptions) (*BinaryContext, error) {
	backend, err := NewBackend(arch)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &BinaryContext{
		Arch:            arch,
		Backend:         backend,
		Opts:            opts,
		PageAlign:       0x1000,
		Annotations:     NewAnnotationRegistry(),
		sectionsByName:  make(map[string]*BinarySection),
		globalSymbols:   make(map[string]*BinaryData),
		functions:       make(map[uint64]*BinaryFunction),
		functionsByName: make(map[string]*BinaryFunction),
	}, nil
}

// BuildIDHex returns the input build-id as lowercase hex, or ""
func (bc *BinaryContext) BuildIDHex() string {
	if len(bc.BuildID) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", bc.BuildID)
}

// RegisterSection adds a section to the context. Sections with non-zero
// addresses are also indexed by address; overlapping non-allocatable
// sections are tolerated.
func (bc *BinaryContext) RegisterSection(s *BinarySection) *BinarySection {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if existing, ok := bc.sectionsByName[s.Name]; ok && existing.Flags&SecNew == 0 {
		return existing
	}
	bc.sections = append(bc.sections, s)
	bc.sectionsByName[s.Name] = s
	if s.InputAddress != 0 && s.IsAllocatable() {
		bc.allocSections = append(bc.allocSections, s)
		sort.Slice(bc.allocSections, func(i, j int) bool {
			return bc.allocSections[i].InputAddress < bc.allocSections[j].InputAddress
		})
	}
	return s
}

// RegisterOrUpdateNoteSection creates or replaces a non-allocatable note
// section generated from scratch.
func (bc *BinaryContext) RegisterOrUpdateNoteSection(name string, contents []byte) *BinarySection {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if s, ok := bc.sectionsByName[name]; ok {
		s.SetContents(contents)
		return s
	}
	s := NewBinarySection(name, 0, contents, 1, SecNote|SecNew)
	bc.sections = append(bc.sections, s)
	bc.sectionsByName[name] = s
	return s
}

// Sections returns every registered section in registration order
func (bc *BinaryContext) Sections() []*BinarySection {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]*BinarySection(nil), bc.sections...)
}

// SectionByName finds a section by name
func (bc *BinaryContext) SectionByName(name string) *BinarySection {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.sectionsByName[name]
}

// SectionForAddress finds the allocatable section containing addr
func (bc *BinaryContext) SectionForAddress(addr uint64) *BinarySection {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	i := sort.Search(len(bc.allocSections), func(i int) bool {
		return bc.allocSections[i].InputAddress > addr
	})
	for j := i - 1; j >= 0; j-- {
		if bc.allocSections[j].ContainsAddress(addr) {
			return bc.allocSections[j]
		}
		if bc.allocSections[j].InputAddress+bc.allocSections[j].Size <= addr && j < i-1 {
			break
		}
	}
	return nil
}

// GetOrCreateGlobalSymbol returns the symbol at addr, creating one named
// <prefix>0x<addr> when none exists. An existing object is validated for
// size compatibility.
func (bc *BinaryContext) GetOrCreateGlobalSymbol(addr uint64, prefix string, size uint64, alignment uint32, flags SymFlags) (*Symbol, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if d := bc.data.containing(addr, false, true); d != nil && d.Address == addr {
		if size != 0 && d.Size != 0 && size > d.Size {
			return nil, fmt.Errorf("symbol at %#x has size %d, requested %d", addr, d.Size, size)
		}
		return d.Symbols[0], nil
	}
	name := fmt.Sprintf("%s0x%x", prefix, addr)
	return bc.registerNameLocked(name, addr, size, alignment, flags|SymFlagSynthetic)
}

// RegisterNameAtAddress installs name at addr, merging aliases onto one
// BinaryData record when the address and size match an existing object.
func (bc *BinaryContext) RegisterNameAtAddress(name string, addr, size uint64, alignment uint32, flags SymFlags) (*Symbol, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.registerNameLocked(name, addr, size, alignment, flags)
}

func (bc *BinaryContext) registerNameLocked(name string, addr, size uint64, alignment uint32, flags SymFlags) (*Symbol, error) {
	if _, taken := bc.globalSymbols[name]; taken {
		bc.uniquifier++
		name = fmt.Sprintf("%s/%d", name, bc.uniquifier)
	}
	sym := &Symbol{
		Name:      name,
		Address:   addr,
		Size:      size,
		Alignment: alignment,
		Flags:     flags,
		Section:   bc.sectionForAddressLocked(addr),
	}

	if d := bc.data.containing(addr, false, true); d != nil && d.Address == addr && d.Size == size {
		// Same object under another name
		d.Symbols = append(d.Symbols, sym)
		bc.globalSymbols[name] = d
		return sym, nil
	}

	d := &BinaryData{
		Symbols:   []*Symbol{sym},
		Address:   addr,
		Size:      size,
		Alignment: alignment,
		Flags:     flags,
		Section:   sym.Section,
	}
	bc.linkNesting(d)
	bc.data.insert(d)
	bc.globalSymbols[name] = d

	// Ambiguous addresses (end-of-one equals start-of-next) pin the objects
	if prev := bc.data.containing(addr, true, true); prev != nil && prev != d && prev.EndAddress() == addr {
		prev.Flags |= SymFlagImmovable
		d.Flags |= SymFlagImmovable
	}
	return sym, nil
}

func (bc *BinaryContext) sectionForAddressLocked(addr uint64) *BinarySection {
	i := sort.Search(len(bc.allocSections), func(i int) bool {
		return bc.allocSections[i].InputAddress > addr
	})
	for j := i - 1; j >= 0; j-- {
		if bc.allocSections[j].ContainsAddress(addr) {
			return bc.allocSections[j]
		}
	}
	return nil
}

// linkNesting attaches d to its enclosing object, if any
func (bc *BinaryContext) linkNesting(d *BinaryData) {
	if parent := bc.data.containing(d.Address, false, true); parent != nil &&
		parent.ContainsRange(d.Address, d.Size) && parent != d {
		d.Parent = parent
		parent.Children = append(parent.Children, d)
	}
}

// BinaryDataByName looks up the object owning the given name
func (bc *BinaryContext) BinaryDataByName(name string) *BinaryData {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.globalSymbols[name]
}

// BinaryDataContainingAddress finds the object holding addr
func (bc *BinaryContext) BinaryDataContainingAddress(addr uint64, includeEnd, bestFit bool) *BinaryData {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.data.containing(addr, includeEnd, bestFit)
}

// NextSymbolAddressAfter returns the address of the first object strictly
// past addr, or bound when none exists before it.
func (bc *BinaryContext) NextSymbolAddressAfter(addr, bound uint64) uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	i := sort.Search(len(bc.data.sorted), func(i int) bool {
		return bc.data.sorted[i].Address > addr
	})
	if i < len(bc.data.sorted) && bc.data.sorted[i].Address < bound {
		return bc.data.sorted[i].Address
	}
	return bound
}

// AddRelocation normalizes and installs a relocation into the section that
// owns addr.
func (bc *BinaryContext) AddRelocation(addr uint64, sym *Symbol, kind uint32, addend int64, value uint64) error {
	class, size, err := AnalyzeRelocKind(bc.Arch, kind)
	if err != nil {
		return err
	}
	sec := bc.SectionForAddress(addr)
	if sec == nil {
		return fmt.Errorf("no section for relocation at %#x", addr)
	}
	sec.AddRelocation(&Relocation{
		Offset: addr - sec.InputAddress,
		Symbol: sym,
		Kind:   kind,
		Class:  class,
		Size:   size,
		Addend: addend,
		Value:  value,
	})
	return nil
}

// RegisterFunction creates a BinaryFunction at the given address
func (bc *BinaryContext) RegisterFunction(name string, addr, size, maxSize uint64, sec *BinarySection) *BinaryFunction {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if f, ok := bc.functions[addr]; ok {
		f.AddName(name)
		bc.functionsByName[name] = f
		return f
	}
	f := NewBinaryFunction(bc, name, addr, size, maxSize, sec)
	f.Number = bc.nextFuncNumber
	bc.nextFuncNumber++
	bc.functions[addr] = f
	bc.functionsByName[name] = f
	return f
}

// FunctionForAddress finds the function whose body contains addr
func (bc *BinaryContext) FunctionForAddress(addr uint64) *BinaryFunction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if f, ok := bc.functions[addr]; ok {
		return f
	}
	for _, f := range bc.functions {
		if addr > f.InputAddress && addr < f.InputAddress+f.InputSize {
			return f
		}
	}
	return nil
}

// FunctionByName finds a function by any of its names
func (bc *BinaryContext) FunctionByName(name string) *BinaryFunction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.functionsByName[name]
}

// Functions returns all registered functions sorted by input address
func (bc *BinaryContext) Functions() []*BinaryFunction {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]*BinaryFunction, 0, len(bc.functions))
	for _, f := range bc.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InputAddress < out[j].InputAddress
	})
	return out
}

// FoldFunction redirects every call targeting child to parent, merges the
// profile, and removes child from the function map (relocation mode) or
// renames it to __ICF_<name> (non-relocation mode).
func (bc *BinaryContext) FoldFunction(child, parent *BinaryFunction) {
	bc.mu.Lock()
	childSym := child.Symbol()
	parentSym := parent.Symbol()
	bc.mu.Unlock()

	for _, f := range bc.Functions() {
		if f == child {
			continue
		}
		f.ForEachInstruction(func(in *Instruction) {
			if in.Target == childSym {
				in.SetBranchTarget(parentSym)
			}
		})
	}

	if child.ExecutionCount != CountNoProfile {
		if parent.ExecutionCount == CountNoProfile {
			parent.ExecutionCount = 0
		}
		parent.ExecutionCount += child.ExecutionCount
	}
	parent.AddName(child.Name())

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.HasRelocations {
		delete(bc.functions, child.InputAddress)
		for _, name := range child.Names {
			delete(bc.functionsByName, name)
		}
		child.Folded = true
	} else {
		for i, name := range child.Names {
			delete(bc.functionsByName, name)
			child.Names[i] = "__ICF_" + name
			bc.functionsByName[child.Names[i]] = child
		}
		child.Folded = true
	}
}

// ValidateObjectNesting checks that overlapping objects nest: whenever two
// objects overlap, the smaller is transitively a child of the larger.
// A violation is an internal invariant failure and aborts the run.
func (bc *BinaryContext) ValidateObjectNesting() error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	sorted := bc.data.sorted
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Address >= prev.EndAddress() {
			continue // disjoint
		}
		if prev.ContainsRange(cur.Address, cur.Size) {
			// Must be a transitive child
			p := cur.Parent
			for p != nil && p != prev {
				p = p.Parent
			}
			if p != prev {
				return fmt.Errorf("object %v overlaps %v without nesting", cur, prev)
			}
			continue
		}
		return fmt.Errorf("objects %v and %v partially overlap", prev, cur)
	}
	return nil
}

// PrintStats logs a summary of the discovered binary
func (bc *BinaryContext) PrintStats() {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	simple := 0
	for _, f := range bc.functions {
		if f.Simple {
			simple++
		}
	}
	outsf("%d functions discovered, %d simple, %d sections",
		len(bc.functions), simple, len(bc.sections))
}
