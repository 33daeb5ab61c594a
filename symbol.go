// Completion: 100% - Symbol and data-object model complete
package main

import (
	"fmt"
	"sort"
)

// symbol.go - Symbols and named data objects
//
// Symbols are interned: there is exactly one *Symbol per (name) and the
// binary context guarantees that every name maps to one BinaryData record
// that lists the name among its aliases. Local names are disambiguated with
// a numeric uniquifier so file-local aliases never collide.

// SymBinding is the ELF symbol binding
type SymBinding int

const (
	BindLocal SymBinding = iota
	BindGlobal
	BindWeak
)

// SymType is the ELF symbol type
type SymType int

const (
	TypeNone SymType = iota
	TypeFunction
	TypeData
	TypeSection
)

// SymFlags carries rewriter-internal symbol attributes
type SymFlags uint32

const (
	// SymFlagMoveable allows the rewriter to relocate the object
	SymFlagMoveable SymFlags = 1 << iota
	// SymFlagImmovable marks objects at ambiguous addresses
	SymFlagImmovable
	// SymFlagCold marks symbols generated for cold fragments
	SymFlagCold
	// SymFlagSynthetic marks symbols created by the rewriter
	SymFlagSynthetic
)

// Symbol is one interned name with its location facts
type Symbol struct {
	Name      string
	Address   uint64
	Size      uint64
	Alignment uint32
	Binding   SymBinding
	Type      SymType
	Flags     SymFlags
	Section   *BinarySection

	// OutputAddress is assigned at layout time; valid when Placed
	OutputAddress uint64
	Placed        bool
}

// SetOutputAddress records the final address of the symbol
func (s *Symbol) SetOutputAddress(addr uint64) {
	s.OutputAddress = addr
	s.Placed = true
}

// BinaryData is one addressable object: a run of bytes with one or more
// names. Overlapping objects nest: the smaller is a child of the larger.
type BinaryData struct {
	Symbols   []*Symbol // all aliases, Symbols[0] is canonical
	Address   uint64
	Size      uint64
	Alignment uint32
	Flags     SymFlags
	Section   *BinarySection
	Parent    *BinaryData
	Children  []*BinaryData
}

// Name returns the canonical name of the object
func (d *BinaryData) Name() string {
	if len(d.Symbols) == 0 {
		return ""
	}
	return d.Symbols[0].Name
}

// EndAddress is the first address past the object
func (d *BinaryData) EndAddress() uint64 {
	return d.Address + d.Size
}

// ContainsAddress reports whether addr lies inside the object
func (d *BinaryData) ContainsAddress(addr uint64) bool {
	return addr >= d.Address && addr < d.EndAddress()
}

// ContainsRange reports whether [addr, addr+size) lies inside the object
func (d *BinaryData) ContainsRange(addr, size uint64) bool {
	return addr >= d.Address && addr+size <= d.EndAddress()
}

// HasName reports whether the object carries the given alias
func (d *BinaryData) HasName(name string) bool {
	for _, s := range d.Symbols {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (d *BinaryData) String() string {
	return fmt.Sprintf("%s@%#x(%d)", d.Name(), d.Address, d.Size)
}

// dataIndex keeps BinaryData objects sorted by address for lookups. Multiple
// objects may share an address (end-of-one equals start-of-next); those are
// marked immovable by the context.
type dataIndex struct {
	sorted []*BinaryData // sorted by (Address, -Size)
}

// insert adds an object, keeping the slice sorted
func (idx *dataIndex) insert(d *BinaryData) {
	i := sort.Search(len(idx.sorted), func(i int) bool {
		o := idx.sorted[i]
		if o.Address != d.Address {
			return o.Address > d.Address
		}
		return o.Size < d.Size
	})
	idx.sorted = append(idx.sorted, nil)
	copy(idx.sorted[i+1:], idx.sorted[i:])
	idx.sorted[i] = d
}

// containing finds the object holding addr. With includeEnd set, an object
// whose end equals addr also matches. With bestFit set, the smallest
// enclosing object wins; otherwise the outermost one does.
func (idx *dataIndex) containing(addr uint64, includeEnd, bestFit bool) *BinaryData {
	i := sort.Search(len(idx.sorted), func(i int) bool {
		return idx.sorted[i].Address > addr
	})
	var found *BinaryData
	for j := i - 1; j >= 0; j-- {
		d := idx.sorted[j]
		if d.ContainsAddress(addr) || (includeEnd && d.EndAddress() == addr) {
			if found == nil {
				found = d
			} else if bestFit && d.Size < found.Size {
				found = d
			} else if !bestFit && d.Size > found.Size {
				found = d
			}
		}
		// Objects are sorted by address; once an object ends before addr we
		// can still have an enclosing parent earlier, so only stop when the
		// gap exceeds the largest object seen. Conservatively scan a window.
		if found != nil && d.EndAddress() < addr && addr-d.Address > 1<<24 {
			break
		}
	}
	if found != nil && bestFit {
		for len(found.Children) > 0 {
			child := found.findChild(addr, includeEnd)
			if child == nil {
				break
			}
			found = child
		}
	}
	return found
}

func (d *BinaryData) findChild(addr uint64, includeEnd bool) *BinaryData {
	for _, c := range d.Children {
		if c.ContainsAddress(addr) || (includeEnd && c.EndAddress() == addr) {
			return c
		}
	}
	return nil
}
