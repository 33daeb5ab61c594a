// Completion: 100% - Function state machine complete
package main

import (
	"fmt"
	"sort"
	"strings"
)

// function.go - The unit of optimization
//
// A function advances through a one-directional state machine:
//
//	Empty → Disassembled → CFG → Assembled
//
// Empty functions hold only geometry. Disassembly populates the instruction
// map keyed by input offset plus discovered labels and branches. CFG build
// carves blocks and discards the instruction map. Assembly binds the output
// symbol and image placement.

// FunctionState is the lifecycle state of a BinaryFunction
type FunctionState int

const (
	StateEmpty FunctionState = iota
	StateDisassembled
	StateCFG
	StateAssembled
)

func (s FunctionState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDisassembled:
		return "disassembled"
	case StateCFG:
		return "cfg"
	case StateAssembled:
		return "assembled"
	default:
		return "unknown"
	}
}

// localBranch records a branch discovered during disassembly
type localBranch struct {
	FromOffset uint64
	ToOffset   uint64
}

// ColdFragment is the geometry of a split function's cold half
type ColdFragment struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	Symbol     *Symbol
}

// BinaryFunction is one function of the input binary
type BinaryFunction struct {
	Names  []string // Names[0] is primary
	Number int

	InputAddress uint64
	InputSize    uint64
	MaxSize      uint64 // bounded by the next symbol
	FileOffset   uint64
	Alignment    uint16
	Section      *BinarySection

	State FunctionState

	// Classification
	Simple     bool // eligible for rewrite; non-simple is copied verbatim
	Split      bool // has a cold fragment
	IsFragment bool // is itself the cold half of another function
	Folded     bool // removed by ICF
	ParentFunc *BinaryFunction

	// Disassembled state (discarded after CFG build)
	insns         []Instruction // sorted by offset
	labels        map[uint64]*Symbol
	localBranches []localBranch
	externRefs    map[uint64]uint64 // instruction offset → external target address

	// CFG state
	Blocks []*BasicBlock // storage order
	Layout []*BasicBlock // layout order

	// CFI
	FrameInstructions    []FrameInstruction
	CIEFrameInstructions []FrameInstruction
	cfiByOffset          map[uint64][]int
	origCFICount         int // indices past this are synthetic repairs
	HasCFI               bool
	PersonalityAddr      uint64
	HasPersonality       bool
	PersonalityEncoding  byte
	LSDAEncoding         byte
	CIECodeAlign         uint64
	CIEDataAlign         int64
	RAReg                uint64

	// OutputCFI is filled during emission: where each frame instruction
	// landed in the output body, in emission order. Cold placements are
	// relative to the cold fragment start.
	OutputCFI     []CFIPlacement
	ColdOutputCFI []CFIPlacement

	// Exception handling
	LSDAAddress uint64
	LSDA        *LSDAInfo
	LSDASymbol  *Symbol

	JumpTables map[uint64]*JumpTable

	// Profile
	ExecutionCount uint64
	HasProfile     bool

	// OutputOrder ranks hot functions for the linker; -1 means no
	// preference and keeps the input order.
	OutputOrder int

	// Output
	ImageAddress uint64
	ImageSize    uint64
	OutputSymbol *Symbol
	Cold         ColdFragment

	ctx *BinaryContext
	sym *Symbol
}

// NewBinaryFunction creates a function in the Empty state
func NewBinaryFunction(bc *BinaryContext, name string, addr, size, maxSize uint64, sec *BinarySection) *BinaryFunction {
	sym := &Symbol{
		Name:    name,
		Address: addr,
		Size:    size,
		Type:    TypeFunction,
		Section: sec,
	}
	return &BinaryFunction{
		Names:          []string{name},
		InputAddress:   addr,
		InputSize:      size,
		MaxSize:        maxSize,
		Section:        sec,
		Alignment:      bc.Arch.FunctionAlignment(),
		Simple:         true,
		State:          StateEmpty,
		JumpTables:     make(map[uint64]*JumpTable),
		labels:         make(map[uint64]*Symbol),
		externRefs:     make(map[uint64]uint64),
		ExecutionCount: CountNoProfile,
		OutputOrder:    -1,
		ctx:            bc,
		sym:            sym,
	}
}

// Name returns the primary name
func (f *BinaryFunction) Name() string { return f.Names[0] }

// AddName records a file-local alias
func (f *BinaryFunction) AddName(name string) {
	for _, n := range f.Names {
		if n == name {
			return
		}
	}
	f.Names = append(f.Names, name)
}

// HasName reports whether the function answers to name
func (f *BinaryFunction) HasName(name string) bool {
	for _, n := range f.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Symbol returns the function's entry symbol
func (f *BinaryFunction) Symbol() *Symbol { return f.sym }

// Context returns the owning binary context
func (f *BinaryFunction) Context() *BinaryContext { return f.ctx }

// advanceState enforces the one-directional lifecycle
func (f *BinaryFunction) advanceState(to FunctionState) error {
	if to != f.State+1 {
		return fmt.Errorf("function %s: illegal state transition %v → %v", f.Name(), f.State, to)
	}
	f.State = to
	return nil
}

// MarkNonSimple demotes the function; its original bytes are copied verbatim
func (f *BinaryFunction) MarkNonSimple(reason string) {
	if f.Simple {
		debugf("demoting %s to non-simple: %s", f.Name(), reason)
	}
	f.Simple = false
}

// KnownExecutionCount returns the profile count, treating missing as zero
func (f *BinaryFunction) KnownExecutionCount() uint64 {
	if f.ExecutionCount == CountNoProfile {
		return 0
	}
	return f.ExecutionCount
}

// getOrCreateLabel interns a label symbol for an input offset
func (f *BinaryFunction) getOrCreateLabel(offset uint64) *Symbol {
	if l, ok := f.labels[offset]; ok {
		return l
	}
	l := &Symbol{
		Name:    fmt.Sprintf(".L%s.%x", f.Name(), offset),
		Address: f.InputAddress + offset,
		Type:    TypeNone,
		Flags:   SymFlagSynthetic,
		Section: f.Section,
	}
	f.labels[offset] = l
	return l
}

// LabelAtOffset returns the label at an input offset, if one exists
func (f *BinaryFunction) LabelAtOffset(offset uint64) *Symbol {
	return f.labels[offset]
}

// instructionAt finds the decoded instruction starting at offset
func (f *BinaryFunction) instructionAt(offset uint64) *Instruction {
	i := sort.Search(len(f.insns), func(i int) bool {
		return f.insns[i].Offset >= offset
	})
	if i < len(f.insns) && f.insns[i].Offset == offset {
		return &f.insns[i]
	}
	return nil
}

// ForEachInstruction visits every instruction. In the CFG state it walks
// blocks in storage order; in the Disassembled state it walks the map.
func (f *BinaryFunction) ForEachInstruction(visit func(*Instruction)) {
	if f.State >= StateCFG {
		for _, b := range f.Blocks {
			for i := range b.Instructions {
				visit(&b.Instructions[i])
			}
		}
		return
	}
	for i := range f.insns {
		visit(&f.insns[i])
	}
}

// EntryBlock returns the block at offset 0
func (f *BinaryFunction) EntryBlock() *BasicBlock {
	if len(f.Layout) > 0 {
		return f.Layout[0]
	}
	if len(f.Blocks) > 0 {
		return f.Blocks[0]
	}
	return nil
}

// BlockAtOffset finds the block starting at the given input offset
func (f *BinaryFunction) BlockAtOffset(offset uint64) *BasicBlock {
	for _, b := range f.Blocks {
		if b.InputOffset == offset {
			return b
		}
	}
	return nil
}

// BlockContaining finds the block whose input range holds offset
func (f *BinaryFunction) BlockContaining(offset uint64) *BasicBlock {
	var best *BasicBlock
	for _, b := range f.Blocks {
		if b.InputOffset <= offset && (best == nil || b.InputOffset > best.InputOffset) {
			best = b
		}
	}
	return best
}

// SetLayout installs a new block emission order. The entry block must stay
// first; CFI requires the function entry at offset 0 from the symbol.
func (f *BinaryFunction) SetLayout(order []*BasicBlock) error {
	if len(order) != len(f.Blocks) {
		return fmt.Errorf("function %s: layout has %d blocks, expected %d",
			f.Name(), len(order), len(f.Blocks))
	}
	if len(order) > 0 && order[0] != f.Blocks[0] {
		return fmt.Errorf("function %s: layout moves the entry block", f.Name())
	}
	f.Layout = order
	return nil
}

// LayoutOrder returns the emission order (storage order until reordered)
func (f *BinaryFunction) LayoutOrder() []*BasicBlock {
	if f.Layout != nil {
		return f.Layout
	}
	return f.Blocks
}

// ColdBlocks returns the blocks flagged cold, in layout order
func (f *BinaryFunction) ColdBlocks() []*BasicBlock {
	var cold []*BasicBlock
	for _, b := range f.LayoutOrder() {
		if b.IsCold {
			cold = append(cold, b)
		}
	}
	return cold
}

// NumInstructions counts non-pseudo instructions across all blocks
func (f *BinaryFunction) NumInstructions() int {
	n := 0
	f.ForEachInstruction(func(in *Instruction) {
		if !in.IsPseudo() {
			n++
		}
	})
	return n
}

// RawBodySize is the byte size of all non-pseudo instructions
func (f *BinaryFunction) RawBodySize() uint64 {
	var size uint64
	f.ForEachInstruction(func(in *Instruction) {
		if !in.IsPseudo() {
			size += uint64(in.Size)
		}
	})
	return size
}

// MarkAssembled records the output placement and finishes the lifecycle
func (f *BinaryFunction) MarkAssembled(addr, size uint64, sym *Symbol) error {
	if err := f.advanceState(StateAssembled); err != nil {
		return err
	}
	f.ImageAddress = addr
	f.ImageSize = size
	f.OutputSymbol = sym
	f.sym.SetOutputAddress(addr)
	return nil
}

// Print dumps the function CFG to the debug log (-dump-cfg)
func (f *BinaryFunction) Print() {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s at %#x, size %d, state %v, count %d\n",
		f.Name(), f.InputAddress, f.InputSize, f.State, f.KnownExecutionCount())
	for _, b := range f.LayoutOrder() {
		fmt.Fprintf(&sb, "  %s count=%d cold=%v cfi=%d\n",
			b.Name(), b.KnownExecutionCount(), b.IsCold, b.CFIState)
		for _, s := range b.Successors {
			info, _ := b.SuccessorInfo(s)
			fmt.Fprintf(&sb, "    -> %s (count=%d mispreds=%d)\n", s.Name(), info.Count, info.Mispredicts)
		}
		for _, lp := range b.LandingPads {
			fmt.Fprintf(&sb, "    ~> %s (landing pad)\n", lp.Name())
		}
	}
	debugf("%s", sb.String())
}

func (f *BinaryFunction) String() string {
	return fmt.Sprintf("%s@%#x(%d)", f.Name(), f.InputAddress, f.InputSize)
}
