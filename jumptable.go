// Completion: 100% - Jump table model complete
package main

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// jumptable.go - Jump tables
//
// A jump table is owned by the function whose indirect branch reads it.
// Before CFG construction the table holds raw target addresses; afterwards
// the addresses are replaced by block labels and the raw vector is invalid.

// JumpTableType distinguishes absolute and PC-relative tables
type JumpTableType int

const (
	JumpTableNormal JumpTableType = iota // absolute 64-bit entries
	JumpTablePIC                         // 32-bit offsets from the table base
)

func (t JumpTableType) String() string {
	if t == JumpTablePIC {
		return "pic"
	}
	return "normal"
}

// JumpTable describes one indirect-branch dispatch table
type JumpTable struct {
	Address         uint64
	Section         *BinarySection
	Type            JumpTableType
	EntrySize       int // input entry width
	OutputEntrySize int // may shrink after PIC optimization

	// RawTargets holds input target addresses; valid only before the CFG is
	// built.
	RawTargets []uint64

	// Targets holds the resolved labels, one per entry, after CFG build
	Targets []*Symbol

	// Labels maps intra-table offsets to symbols for embedded sub-tables
	Labels map[uint64]*Symbol

	Counts     []BranchInfo // per-entry profile
	TotalCount uint64

	Parent *BinaryFunction

	OutputAddress uint64
	Placed        bool
}

// NewJumpTable builds an empty table at the given address
func NewJumpTable(addr uint64, sec *BinarySection, typ JumpTableType, entrySize int) *JumpTable {
	return &JumpTable{
		Address:         addr,
		Section:         sec,
		Type:            typ,
		EntrySize:       entrySize,
		OutputEntrySize: entrySize,
		Labels:          make(map[uint64]*Symbol),
	}
}

// Size is the total input size of the table in bytes
func (jt *JumpTable) Size() uint64 {
	n := len(jt.Targets)
	if n == 0 {
		n = len(jt.RawTargets)
	}
	return uint64(n * jt.EntrySize)
}

// EntryTarget decodes the target address stored in one input entry
func (jt *JumpTable) EntryTarget(index int) (uint64, error) {
	addr := jt.Address + uint64(index*jt.EntrySize)
	raw, err := jt.Section.ReadUint(addr, jt.EntrySize)
	if err != nil {
		return 0, err
	}
	if jt.Type == JumpTablePIC {
		return uint64(int64(jt.Address) + int64(int32(raw))), nil
	}
	return raw, nil
}

// Validate checks the post-CFG size invariant
func (jt *JumpTable) Validate() error {
	if len(jt.Targets) == 0 {
		return fmt.Errorf("jump table at %#x has no targets", jt.Address)
	}
	if uint64(len(jt.Targets)*jt.EntrySize) != jt.Size() {
		return fmt.Errorf("jump table at %#x: %d targets x %d bytes != size %d",
			jt.Address, len(jt.Targets), jt.EntrySize, jt.Size())
	}
	return nil
}

// Materialize produces the output bytes of the table, resolving every label
// to its output address. base is the output address of the table itself,
// used for PIC entries.
func (jt *JumpTable) Materialize(base uint64) ([]byte, error) {
	out := make([]byte, 0, len(jt.Targets)*jt.OutputEntrySize)
	for i, label := range jt.Targets {
		if label == nil || !label.Placed {
			return nil, fmt.Errorf("jump table at %#x: entry %d unresolved", jt.Address, i)
		}
		switch {
		case jt.Type == JumpTableNormal && jt.OutputEntrySize == 8:
			out = binary.LittleEndian.AppendUint64(out, label.OutputAddress)
		case jt.Type == JumpTableNormal && jt.OutputEntrySize == 4:
			out = binary.LittleEndian.AppendUint32(out, uint32(label.OutputAddress))
		case jt.Type == JumpTablePIC:
			delta := int64(label.OutputAddress) - int64(base)
			if delta > 0x7fffffff || delta < -0x80000000 {
				return nil, fmt.Errorf("jump table at %#x: PIC offset %d out of range", jt.Address, delta)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(delta)))
		default:
			return nil, fmt.Errorf("jump table at %#x: unsupported entry size %d", jt.Address, jt.OutputEntrySize)
		}
	}
	return out, nil
}

// sortedJumpTables returns the function's tables ordered by input address
func sortedJumpTables(f *BinaryFunction) []*JumpTable {
	out := make([]*JumpTable, 0, len(f.JumpTables))
	for _, jt := range f.JumpTables {
		out = append(out, jt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (jt *JumpTable) String() string {
	return fmt.Sprintf("jt@%#x(%s,%d entries)", jt.Address, jt.Type, len(jt.Targets))
}
