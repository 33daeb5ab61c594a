// Completion: 100% - Jump table tests complete
package main

import (
	"encoding/binary"
	"testing"
)

func placedLabel(name string, out uint64) *Symbol {
	s := &Symbol{Name: name}
	s.SetOutputAddress(out)
	return s
}

func TestEntryTargetNormal(t *testing.T) {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint64(raw[0:], 0x401000)
	binary.LittleEndian.PutUint64(raw[8:], 0x401020)
	sec := NewBinarySection(".rodata", 0x500000, raw, 8, SecAlloc|SecReadOnly)

	jt := NewJumpTable(0x500000, sec, JumpTableNormal, 8)
	for i, want := range []uint64{0x401000, 0x401020} {
		got, err := jt.EntryTarget(i)
		if err != nil {
			t.Fatalf("EntryTarget(%d): %v", i, err)
		}
		if got != want {
			t.Errorf("EntryTarget(%d) = %#x, want %#x", i, got, want)
		}
	}
}

func TestEntryTargetPIC(t *testing.T) {
	raw := make([]byte, 8)
	back := int32(-0x20)
	binary.LittleEndian.PutUint32(raw[0:], 0x40)         // forward
	binary.LittleEndian.PutUint32(raw[4:], uint32(back)) // backward
	sec := NewBinarySection(".rodata", 0x500000, raw, 4, SecAlloc|SecReadOnly)

	jt := NewJumpTable(0x500000, sec, JumpTablePIC, 4)
	if got, _ := jt.EntryTarget(0); got != 0x500040 {
		t.Errorf("EntryTarget(0) = %#x, want %#x", got, 0x500040)
	}
	if got, _ := jt.EntryTarget(1); got != 0x500000-0x20 {
		t.Errorf("EntryTarget(1) = %#x, want %#x", got, 0x500000-0x20)
	}
}

func TestMaterializeNormal64(t *testing.T) {
	jt := NewJumpTable(0x500000, nil, JumpTableNormal, 8)
	jt.Targets = []*Symbol{placedLabel("a", 0x601000), placedLabel("b", 0x601040)}

	out, err := jt.Materialize(0x700000)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("got %d bytes", len(out))
	}
	if binary.LittleEndian.Uint64(out) != 0x601000 ||
		binary.LittleEndian.Uint64(out[8:]) != 0x601040 {
		t.Errorf("entries = %x", out)
	}
}

func TestMaterializePIC(t *testing.T) {
	jt := NewJumpTable(0x500000, nil, JumpTablePIC, 4)
	jt.Targets = []*Symbol{placedLabel("a", 0x700100), placedLabel("b", 0x6fff00)}

	base := uint64(0x700000)
	out, err := jt.Materialize(base)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(out)); got != 0x100 {
		t.Errorf("entry 0 = %d, want 256", got)
	}
	if got := int32(binary.LittleEndian.Uint32(out[4:])); got != -0x100 {
		t.Errorf("entry 1 = %d, want -256", got)
	}
}

func TestMaterializeUnplacedLabel(t *testing.T) {
	jt := NewJumpTable(0x500000, nil, JumpTableNormal, 8)
	jt.Targets = []*Symbol{{Name: "unplaced"}}
	if _, err := jt.Materialize(0x700000); err == nil {
		t.Error("materializing an unplaced label should fail")
	}
}

func TestSortedJumpTables(t *testing.T) {
	bc := testContext(t)
	f := bc.RegisterFunction("f", 0x1000, 0x100, 0x100, nil)
	f.JumpTables[0x5020] = NewJumpTable(0x5020, nil, JumpTableNormal, 8)
	f.JumpTables[0x5000] = NewJumpTable(0x5000, nil, JumpTableNormal, 8)
	f.JumpTables[0x5010] = NewJumpTable(0x5010, nil, JumpTableNormal, 8)

	got := sortedJumpTables(f)
	want := []uint64{0x5000, 0x5010, 0x5020}
	for i, jt := range got {
		if jt.Address != want[i] {
			t.Errorf("table %d at %#x, want %#x", i, jt.Address, want[i])
		}
	}
}
