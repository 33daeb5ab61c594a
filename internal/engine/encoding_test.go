// Completion: 100% - Encoding primitive tests complete
package engine

import (
	"bytes"
	"testing"
)

func TestULEBRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 123456789, ^uint64(0)}
	for _, v := range values {
		buf := AppendULEB(nil, v)
		if got := ULEBSize(v); got != len(buf) {
			t.Errorf("ULEBSize(%d) = %d, encoded %d bytes", v, got, len(buf))
		}
		r := NewReader(buf)
		got, err := r.ULEB()
		if err != nil {
			t.Fatalf("ULEB(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("ULEB round trip: got %d, want %d", got, v)
		}
		if r.HasMore() {
			t.Errorf("ULEB(%d): %d trailing bytes", v, r.Remaining())
		}
	}
}

func TestSLEBRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, 64, -64, -65, 0x3fff, -8617, 1 << 40, -(1 << 40)}
	for _, v := range values {
		buf := AppendSLEB(nil, v)
		r := NewReader(buf)
		got, err := r.SLEB()
		if err != nil {
			t.Fatalf("SLEB(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("SLEB round trip: got %d, want %d", got, v)
		}
	}
}

func TestReaderPrimitives(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 'h', 'i', 0}
	r := NewReader(data)
	if v, _ := r.U8(); v != 0x11 {
		t.Errorf("U8 = %#x", v)
	}
	if v, _ := r.U16(); v != 0x3322 {
		t.Errorf("U16 = %#x", v)
	}
	if v, _ := r.U32(); v != 0x77665544 {
		t.Errorf("U32 = %#x", v)
	}
	if b, _ := r.Bytes(2); !bytes.Equal(b, []byte{0x88, 0x99}) {
		t.Errorf("Bytes = %x", b)
	}
	if s, _ := r.CStr(); s != "hi" {
		t.Errorf("CStr = %q", s)
	}
	if r.HasMore() {
		t.Error("reader should be exhausted")
	}
	if _, err := r.U8(); err == nil {
		t.Error("U8 past end should fail")
	}
}

func TestPointerEncodings(t *testing.T) {
	tests := []struct {
		name string
		enc  byte
		data []byte
		pc   uint64
		want uint64
	}{
		{"absptr", EncAbsPtr, []byte{0x00, 0x10, 0, 0, 0, 0, 0, 0}, 0, 0x1000},
		{"udata4", EncUData4, []byte{0x00, 0x10, 0, 0}, 0, 0x1000},
		{"sdata4-negative", EncSData4, []byte{0xff, 0xff, 0xff, 0xff}, 0, ^uint64(0)},
		{"pcrel-sdata4", EncPCRel | EncSData4, []byte{0xf0, 0xff, 0xff, 0xff}, 0x2000, 0x1ff0},
		{"pcrel-zero-stays-zero", EncPCRel | EncSData4, []byte{0, 0, 0, 0}, 0x2000, 0},
		{"omit", EncOmit, nil, 0, 0},
		{"uleb", EncULEB128, []byte{0x80, 0x02}, 0, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			got, err := r.Pointer(tt.enc, tt.pc)
			if err != nil {
				t.Fatalf("Pointer: %v", err)
			}
			if got != tt.want {
				t.Errorf("Pointer = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestPointerSize(t *testing.T) {
	if got := PointerSize(EncPCRel | EncSData4); got != 4 {
		t.Errorf("PointerSize(pcrel|sdata4) = %d", got)
	}
	if got := PointerSize(EncAbsPtr); got != 8 {
		t.Errorf("PointerSize(absptr) = %d", got)
	}
	if got := PointerSize(EncULEB128); got != 0 {
		t.Errorf("PointerSize(uleb) = %d, want 0 for variable width", got)
	}
}

func TestAlign(t *testing.T) {
	tests := []struct{ v, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 16, 16},
		{17, 1, 17},
		{5, 0, 5},
		{0x1001, 0x1000, 0x2000},
	}
	for _, tt := range tests {
		if got := Align(tt.v, tt.align); got != tt.want {
			t.Errorf("Align(%#x, %#x) = %#x, want %#x", tt.v, tt.align, got, tt.want)
		}
	}
}
