// Completion: 100% - DWARF encoding helpers complete
package engine

import (
	"encoding/binary"
	"fmt"
)

// encoding.go - LEB128 and DWARF pointer-encoding primitives
//
// Shared by the .eh_frame and LSDA readers/writers. All multi-byte reads
// are little-endian; the rewriter only supports ELF64-LE inputs.

// DWARF exception-handling pointer encodings (lower nibble: value format,
// upper nibble: application)
const (
	EncAbsPtr  = 0x00
	EncULEB128 = 0x01
	EncUData2  = 0x02
	EncUData4  = 0x03
	EncUData8  = 0x04
	EncSLEB128 = 0x09
	EncSData2  = 0x0a
	EncSData4  = 0x0b
	EncSData8  = 0x0c

	EncPCRel   = 0x10
	EncTextRel = 0x20
	EncDataRel = 0x30
	EncFuncRel = 0x40
	EncAligned = 0x50

	EncIndirect = 0x80
	EncOmit     = 0xff
)

// Reader is a cursor over a byte slice with DWARF primitives
type Reader struct {
	Data []byte
	Pos  int
}

// NewReader wraps data in a reader
func NewReader(data []byte) *Reader {
	return &Reader{Data: data}
}

// HasMore reports whether bytes remain
func (r *Reader) HasMore() bool { return r.Pos < len(r.Data) }

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int { return len(r.Data) - r.Pos }

// U8 reads one byte
func (r *Reader) U8() (uint8, error) {
	if r.Pos >= len(r.Data) {
		return 0, fmt.Errorf("read past end at %d", r.Pos)
	}
	v := r.Data[r.Pos]
	r.Pos++
	return v, nil
}

// U16 reads a little-endian uint16
func (r *Reader) U16() (uint16, error) {
	if r.Pos+2 > len(r.Data) {
		return 0, fmt.Errorf("read past end at %d", r.Pos)
	}
	v := binary.LittleEndian.Uint16(r.Data[r.Pos:])
	r.Pos += 2
	return v, nil
}

// U32 reads a little-endian uint32
func (r *Reader) U32() (uint32, error) {
	if r.Pos+4 > len(r.Data) {
		return 0, fmt.Errorf("read past end at %d", r.Pos)
	}
	v := binary.LittleEndian.Uint32(r.Data[r.Pos:])
	r.Pos += 4
	return v, nil
}

// U64 reads a little-endian uint64
func (r *Reader) U64() (uint64, error) {
	if r.Pos+8 > len(r.Data) {
		return 0, fmt.Errorf("read past end at %d", r.Pos)
	}
	v := binary.LittleEndian.Uint64(r.Data[r.Pos:])
	r.Pos += 8
	return v, nil
}

// ULEB reads an unsigned LEB128 value
func (r *Reader) ULEB() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("ULEB128 overflow at %d", r.Pos)
		}
	}
}

// SLEB reads a signed LEB128 value
func (r *Reader) SLEB() (int64, error) {
	var v int64
	var shift uint
	for {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= -1 << shift
			}
			return v, nil
		}
		if shift >= 64 {
			return 0, fmt.Errorf("SLEB128 overflow at %d", r.Pos)
		}
	}
}

// Bytes reads n raw bytes
func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.Pos+n > len(r.Data) {
		return nil, fmt.Errorf("read of %d bytes past end at %d", n, r.Pos)
	}
	v := r.Data[r.Pos : r.Pos+n]
	r.Pos += n
	return v, nil
}

// CStr reads a NUL-terminated string
func (r *Reader) CStr() (string, error) {
	start := r.Pos
	for r.Pos < len(r.Data) {
		if r.Data[r.Pos] == 0 {
			s := string(r.Data[start:r.Pos])
			r.Pos++
			return s, nil
		}
		r.Pos++
	}
	return "", fmt.Errorf("unterminated string at %d", start)
}

// Pointer reads a value with the given DWARF exception encoding. pc is the
// virtual address of the field being read (for PC-relative application).
func (r *Reader) Pointer(enc byte, pc uint64) (uint64, error) {
	if enc == EncOmit {
		return 0, nil
	}
	var value uint64
	var err error
	switch enc & 0x0f {
	case EncAbsPtr, EncUData8, EncSData8:
		value, err = r.U64()
	case EncUData2:
		var v uint16
		v, err = r.U16()
		value = uint64(v)
	case EncSData2:
		var v uint16
		v, err = r.U16()
		value = uint64(int64(int16(v)))
	case EncUData4:
		var v uint32
		v, err = r.U32()
		value = uint64(v)
	case EncSData4:
		var v uint32
		v, err = r.U32()
		value = uint64(int64(int32(v)))
	case EncULEB128:
		value, err = r.ULEB()
	case EncSLEB128:
		var v int64
		v, err = r.SLEB()
		value = uint64(v)
	default:
		return 0, fmt.Errorf("unsupported pointer encoding %#x", enc)
	}
	if err != nil {
		return 0, err
	}
	if enc&0x70 == EncPCRel && value != 0 {
		value += pc
	}
	return value, nil
}

// PointerSize returns the encoded size of a fixed-width pointer encoding,
// or 0 for variable-width forms.
func PointerSize(enc byte) int {
	switch enc & 0x0f {
	case EncAbsPtr, EncUData8, EncSData8:
		return 8
	case EncUData2, EncSData2:
		return 2
	case EncUData4, EncSData4:
		return 4
	}
	return 0
}

// AppendULEB appends an unsigned LEB128 encoding of v
func AppendULEB(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// AppendSLEB appends a signed LEB128 encoding of v
func AppendSLEB(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// ULEBSize returns the encoded size of v
func ULEBSize(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// Align rounds v up to the next multiple of align (a power of two or any
// positive value)
func Align(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + align - rem
}
