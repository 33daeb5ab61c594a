// Completion: 100% - Function emission complete
package main

import (
	"fmt"

	"github.com/xyproto/relayout/internal/engine"
)

// emit.go - Turning laid-out CFGs back into machine code
//
// Emission is two-phase. Sizing walks the layout with worst-case
// instruction sizes so the linker can assign addresses; encoding then
// produces the final bytes against those addresses. Both phases walk the
// blocks identically, so sizes never drift between them.

// Emitter encodes rewritten functions into their output fragments
type Emitter struct {
	bc *BinaryContext
}

// NewEmitter creates an emitter over the context
func NewEmitter(bc *BinaryContext) *Emitter {
	return &Emitter{bc: bc}
}

// hotBlocks returns the layout-ordered non-cold blocks
func hotBlocks(f *BinaryFunction) []*BasicBlock {
	var out []*BasicBlock
	for _, b := range f.LayoutOrder() {
		if !b.IsCold {
			out = append(out, b)
		}
	}
	return out
}

// blockSize is the encoded size of one block with worst-case displacements
func (e *Emitter) blockSize(b *BasicBlock) uint64 {
	var size uint64
	for i := range b.Instructions {
		size += uint64(e.bc.Backend.ComputeSize(&b.Instructions[i]))
	}
	return size
}

// blockPadding returns the alignment padding in front of a block
func blockPadding(offset uint64, b *BasicBlock) uint64 {
	if b.Alignment <= 1 {
		return 0
	}
	pad := engine.Align(offset, uint64(b.Alignment)) - offset
	if b.AlignMaxBytes > 0 && pad > uint64(b.AlignMaxBytes) {
		return 0
	}
	return pad
}

// SizeFunction computes the hot and cold fragment sizes of a function
func (e *Emitter) SizeFunction(f *BinaryFunction) (hot, cold uint64) {
	for _, b := range hotBlocks(f) {
		hot += blockPadding(hot, b)
		hot += e.blockSize(b)
	}
	for _, b := range f.ColdBlocks() {
		cold += blockPadding(cold, b)
		cold += e.blockSize(b)
	}
	return hot, cold
}

// PlaceFunction pins every block and label to its output address. The hot
// fragment starts at hotBase, the cold fragment at coldBase.
func (e *Emitter) PlaceFunction(f *BinaryFunction, hotBase, coldBase uint64) {
	place := func(blocks []*BasicBlock, base uint64) uint64 {
		offset := uint64(0)
		for _, b := range blocks {
			offset += blockPadding(offset, b)
			b.OutputAddress = base + offset
			b.OutputSize = e.blockSize(b)
			b.Placed = true
			if b.Label != nil {
				b.Label.SetOutputAddress(b.OutputAddress)
			}
			offset += b.OutputSize
		}
		return offset
	}
	place(hotBlocks(f), hotBase)
	if cold := f.ColdBlocks(); len(cold) > 0 {
		size := place(cold, coldBase)
		f.Cold.Address = coldBase
		f.Cold.Size = size
	}
}

// resolveSymbol maps a symbol to its final address: placed symbols use the
// output address, everything else keeps its input address.
func resolveSymbol(sym *Symbol) (uint64, bool) {
	if sym == nil {
		return 0, false
	}
	if sym.Placed {
		return sym.OutputAddress, true
	}
	if sym.Address != 0 {
		return sym.Address, true
	}
	return 0, false
}

// EncodeFunction produces the final bytes of both fragments and records
// where each CFI instruction landed.
func (e *Emitter) EncodeFunction(f *BinaryFunction) (hot, cold []byte, err error) {
	f.OutputCFI = nil
	f.ColdOutputCFI = nil
	hot, err = e.encodeFragment(f, hotBlocks(f), f.ImageAddress, &f.OutputCFI)
	if err != nil {
		return nil, nil, err
	}
	if blocks := f.ColdBlocks(); len(blocks) > 0 {
		cold, err = e.encodeFragment(f, blocks, f.Cold.Address, &f.ColdOutputCFI)
		if err != nil {
			return nil, nil, err
		}
	}
	return hot, cold, nil
}

// encodeFragment encodes one run of blocks starting at base
func (e *Emitter) encodeFragment(f *BinaryFunction, blocks []*BasicBlock, base uint64, placements *[]CFIPlacement) ([]byte, error) {
	backend := e.bc.Backend
	var out []byte
	for _, b := range blocks {
		offset := uint64(len(out))
		if pad := blockPadding(offset, b); pad > 0 {
			out = append(out, backend.CreateNoop(int(pad)).Bytes...)
		}
		if got := base + uint64(len(out)); got != b.OutputAddress {
			return nil, fmt.Errorf("function %s: block %s encoded at %#x, placed at %#x",
				f.Name(), b.Name(), got, b.OutputAddress)
		}
		for i := range b.Instructions {
			in := &b.Instructions[i]
			pc := base + uint64(len(out))
			if in.IsCFI() {
				*placements = append(*placements, CFIPlacement{Offset: pc - base, Index: in.CFIIndex})
				continue
			}
			enc, err := backend.Encode(in, pc, resolveSymbol)
			if err != nil {
				return nil, fmt.Errorf("function %s: block %s: %w", f.Name(), b.Name(), err)
			}
			// Worst-case sizing must match the real encoding
			if want := backend.ComputeSize(in); len(enc) != want {
				if len(enc) > want {
					return nil, fmt.Errorf("function %s: %s grew past its size estimate", f.Name(), in.Mnemonic)
				}
				enc = append(append([]byte(nil), enc...), backend.CreateNoop(want-len(enc)).Bytes...)
			}
			out = append(out, enc...)
		}
	}
	return out, nil
}

