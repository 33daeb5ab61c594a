// Completion: 100% - Output address assignment complete
package main

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/xyproto/relayout/internal/engine"
)

// linker.go - Assigning output addresses and building output sections
//
// The linker runs after all passes, on functions whose CFGs carry the final
// layout. It assigns every block, jump table, exception table and frame
// record an output address, encodes the bodies, and registers the new
// sections for the ELF writer. In relocation mode rewritten functions move
// into a fresh region (or back into .text with -use-old-text); without
// relocations each function is rewritten in place and must fit its original
// slot.

// Linker places emitted functions and produces the new output sections
type Linker struct {
	bc      *BinaryContext
	emitter *Emitter
	ehIndex *EHFrameIndex
}

// NewLinker creates a linker over the context. ehIndex is the FDE index of
// the input .eh_frame, used to keep unmoved functions findable.
func NewLinker(bc *BinaryContext, ehIndex *EHFrameIndex) *Linker {
	return &Linker{bc: bc, emitter: NewEmitter(bc), ehIndex: ehIndex}
}

// emittedFunctions returns the rewrite set in output order: ranked functions
// first, then the rest by input address.
func (l *Linker) emittedFunctions() []*BinaryFunction {
	var out []*BinaryFunction
	for _, f := range l.bc.Functions() {
		if f.Simple && !f.Folded && f.State == StateCFG {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.OutputOrder >= 0) != (b.OutputOrder >= 0) {
			return a.OutputOrder >= 0
		}
		if a.OutputOrder >= 0 {
			return a.OutputOrder < b.OutputOrder
		}
		return a.InputAddress < b.InputAddress
	})
	return out
}

// Link lays out and encodes every rewritten function, then registers the
// generated sections and flushes pending relocations.
func (l *Linker) Link() error {
	bc := l.bc
	funcs := l.emittedFunctions()
	if len(funcs) == 0 {
		outsf("no functions selected for rewriting")
		return l.finishSections()
	}

	hotSize := make(map[*BinaryFunction]uint64, len(funcs))
	coldSize := make(map[*BinaryFunction]uint64, len(funcs))
	for _, f := range funcs {
		hot, cold := l.emitter.SizeFunction(f)
		hotSize[f] = hot
		coldSize[f] = cold
	}

	if !bc.HasRelocations {
		funcs = l.fitInPlace(funcs, hotSize, coldSize)
		if len(funcs) == 0 {
			outsf("no functions fit their original slots")
			return l.finishSections()
		}
	}

	// cursor tracks the tail of the new page-aligned region
	cursor := engine.Align(bc.NextAvailableAddress, bc.PageAlign)

	var hotBase, hotEnd uint64
	usingOldText := false
	if bc.HasRelocations {
		hotBase, usingOldText = l.pickHotBase(funcs, hotSize, cursor)
		hotEnd = assignHotAddresses(funcs, hotSize, hotBase)
		if !usingOldText {
			cursor = hotEnd
		}
	} else {
		for _, f := range funcs {
			f.ImageAddress = f.InputAddress
		}
		hotBase = funcs[0].InputAddress
		hotEnd = hotBase
		for _, f := range funcs {
			if end := f.InputAddress + hotSize[f]; end > hotEnd {
				hotEnd = end
			}
		}
	}

	// Cold text follows with 16-byte alignment
	coldBase := engine.Align(cursor, 16)
	coldCursor := coldBase
	coldStart := make(map[*BinaryFunction]uint64, len(funcs))
	for _, f := range funcs {
		if coldSize[f] == 0 {
			continue
		}
		coldCursor = engine.Align(coldCursor, 16)
		coldStart[f] = coldCursor
		coldCursor += coldSize[f]
	}
	cursor = coldCursor

	for _, f := range funcs {
		l.emitter.PlaceFunction(f, f.ImageAddress, coldStart[f])
	}

	jtBytes, jtBase, err := l.placeJumpTables(funcs, engine.Align(cursor, 8))
	if err != nil {
		return err
	}
	cursor = jtBase + uint64(len(jtBytes))

	lsdaBytes, lsdaBase, lsdaVA, err := l.emitExceptionTables(funcs, engine.Align(cursor, 4))
	if err != nil {
		return err
	}
	cursor = lsdaBase + uint64(len(lsdaBytes))

	hotBuf, coldBuf, err := l.encodeAll(funcs, hotSize, usingOldText, hotBase, hotEnd, coldBase, coldCursor)
	if err != nil {
		return err
	}

	ehBytes, hdrBytes, ehVA, hdrVA, err := l.emitFrames(funcs, lsdaVA, engine.Align(cursor, 8))
	if err != nil {
		return err
	}
	cursor = hdrVA + uint64(len(hdrBytes))

	if bc.HasRelocations && !usingOldText {
		sec := NewBinarySection(".text.bolt", hotBase, hotBuf,
			uint64(bc.Arch.FunctionAlignment()), SecAlloc|SecText|SecNew)
		if err := sec.SetOutputLocation(hotBase, 0); err != nil {
			return err
		}
		bc.RegisterSection(sec)
	}
	if len(coldBuf) > 0 {
		sec := NewBinarySection(".text.cold", coldBase, coldBuf, 16, SecAlloc|SecText|SecNew)
		if err := sec.SetOutputLocation(coldBase, 0); err != nil {
			return err
		}
		bc.RegisterSection(sec)
	}
	if len(jtBytes) > 0 {
		sec := NewBinarySection(".rodata.bolt", jtBase, jtBytes, 8, SecAlloc|SecReadOnly|SecNew)
		if err := sec.SetOutputLocation(jtBase, 0); err != nil {
			return err
		}
		bc.RegisterSection(sec)
	}
	if len(lsdaBytes) > 0 {
		sec := NewBinarySection(".gcc_except_table.bolt", lsdaBase, lsdaBytes, 4, SecAlloc|SecReadOnly|SecNew)
		if err := sec.SetOutputLocation(lsdaBase, 0); err != nil {
			return err
		}
		bc.RegisterSection(sec)
	}
	if len(ehBytes) > 0 {
		sec := NewBinarySection(".eh_frame.bolt", ehVA, ehBytes, 8, SecAlloc|SecReadOnly|SecNew)
		if err := sec.SetOutputLocation(ehVA, 0); err != nil {
			return err
		}
		bc.RegisterSection(sec)
	}
	sec := NewBinarySection(".eh_frame_hdr.bolt", hdrVA, hdrBytes, 4, SecAlloc|SecReadOnly|SecNew)
	if err := sec.SetOutputLocation(hdrVA, 0); err != nil {
		return err
	}
	bc.RegisterSection(sec)

	if bc.Opts.HotTextSymbols && bc.HasRelocations {
		l.markHotText(hotBase, hotEnd)
	}

	if f := bc.FunctionForAddress(bc.EntryPoint); f != nil &&
		f.State == StateAssembled && f.InputAddress == bc.EntryPoint &&
		f.ImageAddress != f.InputAddress {
		outsf("entry point moves %#x -> %#x", bc.EntryPoint, f.ImageAddress)
		bc.EntryPoint = f.ImageAddress
	}

	bc.NextAvailableAddress = cursor

	outsf("%d functions rewritten, hot text %d bytes at %#x",
		len(funcs), hotEnd-hotBase, hotBase)
	return l.finishSections()
}

// fitInPlace enforces the per-function size bound of non-relocation mode.
// Oversized split functions lose their cold fragment first; functions that
// still do not fit are demoted and dropped from the rewrite set.
func (l *Linker) fitInPlace(funcs []*BinaryFunction, hotSize, coldSize map[*BinaryFunction]uint64) []*BinaryFunction {
	var kept []*BinaryFunction
	for _, f := range funcs {
		if hotSize[f] > f.MaxSize && f.Split {
			unsplitFunction(f)
			hot, cold := l.emitter.SizeFunction(f)
			hotSize[f], coldSize[f] = hot, cold
		}
		if hotSize[f] > f.MaxSize {
			f.MarkNonSimple(fmt.Sprintf("body of %d bytes exceeds slot of %d", hotSize[f], f.MaxSize))
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// unsplitFunction merges the cold fragment back into the hot body. The
// layout order already has the cold blocks at the tail, so only the flags
// change.
func unsplitFunction(f *BinaryFunction) {
	for _, b := range f.Blocks {
		b.IsCold = false
	}
	f.Split = false
	warnf("function %s: cold fragment disabled, body exceeds its slot", f.Name())
}

// pickHotBase selects the hot-text base address: the original .text region
// when -use-old-text is set and the rewritten code fits, a fresh region
// otherwise.
func (l *Linker) pickHotBase(funcs []*BinaryFunction, hotSize map[*BinaryFunction]uint64, newBase uint64) (uint64, bool) {
	if !l.bc.Opts.UseOldText {
		return newBase, false
	}
	text := l.bc.SectionByName(".text")
	if text == nil {
		return newBase, false
	}
	end := text.InputAddress
	for _, f := range funcs {
		end = engine.Align(end, uint64(f.Alignment))
		end += hotSize[f]
	}
	if end > text.InputAddress+text.Size {
		warnf("-use-old-text: rewritten code needs %d bytes, .text has %d; using new region",
			end-text.InputAddress, text.Size)
		return newBase, false
	}
	outsf("using original .text for hot code")
	return text.InputAddress, true
}

// assignHotAddresses packs the hot fragments from base and returns the end
func assignHotAddresses(funcs []*BinaryFunction, hotSize map[*BinaryFunction]uint64, base uint64) uint64 {
	cur := base
	for _, f := range funcs {
		cur = engine.Align(cur, uint64(f.Alignment))
		f.ImageAddress = cur
		cur += hotSize[f]
	}
	return cur
}

// dispatchRefs finds every instruction addressing the jump table
func dispatchRefs(f *BinaryFunction, jt *JumpTable) []*Instruction {
	var refs []*Instruction
	f.ForEachInstruction(func(in *Instruction) {
		if in.HasMemAddr && in.MemAddr == jt.Address {
			refs = append(refs, in)
		}
	})
	return refs
}

// placeJumpTables re-emits every jump table. Tables whose references can be
// redirected move into the new read-only region; the rest are rewritten in
// place inside their original section.
func (l *Linker) placeJumpTables(funcs []*BinaryFunction, base uint64) ([]byte, uint64, error) {
	var out []byte
	cur := base
	for _, f := range funcs {
		for _, jt := range sortedJumpTables(f) {
			refs := dispatchRefs(f, jt)
			addr := engine.Align(cur, uint64(jt.OutputEntrySize))
			if l.redirectDispatch(refs, jt, addr) {
				jt.OutputAddress = addr
				jt.Placed = true
				bytes, err := jt.Materialize(addr)
				if err != nil {
					return nil, 0, err
				}
				for cur < addr {
					out = append(out, 0)
					cur++
				}
				out = append(out, bytes...)
				cur += uint64(len(bytes))
				continue
			}
			// Rewrite in place; the entry count never changes, so the new
			// table overwrites the old one exactly.
			jt.OutputAddress = jt.Address
			jt.Placed = true
			bytes, err := jt.Materialize(jt.Address)
			if err != nil {
				return nil, 0, err
			}
			if err := jt.Section.PatchBytes(jt.Address, bytes); err != nil {
				return nil, 0, err
			}
		}
	}
	return out, base, nil
}

// redirectDispatch retargets every reference from the old table address to
// addr. PC-relative references move through MemAddr and are repaired at
// encode time; absolute displacements are patched in the instruction bytes.
// Returns false, leaving all references untouched, when any reference
// cannot be redirected.
func (l *Linker) redirectDispatch(refs []*Instruction, jt *JumpTable, addr uint64) bool {
	if len(refs) == 0 {
		return false
	}
	for _, in := range refs {
		if in.MemPCRel {
			continue
		}
		if jt.Address > 0xffffffff || addr > 0x7fffffff {
			return false
		}
		if findDisp32(in.Bytes, uint32(jt.Address)) < 0 {
			return false
		}
	}
	for _, in := range refs {
		if in.MemPCRel {
			in.MemAddr = addr
			continue
		}
		buf := append([]byte(nil), in.Bytes...)
		i := findDisp32(buf, uint32(jt.Address))
		binary.LittleEndian.PutUint32(buf[i:], uint32(addr))
		in.Bytes = buf
		in.MemAddr = addr
	}
	return true
}

// findDisp32 locates a 32-bit displacement inside instruction bytes,
// scanning from the end so trailing immediates are preferred over opcode
// bytes that happen to match.
func findDisp32(b []byte, want uint32) int {
	for i := len(b) - 4; i >= 0; i-- {
		if binary.LittleEndian.Uint32(b[i:]) == want {
			return i
		}
	}
	return -1
}

// emitExceptionTables rebuilds the LSDA of every function that has one and
// packs them into one region. Returns the bytes, the region base, and the
// per-function table addresses.
func (l *Linker) emitExceptionTables(funcs []*BinaryFunction, base uint64) ([]byte, uint64, map[*BinaryFunction]uint64, error) {
	var out []byte
	lsdaVA := make(map[*BinaryFunction]uint64)
	cur := base
	for _, f := range funcs {
		if f.LSDA == nil {
			continue
		}
		cur = engine.Align(cur, 4)
		for base+uint64(len(out)) < cur {
			out = append(out, 0)
		}
		bytes, err := f.EmitLSDA(cur)
		if err != nil {
			return nil, 0, nil, err
		}
		lsdaVA[f] = cur
		out = append(out, bytes...)
		cur += uint64(len(bytes))
	}
	return out, base, lsdaVA, nil
}

// encodeAll encodes every function body into its final location. Moved hot
// code accumulates into a fresh buffer; in-place and -use-old-text bodies
// are patched into the original text section.
func (l *Linker) encodeAll(funcs []*BinaryFunction, hotSize map[*BinaryFunction]uint64, usingOldText bool, hotBase, hotEnd, coldBase, coldEnd uint64) (hotBuf, coldBuf []byte, err error) {
	bc := l.bc
	inPlace := !bc.HasRelocations || usingOldText
	if !inPlace {
		hotBuf = make([]byte, hotEnd-hotBase)
	}
	if coldEnd > coldBase {
		coldBuf = make([]byte, coldEnd-coldBase)
	}

	for _, f := range funcs {
		hot, cold, err := l.emitter.EncodeFunction(f)
		if err != nil {
			return nil, nil, err
		}
		if uint64(len(hot)) > hotSize[f] {
			return nil, nil, fatalErr(0, "function %s: encoded %d bytes, sized %d",
				f.Name(), len(hot), hotSize[f])
		}
		if inPlace {
			sec := f.Section
			if sec == nil {
				return nil, nil, fatalErr(0, "function %s has no owning section", f.Name())
			}
			body := hot
			if !bc.HasRelocations && uint64(len(body)) < f.MaxSize {
				// Blank the rest of the slot so stale bytes cannot execute
				body = append(append([]byte(nil), body...),
					bc.Backend.CreateNoop(int(f.MaxSize-uint64(len(body)))).Bytes...)
			}
			if err := sec.PatchBytes(f.ImageAddress, body); err != nil {
				return nil, nil, err
			}
		} else {
			copy(hotBuf[f.ImageAddress-hotBase:], hot)
		}
		if len(cold) > 0 {
			copy(coldBuf[f.Cold.Address-coldBase:], cold)
		}

		if err := f.MarkAssembled(f.ImageAddress, uint64(len(hot)), f.Symbol()); err != nil {
			return nil, nil, err
		}
		if f.Split && f.Cold.Size > 0 {
			sym, err := bc.RegisterNameAtAddress(f.Name()+".cold", f.Cold.Address,
				f.Cold.Size, 1, SymFlagSynthetic|SymFlagCold)
			if err != nil {
				return nil, nil, err
			}
			sym.SetOutputAddress(f.Cold.Address)
			f.Cold.Symbol = sym
		}
	}
	return hotBuf, coldBuf, nil
}

// emitFrames builds the new .eh_frame for rewritten functions and the
// merged .eh_frame_hdr over both the new and the surviving input FDEs.
func (l *Linker) emitFrames(funcs []*BinaryFunction, lsdaVA map[*BinaryFunction]uint64, base uint64) (ehBytes, hdrBytes []byte, ehVA, hdrVA uint64, err error) {
	w := NewEHFrameWriter()
	moved := make(map[uint64]bool, len(funcs))
	for _, f := range funcs {
		moved[f.InputAddress] = true
		if !f.HasCFI {
			continue
		}
		if err := w.Add(f, lsdaVA[f]); err != nil {
			return nil, nil, 0, 0, err
		}
	}

	ehVA = base
	bytes, newEntries, err := w.Encode(ehVA)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	entries := newEntries
	if l.ehIndex != nil {
		for _, e := range l.ehIndex.Entries {
			if !moved[e.InitLoc] {
				entries = append(entries, e)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].InitLoc < entries[j].InitLoc })

	hdrVA = engine.Align(ehVA+uint64(len(bytes)), 4)
	return bytes, WriteEHFrameHdr(hdrVA, ehVA, entries), ehVA, hdrVA, nil
}

// markHotText synthesizes the weak __hot_start/__hot_end pair around the
// rewritten hot code.
func (l *Linker) markHotText(start, end uint64) {
	for _, m := range []struct {
		name string
		addr uint64
	}{{"__hot_start", start}, {"__hot_end", end}} {
		sym, err := l.bc.RegisterNameAtAddress(m.name, m.addr, 0, 1, SymFlagSynthetic)
		if err != nil {
			warnf("cannot register %s: %v", m.name, err)
			continue
		}
		sym.SetOutputAddress(m.addr)
	}
}

// finishSections pins every unmoved allocatable section to its input
// address and applies pending relocations.
func (l *Linker) finishSections() error {
	for _, s := range l.bc.Sections() {
		if s.IsAllocatable() && !s.Placed() && s.Flags&SecNew == 0 {
			if err := s.SetOutputLocation(s.InputAddress, 0); err != nil {
				warnf("%v", err)
				continue
			}
		}
	}
	for _, s := range l.bc.Sections() {
		if len(s.Relocations) == 0 || !s.Placed() {
			continue
		}
		if err := s.FlushPendingRelocations(); err != nil {
			return err
		}
	}
	return nil
}
