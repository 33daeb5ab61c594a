// Completion: 100% - Linear disassembly and jump-table discovery complete
package main

import (
	"fmt"
)

// disasm.go - Function disassembly (Empty → Disassembled)
//
// The body is decoded one instruction at a time from offset 0. Branch and
// call targets inside the body become labels; outside targets become global
// symbols the context resolves. Indirect branches whose memory operand
// points into read-only data start a jump-table scan. A decoder stall, a
// zero-length decode, or a branch into the middle of a decoded instruction
// demotes the function to non-simple.

// Disassemble decodes the function body and records labels, local branches
// and jump-table candidates.
func (f *BinaryFunction) Disassemble() error {
	if err := f.advanceState(StateDisassembled); err != nil {
		return err
	}
	if f.Section == nil {
		f.MarkNonSimple("no containing section")
		return nil
	}
	body := f.Section.Contents()
	start := f.InputAddress - f.Section.InputAddress
	if start+f.InputSize > uint64(len(body)) {
		f.MarkNonSimple("body extends past section")
		return nil
	}
	body = body[start : start+f.InputSize]

	bc := f.ctx
	var offset uint64
	for offset < f.InputSize {
		in, err := bc.Backend.Decode(body[offset:], f.InputAddress+offset)
		if err != nil || in.Size == 0 {
			f.MarkNonSimple(fmt.Sprintf("decode failed at offset %#x", offset))
			f.insns = nil
			if bc.Opts.Strict {
				return recoverable(errDisasmFailed, "function %s at offset %#x", f.Name(), offset)
			}
			return nil
		}
		in.Offset = offset

		if in.HasTarget {
			if err := f.recordBranchTarget(&in); err != nil {
				f.MarkNonSimple(err.Error())
				f.insns = nil
				if bc.Opts.Strict {
					return recoverable(errDisasmFailed, "function %s", f.Name())
				}
				return nil
			}
		}

		if in.IsIndirectBranch() && in.HasMemAddr {
			f.analyzeJumpTable(&in)
		}

		f.insns = append(f.insns, in)
		offset += uint64(in.Size)
	}

	// Local branch targets must hit instruction boundaries
	for off := range f.labels {
		if f.instructionAt(off) == nil && off != f.InputSize {
			f.MarkNonSimple(fmt.Sprintf("branch into instruction middle at offset %#x", off))
			f.insns = nil
			if bc.Opts.Strict {
				return recoverable(errBadCFG, "function %s", f.Name())
			}
			return nil
		}
	}
	return nil
}

// recordBranchTarget classifies a branch/call target as local (label) or
// external (global symbol) and resolves the instruction's Target.
func (f *BinaryFunction) recordBranchTarget(in *Instruction) error {
	target := in.TargetAddr
	local := target >= f.InputAddress && target < f.InputAddress+f.InputSize

	if local && !in.IsCall() {
		toOffset := target - f.InputAddress
		in.Target = f.getOrCreateLabel(toOffset)
		f.localBranches = append(f.localBranches, localBranch{
			FromOffset: in.Offset,
			ToOffset:   toOffset,
		})
		return nil
	}

	// Calls into our own body (other than the entry) indicate mis-detected
	// function boundaries.
	if local && in.IsCall() && target != f.InputAddress {
		return fmt.Errorf("call into own body at offset %#x", in.Offset)
	}

	f.externRefs[in.Offset] = target
	if in.Kind == KindBranch {
		in.Kind = KindTailCall
	}
	sym, err := f.ctx.GetOrCreateGlobalSymbol(target, "FUNCat", 0, 0, 0)
	if err != nil {
		return err
	}
	in.Target = sym
	return nil
}

// analyzeJumpTable scans a candidate table in read-only data. Entries are
// accepted while they point inside the current function body; the scan is
// bounded by the next known symbol in the section and by the next candidate
// table address.
func (f *BinaryFunction) analyzeJumpTable(in *Instruction) {
	bc := f.ctx
	addr := in.MemAddr
	sec := bc.SectionForAddress(addr)
	if sec == nil || !sec.IsReadOnly() || sec.IsText() {
		return
	}
	entrySize := in.MemSize
	if entrySize != 4 && entrySize != 8 {
		entrySize = 8
	}
	typ := JumpTableNormal
	if entrySize == 4 {
		typ = JumpTablePIC
	}
	if _, exists := f.JumpTables[addr]; exists {
		return
	}

	bound := bc.NextSymbolAddressAfter(addr, sec.InputAddress+sec.Size)
	for jtAddr := range f.JumpTables {
		if jtAddr > addr && jtAddr < bound {
			bound = jtAddr
		}
	}

	jt := NewJumpTable(addr, sec, typ, entrySize)
	jt.Parent = f
	for i := 0; ; i++ {
		entryAddr := addr + uint64(i*entrySize)
		if entryAddr+uint64(entrySize) > bound {
			break
		}
		target, err := jt.EntryTarget(i)
		if err != nil {
			break
		}
		if target < f.InputAddress || target >= f.InputAddress+f.InputSize {
			break
		}
		if (target-f.InputAddress)%uint64(f.ctx.Arch.MinInstructionSize()) != 0 {
			break
		}
		jt.RawTargets = append(jt.RawTargets, target)
		f.getOrCreateLabel(target - f.InputAddress)
	}
	if len(jt.RawTargets) < 2 {
		return // a single entry is not a dispatch table
	}
	jt.Counts = make([]BranchInfo, len(jt.RawTargets))
	f.JumpTables[addr] = jt
	debugf("function %s: jump table at %#x with %d entries (%s)",
		f.Name(), addr, len(jt.RawTargets), jt.Type)
}
