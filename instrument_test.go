// Completion: 100% - Instrumentation tests complete
package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpanningTreeChildren(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())

	children := spanningTreeChildren(f)
	require.Len(t, children, 4)
	// BFS from the entry reaches left and right directly; the exit is
	// adopted by the taken block, which is dequeued first.
	require.ElementsMatch(t, []int{1, 2}, children[0])
	require.Empty(t, children[1])
	require.Equal(t, []int{3}, children[2])
	require.Empty(t, children[3])
}

func TestSpanningTreeLeavesGetCounters(t *testing.T) {
	f := diamondFunction(t)
	require.NoError(t, f.BuildCFG())

	p := &InstrumentPass{}
	names := newInstrNameTable()
	var indCalls []instrIndCallSite
	next := uint32(0)
	backend := &X86Backend{}
	desc := p.instrumentFunction(f.Context(), backend, f, names, 0x800000, &next, &indCalls, nil, nil)

	// Two leaves (the fall-through block and the exit) carry counters
	require.Equal(t, uint32(2), next)
	require.Len(t, desc.leafs, 2)
	require.ElementsMatch(t, []uint32{1, 3}, []uint32{desc.leafs[0].node, desc.leafs[1].node})

	// Counter increments were prepended to the leaf blocks only
	for _, b := range f.Blocks {
		counted := b.Instructions[0].Mnemonic == "ADD"
		isLeaf := b.Index == 1 || b.Index == 3
		require.Equal(t, isLeaf, counted, "block %d", b.Index)
	}

	// Every CFG edge shows up as runtime-derived
	require.Len(t, desc.edges, 4)
	for _, e := range desc.edges {
		require.Equal(t, counterDerived, e.counter)
	}
	require.Len(t, desc.entries, 1)
	require.Equal(t, uint64(0x1000), desc.entries[0].address)
}

func indirectCallFunction(t *testing.T, body ...Instruction) *BinaryFunction {
	t.Helper()
	bc := testContext(t)
	f := bc.RegisterFunction("caller", 0x1000, 0x10, 0x10, nil)
	f.State = StateCFG
	b := &BasicBlock{Index: 0, Func: f}
	for _, in := range body {
		b.AddInstruction(in)
	}
	f.Blocks = []*BasicBlock{b}
	return f
}

func TestInstrumentIndirectCallTrampoline(t *testing.T) {
	call := decodeOne(t, []byte{0xff, 0xd0}, 0x1000) // call rax
	ret := decodeOne(t, []byte{0xc3}, 0x1002)
	f := indirectCallFunction(t, call, ret)
	handler := &Symbol{Name: "__bolt_instr_indirect_call", Address: 0x900000}

	p := &InstrumentPass{}
	names := newInstrNameTable()
	var indCalls []instrIndCallSite
	next := uint32(0)
	p.instrumentFunction(f.Context(), &X86Backend{}, f, names, 0x800000, &next, &indCalls, handler, nil)

	require.Len(t, indCalls, 1)
	b := f.Blocks[0]
	require.Len(t, b.Instructions, 5, "counter, target save, site id, dispatch, ret")
	require.Equal(t, []byte{0x4c, 0x8b, 0xd8}, b.Instructions[1].Bytes, "mov r11, rax")
	require.Equal(t, []byte{0x41, 0xba, 0, 0, 0, 0}, b.Instructions[2].Bytes, "site 0 into r10d")
	require.Equal(t, KindCall, b.Instructions[3].Kind)
	require.Same(t, handler, b.Instructions[3].Target)
	require.Equal(t, KindReturn, b.Instructions[4].Kind)
}

func TestInstrumentIndirectTailCallTrampoline(t *testing.T) {
	jmp := decodeOne(t, []byte{0xff, 0xe0}, 0x1000) // jmp rax
	f := indirectCallFunction(t, jmp)
	tail := &Symbol{Name: "__bolt_instr_indirect_tailcall", Address: 0x900100}

	p := &InstrumentPass{}
	names := newInstrNameTable()
	var indCalls []instrIndCallSite
	next := uint32(0)
	p.instrumentFunction(f.Context(), &X86Backend{}, f, names, 0x800000, &next, &indCalls, nil, tail)

	require.Len(t, indCalls, 1)
	b := f.Blocks[0]
	require.Len(t, b.Instructions, 4)
	require.Equal(t, []byte{0x4c, 0x8b, 0xd8}, b.Instructions[1].Bytes, "mov r11, rax")
	last := b.Instructions[len(b.Instructions)-1]
	require.Equal(t, KindTailCall, last.Kind)
	require.Same(t, tail, last.Target)
}

func TestInstrumentKeepsJumpTableDispatch(t *testing.T) {
	dispatch := decodeOne(t, []byte{0xff, 0x24, 0xc5, 0x00, 0x50, 0x00, 0x00}, 0x1000)
	f := indirectCallFunction(t, dispatch)
	f.JumpTables[dispatch.MemAddr] = NewJumpTable(dispatch.MemAddr, nil, JumpTableNormal, 8)
	handler := &Symbol{Name: "__bolt_instr_indirect_tailcall", Address: 0x900100}

	p := &InstrumentPass{}
	names := newInstrNameTable()
	var indCalls []instrIndCallSite
	next := uint32(0)
	p.instrumentFunction(f.Context(), &X86Backend{}, f, names, 0x800000, &next, &indCalls, handler, handler)

	require.Empty(t, indCalls, "table dispatch is not an indirect tail call")
	require.Equal(t, KindIndirectBranch, f.Blocks[0].Instructions[1].Kind)
}

func TestInstrumentRecordsSitesWithoutRuntime(t *testing.T) {
	call := decodeOne(t, []byte{0xff, 0xd0}, 0x1000)
	ret := decodeOne(t, []byte{0xc3}, 0x1002)
	f := indirectCallFunction(t, call, ret)

	p := &InstrumentPass{}
	names := newInstrNameTable()
	var indCalls []instrIndCallSite
	next := uint32(0)
	p.instrumentFunction(f.Context(), &X86Backend{}, f, names, 0x800000, &next, &indCalls, nil, nil)

	require.Len(t, indCalls, 1, "sites are still recorded for the tables note")
	require.Equal(t, KindIndirectCall, f.Blocks[0].Instructions[1].Kind, "no handler, no rewrite")
}

func TestMovTargetToR11Forms(t *testing.T) {
	b := &X86Backend{}

	// call [rip+0x10] keeps a reachable displacement after the rewrite
	viaMem := decodeOne(t, []byte{0xff, 0x15, 0x10, 0x00, 0x00, 0x00}, 0x1000)
	mov, err := b.movTargetToR11(&viaMem)
	require.NoError(t, err)
	require.Equal(t, []byte{0x4c, 0x8b, 0x1d, 0x0f, 0x10, 0x00, 0x00}, mov.Bytes,
		"displacement re-anchored against a zero pc")
	require.True(t, mov.MemPCRel)
	require.Equal(t, viaMem.MemAddr, mov.MemAddr)

	// call r9 carries REX.B into the rewritten load
	viaR9 := decodeOne(t, []byte{0x41, 0xff, 0xd1}, 0x1000)
	mov, err = b.movTargetToR11(&viaR9)
	require.NoError(t, err)
	require.Equal(t, []byte{0x4d, 0x8b, 0xd9}, mov.Bytes, "mov r11, r9")
}

func TestInstrNameTableIntern(t *testing.T) {
	names := newInstrNameTable()
	a := names.intern("alpha")
	b := names.intern("beta")
	again := names.intern("alpha")
	require.Equal(t, a, again, "interning is stable")
	require.NotEqual(t, a, b)
	require.Equal(t, []byte("alpha\x00beta\x00"), names.buf)
}

func TestEncodeInstrTablesLayout(t *testing.T) {
	names := newInstrNameTable()
	names.intern("f")
	indCalls := []instrIndCallSite{{fromName: 0, fromOff: 0x10}}
	indTargets := []instrIndCallTarget{{toName: 0, targetAddr: 0x1000}}
	descs := []instrFuncDesc{{
		leafs:   []instrLeaf{{node: 0, counter: 0}},
		entries: []instrEntry{{node: 0, address: 0x1000}},
	}}

	out := encodeInstrTables(indCalls, indTargets, descs, names)

	// Indirect-call array: byte size then one 8-byte record
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(out))
	require.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(out[8:]))

	// Target array: byte size then one 16-byte record
	off := 4 + 8
	require.Equal(t, uint32(16), binary.LittleEndian.Uint32(out[off:]))
	require.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(out[off+4+8:]))

	// Function descriptor body: byte size, then leaf/edge/call/entry groups
	off += 4 + 16
	bodySize := binary.LittleEndian.Uint32(out[off:])
	body := out[off+4 : off+4+int(bodySize)]
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(body), "leaf count")
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(body[12:]), "edge count")
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(body[16:]), "call count")
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(body[20:]), "entry count")

	// The name table trails the descriptors
	require.Equal(t, []byte("f\x00"), out[off+4+int(bodySize):])
}
