// Completion: 100% - Spanning-tree instrumentation complete
package main

import (
	"encoding/binary"
	"sort"

	"github.com/xyproto/relayout/internal/engine"
)

// instrument.go - Profile-collection instrumentation
//
// Counters live in an allocatable RW section; one 64-bit slot per leaf of
// the spanning tree of each instrumented CFG. The runtime reconstructs the
// full edge profile from the leaf counts against the tree skeleton, which
// it reads from the .bolt.instr.tables note. Only the leaves pay the
// runtime cost of an increment.
//
// Indirect transfers cannot be counted by position, so when the runtime is
// linked into the input their sites are rewritten to dispatch through its
// handlers, which record the (site, target) pair before resuming at the
// target.

// counterDerived marks descriptor entries whose count the runtime computes
// from the spanning tree rather than from a dedicated counter slot.
const counterDerived = ^uint32(0)

// instrLeaf is one counter-carrying spanning-tree leaf
type instrLeaf struct {
	node    uint32
	counter uint32
}

// instrEdge is one CFG edge of the instrumented skeleton
type instrEdge struct {
	fromName, fromOff, fromNode uint32
	toName, toOff, toNode       uint32
	counter                     uint32
}

// instrCall is one direct call site inside an instrumented function
type instrCall struct {
	fromName, fromOff, fromNode uint32
	toName, toOff               uint32
	counter                     uint32
	targetAddr                  uint64
}

// instrEntry maps a function entry node to its input address
type instrEntry struct {
	node    uint64
	address uint64
}

// instrFuncDesc is the per-function descriptor of the tables note
type instrFuncDesc struct {
	leafs   []instrLeaf
	edges   []instrEdge
	calls   []instrCall
	entries []instrEntry
}

// instrIndCallSite records an indirect call for the runtime
type instrIndCallSite struct {
	fromName uint32
	fromOff  uint32
}

// instrIndCallTarget maps a possible target back to a function
type instrIndCallTarget struct {
	toName     uint32
	toOff      uint32
	targetAddr uint64
}

// instrNameTable interns function names into one string table
type instrNameTable struct {
	buf     []byte
	offsets map[string]uint32
}

func newInstrNameTable() *instrNameTable {
	return &instrNameTable{offsets: make(map[string]uint32)}
}

func (t *instrNameTable) intern(name string) uint32 {
	if off, ok := t.offsets[name]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, name...)
	t.buf = append(t.buf, 0)
	t.offsets[name] = off
	return off
}

// InstrumentPass inserts counter increments and emits the runtime tables
type InstrumentPass struct{}

func (p *InstrumentPass) Name() string                       { return "instrument" }
func (p *InstrumentPass) Enabled(opts *PipelineOptions) bool { return opts.Instrument }

// Run instruments every rewritable function. Counter addresses must be
// final before emission, so the counters section is carved out of the
// address space here, ahead of the linker.
func (p *InstrumentPass) Run(bc *BinaryContext) error {
	backend, ok := bc.Backend.(*X86Backend)
	if !ok {
		return fatalErr(0, "instrumentation requires an x86-64 input")
	}

	countersBase := engine.Align(bc.NextAvailableAddress, bc.PageAlign)
	names := newInstrNameTable()
	var descs []instrFuncDesc
	var indCalls []instrIndCallSite
	var indTargets []instrIndCallTarget
	nextCounter := uint32(0)

	callHandler := instrRuntimeHandler(bc, "__bolt_instr_indirect_call")
	tailHandler := instrRuntimeHandler(bc, "__bolt_instr_indirect_tailcall")
	if callHandler == nil || tailHandler == nil {
		warnf("instrumentation runtime not present in input; indirect calls are recorded but not redirected")
		callHandler, tailHandler = nil, nil
	}

	for _, f := range bc.Functions() {
		if !f.Simple || f.Folded || f.State != StateCFG {
			continue
		}
		desc := p.instrumentFunction(bc, backend, f, names, countersBase, &nextCounter, &indCalls, callHandler, tailHandler)
		descs = append(descs, desc)
		indTargets = append(indTargets, instrIndCallTarget{
			toName:     names.intern(f.Name()),
			targetAddr: f.InputAddress,
		})
	}

	if nextCounter == 0 {
		warnf("instrumentation found nothing to instrument")
		return nil
	}

	size := uint64(nextCounter) * 8
	counters := NewBinarySection(".bolt.instr.counters", countersBase,
		make([]byte, size), 8, SecAlloc|SecWritable|SecNew)
	if err := counters.SetOutputLocation(countersBase, 0); err != nil {
		return err
	}
	bc.RegisterSection(counters)
	bc.NextAvailableAddress = countersBase + size

	sort.Slice(indTargets, func(i, j int) bool {
		return indTargets[i].targetAddr < indTargets[j].targetAddr
	})
	bc.RegisterOrUpdateNoteSection(".bolt.instr.tables",
		encodeInstrTables(indCalls, indTargets, descs, names))

	outsf("%d counters over %d functions, counter section at %#x",
		nextCounter, len(descs), countersBase)
	return nil
}

// instrRuntimeHandler resolves a runtime entry point linked into the input
func instrRuntimeHandler(bc *BinaryContext, name string) *Symbol {
	if f := bc.FunctionByName(name); f != nil {
		return f.Symbol()
	}
	if d := bc.BinaryDataByName(name); d != nil && len(d.Symbols) > 0 {
		return d.Symbols[0]
	}
	return nil
}

// instrumentFunction places counters on the spanning-tree leaves of one CFG,
// rewrites its indirect transfer sites and collects its descriptor.
func (p *InstrumentPass) instrumentFunction(bc *BinaryContext, backend *X86Backend, f *BinaryFunction, names *instrNameTable, countersBase uint64, nextCounter *uint32, indCalls *[]instrIndCallSite, callHandler, tailHandler *Symbol) instrFuncDesc {
	nameOff := names.intern(f.Name())
	children := spanningTreeChildren(f)

	var desc instrFuncDesc
	for i, b := range f.Blocks {
		if len(children[i]) > 0 {
			continue
		}
		counter := *nextCounter
		*nextCounter++
		b.PrependInstruction(backend.CreateCounterIncrement(countersBase + uint64(counter)*8))
		desc.leafs = append(desc.leafs, instrLeaf{node: uint32(i), counter: counter})
	}

	for i, b := range f.Blocks {
		for _, s := range b.Successors {
			desc.edges = append(desc.edges, instrEdge{
				fromName: nameOff,
				fromOff:  uint32(b.InputOffset),
				fromNode: uint32(i),
				toName:   nameOff,
				toOff:    uint32(s.InputOffset),
				toNode:   uint32(s.Index),
				counter:  counterDerived,
			})
		}
		type splice struct {
			at  int
			seq []Instruction
		}
		var splices []splice
		for j := range b.Instructions {
			in := &b.Instructions[j]
			switch in.Kind {
			case KindCall:
				if in.Target == nil {
					continue
				}
				desc.calls = append(desc.calls, instrCall{
					fromName:   nameOff,
					fromOff:    uint32(in.Offset),
					fromNode:   uint32(i),
					toName:     names.intern(in.Target.Name),
					counter:    counterDerived,
					targetAddr: in.Target.Address,
				})
			case KindIndirectCall, KindIndirectBranch:
				// Indirect branches driving a jump table are dispatches,
				// not tail calls; their edges are already in the skeleton.
				if in.Kind == KindIndirectBranch && in.HasMemAddr && f.JumpTables[in.MemAddr] != nil {
					continue
				}
				site := uint32(len(*indCalls))
				*indCalls = append(*indCalls, instrIndCallSite{
					fromName: nameOff,
					fromOff:  uint32(in.Offset),
				})
				handler := callHandler
				if in.Kind == KindIndirectBranch {
					handler = tailHandler
				}
				if handler == nil {
					continue
				}
				seq, err := backend.CreateIndirectCallInstrumentation(in, site, handler)
				if err != nil {
					warnf("function %s: %v; indirect site left in place", f.Name(), err)
					continue
				}
				splices = append(splices, splice{at: j, seq: seq})
			}
		}
		for k := len(splices) - 1; k >= 0; k-- {
			sp := splices[k]
			rest := append(append([]Instruction(nil), sp.seq...), b.Instructions[sp.at+1:]...)
			b.Instructions = append(b.Instructions[:sp.at], rest...)
		}
	}

	desc.entries = append(desc.entries, instrEntry{node: 0, address: f.InputAddress})
	return desc
}

// spanningTreeChildren builds a BFS spanning tree over the CFG and returns
// the child lists indexed by block index.
func spanningTreeChildren(f *BinaryFunction) [][]int {
	children := make([][]int, len(f.Blocks))
	entry := f.EntryBlock()
	if entry == nil {
		return children
	}
	seen := make([]bool, len(f.Blocks))
	seen[entry.Index] = true
	queue := []*BasicBlock{entry}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, s := range b.Successors {
			if seen[s.Index] {
				continue
			}
			seen[s.Index] = true
			children[b.Index] = append(children[b.Index], s.Index)
			queue = append(queue, s)
		}
	}
	return children
}

// encodeInstrTables serializes the note consumed by the runtime. Every
// array is preceded by its byte size as a u32.
func encodeInstrTables(indCalls []instrIndCallSite, indTargets []instrIndCallTarget, descs []instrFuncDesc, names *instrNameTable) []byte {
	var out []byte
	u32 := func(v uint32) { out = binary.LittleEndian.AppendUint32(out, v) }
	u64 := func(v uint64) { out = binary.LittleEndian.AppendUint64(out, v) }

	u32(uint32(len(indCalls) * 8))
	for _, c := range indCalls {
		u32(c.fromName)
		u32(c.fromOff)
	}

	u32(uint32(len(indTargets) * 16))
	for _, t := range indTargets {
		u32(t.toName)
		u32(t.toOff)
		u64(t.targetAddr)
	}

	var body []byte
	for _, d := range descs {
		var fb []byte
		fb = binary.LittleEndian.AppendUint32(fb, uint32(len(d.leafs)))
		for _, l := range d.leafs {
			fb = binary.LittleEndian.AppendUint32(fb, l.node)
			fb = binary.LittleEndian.AppendUint32(fb, l.counter)
		}
		fb = binary.LittleEndian.AppendUint32(fb, uint32(len(d.edges)))
		for _, e := range d.edges {
			for _, v := range []uint32{e.fromName, e.fromOff, e.fromNode, e.toName, e.toOff, e.toNode, e.counter} {
				fb = binary.LittleEndian.AppendUint32(fb, v)
			}
		}
		fb = binary.LittleEndian.AppendUint32(fb, uint32(len(d.calls)))
		for _, c := range d.calls {
			for _, v := range []uint32{c.fromName, c.fromOff, c.fromNode, c.toName, c.toOff, c.counter} {
				fb = binary.LittleEndian.AppendUint32(fb, v)
			}
			fb = binary.LittleEndian.AppendUint64(fb, c.targetAddr)
		}
		fb = binary.LittleEndian.AppendUint32(fb, uint32(len(d.entries)))
		for _, e := range d.entries {
			fb = binary.LittleEndian.AppendUint64(fb, e.node)
			fb = binary.LittleEndian.AppendUint64(fb, e.address)
		}
		body = append(body, fb...)
	}
	u32(uint32(len(body)))
	out = append(out, body...)

	out = append(out, names.buf...)
	return out
}
