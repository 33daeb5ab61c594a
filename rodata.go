// Completion: 90% - Read-only load simplification complete for x86-64
package main

// rodata.go - Read-only-data load simplification
//
// A PC-relative load from an address inside a read-only section whose
// access size matches a primitive width can carry the loaded value as an
// immediate instead. Only x86-64 permits the substitution without changing
// operand classes; AArch64 literal loads would need a different
// materialization sequence and are left alone.

// SimplifyRODataLoadsPass folds constant loads into immediates
type SimplifyRODataLoadsPass struct{}

func (p *SimplifyRODataLoadsPass) Name() string { return "simplify-rodata-loads" }
func (p *SimplifyRODataLoadsPass) Enabled(opts *PipelineOptions) bool {
	return opts.SimplifyRODataLoads
}
func (p *SimplifyRODataLoadsPass) Predicate(f *BinaryFunction) bool {
	return f.State == StateCFG
}
func (p *SimplifyRODataLoadsPass) Policy() SchedulingPolicy { return ScheduleByInsnCount }

func (p *SimplifyRODataLoadsPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	bc := f.Context()
	backend, ok := bc.Backend.(*X86Backend)
	if !ok {
		return nil
	}
	simplified := 0
	for _, b := range f.Blocks {
		for i := range b.Instructions {
			in := &b.Instructions[i]
			if !in.HasMemAddr || !in.MemPCRel || !in.MemIsLoad {
				continue
			}
			if in.MemSize != 4 && in.MemSize != 8 {
				continue
			}
			sec := bc.SectionForAddress(in.MemAddr)
			if sec == nil || !sec.IsReadOnly() || sec.IsText() {
				continue
			}
			if sec.RelocationAt(in.MemAddr-sec.InputAddress) != nil {
				continue
			}
			value, err := sec.ReadUint(in.MemAddr, in.MemSize)
			if err != nil {
				continue
			}
			if backend.SimplifyLoadToImmediate(in, value) {
				simplified++
			}
		}
	}
	if simplified > 0 {
		debugf("function %s: simplified %d read-only loads", f.Name(), simplified)
	}
	return nil
}
