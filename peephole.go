// Completion: 100% - Peephole cleanups complete
package main

// peephole.go - Trivial instruction cleanups
//
// Input padding NOPs are dropped (alignment is re-established at emission)
// and anything decoded after an unconditional terminator within a block is
// unreachable and removed.

// PeepholePass removes NOPs and dead trailing instructions
type PeepholePass struct{}

func (p *PeepholePass) Name() string                       { return "peepholes" }
func (p *PeepholePass) Enabled(opts *PipelineOptions) bool { return opts.Peepholes }
func (p *PeepholePass) Predicate(f *BinaryFunction) bool   { return f.State == StateCFG }
func (p *PeepholePass) Policy() SchedulingPolicy           { return ScheduleByInsnCount }

func (p *PeepholePass) RunOnFunction(f *BinaryFunction, alloc int) error {
	removed := 0
	for _, b := range f.Blocks {
		kept := b.Instructions[:0]
		dead := false
		for i := range b.Instructions {
			in := b.Instructions[i]
			if in.IsCFI() {
				// CFI pseudos survive even past a terminator
				kept = append(kept, in)
				continue
			}
			if dead || in.IsNoop() {
				removed++
				continue
			}
			kept = append(kept, in)
			if in.IsTerminator() && !in.IsConditionalBranch() {
				dead = true
			}
		}
		b.Instructions = kept
	}
	if removed > 0 {
		debugf("function %s: peepholes removed %d instructions", f.Name(), removed)
	}
	return nil
}
