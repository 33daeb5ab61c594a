// Completion: 100% - Identical-code folding complete
package main

import (
	"fmt"
	"sort"
	"strings"
)

// icf.go - Identical-code folding
//
// Candidate functions are bucketed by a structural fingerprint: block
// count, edge shape, and instructions compared under label equivalence
// (intra-function labels normalize to the destination block index,
// inter-function references compare by target). Buckets fold into the
// member at the lowest address; iteration continues until a round makes no
// progress. Ordering inside a bucket is by function number so repeated
// runs fold the same way.

// ICFPass folds functions with identical bodies
type ICFPass struct{}

func (p *ICFPass) Name() string                       { return "icf" }
func (p *ICFPass) Enabled(opts *PipelineOptions) bool { return opts.ICF }

func (p *ICFPass) Run(bc *BinaryContext) error {
	total := 0
	for round := 1; ; round++ {
		folded := p.runRound(bc)
		if folded == 0 {
			break
		}
		total += folded
		debugf("icf round %d folded %d functions", round, folded)
	}
	if total > 0 {
		outsf("ICF folded %d functions", total)
	}
	return nil
}

func (p *ICFPass) runRound(bc *BinaryContext) int {
	buckets := make(map[string][]*BinaryFunction)
	for _, f := range bc.Functions() {
		if !f.Simple || f.Folded || f.State != StateCFG || f.Split {
			continue
		}
		buckets[functionFingerprint(f)] = append(buckets[functionFingerprint(f)], f)
	}

	folded := 0
	for _, group := range buckets {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Number < group[j].Number })
		parent := group[0]
		for _, g := range group {
			if g.InputAddress < parent.InputAddress {
				parent = g
			}
		}
		for _, child := range group {
			if child == parent {
				continue
			}
			bc.FoldFunction(child, parent)
			folded++
		}
	}
	return folded
}

// functionFingerprint builds the structural identity of a function body
func functionFingerprint(f *BinaryFunction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "b%d;", len(f.Blocks))
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "[%d:", len(b.Successors))
		for _, s := range b.Successors {
			fmt.Fprintf(&sb, "%d,", s.Index)
		}
		sb.WriteByte(']')
		for i := range b.Instructions {
			in := &b.Instructions[i]
			if in.IsPseudo() {
				continue
			}
			appendInsnFingerprint(&sb, f, in)
		}
	}
	return sb.String()
}

// appendInsnFingerprint writes one instruction under label equivalence
func appendInsnFingerprint(sb *strings.Builder, f *BinaryFunction, in *Instruction) {
	fmt.Fprintf(sb, "{%d:%s:%d", in.Kind, in.Mnemonic, in.Cond)
	switch {
	case in.Target != nil && isLocalLabel(f, in.Target):
		// normalize to the destination block index
		if b := blockOfLabel(f, in.Target); b != nil {
			fmt.Fprintf(sb, ":L%d", b.Index)
		} else {
			fmt.Fprintf(sb, ":L?%s", in.Target.Name)
		}
	case in.Target != nil:
		fmt.Fprintf(sb, ":G%s", in.Target.Name)
	case in.HasTarget:
		fmt.Fprintf(sb, ":A%x", in.TargetAddr)
	}
	if in.HasMemAddr {
		// PC-relative operands resolve to the same absolute address when
		// the bodies are equal; the raw displacement bytes do not.
		fmt.Fprintf(sb, ":M%x/%d", in.MemAddr, in.MemSize)
	}
	if in.HasImm {
		fmt.Fprintf(sb, ":I%x", in.ImmValue)
	}
	if in.Target == nil && !in.HasMemAddr && len(in.Bytes) > 0 {
		fmt.Fprintf(sb, ":%x", in.Bytes)
	}
	sb.WriteByte('}')
}

// isLocalLabel reports whether sym is a label of f
func isLocalLabel(f *BinaryFunction, sym *Symbol) bool {
	off := sym.Address - f.InputAddress
	return f.LabelAtOffset(off) == sym
}

// blockOfLabel finds the block carrying the given label
func blockOfLabel(f *BinaryFunction, sym *Symbol) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Label == sym {
			return b
		}
	}
	return nil
}
