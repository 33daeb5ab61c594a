// Completion: 95% - Single-block inlining complete; multi-block behind no flag yet
package main

import (
	"sort"
)

// inline.go - Small-function inlining
//
// A callee qualifies when it is simple, has exactly one block, carries no
// CFI, and fits the size limits. Call sites splice the callee body in place
// of the call; the trailing return is dropped. PC-relative operands carry
// absolute addresses in the IR, so spliced instructions re-encode correctly
// at their new position.

// InlinePass splices small hot callees into their callers
type InlinePass struct{}

func (p *InlinePass) Name() string                       { return "inline-small-functions" }
func (p *InlinePass) Enabled(opts *PipelineOptions) bool { return opts.InlineSmall }

func (p *InlinePass) Run(bc *BinaryContext) error {
	opts := bc.Opts
	var candidates []*BinaryFunction
	for _, f := range bc.Functions() {
		if isInlinable(f, opts) {
			candidates = append(candidates, f)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].KnownExecutionCount(), candidates[j].KnownExecutionCount()
		if ci != cj {
			return ci > cj
		}
		return candidates[i].Number < candidates[j].Number
	})
	if len(candidates) > opts.InlineMaxCallees {
		candidates = candidates[:opts.InlineMaxCallees]
	}
	inlinable := make(map[*BinaryFunction]bool, len(candidates))
	for _, c := range candidates {
		inlinable[c] = true
	}

	sites := 0
	for _, caller := range bc.Functions() {
		if !caller.Simple || caller.Folded || caller.State != StateCFG {
			continue
		}
		for _, b := range caller.Blocks {
			sites += inlineInBlock(bc, caller, b, inlinable)
		}
	}
	if sites > 0 {
		outsf("BOLT-INFO: inlined %d call sites", sites)
	}
	return nil
}

// isInlinable applies the callee eligibility rules
func isInlinable(f *BinaryFunction, opts *PipelineOptions) bool {
	if !f.Simple || f.Folded || f.State != StateCFG || f.HasCFI || len(f.Blocks) != 1 {
		return false
	}
	term := f.Blocks[0].Terminator()
	if term == nil || !term.IsReturn() {
		return false
	}
	return f.NumInstructions() <= opts.InlineMaxInsns || f.RawBodySize() <= uint64(opts.InlineMaxBytes)
}

// inlineInBlock rewrites every qualifying call in one block, returning the
// number of sites inlined.
func inlineInBlock(bc *BinaryContext, caller *BinaryFunction, b *BasicBlock, inlinable map[*BinaryFunction]bool) int {
	sites := 0
	for i := 0; i < len(b.Instructions); i++ {
		in := &b.Instructions[i]
		if in.Kind != KindCall || !in.HasTarget {
			continue
		}
		callee := bc.FunctionForAddress(in.TargetAddr)
		if callee == nil || callee == caller || callee.InputAddress != in.TargetAddr || !inlinable[callee] {
			continue
		}

		body := spliceableBody(callee)
		if body == nil {
			continue
		}
		// replace the call with the callee body
		rest := append([]Instruction{}, b.Instructions[i+1:]...)
		b.Instructions = append(b.Instructions[:i], body...)
		b.Instructions = append(b.Instructions, rest...)
		i += len(body) - 1
		sites++

		transferInlineProfile(caller, b, callee)
	}
	return sites
}

// spliceableBody copies the callee's instructions minus pseudos and the
// trailing return. A second return anywhere in the body disqualifies it.
func spliceableBody(callee *BinaryFunction) []Instruction {
	src := callee.Blocks[0].Instructions
	var body []Instruction
	for i := range src {
		in := src[i]
		if in.IsPseudo() {
			continue
		}
		if in.IsReturn() {
			if i != len(src)-1 {
				return nil
			}
			break
		}
		if in.IsBranch() {
			return nil
		}
		in.Offset = 0 // offsets are meaningless at the new position
		body = append(body, in)
	}
	return body
}

// transferInlineProfile moves call-site frequency from the callee count
func transferInlineProfile(caller *BinaryFunction, b *BasicBlock, callee *BinaryFunction) {
	freq := b.KnownExecutionCount()
	if freq == 0 || callee.ExecutionCount == CountNoProfile {
		return
	}
	if callee.ExecutionCount > freq {
		callee.ExecutionCount -= freq
	} else {
		callee.ExecutionCount = 0
	}
}
