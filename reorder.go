// Completion: 100% - Block reordering (reverse, optimal, Ext-TSP) complete
package main

import (
	"fmt"
	"math"
	"sort"
)

// reorder.go - Basic-block reordering
//
// Three variants behind one driver: reverse (testing aid), an exact
// maximum-fallthrough solution for tiny CFGs, and the Ext-TSP chain-merge
// heuristic for everything else. The entry block never moves. After a new
// layout is installed, fixBranches rewrites terminators so every edge still
// reaches its target.

// ReorderBlocksPass installs a new block layout per function
type ReorderBlocksPass struct{}

func (p *ReorderBlocksPass) Name() string { return "reorder-blocks" }
func (p *ReorderBlocksPass) Enabled(opts *PipelineOptions) bool {
	return opts.ReorderBlocks != ReorderBlocksNone
}
func (p *ReorderBlocksPass) Predicate(f *BinaryFunction) bool {
	return f.State == StateCFG && len(f.Blocks) > 1
}
func (p *ReorderBlocksPass) Policy() SchedulingPolicy { return ScheduleByBlockCountSquared }

func (p *ReorderBlocksPass) RunOnFunction(f *BinaryFunction, alloc int) error {
	opts := f.Context().Opts
	if opts.EliminateUnreachable {
		if n := f.EliminateUnreachable(); n > 0 {
			debugf("function %s: removed %d unreachable blocks", f.Name(), n)
		}
	}
	if len(f.Blocks) < 2 {
		return nil
	}

	var order []*BasicBlock
	switch opts.ReorderBlocks {
	case ReorderBlocksReverse:
		order = reverseLayout(f.Blocks)
	case ReorderBlocksBranch, ReorderBlocksCache:
		if !f.HasProfile {
			return nil
		}
		if opts.ReorderBlocks == ReorderBlocksBranch && len(f.Blocks) <= 10 {
			order = optimalLayout(f)
		} else {
			order = extTSPLayout(f, opts.ExtTSP)
		}
	default:
		return nil
	}
	if order == nil {
		return nil
	}

	// Never adopt a layout that scores worse than the input order
	if opts.ReorderBlocks != ReorderBlocksReverse {
		before := layoutScore(f.Blocks, opts.ExtTSP)
		after := layoutScore(order, opts.ExtTSP)
		if after < before {
			return nil
		}
		if sameOrder(order, f.Blocks) {
			return nil
		}
	}

	if err := f.SetLayout(order); err != nil {
		return err
	}
	return fixBranches(f)
}

func sameOrder(a, b []*BasicBlock) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reverseLayout keeps block 0 and reverses the remainder
func reverseLayout(blocks []*BasicBlock) []*BasicBlock {
	out := make([]*BasicBlock, 0, len(blocks))
	out = append(out, blocks[0])
	for i := len(blocks) - 1; i >= 1; i-- {
		out = append(out, blocks[i])
	}
	return out
}

// edgeCount reads a bound edge count, treating missing as zero
func edgeCount(b *BasicBlock, s *BasicBlock) uint64 {
	info, ok := b.SuccessorInfo(s)
	if !ok || info.Count == CountNoProfile {
		return 0
	}
	return info.Count
}

// optimalLayout solves maximum-weight Hamiltonian path by bitmask DP.
// Only called for functions with at most 10 blocks.
func optimalLayout(f *BinaryFunction) []*BasicBlock {
	n := len(f.Blocks)
	weight := make([][]uint64, n)
	for i, b := range f.Blocks {
		weight[i] = make([]uint64, n)
		for _, s := range b.Successors {
			weight[i][s.Index] = edgeCount(b, s)
		}
	}

	size := 1 << n
	const unset = -1.0
	dp := make([][]float64, size)
	prev := make([][]int, size)
	for m := range dp {
		dp[m] = make([]float64, n)
		prev[m] = make([]int, n)
		for i := range dp[m] {
			dp[m][i] = unset
			prev[m][i] = -1
		}
	}
	dp[1][0] = 0 // the entry block starts every path

	for mask := 1; mask < size; mask++ {
		if mask&1 == 0 {
			continue
		}
		for last := 0; last < n; last++ {
			if mask&(1<<last) == 0 || dp[mask][last] == unset {
				continue
			}
			for next := 1; next < n; next++ {
				if mask&(1<<next) != 0 {
					continue
				}
				nm := mask | 1<<next
				score := dp[mask][last] + float64(weight[last][next])
				if score > dp[nm][next] {
					dp[nm][next] = score
					prev[nm][next] = last
				}
			}
		}
	}

	full := size - 1
	best, bestScore := -1, unset
	for last := 0; last < n; last++ {
		if dp[full][last] > bestScore {
			best, bestScore = last, dp[full][last]
		}
	}
	if best < 0 {
		return nil
	}
	order := make([]*BasicBlock, 0, n)
	for mask, last := full, best; last >= 0; {
		order = append(order, f.Blocks[last])
		nl := prev[mask][last]
		mask &^= 1 << last
		last = nl
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// extTSPScore is the cache-aware affinity of one edge given a placement
func extTSPScore(srcAddr, srcSize, dstAddr, count uint64, p ExtTSPParams) float64 {
	srcEnd := srcAddr + srcSize
	switch {
	case srcEnd == dstAddr:
		return p.FallthroughWeight * float64(count)
	case srcEnd < dstAddr:
		dist := dstAddr - srcEnd
		if dist <= p.ForwardDistance {
			return p.ForwardWeight * (1 - float64(dist)/float64(p.ForwardDistance)) * float64(count)
		}
		return 0
	default:
		dist := srcEnd - dstAddr
		if dist <= p.BackwardDistance {
			return p.BackwardWeight * (1 - float64(dist)/float64(p.BackwardDistance)) * float64(count)
		}
		return 0
	}
}

// layoutScore scores an ordering by summing every edge whose endpoints are
// both in the ordering, against estimated block addresses.
func layoutScore(order []*BasicBlock, p ExtTSPParams) float64 {
	addr := make(map[*BasicBlock]uint64, len(order))
	var pos uint64
	for _, b := range order {
		addr[b] = pos
		pos += b.RawSize()
	}
	var score float64
	for _, b := range order {
		for _, s := range b.Successors {
			dst, ok := addr[s]
			if !ok {
				continue
			}
			score += extTSPScore(addr[b], b.RawSize(), dst, edgeCount(b, s), p)
		}
	}
	return score
}

// tspChain is one chain of blocks in the Ext-TSP merge process
type tspChain struct {
	id     int
	blocks []*BasicBlock
	score  float64
}

func (c *tspChain) hasEntry(entry *BasicBlock) bool {
	for _, b := range c.blocks {
		if b == entry {
			return true
		}
	}
	return false
}

// maxBackwardDistance is the tie-break metric: the largest backward jump
// distance any intra-chain edge takes under the chain's internal placement.
func maxBackwardDistance(blocks []*BasicBlock, p ExtTSPParams) uint64 {
	addr := make(map[*BasicBlock]uint64, len(blocks))
	var pos uint64
	for _, b := range blocks {
		addr[b] = pos
		pos += b.RawSize()
	}
	var max uint64
	for _, b := range blocks {
		srcEnd := addr[b] + b.RawSize()
		for _, s := range b.Successors {
			dst, ok := addr[s]
			if !ok || dst >= srcEnd {
				continue
			}
			if d := srcEnd - dst; d > max {
				max = d
			}
		}
	}
	return max
}

// extTSPLayout runs the chain-merge heuristic: start with one chain per
// block and greedily adopt the merge with the largest positive score delta.
func extTSPLayout(f *BinaryFunction, p ExtTSPParams) []*BasicBlock {
	entry := f.Blocks[0]
	chains := make([]*tspChain, 0, len(f.Blocks))
	for i, b := range f.Blocks {
		c := &tspChain{id: i, blocks: []*BasicBlock{b}}
		c.score = layoutScore(c.blocks, p)
		chains = append(chains, c)
	}

	for {
		var bestA, bestB *tspChain
		var bestBlocks []*BasicBlock
		bestDelta := 0.0
		bestBack := uint64(math.MaxUint64)

		consider := func(a, b *tspChain, merged []*BasicBlock) {
			if b.hasEntry(entry) || (a.hasEntry(entry) && merged[0] != entry) {
				return
			}
			delta := layoutScore(merged, p) - a.score - b.score
			if delta <= 0 {
				return
			}
			back := maxBackwardDistance(merged, p)
			better := delta > bestDelta ||
				(delta == bestDelta && back < bestBack) ||
				(delta == bestDelta && back == bestBack && bestA != nil &&
					(a.id < bestA.id || (a.id == bestA.id && b.id < bestB.id)))
			if better {
				bestA, bestB, bestBlocks, bestDelta, bestBack = a, b, merged, delta, back
			}
		}

		for i, a := range chains {
			for j, b := range chains {
				if i == j {
					continue
				}
				// A‖B
				merged := append(append([]*BasicBlock{}, a.blocks...), b.blocks...)
				consider(a, b, merged)
				// A.head‖B‖A.tail
				if len(a.blocks) > 1 {
					split := append([]*BasicBlock{a.blocks[0]}, b.blocks...)
					split = append(split, a.blocks[1:]...)
					consider(a, b, split)
				}
			}
		}
		if bestA == nil {
			break
		}

		bestA.blocks = bestBlocks
		bestA.score = layoutScore(bestBlocks, p)
		kept := chains[:0]
		for _, c := range chains {
			if c != bestB {
				kept = append(kept, c)
			}
		}
		chains = kept
	}

	// Final order: the entry chain leads; the rest follow by descending
	// execution density, chain id as the stable tie-break.
	sort.SliceStable(chains, func(i, j int) bool {
		ci, cj := chains[i], chains[j]
		ei, ej := ci.hasEntry(entry), cj.hasEntry(entry)
		if ei != ej {
			return ei
		}
		di, dj := chainDensity(ci), chainDensity(cj)
		if di != dj {
			return di > dj
		}
		return ci.id < cj.id
	})
	out := make([]*BasicBlock, 0, len(f.Blocks))
	for _, c := range chains {
		out = append(out, c.blocks...)
	}
	return out
}

// chainDensity is execution count per byte of chain
func chainDensity(c *tspChain) float64 {
	var count, size uint64
	for _, b := range c.blocks {
		count += b.KnownExecutionCount()
		size += b.RawSize()
	}
	if size == 0 {
		return 0
	}
	return float64(count) / float64(size)
}

// fixBranches rewrites terminators so the new layout preserves semantics:
// a conditional branch whose taken target became the fall-through is
// reversed; a lost fall-through gains an unconditional jump; a jump to the
// new next block is dropped.
func fixBranches(f *BinaryFunction) error {
	backend := f.Context().Backend
	layout := f.LayoutOrder()
	for i, b := range layout {
		var next *BasicBlock
		if i+1 < len(layout) {
			next = layout[i+1]
		}
		term := b.Terminator()

		switch {
		case term != nil && term.IsConditionalBranch():
			taken := b.TakenSuccessor()
			fall := b.FallthroughSuccessor()
			if taken == nil {
				return fmt.Errorf("function %s: conditional terminator without taken successor", f.Name())
			}
			switch {
			case fall == next:
				// layout preserved this edge pair
			case taken == next && fall != nil:
				if err := backend.ReverseCondition(term); err != nil {
					return recoverable(errBadCFG, "function %s: %v", f.Name(), err)
				}
				term.SetBranchTarget(fall.Label)
			case fall != nil:
				// neither successor follows: keep the condition, jump to the
				// old fall-through explicitly
				b.AddInstructionAfterTerminator(backend.CreateUncondJump(fall.Label))
			}
		case term != nil && term.IsUnconditionalBranch():
			if len(b.Successors) == 1 && b.Successors[0] == next {
				b.RemoveTerminator()
			}
		case term == nil || !term.IsTerminator():
			fall := b.FallthroughSuccessor()
			if fall == nil && len(b.Successors) == 1 {
				fall = b.Successors[0]
			}
			if fall != nil && fall != next {
				b.AddInstruction(backend.CreateUncondJump(fall.Label))
			}
		}
	}
	return nil
}
