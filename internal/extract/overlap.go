package extract

import "safeabstract/internal/types"

// resolveOverlaps implements spec.md §4.2 step 3: when two candidates'
// spans overlap, the higher-priority rule wins; ties break on longer span;
// remaining ties break on earlier start. Candidates are assumed to already
// be sorted by nothing in particular — resolveOverlaps sorts internally.
func resolveOverlaps(candidates []types.Candidate) []types.Candidate {
	if len(candidates) <= 1 {
		return candidates
	}

	ordered := make([]types.Candidate, len(candidates))
	copy(ordered, candidates)
	sortCandidatesByRank(ordered)

	var kept []types.Candidate
	for _, c := range ordered {
		conflicts := false
		for _, k := range kept {
			if c.Span.Overlaps(k.Span) {
				conflicts = true
				break
			}
		}
		if !conflicts {
			kept = append(kept, c)
		}
	}

	sortCandidatesByPosition(kept)
	return kept
}

// sortCandidatesByRank orders candidates so the winner of any overlap
// group comes first: higher priority, then longer span, then earlier
// start.
func sortCandidatesByRank(cs []types.Candidate) {
	insertionSort(cs, func(a, b types.Candidate) bool {
		if a.RulePriority != b.RulePriority {
			return a.RulePriority > b.RulePriority
		}
		if a.RuleSpanLen != b.RuleSpanLen {
			return a.RuleSpanLen > b.RuleSpanLen
		}
		return a.Span.Start < b.Span.Start
	})
}

func sortCandidatesByPosition(cs []types.Candidate) {
	insertionSort(cs, func(a, b types.Candidate) bool {
		return a.Span.Start < b.Span.Start
	})
}

// insertionSort is a small stable sort used instead of sort.Slice so the
// "earlier registration wins remaining ties" guarantee in spec.md §4.2
// step 3 is explicit rather than relying on sort.Slice's documented (but
// easy to forget) instability.
func insertionSort(cs []types.Candidate, less func(a, b types.Candidate) bool) {
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && less(cs[j], cs[j-1]) {
			cs[j], cs[j-1] = cs[j-1], cs[j]
			j--
		}
	}
}
