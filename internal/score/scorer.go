// Package score implements the Quality Scorer (C5): the six-dimension
// weighted composite safety score spec.md §4.5 defines, with Pattern
// cleanliness acting as a hard gate.
package score

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"safeabstract/internal/config"
	"safeabstract/internal/extract"
	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

// Scorer computes a types.ScoreBreakdown for an abstraction result.
type Scorer struct {
	Registry *rules.Registry
	Policy   *config.Policy
}

// NewScorer builds a Scorer over registry, scoring with policy's weights
// and enabled kinds.
func NewScorer(registry *rules.Registry, policy *config.Policy) *Scorer {
	return &Scorer{Registry: registry, Policy: policy}
}

// sensitiveKeywords mirrors internal/extract's context-hint keyword list;
// duplicated rather than exported since the two packages score different
// things (confidence vs. a post-hoc cleanliness check) and neither should
// import the other's internals for it.
var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "credential", "auth", "apikey",
}

// Score evaluates result against the six dimensions of spec.md §4.5 and
// returns the composite score plus the breakdown and human-readable
// reasons driving it.
func (s *Scorer) Score(ctx context.Context, result types.AbstractResult) (types.ScoreBreakdown, error) {
	placeholderRe := extract.PlaceholderPattern(s.Policy.PlaceholderSyntax)
	_, residual, err := extract.Walk(ctx, s.Registry, result.AbstractedContent, s.Policy.MaxDepth, placeholderRe)
	if err != nil {
		return types.ScoreBreakdown{}, fmt.Errorf("score: residual scan: %w", err)
	}
	occurrences := findAllLeafMatches(result.AbstractedContent, placeholderRe)

	var reasons []string

	coverage := dimensionCoverage(len(occurrences), len(residual))
	consistency, consistencyReason := dimensionConsistency(occurrences, result.ConcreteMapping, s.Policy)
	density := dimensionDensity(len(occurrences), len(result.KindHistogram))
	entropyResidue, maxEntropy := dimensionEntropyResidue(result.AbstractedContent)
	patternCleanliness := 1.0
	if len(residual) > 0 {
		patternCleanliness = 0.0
		reasons = append(reasons, fmt.Sprintf("pattern cleanliness failed: %d residual match(es), first kind=%s", len(residual), residual[0].Kind))
	}
	contextWindow := s.Policy.ContextWindow
	if contextWindow <= 0 {
		contextWindow = 32
	}
	contextCleanliness, contextReason := dimensionContextCleanliness(result.AbstractedContent, placeholderRe, contextWindow)

	if consistencyReason != "" {
		reasons = append(reasons, consistencyReason)
	}
	if contextReason != "" {
		reasons = append(reasons, contextReason)
	}
	if coverage < 1.0 {
		reasons = append(reasons, fmt.Sprintf("coverage %.2f: %d placeholder(s) vs %d residual literal(s)", coverage, len(occurrences), len(residual)))
	}
	if maxEntropy > 0 {
		reasons = append(reasons, fmt.Sprintf("max residual-run entropy %.2f bits/char", maxEntropy))
	}

	w := s.Policy.DimensionWeights
	score := w.Coverage*coverage + w.Consistency*consistency + w.Density*density +
		w.EntropyResidue*entropyResidue + w.PatternCleanliness*patternCleanliness + w.ContextCleanliness*contextCleanliness

	if patternCleanliness == 0 {
		// Hard gate (spec.md §4.5): clamp below threshold_accept regardless
		// of how the other five dimensions scored.
		clamp := s.Policy.ThresholdAccept - 0.0001
		if score > clamp {
			score = clamp
		}
		if score < 0 {
			score = 0
		}
	}

	return types.ScoreBreakdown{
		Score:              score,
		Coverage:           coverage,
		Consistency:        consistency,
		Density:            density,
		EntropyResidue:     entropyResidue,
		PatternCleanliness: patternCleanliness,
		ContextCleanliness: contextCleanliness,
		Reasons:            reasons,
	}, nil
}

func dimensionCoverage(placeholders, residual int) float64 {
	if placeholders+residual == 0 {
		return 1.0
	}
	return float64(placeholders) / float64(placeholders+residual)
}

func dimensionConsistency(occurrences []string, mapping map[string]string, policy *config.Policy) (float64, string) {
	if len(occurrences) == 0 {
		return 1.0, ""
	}
	violations := 0
	for _, occ := range occurrences {
		if _, ok := mapping[occ]; ok {
			continue
		}
		if policy.AllowDanglingPlaceholders && policy.IsTemplatePlaceholder(occ) {
			continue
		}
		violations++
	}
	consistency := 1.0 - float64(violations)/float64(len(occurrences))
	reason := ""
	if violations > 0 {
		reason = fmt.Sprintf("consistency: %d dangling placeholder occurrence(s) with no mapping entry (I3)", violations)
	}
	return consistency, reason
}

func dimensionDensity(placeholders, distinctKinds int) float64 {
	if distinctKinds == 0 {
		return 1.0
	}
	ratio := float64(placeholders) / float64(distinctKinds)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// runPattern finds contiguous non-whitespace runs of 20+ characters, the
// unit spec.md §4.5's Entropy residue dimension inspects.
var runPattern = regexp.MustCompile(`\S{20,}`)

func dimensionEntropyResidue(content types.Content) (float64, float64) {
	maxEntropy := 0.0
	runs := 0
	forEachLeaf(content, func(leaf string) {
		for _, run := range runPattern.FindAllString(leaf, -1) {
			runs++
			if e := shannonEntropy(run); e > maxEntropy {
				maxEntropy = e
			}
		}
	})
	if runs == 0 {
		// No unbroken 20+ char run to evaluate at all: nothing resembling
		// high-entropy residue, so the dimension is clean outright rather
		// than merely asymptotically close via the sigmoid below.
		return 1.0, 0
	}
	// Sigmoid centered at 3.5 bits/char: well below natural-language text,
	// comfortably below most base64/hex token entropy.
	sigmoid := 1.0 / (1.0 + math.Exp(-1.0*(maxEntropy-3.5)))
	return 1.0 - sigmoid, maxEntropy
}

func dimensionContextCleanliness(content types.Content, placeholderRe *regexp.Regexp, contextWindow int) (float64, string) {
	riskySpots := 0
	forEachLeaf(content, func(leaf string) {
		lower := strings.ToLower(leaf)
		for _, run := range runPattern.FindAllStringIndex(leaf, -1) {
			token := leaf[run[0]:run[1]]
			if placeholderRe.MatchString(token) {
				continue
			}
			start := run[0] - contextWindow
			if start < 0 {
				start = 0
			}
			before := lower[start:run[0]]
			for _, kw := range sensitiveKeywords {
				if strings.Contains(before, kw) {
					riskySpots++
					break
				}
			}
		}
	})
	penalty := float64(riskySpots) * 0.2
	if penalty > 1 {
		penalty = 1
	}
	reason := ""
	if riskySpots > 0 {
		reason = fmt.Sprintf("context cleanliness: %d sensitive-keyword-adjacent token(s) in output", riskySpots)
	}
	return 1.0 - penalty, reason
}

func findAllLeafMatches(content types.Content, re *regexp.Regexp) []string {
	var out []string
	forEachLeaf(content, func(leaf string) {
		out = append(out, re.FindAllString(leaf, -1)...)
	})
	sort.Strings(out)
	return out
}

func forEachLeaf(content types.Content, fn func(leaf string)) {
	switch v := content.(type) {
	case string:
		fn(v)
	case map[string]interface{}:
		for _, child := range v {
			forEachLeaf(child, fn)
		}
	case []interface{}:
		for _, child := range v {
			forEachLeaf(child, fn)
		}
	}
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var entropy float64
	n := float64(len(s))
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
