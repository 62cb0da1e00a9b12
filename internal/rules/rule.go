// Package rules implements the Rule Registry (C1): an immutable catalog of
// detection patterns and their replacement templates, keyed by reference
// kind.
package rules

import (
	"safeabstract/internal/types"
)

// Match is what a Matcher reports when it finds a candidate reference
// starting at or after the requested position.
type Match struct {
	Span       types.Span
	Confidence float64
}

// Matcher is a pure predicate on (input, position) -> optional Match. It
// MUST be deterministic and side-effect free, and MUST report an exact span.
type Matcher func(input string, position int) *Match

// Rule binds a Matcher to a ReferenceKind plus the metadata C3/C4 need to
// turn a match into a placeholder.
type Rule struct {
	Kind                types.ReferenceKind
	Name                string
	Matcher             Matcher
	Priority            int
	MinConfidence       float64
	ReplacementTemplate string
	Enabled             bool
}
