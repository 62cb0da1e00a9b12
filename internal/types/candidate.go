package types

// Span is a half-open range [Start, End) within a single string leaf,
// measured in bytes from the start of that leaf — the coordinate space
// regexp match indices and string slicing share.
type Span struct {
	Start int
	End   int
}

// Len reports the span's width in bytes.
func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether s and other share at least one rune.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// ContextHints carries cheap signals an extractor matcher gathered about the
// text immediately surrounding a candidate, used by the scorer's Context
// cleanliness dimension and by confidence derivation in C2.
type ContextHints struct {
	// NearbySensitiveKeyword is true when a keyword such as "password" or
	// "secret" appears within the configured context window of the match.
	NearbySensitiveKeyword bool
	// Entropy is the Shannon entropy (bits/char) of the literal, when the
	// matcher computed one (token/credential-style matchers only).
	Entropy float64
}

// Candidate is a Reference Candidate (spec §3): a single potential concrete
// reference found by the extractor at a specific leaf path and span. It is
// produced during one scan pass by internal/extract, consumed by
// internal/abstract, and never persisted.
type Candidate struct {
	Kind       ReferenceKind
	Path       string
	Span       Span
	Literal    string
	Confidence float64
	Hints      ContextHints
	// RulePriority and RuleSpanLen are copied from the winning Rule at match
	// time so overlap resolution (§4.2 step 3) doesn't need to look the rule
	// back up by kind.
	RulePriority int
	RuleSpanLen  int
}
