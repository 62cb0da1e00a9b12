// Package extract implements the Reference Extractor (C2): it scans a
// content blob and emits a stream of candidate references for the
// Abstraction Engine (C4) to resolve and replace.
package extract

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

// contextWindow is how many characters before a match are inspected for a
// nearby sensitive keyword (spec.md §4.2's "context keyword proximity"
// confidence signal).
const contextWindow = 32

var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "credential", "auth", "apikey",
}

// PlaceholderPattern compiles the rendered-placeholder matcher for a
// placeholder_syntax template: the literal syntax with "{kind}" replaced by
// a kind-name (optionally "_n" indexed) character class. Rescans pass it to
// Walk as the mask so already-rendered placeholders are never re-detected
// as concrete references — kind names like "ip_address" are themselves
// valid matches for the container_name detector, so an unmasked rescan
// would never reach the fixed point.
func PlaceholderPattern(syntax string) *regexp.Regexp {
	if syntax == "" {
		syntax = "<{kind}>"
	}
	pattern := regexp.QuoteMeta(syntax)
	pattern = strings.Replace(pattern, regexp.QuoteMeta("{kind}"), `[a-z_]+(?:_[0-9]+)?`, 1)
	return regexp.MustCompile(pattern)
}

// Walk depth-first traverses content (a string leaf, or a nested
// map[string]interface{}/[]interface{} structure), running every enabled
// rule in registry against each string leaf. It returns a normalized copy
// of content — percent-encoded string leaves are decoded one level so
// candidates and the later Abstraction Engine agree on what was matched —
// plus the ordered, overlap-resolved, confidence-filtered list of
// candidates found.
//
// mask, when non-nil, names spans that are never candidates: any match
// overlapping a mask occurrence is dropped. Every caller that scans
// abstracted (or possibly-abstracted) content passes
// PlaceholderPattern(policy.PlaceholderSyntax) here; nil is only for
// scanning text known to carry no placeholders.
//
// Walk is a single pass: callers that need the candidates lazily should
// drain the returned slice via NewStream instead of calling Walk directly.
func Walk(ctx context.Context, registry *rules.Registry, content types.Content, maxDepth int, mask *regexp.Regexp) (types.Content, []types.Candidate, error) {
	w := &walker{ctx: ctx, registry: registry, maxDepth: maxDepth, mask: mask}
	normalized, err := w.walkValue(content, "$", 0)
	if err != nil {
		return nil, nil, err
	}
	sort.SliceStable(w.candidates, func(i, j int) bool {
		if w.candidates[i].Path != w.candidates[j].Path {
			return w.candidates[i].Path < w.candidates[j].Path
		}
		return w.candidates[i].Span.Start < w.candidates[j].Span.Start
	})
	return normalized, w.candidates, nil
}

type walker struct {
	ctx        context.Context
	registry   *rules.Registry
	maxDepth   int
	mask       *regexp.Regexp
	candidates []types.Candidate
}

func (w *walker) walkValue(v types.Content, path string, depth int) (types.Content, error) {
	if w.maxDepth > 0 && depth > w.maxDepth {
		return nil, &types.InputBoundsError{Bound: "max_depth", Limit: w.maxDepth, Observed: depth}
	}
	select {
	case <-w.ctx.Done():
		return nil, w.ctx.Err()
	default:
	}

	switch val := v.(type) {
	case string:
		normalized := decodeOnePercentLevel(val)
		w.scanLeaf(normalized, path)
		return normalized, nil

	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			childPath := path + "." + k
			normalizedChild, err := w.walkValue(child, childPath, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = normalizedChild
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			childPath := path + "[" + strconv.Itoa(i) + "]"
			normalizedChild, err := w.walkValue(child, childPath, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = normalizedChild
		}
		return out, nil

	default:
		return v, nil
	}
}

// scanLeaf runs every enabled rule against leaf, resolves overlaps, filters
// by confidence, and appends surviving candidates tagged with path. Matches
// overlapping a mask span (a rendered placeholder) are discarded.
func (w *walker) scanLeaf(leaf, path string) {
	var found []types.Candidate

	var masked [][]int
	if w.mask != nil {
		masked = w.mask.FindAllStringIndex(leaf, -1)
	}

	for _, rule := range w.registry.AllEnabled() {
		pos := 0
		for pos <= len(leaf) {
			m := rule.Matcher(leaf, pos)
			if m == nil {
				break
			}
			if m.Span.Len() <= 0 || m.Span.End > len(leaf) {
				break
			}
			if spanMasked(masked, m.Span) {
				if m.Span.End == pos {
					pos++
				} else {
					pos = m.Span.End
				}
				continue
			}
			literal := leaf[m.Span.Start:m.Span.End]
			confidence := adjustConfidence(m.Confidence, leaf, m.Span)
			found = append(found, types.Candidate{
				Kind:        rule.Kind,
				Path:        path,
				Span:        m.Span,
				Literal:     literal,
				Confidence:  confidence,
				Hints:       contextHints(leaf, m.Span),
				RulePriority: rule.Priority,
				RuleSpanLen: m.Span.Len(),
			})

			if m.Span.End == pos {
				pos++
			} else {
				pos = m.Span.End
			}
		}
	}

	resolved := resolveOverlaps(found)

	for _, c := range resolved {
		rs := w.registry.RulesFor(c.Kind)
		minConfidence := 0.0
		for _, r := range rs {
			if r.Priority == c.RulePriority {
				minConfidence = r.MinConfidence
				break
			}
		}
		if c.Confidence < minConfidence {
			continue
		}
		w.candidates = append(w.candidates, c)
	}
}

// spanMasked reports whether s overlaps any of the mask occurrences.
func spanMasked(masked [][]int, s types.Span) bool {
	for _, m := range masked {
		if s.Start < m[1] && m[0] < s.End {
			return true
		}
	}
	return false
}

func contextHints(leaf string, span types.Span) types.ContextHints {
	start := span.Start - contextWindow
	if start < 0 {
		start = 0
	}
	before := strings.ToLower(leaf[start:span.Start])
	near := false
	for _, kw := range sensitiveKeywords {
		if strings.Contains(before, kw) {
			near = true
			break
		}
	}
	return types.ContextHints{
		NearbySensitiveKeyword: near,
		Entropy:                shannonEntropy(leaf[span.Start:span.End]),
	}
}

func adjustConfidence(base float64, leaf string, span types.Span) float64 {
	hints := contextHints(leaf, span)
	if hints.NearbySensitiveKeyword && base < 0.95 {
		base += 0.05
	}
	if base > 1 {
		base = 1
	}
	return base
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

// TransformLeaves walks content the same way Walk does but, instead of
// running detector rules, applies fn to every string leaf and rebuilds the
// structure with the results. The Abstraction Engine (internal/abstract)
// uses this to replace matched spans with placeholders using the same
// path addressing Walk used to report candidates.
func TransformLeaves(content types.Content, fn func(path, leaf string) string) types.Content {
	return transformValue(content, "$", fn)
}

func transformValue(v types.Content, path string, fn func(path, leaf string) string) types.Content {
	switch val := v.(type) {
	case string:
		return fn(path, val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = transformValue(child, path+"."+k, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = transformValue(child, path+"["+strconv.Itoa(i)+"]", fn)
		}
		return out
	default:
		return v
	}
}

// Stream is a lazy, finite, non-restartable sequence of Candidates, per
// spec.md §4.2's contract for C2's output.
type Stream struct {
	ch   <-chan types.Candidate
	stop chan struct{}
}

// NewStream walks content in a background goroutine and returns a Stream
// that yields its candidates one at a time. The normalized content and any
// walk error are delivered via the done callback once the walk completes
// or the stream is closed early.
func NewStream(ctx context.Context, registry *rules.Registry, content types.Content, maxDepth int, mask *regexp.Regexp, done func(types.Content, error)) *Stream {
	ch := make(chan types.Candidate)
	stop := make(chan struct{})

	go func() {
		defer close(ch)
		normalized, candidates, err := Walk(ctx, registry, content, maxDepth, mask)
		if err != nil {
			done(nil, err)
			return
		}
		for _, c := range candidates {
			select {
			case ch <- c:
			case <-stop:
				done(normalized, fmt.Errorf("extract: stream closed before drained"))
				return
			case <-ctx.Done():
				done(normalized, ctx.Err())
				return
			}
		}
		done(normalized, nil)
	}()

	return &Stream{ch: ch, stop: stop}
}

// Next returns the next candidate, or ok=false once the stream is
// exhausted. A Stream MUST NOT be restarted after exhaustion.
func (s *Stream) Next() (types.Candidate, bool) {
	c, ok := <-s.ch
	return c, ok
}

// Close releases the stream's background goroutine if the caller stops
// draining early.
func (s *Stream) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}
