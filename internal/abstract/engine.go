// Package abstract implements the Pattern Generator (C3) and the
// Abstraction Engine (C4): together they turn raw content plus the
// Reference Extractor's candidates into abstracted content and a
// concrete<->placeholder mapping.
package abstract

import (
	"context"
	"fmt"
	"sort"

	"safeabstract/internal/config"
	"safeabstract/internal/extract"
	"safeabstract/internal/logging"
	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

// Engine orchestrates C2 (extract) and C3 (Generator) into the fixed-point
// abstraction loop C4 describes.
type Engine struct {
	Registry *rules.Registry
	Policy   *config.Policy
}

// NewEngine builds an Engine over registry, enforcing policy's max_passes/
// max_depth bounds.
func NewEngine(registry *rules.Registry, policy *config.Policy) *Engine {
	return &Engine{Registry: registry, Policy: policy}
}

// Abstract runs the fixed-point rescan: extract candidates, replace them
// right-to-left per leaf, and repeat until a pass finds nothing left to
// replace (I2) or policy.max_passes is exhausted, in which case it reports
// ErrResidualConcreteReference (spec.md §4.4's ResidualConcreteReference
// failure mode).
func (e *Engine) Abstract(ctx context.Context, content types.Content) (types.AbstractResult, error) {
	gen := NewGenerator()
	current := content
	var diag types.Diagnostics

	// Every pass masks rendered placeholders: pass 2+ must not re-detect
	// what pass 1 just wrote (kind names like "ip_address" are themselves
	// matchable), and pass 1 must leave placeholders in already-abstracted
	// input untouched so abstraction is idempotent.
	mask := extract.PlaceholderPattern(e.Policy.PlaceholderSyntax)

	maxPasses := e.Policy.MaxPasses
	if maxPasses <= 0 {
		maxPasses = 1
	}

	for pass := 1; pass <= maxPasses; pass++ {
		normalized, candidates, err := extract.Walk(ctx, e.Registry, current, e.Policy.MaxDepth, mask)
		if err != nil {
			return types.AbstractResult{}, fmt.Errorf("abstract: pass %d: %w", pass, err)
		}
		current = normalized
		diag.PassesUsed = pass

		if len(candidates) == 0 {
			return e.finish(current, gen, diag), nil
		}

		current = e.replacePass(current, candidates, gen)
	}

	// One last scan to report the residual, undigested candidates.
	_, residual, err := extract.Walk(ctx, e.Registry, current, e.Policy.MaxDepth, mask)
	if err != nil {
		return types.AbstractResult{}, fmt.Errorf("abstract: residual scan: %w", err)
	}
	if len(residual) > 0 {
		diag.ResidualSpans = len(residual)
		for _, c := range residual {
			diag.TruncatedAtKind = append(diag.TruncatedAtKind, c.Kind)
		}
		logging.AbstractWarn("residual concrete reference after %d passes: kind=%s path=%s", maxPasses, residual[0].Kind, residual[0].Path)
		return types.AbstractResult{AbstractedContent: current, Diagnostics: diag}, fmt.Errorf("abstract: %w", types.ErrResidualConcreteReference)
	}

	return e.finish(current, gen, diag), nil
}

func (e *Engine) finish(content types.Content, gen *Generator, diag types.Diagnostics) types.AbstractResult {
	return types.AbstractResult{
		AbstractedContent: content,
		ConcreteMapping:   gen.Mapping(),
		KindHistogram:     gen.Histogram(),
		Diagnostics:       diag,
	}
}

// replacePass replaces every candidate's span in its originating leaf,
// right-to-left so earlier offsets in the same leaf stay valid while later
// ones are rewritten.
func (e *Engine) replacePass(content types.Content, candidates []types.Candidate, gen *Generator) types.Content {
	byPath := make(map[string][]types.Candidate)
	for _, c := range candidates {
		byPath[c.Path] = append(byPath[c.Path], c)
	}
	for path, cs := range byPath {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Span.Start < cs[j].Span.Start })
		byPath[path] = cs
	}

	syntax := e.Policy.PlaceholderSyntax
	if syntax == "" {
		syntax = "<{kind}>"
	}

	return extract.TransformLeaves(content, func(path, leaf string) string {
		cs := byPath[path]
		if len(cs) == 0 {
			return leaf
		}
		// Resolve placeholders left-to-right so occurrence indices (I4)
		// reflect reading order, then splice the leaf right-to-left so
		// earlier spans stay valid while later ones are rewritten.
		replacements := make([]string, len(cs))
		for i, c := range cs {
			replacements[i] = gen.Render(c.Kind, c.Literal, syntax)
		}
		out := leaf
		for i := len(cs) - 1; i >= 0; i-- {
			c := cs[i]
			if c.Span.End > len(out) || c.Span.Start < 0 || c.Span.Start > c.Span.End {
				continue
			}
			out = out[:c.Span.Start] + replacements[i] + out[c.Span.End:]
		}
		return out
	})
}
