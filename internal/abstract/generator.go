package abstract

import (
	"strconv"
	"sync"

	"safeabstract/internal/types"
)

// Generator is the Pattern Generator (C3): given a candidate reference it
// produces a typed placeholder, keyed per-artifact so repeated literals of
// the same kind render identically (I4) and distinct literals of the same
// kind render distinguishably.
type Generator struct {
	mu      sync.Mutex
	table   map[string]types.Placeholder
	order   []string
	counts  map[types.ReferenceKind]int
	mapping map[string]string
}

// NewGenerator returns an empty, per-artifact Generator.
func NewGenerator() *Generator {
	return &Generator{
		table:   make(map[string]types.Placeholder),
		counts:  make(map[types.ReferenceKind]int),
		mapping: make(map[string]string),
	}
}

func generatorKey(kind types.ReferenceKind, literal string) string {
	return string(kind) + "\x00" + literal
}

// Resolve returns the Placeholder for (kind, literal), assigning a fresh
// one — and a fresh occurrence index — the first time this exact literal
// is seen for this kind.
func (g *Generator) Resolve(kind types.ReferenceKind, literal string) types.Placeholder {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := generatorKey(kind, literal)
	if p, ok := g.table[key]; ok {
		return p
	}

	g.counts[kind]++
	idx := g.counts[kind]
	name := ""
	if idx > 1 {
		name = strconv.Itoa(idx)
	}

	p := types.Placeholder{Kind: kind, Name: name, OccurrenceIndex: idx}
	g.table[key] = p
	g.order = append(g.order, key)
	return p
}

// Render resolves and renders a placeholder in one step, recording the
// reverse mapping so Mapping() can return it.
func (g *Generator) Render(kind types.ReferenceKind, literal, syntax string) string {
	p := g.Resolve(kind, literal)
	rendered := p.Render(syntax)
	g.mu.Lock()
	g.mapping[rendered] = literal
	g.mu.Unlock()
	return rendered
}

// Mapping returns the ordered concrete_mapping (spec.md §3): placeholder
// rendered name -> original literal. It MUST be stored separately from the
// abstracted content under stricter access control (I5).
func (g *Generator) Mapping() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.mapping))
	for k, v := range g.mapping {
		out[k] = v
	}
	return out
}

// Histogram returns the kind -> distinct-literal-count histogram used by
// metrics and the Quality Scorer.
func (g *Generator) Histogram() types.KindHistogram {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(types.KindHistogram, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}
