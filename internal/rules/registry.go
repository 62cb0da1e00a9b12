package rules

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/parse"

	"safeabstract/internal/logging"
	"safeabstract/internal/types"
)

// Registry is an immutable-after-load catalog of detection Rules.
type Registry struct {
	rules []Rule
}

// NewRegistry builds a Registry from an explicit rule set. Use
// BuiltinRules() for the default catalog.
func NewRegistry(rs []Rule) *Registry {
	cp := make([]Rule, len(rs))
	copy(cp, rs)
	return &Registry{rules: cp}
}

// DefaultRegistry returns a Registry loaded with BuiltinRules().
func DefaultRegistry() *Registry {
	return NewRegistry(BuiltinRules())
}

// RestrictTo returns a copy of the registry with every rule whose kind is
// not in kinds disabled, implementing the enabled_kinds policy option
// (spec.md §6.3) without mutating the shared immutable catalog. The
// Validation Pipeline applies this per-policy-snapshot so a hot reload that
// changes enabled_kinds takes effect on the next pipeline swap.
func (r *Registry) RestrictTo(kinds []types.ReferenceKind) *Registry {
	enabled := make(map[types.ReferenceKind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}
	cp := make([]Rule, len(r.rules))
	copy(cp, r.rules)
	for i := range cp {
		if !enabled[cp[i].Kind] {
			cp[i].Enabled = false
		}
	}
	return &Registry{rules: cp}
}

// RulesFor returns the rules for kind, ordered by descending priority
// (stable: equal-priority rules keep their registration order).
func (r *Registry) RulesFor(kind types.ReferenceKind) []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.Kind == kind {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// AllEnabled returns every enabled rule in the registry, in a
// deterministic order (descending priority, then registration order).
func (r *Registry) AllEnabled() []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Validate checks the registry for detector-registry bugs: two enabled
// rules of the same kind sharing a priority value, which makes the C2
// overlap-resolution tiebreak (spec.md §4.2 step 3) non-deterministic
// between them. It asserts one rule_priority/3 fact per enabled rule and
// lets a Mangle rule derive ambiguous_priority/2 over the fact store, the
// same assert-then-query idiom the kernel policy loader uses for
// unsafe-negation checks, applied here to priority conflicts instead.
func (r *Registry) Validate() error {
	var buf bytes.Buffer
	buf.WriteString("Decl rule_priority(Kind, Priority, Name).\n")
	buf.WriteString("Decl ambiguous_priority(Kind, Priority).\n")
	buf.WriteString("ambiguous_priority(Kind, Priority) :- rule_priority(Kind, Priority, NameA), rule_priority(Kind, Priority, NameB), NameA != NameB.\n")

	for _, rule := range r.AllEnabled() {
		fmt.Fprintf(&buf, "rule_priority(/%s, %d, %q).\n", rule.Kind, rule.Priority, rule.Name)
	}

	unit, err := parse.Unit(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("rule registry: failed to parse validation program: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: unit.Clauses, Decls: unit.Decls}, nil)
	if err != nil {
		return fmt.Errorf("rule registry: failed to analyze validation program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return fmt.Errorf("rule registry: failed to evaluate validation program: %w", err)
	}

	var conflicts []string
	ambiguousSym := ast.PredicateSym{Symbol: "ambiguous_priority", Arity: 2}
	store.GetFacts(ast.NewQuery(ambiguousSym), func(a ast.Atom) error {
		conflicts = append(conflicts, a.String())
		return nil
	})

	if len(conflicts) > 0 {
		detail := strings.Join(conflicts, "; ")
		logging.Audit().RuleRegistryAmbiguity(detail)
		return &types.InvariantBreachError{Invariant: "rule_registry_unambiguous_priority", Detail: detail}
	}

	return nil
}
