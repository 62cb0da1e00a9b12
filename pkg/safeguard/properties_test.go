package safeguard

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeabstract/internal/types"
)

// applyMappingReverse substitutes every placeholder in content back to its
// original literal, longest placeholder first so "<file_path_2>" is never
// clobbered by a prefix replacement. This is the privileged reversal path
// the round-trip law describes; the production repository deliberately
// implements no such operation.
func applyMappingReverse(content string, mapping map[string]string) string {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		content = strings.ReplaceAll(content, k, mapping[k])
	}
	return content
}

func mustAccept(t *testing.T, svc *Service, input Content) *Abstraction {
	t.Helper()
	d := svc.Validate(context.Background(), input)
	require.Equal(t, OutcomeAccept, d.Outcome)
	require.NotNil(t, d.Artifact)
	return d.Artifact
}

// Abstracting already-abstracted content must be the identity on the
// content portion.
func TestAbstractionIsIdempotent(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	inputs := []Content{
		"config at /home/alice/app/cfg.json",
		"contact john@example.com or 192.168.0.5",
		"/home/a/x /home/a/x /home/b/y",
		"key=sk_live_abcdEFGH1234",
		"hello world",
	}
	for _, input := range inputs {
		first := mustAccept(t, svc, input)
		second := mustAccept(t, svc, first.AbstractedContent)
		if diff := cmp.Diff(first.AbstractedContent, second.AbstractedContent); diff != "" {
			t.Errorf("abstract(abstract(x)) != abstract(x) for %q (-first +second):\n%s", input, diff)
		}
		assert.Empty(t, second.ConcreteMapping, "re-abstracting fixed-point content must find nothing new")
	}
}

// Applying the mapping in reverse must reproduce the original input,
// leaf by leaf.
func TestReversalReproducesOriginal(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	originals := []string{
		"config at /home/alice/app/cfg.json",
		"contact john@example.com or 192.168.0.5",
		"/home/a/x /home/a/x /home/b/y",
	}
	for _, original := range originals {
		artifact := mustAccept(t, svc, original)
		restored := applyMappingReverse(artifact.AbstractedContent.(string), artifact.ConcreteMapping)
		if diff := cmp.Diff(original, restored); diff != "" {
			t.Errorf("reversal mismatch (-original +restored):\n%s", diff)
		}
	}
}

func TestReversalReproducesStructuredLeaves(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	original := map[string]interface{}{
		"cfg": map[string]interface{}{
			"path":  "/etc/app/conf.d/main.yml",
			"notes": "no references here",
		},
	}
	artifact := mustAccept(t, svc, original)

	content := artifact.AbstractedContent.(map[string]interface{})
	cfg := content["cfg"].(map[string]interface{})
	restored := map[string]interface{}{
		"cfg": map[string]interface{}{
			"path":  applyMappingReverse(cfg["path"].(string), artifact.ConcreteMapping),
			"notes": applyMappingReverse(cfg["notes"].(string), artifact.ConcreteMapping),
		},
	}
	if diff := cmp.Diff(original, restored); diff != "" {
		t.Errorf("structured reversal mismatch (-original +restored):\n%s", diff)
	}
}

// Distinct literals of one kind must map to distinct placeholders;
// identical literals must share one.
func TestPlaceholderConsistency(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	artifact := mustAccept(t, svc, "/home/a/x then /home/b/y then /home/a/x again")

	require.Len(t, artifact.ConcreteMapping, 2, "two distinct literals, two mapping entries")
	seen := make(map[string]string)
	for placeholder, literal := range artifact.ConcreteMapping {
		if prev, ok := seen[literal]; ok {
			t.Errorf("literal %q mapped from both %q and %q", literal, prev, placeholder)
		}
		seen[literal] = placeholder
	}
	content := artifact.AbstractedContent.(string)
	assert.Equal(t, 2, strings.Count(content, "<file_path>"),
		"the repeated literal must render as the same placeholder both times")
	assert.Equal(t, 1, strings.Count(content, "<file_path_2>"))
}

// Re-scoring accepted output under the same policy must not drop the score.
func TestRescoringIsStable(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	const epsilon = 1e-9
	for _, input := range []Content{
		"config at /home/alice/app/cfg.json",
		"contact john@example.com or 192.168.0.5",
	} {
		first := mustAccept(t, svc, input)
		second := mustAccept(t, svc, first.AbstractedContent)
		assert.GreaterOrEqual(t, second.SafetyScore, first.SafetyScore-epsilon)
	}
}

// Dropping a mapping entry must not reintroduce its literal into the
// re-rendered content.
func TestMappingRemovalNeverLeaksLiteral(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	artifact := mustAccept(t, svc, "/home/a/x /home/b/y")

	pruned := make(map[string]string)
	var droppedLiteral string
	for placeholder, literal := range artifact.ConcreteMapping {
		if placeholder == "<file_path_2>" {
			droppedLiteral = literal
			continue
		}
		pruned[placeholder] = literal
	}
	require.NotEmpty(t, droppedLiteral)

	rendered := applyMappingReverse(artifact.AbstractedContent.(string), pruned)
	assert.NotContains(t, rendered, droppedLiteral)
}

func TestInputExactlyAtMaxBytesAccepted(t *testing.T) {
	input := "nothing concrete in this sentence"
	policy := DefaultPolicy()
	policy.MaxInputBytes = len(input)
	svc, err := New(WithPolicy(policy))
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), input)
	assert.Equal(t, OutcomeAccept, d.Outcome)

	over := svc.Validate(context.Background(), input+"!")
	assert.Equal(t, OutcomeReject, over.Outcome)
	assert.ErrorIs(t, over.Err, types.ErrInputBounds)
}
