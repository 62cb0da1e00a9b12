package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeabstract/internal/config"
	"safeabstract/internal/logging"
	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	require.NoError(t, logging.Initialize(t.TempDir()))
	p := config.DefaultPolicy()
	return New(rules.DefaultRegistry(), &p)
}

func TestValidateAcceptsCleanContent(t *testing.T) {
	p := newTestPipeline(t)
	decision := p.Validate(context.Background(), "nothing sensitive in here at all")
	assert.Equal(t, types.OutcomeAccept, decision.Outcome)
	require.NotNil(t, decision.Artifact)
	assert.Equal(t, types.StatusValidated, decision.Artifact.ValidationStatus)
}

func TestValidateAbstractsAndAccepts(t *testing.T) {
	p := newTestPipeline(t)
	decision := p.Validate(context.Background(), "reach out to jane@example.com")
	assert.Equal(t, types.OutcomeAccept, decision.Outcome)
	require.NotNil(t, decision.Artifact)
	content := decision.Artifact.AbstractedContent.(string)
	assert.Contains(t, content, "<email>")
	assert.NotContains(t, content, "jane@example.com")
}

func TestValidateRejectsOversizedInput(t *testing.T) {
	p := newTestPipeline(t)
	p.Policy.MaxInputBytes = 4
	decision := p.Validate(context.Background(), "this input is far too long")
	assert.Equal(t, types.OutcomeReject, decision.Outcome)
	require.Error(t, decision.Err)
}

func TestValidateCancelledContextRejects(t *testing.T) {
	p := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	decision := p.Validate(ctx, "anything")
	assert.Equal(t, types.OutcomeReject, decision.Outcome)
}

func TestValidateEnabledKindsSubsetSkipsDisabledDetectors(t *testing.T) {
	require.NoError(t, logging.Initialize(t.TempDir()))
	policy := config.DefaultPolicy()
	policy.EnabledKinds = []types.ReferenceKind{types.KindEmail}
	p := New(rules.DefaultRegistry(), &policy)

	decision := p.Validate(context.Background(), "contact a@b.com or 192.168.0.5")
	require.Equal(t, types.OutcomeAccept, decision.Outcome)
	// The IP is not a concrete reference under this policy: it stays
	// literal and does not count against pattern cleanliness.
	assert.Equal(t, "contact <email> or 192.168.0.5", decision.Artifact.AbstractedContent)
}

func TestDecideThresholdBoundaries(t *testing.T) {
	p := newTestPipeline(t)
	result := types.AbstractResult{AbstractedContent: "clean"}

	at := func(score float64) types.Outcome {
		return p.decide(result, types.ScoreBreakdown{Score: score, PatternCleanliness: 1}).Outcome
	}
	assert.Equal(t, types.OutcomeAccept, at(0.80))
	assert.Equal(t, types.OutcomeQuarantine, at(0.79))
	assert.Equal(t, types.OutcomeQuarantine, at(0.60))
	assert.Equal(t, types.OutcomeReject, at(0.59))
}

func TestDecideHardGateVetoesHighScore(t *testing.T) {
	p := newTestPipeline(t)
	decision := p.decide(types.AbstractResult{AbstractedContent: "x"},
		types.ScoreBreakdown{Score: 0.99, PatternCleanliness: 0})
	assert.Equal(t, types.OutcomeReject, decision.Outcome)
}

func TestValidateBatchPreservesOrder(t *testing.T) {
	p := newTestPipeline(t)
	items := []types.Content{"clean one", "contact a@b.com", "clean two"}
	decisions := p.ValidateBatch(context.Background(), items)
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.Equal(t, types.OutcomeAccept, d.Outcome)
	}
}
