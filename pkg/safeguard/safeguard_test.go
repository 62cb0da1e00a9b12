package safeguard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeabstract/internal/config"
	"safeabstract/internal/types"
)

// These mirror the end-to-end scenarios of spec.md §8.

func TestValidateFilePathScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "config at /home/alice/app/cfg.json")
	require.Equal(t, OutcomeAccept, d.Outcome)
	require.NotNil(t, d.Artifact)
	assert.Equal(t, "config at <file_path>", d.Artifact.AbstractedContent)
	assert.Equal(t, "/home/alice/app/cfg.json", d.Artifact.ConcreteMapping["<file_path>"])
	assert.GreaterOrEqual(t, d.Artifact.SafetyScore, 0.80)
}

func TestValidateTokenScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "key=sk_live_abcdEFGH1234")
	require.Equal(t, OutcomeAccept, d.Outcome)
	assert.Equal(t, "key=<token>", d.Artifact.AbstractedContent)
	assert.GreaterOrEqual(t, d.Artifact.SafetyScore, 0.80)
}

func TestValidateEmailAndIPScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "contact john@example.com or 192.168.0.5")
	require.Equal(t, OutcomeAccept, d.Outcome)
	assert.Equal(t, "contact <email> or <ip_address>", d.Artifact.AbstractedContent)
	assert.Equal(t, 1, d.Artifact.KindHistogram["email"])
	assert.Equal(t, 1, d.Artifact.KindHistogram["ip_address"])
}

func TestValidateRepeatedAndDistinctLiteralsScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "/home/a/x /home/a/x /home/b/y")
	require.Equal(t, OutcomeAccept, d.Outcome)
	assert.Equal(t, "<file_path> <file_path> <file_path_2>", d.Artifact.AbstractedContent)
}

func TestValidateStructuredContentScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	input := map[string]interface{}{
		"cfg": map[string]interface{}{
			"path":  "/etc/app",
			"token": "xoxb-1234",
		},
	}
	d := svc.Validate(context.Background(), input)
	require.Equal(t, OutcomeAccept, d.Outcome)

	content, ok := d.Artifact.AbstractedContent.(map[string]interface{})
	require.True(t, ok)
	cfg, ok := content["cfg"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "<file_path>", cfg["path"])
	assert.Equal(t, "<token>", cfg["token"])
	assert.Equal(t, "/etc/app", d.Artifact.ConcreteMapping["<file_path>"])
	assert.Equal(t, "xoxb-1234", d.Artifact.ConcreteMapping["<token>"])
}

func TestValidateNoKindsDetectedScenario(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "hello world")
	require.Equal(t, OutcomeAccept, d.Outcome)
	assert.Equal(t, "hello world", d.Artifact.AbstractedContent)
	assert.Equal(t, 1.0, d.Artifact.SafetyScore)
}

func TestValidateWithStoragePersistsAcceptedArtifact(t *testing.T) {
	svc, err := New(WithStorage(filepath.Join(t.TempDir(), "svc.db")))
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	d := svc.Validate(ctx, "config at /home/alice/app/cfg.json")
	require.Equal(t, OutcomeAccept, d.Outcome)

	read, err := svc.ReadAbstraction(ctx, d.Artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Artifact.AbstractedContent, read.AbstractedContent)

	_, err = svc.ReadMapping(ctx, d.Artifact.ID, false)
	assert.Error(t, err)

	mapping, err := svc.ReadMapping(ctx, d.Artifact.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/app/cfg.json", mapping["<file_path>"])
}

func TestValidateBatchPreservesOrder(t *testing.T) {
	svc, err := New(WithStorage(filepath.Join(t.TempDir(), "batch.db")))
	require.NoError(t, err)
	defer svc.Close()

	items := []Content{
		"hello world",
		"config at /home/alice/app/cfg.json",
		"contact john@example.com",
	}
	decisions := svc.ValidateBatch(context.Background(), items)
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.Equal(t, OutcomeAccept, d.Outcome)
	}
	assert.Equal(t, "hello world", decisions[0].Artifact.AbstractedContent)
	assert.Equal(t, "contact <email>", decisions[2].Artifact.AbstractedContent)
}

func TestRejectIsAuditedWhenStorageConfigured(t *testing.T) {
	svc, err := New(WithStorage(filepath.Join(t.TempDir(), "audit.db")))
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	d := svc.Validate(ctx, "")
	require.Equal(t, OutcomeReject, d.Outcome)

	stats, err := svc.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["audit_log"], "a reject must still leave an audit row")
	assert.Equal(t, int64(0), stats["abstractions"])
}

func TestEmptyInputRejected(t *testing.T) {
	svc, err := New()
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "")
	assert.Equal(t, OutcomeReject, d.Outcome)
}

func TestInputOverMaxBytesRejected(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxInputBytes = 8
	svc, err := New(WithPolicy(policy))
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "this input is definitely over eight bytes")
	assert.Equal(t, OutcomeReject, d.Outcome)
}

// TestPolicyFileHotReloadLowersThreshold exercises spec.md §5's "reloads
// are atomic swaps" requirement: a policy file edit changing
// threshold_accept must land in the Service's live Policy snapshot and be
// pushed into the Store Contract's S1 trigger, without requiring an
// in-flight Validate call to observe a torn intermediate state.
func TestPolicyFileHotReloadLowersThreshold(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "safeabstract.yaml")

	cfg := config.DefaultConfig()
	cfg.Policy.ThresholdAccept = 0.95
	require.NoError(t, cfg.Save(policyPath))

	svc, err := New(
		WithPolicy(cfg.Policy),
		WithPolicyFile(policyPath),
		WithStorage(filepath.Join(dir, "svc.db")),
	)
	require.NoError(t, err)
	defer svc.Close()

	d := svc.Validate(context.Background(), "config at /home/alice/app/cfg.json")
	require.Equal(t, OutcomeAccept, d.Outcome)

	cfg.Policy.ThresholdAccept = 0.10
	require.NoError(t, cfg.Save(policyPath))

	require.Eventually(t, func() bool {
		return svc.Policy().ThresholdAccept == 0.10
	}, 5*time.Second, 20*time.Millisecond, "threshold_accept reload never took effect")

	// Proves the new threshold reached the S1 trigger, not just the
	// in-process Policy snapshot: a score of 0.5 would violate the
	// original 0.95 threshold but is accepted under the reloaded 0.10.
	midScore := &types.Abstraction{
		AbstractedContent: "config at <file_path>",
		ConcreteMapping:   map[string]string{"<file_path>": "/home/alice/app/cfg.json"},
		KindHistogram:     types.KindHistogram{types.KindFilePath: 1},
		SafetyScore:       0.5,
		ScoreBreakdown:    types.ScoreBreakdown{Score: 0.5, PatternCleanliness: 1},
	}
	assert.NoError(t, svc.store.Insert(context.Background(), midScore, "config at /home/alice/app/cfg.json"))
}
