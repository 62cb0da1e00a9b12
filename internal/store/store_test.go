package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeabstract/internal/config"
	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	policy := config.DefaultPolicy()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), rules.DefaultRegistry(), &policy)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func acceptedArtifact(score float64) *types.Abstraction {
	return &types.Abstraction{
		AbstractedContent: "config at <file_path>",
		ConcreteMapping:   map[string]string{"<file_path>": "/home/alice/app/cfg.json"},
		KindHistogram:     types.KindHistogram{types.KindFilePath: 1},
		SafetyScore:       score,
		ScoreBreakdown:    types.ScoreBreakdown{Score: score, PatternCleanliness: 1},
		ValidationStatus:  types.StatusValidated,
	}
}

func TestInsertAndReadAbstractionStripsMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	artifact := acceptedArtifact(0.9)
	require.NoError(t, s.Insert(ctx, artifact, "config at /home/alice/app/cfg.json"))
	assert.NotEmpty(t, artifact.ID)

	read, err := s.ReadAbstraction(ctx, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, "config at <file_path>", read.AbstractedContent)
	assert.Equal(t, types.StatusValidated, read.ValidationStatus)
}

func TestReadMappingRequiresPrivilege(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	artifact := acceptedArtifact(0.9)
	require.NoError(t, s.Insert(ctx, artifact, "irrelevant"))

	_, err := s.ReadMapping(ctx, artifact.ID, false)
	assert.ErrorIs(t, err, ErrPrivilegedReadRequired)

	mapping, err := s.ReadMapping(ctx, artifact.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/app/cfg.json", mapping["<file_path>"])
}

func TestInsertRejectsBelowThresholdViaTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	artifact := acceptedArtifact(0.5)
	err := s.Insert(ctx, artifact, "irrelevant")
	require.Error(t, err)
}

func TestTriggerRejectsInsertEvenWhenApplicationLayerBypassed(t *testing.T) {
	s := newTestStore(t)

	// Straight to the database, skipping Insert's own checks entirely: the
	// BEFORE INSERT trigger alone must refuse the row.
	_, err := s.db.Exec(`
		INSERT INTO abstractions (id, abstracted_content, kind_histogram, safety_score, score_breakdown, validation_status, created_at, updated_at)
		VALUES ('bypass-1', '"clean"', '{}', 0.2, '{}', 'validated', ?, ?)`,
		time.Now(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold_accept")
}

func TestInsertRescanRejectsResidualLiteral(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	artifact := &types.Abstraction{
		AbstractedContent: "contact john@example.com directly",
		ConcreteMapping:   map[string]string{},
		KindHistogram:     types.KindHistogram{},
		SafetyScore:       0.95,
		ScoreBreakdown:    types.ScoreBreakdown{Score: 0.95, PatternCleanliness: 1},
	}
	err := s.Insert(ctx, artifact, "irrelevant")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrResidualConcreteReference)
}

func TestQuarantineLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &types.QuarantineEntry{
		ReasonCode:    "score_below_accept",
		DetectedKinds: []types.ReferenceKind{types.KindToken},
	}
	require.NoError(t, s.InsertQuarantine(ctx, entry, "key=sk_live_abcdEFGH1234", types.ScoreBreakdown{Score: 0.7}))
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, types.ReviewPending, entry.ReviewerStatus)

	list, err := s.ListQuarantine(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entry.ID, list[0].ID)
	assert.NotEmpty(t, list[0].OriginalHash)

	require.NoError(t, s.ResolveQuarantine(ctx, entry.ID, types.ReviewApproved))
	list, err = s.ListQuarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, list[0].ReviewerStatus)

	err = s.ResolveQuarantine(ctx, "does-not-exist", types.ReviewApproved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaintenanceSweepEvictsAgedNonPendingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &types.QuarantineEntry{ReasonCode: "aged", ReviewerStatus: types.ReviewApproved, FirstSeenAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.InsertQuarantine(ctx, old, "irrelevant", types.ScoreBreakdown{}))

	fresh := &types.QuarantineEntry{ReasonCode: "fresh"}
	require.NoError(t, s.InsertQuarantine(ctx, fresh, "irrelevant", types.ScoreBreakdown{}))

	n, err := s.MaintenanceSweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.ListQuarantine(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
}

func TestReadAbstractionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadAbstraction(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsCountsRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, acceptedArtifact(0.9), "config at /home/alice/app/cfg.json"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["abstractions"])
	assert.Equal(t, int64(1), stats["audit_log"])
}
