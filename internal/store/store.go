// Package store implements the Store Contract (C8, spec.md §4.8): the
// invariants S1-S6 a conforming persistence layer must enforce so unsafe
// content cannot enter the system even if the application layer is
// bypassed. The reference implementation here is SQLite (pure Go, via
// modernc.org/sqlite), mirroring the teacher's internal/store package's
// sql.Open + PRAGMA bootstrap + versioned-migration shape, scaled down to
// this domain's five tables.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"safeabstract/internal/config"
	"safeabstract/internal/extract"
	"safeabstract/internal/logging"
	"safeabstract/internal/rules"
	"safeabstract/internal/types"
)

// ErrNotFound is returned by the read paths when no row matches the
// requested id.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrPrivilegedReadRequired is returned by ReadMapping when called without
// the privileged flag, standing in for S6's row-level access restriction
// on the mapping region (pure-Go SQLite has no native RLS; the access
// check is enforced at this one call site instead).
var ErrPrivilegedReadRequired = fmt.Errorf("store: mapping region read requires privileged access")

// Store is the reference Store Contract implementation: a SQLite database
// with the abstraction region, the mapping region, the quarantine region
// and the audit log each in their own table (S3/S5/S6), plus a
// BEFORE INSERT/UPDATE trigger pair enforcing S1.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	registry *rules.Registry
	policy   *config.Policy
}

// Open creates (if needed) the SQLite database at path and initializes its
// schema, mirroring the teacher's NewLocalStore bootstrap: ensure the
// parent directory, open with a single connection, set WAL + busy_timeout
// pragmas, then create tables.
func Open(path string, registry *rules.Registry, policy *config.Policy) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma %q failed: %v", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, registry: registry, policy: policy}
	if policy != nil {
		if err := setThresholdAccept(db, policy.ThresholdAccept); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: seed threshold: %w", err)
		}
	}
	logging.Store("store opened at %s", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetThresholdAccept pushes a new accept threshold into the S1 trigger's
// backing row and into the Store's own in-memory Policy (S2's rescan path
// checks the same field), called by the caller whenever config.Watcher
// reloads a Policy with a changed ThresholdAccept.
func (s *Store) SetThresholdAccept(threshold float64) error {
	s.mu.Lock()
	if s.policy != nil {
		s.policy.ThresholdAccept = threshold
	}
	s.mu.Unlock()
	return setThresholdAccept(s.db, threshold)
}

// hashInput renders a salted hash of content for the audit log and
// quarantine entries (S4, spec.md §3: "never stores the original literal,
// only a salted hash").
func hashInput(content types.Content) string {
	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", content))
	}
	sum := sha256.Sum256(append([]byte("safeabstract-quarantine-salt:"), data...))
	return hex.EncodeToString(sum[:])
}

// Insert persists an accepted Abstraction: S2's defense-in-depth rescan,
// then a single atomic transaction writing the abstraction row, its
// mapping rows, and an audit_log row together (spec.md §5: "partial
// persistence is forbidden").
func (s *Store) Insert(ctx context.Context, artifact *types.Abstraction, originalInput types.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}

	// S2: the store does not trust the caller — rescan before accepting.
	if s.registry != nil {
		maxDepth := 32
		registry := s.registry
		syntax := ""
		if s.policy != nil {
			if s.policy.MaxDepth > 0 {
				maxDepth = s.policy.MaxDepth
			}
			// Same enabled_kinds view the pipeline scanned with, so a kind
			// the policy disables is not re-detected only at the store
			// boundary.
			if s.policy.EnabledKinds != nil {
				registry = registry.RestrictTo(s.policy.EnabledKinds)
			}
			syntax = s.policy.PlaceholderSyntax
		}
		_, residual, err := extract.Walk(ctx, registry, artifact.AbstractedContent, maxDepth, extract.PlaceholderPattern(syntax))
		if err != nil {
			logging.Audit().StoreInsert(artifact.ID, artifact.SafetyScore, false, fmt.Sprintf("rescan error: %v", err))
			return fmt.Errorf("store: insert: rescan: %w", err)
		}
		if len(residual) > 0 {
			logging.Audit().StoreInsert(artifact.ID, artifact.SafetyScore, false, "rescan found residual concrete reference")
			return fmt.Errorf("store: insert: %w", types.ErrResidualConcreteReference)
		}
	}
	if s.policy != nil && artifact.SafetyScore < s.policy.ThresholdAccept {
		logging.Audit().StoreInsert(artifact.ID, artifact.SafetyScore, false, "safety_score below threshold_accept")
		return fmt.Errorf("store: insert: %w", types.ErrPolicyViolation)
	}

	contentJSON, err := json.Marshal(artifact.AbstractedContent)
	if err != nil {
		return fmt.Errorf("store: insert: marshal content: %w", err)
	}
	histogramJSON, err := json.Marshal(artifact.KindHistogram)
	if err != nil {
		return fmt.Errorf("store: insert: marshal histogram: %w", err)
	}
	breakdownJSON, err := json.Marshal(artifact.ScoreBreakdown)
	if err != nil {
		return fmt.Errorf("store: insert: marshal breakdown: %w", err)
	}

	now := time.Now()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO abstractions (id, abstracted_content, kind_histogram, safety_score, score_breakdown, validation_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, string(contentJSON), string(histogramJSON), artifact.SafetyScore, string(breakdownJSON),
		string(artifact.ValidationStatus), artifact.CreatedAt, artifact.UpdatedAt)
	if err != nil {
		logging.Audit().StoreInsert(artifact.ID, artifact.SafetyScore, false, err.Error())
		return fmt.Errorf("store: insert: abstractions row: %w", err)
	}

	for placeholder, literal := range artifact.ConcreteMapping {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO concrete_mappings (abstraction_id, placeholder, literal) VALUES (?, ?, ?)`,
			artifact.ID, placeholder, literal); err != nil {
			return fmt.Errorf("store: insert: mapping row: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (occurred_at, artifact_id, outcome, input_hash, score, score_breakdown)
		VALUES (?, ?, ?, ?, ?, ?)`,
		now, artifact.ID, string(types.OutcomeAccept), hashInput(originalInput), artifact.SafetyScore, string(breakdownJSON)); err != nil {
		return fmt.Errorf("store: insert: audit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: insert: commit: %w", err)
	}

	logging.Audit().StoreInsert(artifact.ID, artifact.SafetyScore, true, "accepted")
	return nil
}

// ReadAbstraction returns the abstraction region for id, with the mapping
// stripped — downstream consumers (search, graph, vault sync) receive
// exactly this read-only shape per spec.md §3's ownership rule.
func (s *Store) ReadAbstraction(ctx context.Context, id string) (*types.Abstraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, abstracted_content, kind_histogram, safety_score, score_breakdown, validation_status, created_at, updated_at
		FROM abstractions WHERE id = ?`, id)

	var (
		contentJSON, histogramJSON, breakdownJSON, statusStr string
		score                                                float64
		createdAt, updatedAt                                 time.Time
	)
	if err := row.Scan(&id, &contentJSON, &histogramJSON, &score, &breakdownJSON, &statusStr, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read abstraction %s: %w", id, err)
	}

	var content types.Content
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return nil, fmt.Errorf("store: read abstraction %s: unmarshal content: %w", id, err)
	}
	var histogram types.KindHistogram
	if err := json.Unmarshal([]byte(histogramJSON), &histogram); err != nil {
		return nil, fmt.Errorf("store: read abstraction %s: unmarshal histogram: %w", id, err)
	}
	var breakdown types.ScoreBreakdown
	if err := json.Unmarshal([]byte(breakdownJSON), &breakdown); err != nil {
		return nil, fmt.Errorf("store: read abstraction %s: unmarshal breakdown: %w", id, err)
	}

	return &types.Abstraction{
		ID:                id,
		AbstractedContent: content,
		KindHistogram:     histogram,
		SafetyScore:       score,
		ScoreBreakdown:    breakdown,
		ValidationStatus:  types.ValidationStatus(statusStr),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

// ReadMapping is the only privileged read path onto the concrete_mapping
// region (S6). Callers MUST pass privileged=true; this is the sole access
// gate since the pure-Go SQLite driver has no native row-level security to
// delegate to. No un-abstraction/reversal operation is built on top of
// this read — that capability is intentionally excluded (spec.md §1, §9).
func (s *Store) ReadMapping(ctx context.Context, id string, privileged bool) (map[string]string, error) {
	if !privileged {
		return nil, ErrPrivilegedReadRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT placeholder, literal FROM concrete_mappings WHERE abstraction_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: read mapping %s: %w", id, err)
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var placeholder, literal string
		if err := rows.Scan(&placeholder, &literal); err != nil {
			return nil, fmt.Errorf("store: read mapping %s: scan: %w", id, err)
		}
		mapping[placeholder] = literal
	}
	logging.Audit().Log(logging.AuditEvent{EventType: logging.AuditMappingRead, ArtifactID: id, Success: true, Message: "privileged mapping read"})
	return mapping, rows.Err()
}

// InsertQuarantine persists a QuarantineEntry created by C6's quarantine
// decision — never the original content, only its hash and a summary —
// plus its audit_log row (S4), in one transaction.
func (s *Store) InsertQuarantine(ctx context.Context, entry *types.QuarantineEntry, originalInput types.Content, breakdown types.ScoreBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OriginalHash == "" {
		entry.OriginalHash = hashInput(originalInput)
	}
	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = time.Now()
	}
	if entry.ReviewerStatus == "" {
		entry.ReviewerStatus = types.ReviewPending
	}

	kindsJSON, err := json.Marshal(entry.DetectedKinds)
	if err != nil {
		return fmt.Errorf("store: insert quarantine: marshal kinds: %w", err)
	}
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("store: insert quarantine: marshal breakdown: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: insert quarantine: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quarantine (id, original_hash, reason_code, detected_kinds, first_seen_at, reviewer_status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OriginalHash, entry.ReasonCode, string(kindsJSON), entry.FirstSeenAt, string(entry.ReviewerStatus)); err != nil {
		return fmt.Errorf("store: insert quarantine: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (occurred_at, artifact_id, outcome, input_hash, score, score_breakdown)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now(), entry.ID, string(types.OutcomeQuarantine), entry.OriginalHash, breakdown.Score, string(breakdownJSON)); err != nil {
		return fmt.Errorf("store: insert quarantine: audit row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: insert quarantine: commit: %w", err)
	}
	logging.Audit().QuarantineCreated(entry.ID, entry.ReasonCode)
	return nil
}

// AppendAudit records a decision that persisted no artifact or quarantine
// entry of its own — rejects, chiefly — so the audit log still sees every
// accept/quarantine/reject (S4). Only a hash of the input is stored.
func (s *Store) AppendAudit(ctx context.Context, outcome types.Outcome, originalInput types.Content, breakdown types.ScoreBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("store: append audit: marshal breakdown: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (occurred_at, artifact_id, outcome, input_hash, score, score_breakdown)
		VALUES (?, '', ?, ?, ?, ?)`,
		time.Now(), string(outcome), hashInput(originalInput), breakdown.Score, string(breakdownJSON))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListQuarantine returns every quarantine entry, most recently seen first.
func (s *Store) ListQuarantine(ctx context.Context) ([]types.QuarantineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_hash, reason_code, detected_kinds, first_seen_at, reviewer_status
		FROM quarantine ORDER BY first_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list quarantine: %w", err)
	}
	defer rows.Close()

	var out []types.QuarantineEntry
	for rows.Next() {
		var (
			entry     types.QuarantineEntry
			kindsJSON string
			status    string
		)
		if err := rows.Scan(&entry.ID, &entry.OriginalHash, &entry.ReasonCode, &kindsJSON, &entry.FirstSeenAt, &status); err != nil {
			return nil, fmt.Errorf("store: list quarantine: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(kindsJSON), &entry.DetectedKinds); err != nil {
			return nil, fmt.Errorf("store: list quarantine: unmarshal kinds: %w", err)
		}
		entry.ReviewerStatus = types.ReviewerStatus(status)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ResolveQuarantine records an out-of-band reviewer's decision on a
// quarantine entry (spec.md §3's "resolved by an out-of-band reviewer").
func (s *Store) ResolveQuarantine(ctx context.Context, id string, status types.ReviewerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE quarantine SET reviewer_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: resolve quarantine %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: resolve quarantine %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaintenanceSweep evicts quarantine entries older than ttl (S5's
// configurable aging policy), mirroring the teacher's
// store.MaintenanceCleanup age-and-purge shape adapted to this schema.
func (s *Store) MaintenanceSweep(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM quarantine WHERE first_seen_at < ? AND reviewer_status != ?`,
		cutoff, string(types.ReviewPending))
	if err != nil {
		return 0, fmt.Errorf("store: maintenance sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: maintenance sweep: %w", err)
	}
	if n > 0 {
		logging.Audit().Log(logging.AuditEvent{EventType: logging.AuditQuarantineAged, Success: true, Message: fmt.Sprintf("evicted %d aged quarantine entries", n)})
	}
	return int(n), nil
}

// Stats returns row counts per table, mirroring the teacher's
// LocalStore.GetStats diagnostic shape.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"abstractions", "concrete_mappings", "quarantine", "audit_log"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
