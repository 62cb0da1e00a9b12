package store

import (
	"database/sql"
	"fmt"

	"safeabstract/internal/logging"
)

// CurrentSchemaVersion tracks schema evolution the way the teacher's
// store package versions its own migrations.
const CurrentSchemaVersion = 1

const abstractionsTable = `
CREATE TABLE IF NOT EXISTS abstractions (
	id TEXT PRIMARY KEY,
	abstracted_content TEXT NOT NULL,
	kind_histogram TEXT NOT NULL,
	safety_score REAL NOT NULL,
	score_breakdown TEXT NOT NULL,
	validation_status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// concreteMappings is a separate table from abstractions (I5/S3): the
// reversal key lives in its own logical region so a reader of the
// abstraction region never incidentally sees a literal.
const concreteMappingsTable = `
CREATE TABLE IF NOT EXISTS concrete_mappings (
	abstraction_id TEXT NOT NULL,
	placeholder TEXT NOT NULL,
	literal TEXT NOT NULL,
	PRIMARY KEY (abstraction_id, placeholder)
);
CREATE INDEX IF NOT EXISTS idx_concrete_mappings_abstraction ON concrete_mappings(abstraction_id);
`

// quarantineTable matches the QuarantineEntry schema of spec.md §3: never
// the original literal, only a salted hash and a summary.
const quarantineTable = `
CREATE TABLE IF NOT EXISTS quarantine (
	id TEXT PRIMARY KEY,
	original_hash TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	detected_kinds TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	reviewer_status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quarantine_reviewer_status ON quarantine(reviewer_status);
CREATE INDEX IF NOT EXISTS idx_quarantine_first_seen ON quarantine(first_seen_at);
`

// auditLogTable is append-only (S4): every accept/quarantine/reject,
// carrying a hash of the input, never the input itself.
const auditLogTable = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at DATETIME NOT NULL,
	artifact_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	score REAL NOT NULL,
	score_breakdown TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_artifact ON audit_log(artifact_id);
`

// policyStateTable holds the single row the S1 trigger consults so the
// accept threshold enforced at the database boundary tracks whatever
// *config.Policy the application last pushed, rather than being baked in
// at schema-creation time.
const policyStateTable = `
CREATE TABLE IF NOT EXISTS policy_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	threshold_accept REAL NOT NULL
);
`

// thresholdTriggers implement S1 (no insert/update may persist a
// safety_score below threshold_accept) as defense-in-depth at the store
// boundary, independent of whatever the application layer already checked.
const thresholdTriggers = `
CREATE TRIGGER IF NOT EXISTS trg_abstractions_insert_threshold
BEFORE INSERT ON abstractions
BEGIN
	SELECT CASE WHEN NEW.safety_score < (SELECT threshold_accept FROM policy_state WHERE id = 1)
	THEN RAISE(ABORT, 'safety_score below threshold_accept') END;
END;

CREATE TRIGGER IF NOT EXISTS trg_abstractions_update_threshold
BEFORE UPDATE ON abstractions
BEGIN
	SELECT CASE WHEN NEW.safety_score < (SELECT threshold_accept FROM policy_state WHERE id = 1)
	THEN RAISE(ABORT, 'safety_score below threshold_accept') END;
END;
`

// initSchema creates every table and trigger the Store Contract (C8)
// requires, mirroring the teacher's "create tables, then run migrations,
// then create dependent indexes" bootstrap order in local_core.go.
func initSchema(db *sql.DB) error {
	statements := []string{
		abstractionsTable,
		concreteMappingsTable,
		quarantineTable,
		auditLogTable,
		policyStateTable,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO policy_state (id, threshold_accept) VALUES (1, 0.80)`); err != nil {
		return fmt.Errorf("store: seed policy_state: %w", err)
	}
	if _, err := db.Exec(thresholdTriggers); err != nil {
		return fmt.Errorf("store: create threshold triggers: %w", err)
	}
	logging.Store("schema initialized at version %d", CurrentSchemaVersion)
	return nil
}

// setThresholdAccept updates the single policy_state row the S1 triggers
// read, called whenever internal/config.Watcher swaps in a new Policy.
func setThresholdAccept(db *sql.DB, threshold float64) error {
	_, err := db.Exec(`UPDATE policy_state SET threshold_accept = ? WHERE id = 1`, threshold)
	return err
}
