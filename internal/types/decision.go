package types

// Outcome is the three-way result of the Validation Pipeline's Decide
// stage (C6 §4.6).
type Outcome string

const (
	OutcomeAccept     Outcome = "accept"
	OutcomeQuarantine Outcome = "quarantine"
	OutcomeReject     Outcome = "reject"
)

// Decision is the only shape that crosses the pkg/safeguard boundary (spec
// §6.1, §7): callers see accept/quarantine/reject with reasons, never an
// internal error value. Exactly one of Artifact/Quarantine is populated,
// matching the Outcome.
type Decision struct {
	Outcome    Outcome
	Artifact   *Abstraction
	Quarantine *QuarantineEntry
	Reasons    []string
	// Breakdown is the Quality Scorer's per-dimension result for any
	// decision that reached the Score stage; zero-valued when an earlier
	// stage failed. The store's audit log records it for every outcome.
	Breakdown ScoreBreakdown
	// Err is set when the decision was driven by a non-content failure
	// (TransientInfra exhausted, InvariantBreach) rather than a score. It is
	// always one of the sentinel-wrapped errors in errors.go.
	Err error
}

// Accepted reports whether the decision is an accept outcome.
func (d Decision) Accepted() bool {
	return d.Outcome == OutcomeAccept
}
