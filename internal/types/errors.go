package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the closed taxonomy of spec §7. Pipeline and store
// code wraps these with fmt.Errorf("...: %w", ErrX) so callers can branch
// with errors.Is while still getting a human-readable message; tests assert
// on the sentinel, never on message text.
var (
	// ErrInputBounds covers size/depth/encoding violations caught at the
	// Accept-gate stage.
	ErrInputBounds = errors.New("input bounds violation")
	// ErrResidualConcreteReference means the Abstraction Engine's fixed-point
	// rescan still found a live match after policy.max_passes iterations.
	ErrResidualConcreteReference = errors.New("residual concrete reference after max passes")
	// ErrPolicyViolation is a hard-gate failure in the Quality Scorer (Pattern
	// cleanliness = 0).
	ErrPolicyViolation = errors.New("policy violation: hard gate failed")
	// ErrTransientInfra covers store unavailability or stage timeouts; the
	// pipeline retries these with bounded exponential backoff before
	// surfacing them.
	ErrTransientInfra = errors.New("transient infrastructure error")
	// ErrInvariantBreach marks an internal bug — e.g. a placeholder with no
	// mapping entry. Fatal for the one artifact; must never poison the
	// process or other in-flight validations.
	ErrInvariantBreach = errors.New("internal invariant breach")
	// ErrCancelled is returned when a caller cancels a validation at a stage
	// boundary.
	ErrCancelled = errors.New("validation cancelled")
)

// InputBoundsError names which bound was exceeded and by how much, while
// still unwrapping to ErrInputBounds.
type InputBoundsError struct {
	Bound    string // "max_input_bytes" or "max_depth"
	Limit    int
	Observed int
}

func (e *InputBoundsError) Error() string {
	return fmt.Sprintf("input bounds violation: %s limit %d exceeded (observed %d)", e.Bound, e.Limit, e.Observed)
}

func (e *InputBoundsError) Unwrap() error {
	return ErrInputBounds
}

// InvariantBreachError names the invariant that was violated (I1-I5) for
// logging and audit purposes.
type InvariantBreachError struct {
	Invariant string
	Detail    string
}

func (e *InvariantBreachError) Error() string {
	return fmt.Sprintf("invariant breach (%s): %s", e.Invariant, e.Detail)
}

func (e *InvariantBreachError) Unwrap() error {
	return ErrInvariantBreach
}
