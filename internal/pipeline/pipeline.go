// Package pipeline implements the Validation Pipeline (C6): the five-stage
// fail-closed flow (accept-gate, abstract, validate, score, decide) spec.md
// §4.6 describes, plus its retry and concurrency model from §5.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"safeabstract/internal/abstract"
	"safeabstract/internal/config"
	"safeabstract/internal/extract"
	"safeabstract/internal/logging"
	"safeabstract/internal/metrics"
	"safeabstract/internal/rules"
	"safeabstract/internal/score"
	"safeabstract/internal/types"
)

// Pipeline runs content through the five C6 stages and returns a Decision.
// It holds no per-call state: every field is read-only after construction,
// so one Pipeline safely serves concurrent Validate calls (spec §5's
// "per-artifact isolation").
type Pipeline struct {
	Registry *rules.Registry
	Policy   *config.Policy
	Engine   *abstract.Engine
	Scorer   *score.Scorer
	Metrics  *metrics.Collector
	sem      *semaphore.Weighted
}

// New builds a Pipeline over registry and policy. When policy names an
// enabled_kinds subset, rules for every other kind are disabled in the
// Pipeline's view of the registry; the caller's registry is not mutated.
func New(registry *rules.Registry, policy *config.Policy) *Pipeline {
	if policy.EnabledKinds != nil {
		registry = registry.RestrictTo(policy.EnabledKinds)
	}
	concurrency := policy.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pipeline{
		Registry: registry,
		Policy:   policy,
		Engine:   abstract.NewEngine(registry, policy),
		Scorer:   score.NewScorer(registry, policy),
		Metrics:  metrics.New(),
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// stageFn runs one C6 stage under its policy-configured deadline, treating a
// deadline overrun as ErrTransientInfra (spec §5's "exceeding a stage
// timeout is treated as a transient error for retry purposes").
func (p *Pipeline) runStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	timer := logging.StartTimer(logging.CategoryPipeline, stage)
	deadline := p.Policy.StageTimeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	logging.AuditWithContext("", logging.CategoryPipeline).StageEvent(logging.AuditStageStart, stage, "", 0, true, "")

	errCh := make(chan error, 1)
	go func() { errCh <- fn(stageCtx) }()

	select {
	case err := <-errCh:
		elapsed := timer.Stop()
		p.Metrics.ObserveStageLatency(stage, float64(elapsed.Milliseconds()))
		success := err == nil
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		logging.AuditWithContext("", logging.CategoryPipeline).StageEvent(logging.AuditStageComplete, stage, "", elapsed.Milliseconds(), success, msg)
		return err
	case <-stageCtx.Done():
		elapsed := timer.Stop()
		p.Metrics.ObserveStageLatency(stage, float64(elapsed.Milliseconds()))
		err := fmt.Errorf("pipeline: stage %s: %w", stage, types.ErrTransientInfra)
		logging.AuditWithContext("", logging.CategoryPipeline).StageEvent(logging.AuditStageError, stage, "", deadline.Milliseconds(), false, err.Error())
		return err
	}
}

// Validate runs content through all five stages, retrying stage failures
// that are ErrTransientInfra with bounded exponential backoff, up to
// policy.MaxRetries.
func (p *Pipeline) Validate(ctx context.Context, content types.Content) types.Decision {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.Metrics.IncCancelled()
		return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{"cancelled before acquiring a pipeline slot"}, Err: fmt.Errorf("pipeline: %w", types.ErrCancelled)}
	}
	defer p.sem.Release(1)

	var lastErr error
	maxRetries := p.Policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		decision, err := p.validateOnce(ctx, content)
		if err == nil {
			p.recordDecision(decision)
			return decision
		}
		lastErr = err

		if errors.Is(ctx.Err(), context.Canceled) {
			p.Metrics.IncCancelled()
			return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{"validation cancelled"}, Err: fmt.Errorf("pipeline: %w", types.ErrCancelled)}
		}
		if !errors.Is(err, types.ErrTransientInfra) {
			// Not retriable: surface immediately, as a reject with Err set.
			decision := decisionFromError(err)
			p.recordDecision(decision)
			return decision
		}

		if attempt < maxRetries-1 {
			backoff := backoffFor(attempt)
			logging.AuditWithArtifact("").RetryAttempt("", attempt+1, backoff.Milliseconds())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				p.Metrics.IncCancelled()
				return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{"validation cancelled during retry backoff"}, Err: fmt.Errorf("pipeline: %w", types.ErrCancelled)}
			}
		}
	}

	logging.AuditWithArtifact("").RetryAttempt("", maxRetries, 0)
	decision := decisionFromError(fmt.Errorf("pipeline: retries exhausted: %w", lastErr))
	p.recordDecision(decision)
	return decision
}

// recordDecision updates C7's accepted/rejected_by_reason/quarantined_by_reason
// counters and the score histogram for a completed Decision.
func (p *Pipeline) recordDecision(d types.Decision) {
	switch d.Outcome {
	case types.OutcomeAccept:
		p.Metrics.IncAccepted()
		if d.Artifact != nil {
			p.Metrics.ObserveScore(d.Artifact.SafetyScore)
			p.Metrics.ObserveInputSize(contentSize(d.Artifact.AbstractedContent))
		}
	case types.OutcomeQuarantine:
		reason := "score_in_quarantine_band"
		if d.Quarantine != nil && d.Quarantine.ReasonCode != "" {
			reason = d.Quarantine.ReasonCode
		}
		p.Metrics.IncQuarantined(reason)
	case types.OutcomeReject:
		reason := "score_below_quarantine"
		if len(d.Reasons) > 0 {
			reason = d.Reasons[0]
		}
		p.Metrics.IncRejected(reason)
	}
}

// backoffFor returns a bounded exponential backoff: 20ms, 40ms, 80ms, ...
// capped at 500ms.
func backoffFor(attempt int) time.Duration {
	base := 20 * time.Millisecond
	d := base << attempt
	if d > 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func decisionFromError(err error) types.Decision {
	switch {
	case errors.Is(err, types.ErrInputBounds):
		return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{err.Error()}, Err: err}
	case errors.Is(err, types.ErrResidualConcreteReference):
		return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{err.Error()}, Err: err}
	case errors.Is(err, types.ErrInvariantBreach):
		return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{err.Error()}, Err: err}
	default:
		return types.Decision{Outcome: types.OutcomeReject, Reasons: []string{err.Error()}, Err: err}
	}
}

// validateOnce runs the five C6 stages once, stage boundaries checked for
// cancellation, and returns either a final Decision or an error (retriable
// ErrTransientInfra, or a terminal one for decisionFromError to classify).
func (p *Pipeline) validateOnce(ctx context.Context, content types.Content) (types.Decision, error) {
	var result types.AbstractResult
	var breakdown types.ScoreBreakdown

	// Stage 1: Accept-gate.
	if err := p.runStage(ctx, "accept_gate", func(ctx context.Context) error {
		return p.acceptGate(content)
	}); err != nil {
		return types.Decision{}, err
	}

	if err := ctx.Err(); err != nil {
		return types.Decision{}, fmt.Errorf("pipeline: %w", types.ErrCancelled)
	}

	// Stage 2: Abstract.
	if err := p.runStage(ctx, "abstract", func(ctx context.Context) error {
		r, err := p.Engine.Abstract(ctx, content)
		result = r
		return err
	}); err != nil {
		return types.Decision{}, err
	}

	if err := ctx.Err(); err != nil {
		return types.Decision{}, fmt.Errorf("pipeline: %w", types.ErrCancelled)
	}

	// Stage 3: Validate — rescan + invariant checks (I2, I3, I4).
	if err := p.runStage(ctx, "validate", func(ctx context.Context) error {
		return p.validateInvariants(ctx, result)
	}); err != nil {
		return types.Decision{}, err
	}

	if err := ctx.Err(); err != nil {
		return types.Decision{}, fmt.Errorf("pipeline: %w", types.ErrCancelled)
	}

	// Stage 4: Score.
	if err := p.runStage(ctx, "score", func(ctx context.Context) error {
		b, err := p.Scorer.Score(ctx, result)
		breakdown = b
		return err
	}); err != nil {
		return types.Decision{}, err
	}

	// Stage 5: Decide.
	var decision types.Decision
	_ = p.runStage(ctx, "decide", func(ctx context.Context) error {
		decision = p.decide(result, breakdown)
		return nil
	})

	return decision, nil
}

// acceptGate enforces size/depth/encoding sanity bounds before any scan runs
// (spec §4.6 stage 1).
func (p *Pipeline) acceptGate(content types.Content) error {
	size := contentSize(content)
	if size == 0 {
		return &types.InputBoundsError{Bound: "min_input_bytes", Limit: 1, Observed: 0}
	}
	if p.Policy.MaxInputBytes > 0 && size > p.Policy.MaxInputBytes {
		return &types.InputBoundsError{Bound: "max_input_bytes", Limit: p.Policy.MaxInputBytes, Observed: size}
	}
	return nil
}

func contentSize(content types.Content) int {
	switch v := content.(type) {
	case string:
		return len(v)
	case map[string]interface{}:
		total := 0
		for _, child := range v {
			total += contentSize(child)
		}
		return total
	case []interface{}:
		total := 0
		for _, child := range v {
			total += contentSize(child)
		}
		return total
	default:
		return 0
	}
}

// validateInvariants re-runs the extractor over the abstracted content (I2:
// no enabled matcher should still fire) and checks every placeholder
// occurrence has a mapping entry (I3), reusing the same scan the Quality
// Scorer performs rather than inventing a second traversal.
func (p *Pipeline) validateInvariants(ctx context.Context, result types.AbstractResult) error {
	mask := extract.PlaceholderPattern(p.Policy.PlaceholderSyntax)
	_, residual, err := extract.Walk(ctx, p.Registry, result.AbstractedContent, p.Policy.MaxDepth, mask)
	if err != nil {
		return fmt.Errorf("pipeline: validate: %w", err)
	}
	if len(residual) > 0 {
		return fmt.Errorf("pipeline: validate: %w", types.ErrResidualConcreteReference)
	}
	return nil
}

// decide applies policy thresholds to breakdown (spec §4.6 stage 5),
// including the pattern-cleanliness hard gate's veto.
func (p *Pipeline) decide(result types.AbstractResult, breakdown types.ScoreBreakdown) types.Decision {
	now := func() time.Time { return timeNow() }

	for kind, count := range result.KindHistogram {
		for i := 0; i < count; i++ {
			p.Metrics.IncExtracted(kind)
		}
	}

	if breakdown.PatternCleanliness == 0 {
		reasons := append([]string{"hard gate: pattern cleanliness failed"}, breakdown.Reasons...)
		logging.AuditWithArtifact("").Decision(string(types.OutcomeReject), "", breakdown.Score, reasons)
		return types.Decision{Outcome: types.OutcomeReject, Reasons: reasons, Breakdown: breakdown}
	}

	artifact := types.Abstraction{
		AbstractedContent: result.AbstractedContent,
		ConcreteMapping:   result.ConcreteMapping,
		KindHistogram:     result.KindHistogram,
		SafetyScore:       breakdown.Score,
		ScoreBreakdown:    breakdown,
		CreatedAt:         now(),
		UpdatedAt:         now(),
	}

	switch {
	case breakdown.Score >= p.Policy.ThresholdAccept:
		artifact.ValidationStatus = types.StatusValidated
		logging.AuditWithArtifact("").Decision(string(types.OutcomeAccept), "", breakdown.Score, breakdown.Reasons)
		return types.Decision{Outcome: types.OutcomeAccept, Artifact: &artifact, Reasons: breakdown.Reasons, Breakdown: breakdown}

	case breakdown.Score >= p.Policy.ThresholdQuarantine:
		artifact.ValidationStatus = types.StatusQuarantined
		entry := types.QuarantineEntry{
			ReasonCode:    "score_below_accept",
			DetectedKinds: kindsFromHistogram(result.KindHistogram),
			FirstSeenAt:   now(),
		}
		logging.AuditWithArtifact("").Decision(string(types.OutcomeQuarantine), "", breakdown.Score, breakdown.Reasons)
		return types.Decision{Outcome: types.OutcomeQuarantine, Quarantine: &entry, Reasons: breakdown.Reasons, Breakdown: breakdown}

	default:
		logging.AuditWithArtifact("").Decision(string(types.OutcomeReject), "", breakdown.Score, breakdown.Reasons)
		return types.Decision{Outcome: types.OutcomeReject, Reasons: breakdown.Reasons, Breakdown: breakdown}
	}
}

func kindsFromHistogram(h types.KindHistogram) []types.ReferenceKind {
	kinds := make([]types.ReferenceKind, 0, len(h))
	for k := range h {
		kinds = append(kinds, k)
	}
	return kinds
}

// ValidateBatch runs Validate over every item concurrently, bounded by
// policy.MaxConcurrency via the Pipeline's semaphore, and returns decisions
// in the same order as items. One item's error does not cancel the others
// (errgroup.WithContext is deliberately not used for that reason — a failed
// item must not poison its siblings).
func (p *Pipeline) ValidateBatch(ctx context.Context, items []types.Content) []types.Decision {
	decisions := make([]types.Decision, len(items))
	var eg errgroup.Group
	for i, item := range items {
		i, item := i, item
		eg.Go(func() error {
			decisions[i] = p.Validate(ctx, item)
			return nil
		})
	}
	_ = eg.Wait()
	return decisions
}

// timeNow is isolated so it can be swapped in property tests; it is not a
// hook for production configuration.
var timeNow = time.Now
