// Package safeguard is the public callable contract (spec.md §6.1): a
// thin shim composing the internal Rule Registry, Validation Pipeline and
// Store Contract so external callers never need to import
// safeabstract/internal/... directly, mirroring the teacher's
// pkg/mangle/mangle.go "public shim over an internal package" shape.
package safeguard

import (
	"context"
	"fmt"
	"sync/atomic"

	"safeabstract/internal/config"
	"safeabstract/internal/logging"
	"safeabstract/internal/metrics"
	"safeabstract/internal/pipeline"
	"safeabstract/internal/rules"
	"safeabstract/internal/store"
	"safeabstract/internal/types"
)

// Re-exported types so callers only ever import this one package.
type (
	Decision        = types.Decision
	Outcome         = types.Outcome
	Content         = types.Content
	Abstraction     = types.Abstraction
	QuarantineEntry = types.QuarantineEntry
	Policy          = config.Policy
	ReferenceKind   = types.ReferenceKind
)

const (
	OutcomeAccept     = types.OutcomeAccept
	OutcomeQuarantine = types.OutcomeQuarantine
	OutcomeReject     = types.OutcomeReject
)

// DefaultPolicy returns the spec.md §6.3 defaults.
func DefaultPolicy() Policy {
	return config.DefaultPolicy()
}

// Service is the abstraction service contract of spec.md §6.1: validate(input,
// policy?) -> Decision. A Service is safe for concurrent use by multiple
// callers (spec.md §5's "multiple independent validation pipelines may run
// concurrently").
type Service struct {
	pipeline atomic.Pointer[pipeline.Pipeline]
	store    *store.Store
	policy   atomic.Pointer[config.Policy]
	watcher  *config.Watcher
	registry *rules.Registry
}

// Policy returns the Service's current live Policy snapshot. Safe to call
// concurrently with an in-flight policy-file reload.
func (s *Service) Policy() config.Policy {
	return *s.policy.Load()
}

// Option configures a Service at construction time.
type Option func(*serviceConfig)

type serviceConfig struct {
	policy      *config.Policy
	registry    *rules.Registry
	storagePath string
	policyFile  string
}

// WithPolicy overrides the default Policy.
func WithPolicy(p config.Policy) Option {
	return func(c *serviceConfig) { c.policy = &p }
}

// WithRegistry overrides the default builtin Rule Registry.
func WithRegistry(r *rules.Registry) Option {
	return func(c *serviceConfig) { c.registry = r }
}

// WithStorage enables persistence: accepted artifacts and quarantine
// entries are written to a SQLite database at path (spec.md §6.2's Store
// Contract). Without this option, New returns a Service that validates but
// never persists, useful for the stateless call pattern spec.md §6.1
// describes ("the call is synchronous from the caller's perspective").
func WithStorage(path string) Option {
	return func(c *serviceConfig) { c.storagePath = path }
}

// WithPolicyFile enables spec.md §5's live policy hot-reload: the Service
// watches path via internal/config.Watcher and atomically swaps in any
// validated Policy change. When WithStorage is also given, a changed
// ThresholdAccept is pushed into the store's S1 trigger on every reload.
func WithPolicyFile(path string) Option {
	return func(c *serviceConfig) { c.policyFile = path }
}

// New builds a Service. If WithStorage is not given, decisions are
// computed but never persisted; callers wanting S1-S6 enforcement must
// supply a storage path.
func New(opts ...Option) (*Service, error) {
	cfg := serviceConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil {
		p := config.DefaultPolicy()
		cfg.policy = &p
	}
	if err := cfg.policy.Validate(); err != nil {
		return nil, fmt.Errorf("safeguard: invalid policy: %w", err)
	}
	if cfg.registry == nil {
		cfg.registry = rules.DefaultRegistry()
	}

	svc := &Service{
		registry: cfg.registry,
	}
	svc.policy.Store(cfg.policy)
	svc.pipeline.Store(pipeline.New(cfg.registry, cfg.policy))

	if err := cfg.registry.Validate(); err != nil {
		svc.Metrics().IncRegistryBug()
		return nil, fmt.Errorf("safeguard: invalid rule registry: %w", err)
	}

	if cfg.storagePath != "" {
		st, err := store.Open(cfg.storagePath, cfg.registry, cfg.policy)
		if err != nil {
			return nil, fmt.Errorf("safeguard: open store: %w", err)
		}
		svc.store = st
	}

	if cfg.policyFile != "" {
		w := config.NewWatcher(*cfg.policy)
		w.OnReload(func(p *config.Policy) {
			svc.policy.Store(p)
			newPipeline := pipeline.New(svc.registry, p)
			if old := svc.pipeline.Load(); old != nil {
				// Carry the Metrics Collector across the swap: a reload
				// changes policy, not the C7 counters accumulated so far.
				newPipeline.Metrics = old.Metrics
			}
			svc.pipeline.Store(newPipeline)
			if svc.store != nil {
				if err := svc.store.SetThresholdAccept(p.ThresholdAccept); err != nil {
					logging.PolicyError("failed to push reloaded threshold_accept into store: %v", err)
				}
			}
		})
		w.OnStale(func(stale bool) {
			svc.pipeline.Load().Metrics.SetPolicyStale(stale)
		})
		if err := w.Watch(cfg.policyFile); err != nil {
			if svc.store != nil {
				svc.store.Close()
			}
			return nil, fmt.Errorf("safeguard: watch policy file: %w", err)
		}
		svc.watcher = w
	}

	logging.Boot("safeguard service ready: threshold_accept=%.2f threshold_quarantine=%.2f persisted=%v",
		cfg.policy.ThresholdAccept, cfg.policy.ThresholdQuarantine, svc.store != nil)
	return svc, nil
}

// Close releases the Service's backing store and policy watcher, if any.
func (s *Service) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Validate runs input through the five-stage Validation Pipeline (C6) and,
// when storage is configured, persists accept/quarantine outcomes per the
// Store Contract (spec.md §6.1/§6.2). A persistence failure downgrades an
// accept decision to a reject, since spec.md §5 forbids partial
// persistence and the caller must never see an Accept whose artifact did
// not actually make it into the store.
func (s *Service) Validate(ctx context.Context, input Content) Decision {
	decision := s.pipeline.Load().Validate(ctx, input)
	if s.store == nil {
		return decision
	}

	switch decision.Outcome {
	case types.OutcomeAccept:
		if decision.Artifact == nil {
			return decision
		}
		if err := s.store.Insert(ctx, decision.Artifact, input); err != nil {
			return types.Decision{
				Outcome: types.OutcomeReject,
				Reasons: []string{fmt.Sprintf("store insert failed: %v", err)},
				Err:     err,
			}
		}
	case types.OutcomeQuarantine:
		if decision.Quarantine == nil {
			return decision
		}
		if err := s.store.InsertQuarantine(ctx, decision.Quarantine, input, decision.Breakdown); err != nil {
			logging.StoreError("failed to persist quarantine entry: %v", err)
		}
	case types.OutcomeReject:
		// The audit log sees every outcome (S4), rejects included, even
		// though nothing else about a rejected input is persisted.
		if err := s.store.AppendAudit(ctx, types.OutcomeReject, input, decision.Breakdown); err != nil {
			logging.StoreError("failed to audit reject decision: %v", err)
		}
	}
	return decision
}

// ValidateBatch runs Validate over every item concurrently (bounded by
// policy.MaxConcurrency) and returns decisions in the same order as items.
func (s *Service) ValidateBatch(ctx context.Context, items []Content) []Decision {
	if s.store == nil {
		return s.pipeline.Load().ValidateBatch(ctx, items)
	}
	// Storage requires per-item persistence bookkeeping Validate performs,
	// so batch mode fans out over Validate itself rather than the raw
	// pipeline, at the cost of one extra goroutine layer.
	decisions := make([]Decision, len(items))
	done := make(chan int, len(items))
	for i, item := range items {
		i, item := i, item
		go func() {
			decisions[i] = s.Validate(ctx, item)
			done <- i
		}()
	}
	for range items {
		<-done
	}
	return decisions
}

// ReadAbstraction fetches a previously accepted artifact with its mapping
// stripped (spec.md §3's read-only downstream consumer shape).
func (s *Service) ReadAbstraction(ctx context.Context, id string) (*Abstraction, error) {
	if s.store == nil {
		return nil, fmt.Errorf("safeguard: no storage configured")
	}
	return s.store.ReadAbstraction(ctx, id)
}

// ReadMapping is the privileged reversal-key read path (S6); callers MUST
// be authorized out of band before passing privileged=true.
func (s *Service) ReadMapping(ctx context.Context, id string, privileged bool) (map[string]string, error) {
	if s.store == nil {
		return nil, fmt.Errorf("safeguard: no storage configured")
	}
	return s.store.ReadMapping(ctx, id, privileged)
}

// ListQuarantine returns every quarantined entry awaiting out-of-band
// review.
func (s *Service) ListQuarantine(ctx context.Context) ([]QuarantineEntry, error) {
	if s.store == nil {
		return nil, fmt.Errorf("safeguard: no storage configured")
	}
	return s.store.ListQuarantine(ctx)
}

// Metrics exposes the Service's Metrics Collector (C7) for callers that
// want to scrape counters/histograms directly.
func (s *Service) Metrics() *metrics.Collector {
	return s.pipeline.Load().Metrics
}
