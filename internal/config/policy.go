package config

import (
	"fmt"
	"math"
	"time"

	"safeabstract/internal/types"
)

// DimensionWeights overrides the six Quality Scorer weights of spec §4.5.
// They must sum to 1 ± epsilon.
type DimensionWeights struct {
	Coverage           float64 `yaml:"coverage" json:"coverage"`
	Consistency        float64 `yaml:"consistency" json:"consistency"`
	Density            float64 `yaml:"density" json:"density"`
	EntropyResidue     float64 `yaml:"entropy_residue" json:"entropy_residue"`
	PatternCleanliness float64 `yaml:"pattern_cleanliness" json:"pattern_cleanliness"`
	ContextCleanliness float64 `yaml:"context_cleanliness" json:"context_cleanliness"`
}

// Sum adds up the six weights.
func (w DimensionWeights) Sum() float64 {
	return w.Coverage + w.Consistency + w.Density + w.EntropyResidue +
		w.PatternCleanliness + w.ContextCleanliness
}

const weightEpsilon = 1e-6

// DefaultDimensionWeights are the weights spec §4.5 names explicitly.
func DefaultDimensionWeights() DimensionWeights {
	return DimensionWeights{
		Coverage:           0.30,
		Consistency:        0.15,
		Density:            0.10,
		EntropyResidue:     0.15,
		PatternCleanliness: 0.20,
		ContextCleanliness: 0.10,
	}
}

// StageTimeouts gives each of the five Validation Pipeline stages (spec
// §4.6) a deadline in milliseconds; exceeding one is a TransientInfra error
// for retry purposes (spec §5).
type StageTimeouts struct {
	AcceptGateMS int `yaml:"accept_gate_ms" json:"accept_gate_ms"`
	AbstractMS   int `yaml:"abstract_ms" json:"abstract_ms"`
	ValidateMS   int `yaml:"validate_ms" json:"validate_ms"`
	ScoreMS      int `yaml:"score_ms" json:"score_ms"`
	DecideMS     int `yaml:"decide_ms" json:"decide_ms"`
}

// DefaultStageTimeouts matches spec §5's "defaults: 1-4 50ms; 5 negligible".
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{
		AcceptGateMS: 50,
		AbstractMS:   50,
		ValidateMS:   50,
		ScoreMS:      50,
		DecideMS:     5,
	}
}

// Policy is the C9 Policy/Config contract (spec §6.3): every option the
// Validation Pipeline, Abstraction Engine and Quality Scorer consult.
type Policy struct {
	ThresholdAccept     float64 `yaml:"threshold_accept" json:"threshold_accept"`
	ThresholdQuarantine float64 `yaml:"threshold_quarantine" json:"threshold_quarantine"`

	MaxInputBytes int `yaml:"max_input_bytes" json:"max_input_bytes"`
	MaxDepth      int `yaml:"max_depth" json:"max_depth"`
	MaxPasses     int `yaml:"max_passes" json:"max_passes"`

	PlaceholderSyntax string                `yaml:"placeholder_syntax" json:"placeholder_syntax"`
	NamedPlaceholders bool                  `yaml:"named_placeholders" json:"named_placeholders"`
	EnabledKinds      []types.ReferenceKind `yaml:"enabled_kinds" json:"enabled_kinds"`

	DimensionWeights DimensionWeights `yaml:"dimension_weights" json:"dimension_weights"`
	StageTimeoutsMS  StageTimeouts    `yaml:"stage_timeouts_ms" json:"stage_timeouts_ms"`
	MaxRetries       int              `yaml:"max_retries" json:"max_retries"`

	// AllowDanglingPlaceholders resolves the I3 open question (spec §9):
	// when true, placeholders whose name is in TemplatePlaceholderNames are
	// exempt from the "every placeholder has a mapping entry" check.
	AllowDanglingPlaceholders bool     `yaml:"allow_dangling_placeholders" json:"allow_dangling_placeholders"`
	TemplatePlaceholderNames  []string `yaml:"template_placeholder_names" json:"template_placeholder_names"`

	// ContextWindow is the number of runes on either side of a residual
	// literal-looking run that the Context cleanliness dimension searches
	// for a sensitive keyword (spec §4.5, supplemented per SPEC_FULL.md §4).
	ContextWindow int `yaml:"context_window" json:"context_window"`

	// MaxConcurrency bounds how many artifacts' C2-C5 stages run at once
	// (spec §5), sized into a golang.org/x/sync/semaphore.Weighted by
	// internal/pipeline.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// DefaultPolicy returns the spec's named defaults.
func DefaultPolicy() Policy {
	return Policy{
		ThresholdAccept:     0.80,
		ThresholdQuarantine: 0.60,

		MaxInputBytes: 1 << 20, // 1 MiB
		MaxDepth:      32,
		MaxPasses:     3,

		PlaceholderSyntax: "<{kind}>",
		NamedPlaceholders: false,
		EnabledKinds:      append([]types.ReferenceKind(nil), types.AllKinds...),

		DimensionWeights: DefaultDimensionWeights(),
		StageTimeoutsMS:  DefaultStageTimeouts(),
		MaxRetries:       3,

		AllowDanglingPlaceholders: false,
		TemplatePlaceholderNames:  nil,

		ContextWindow: 40,

		MaxConcurrency: 8,
	}
}

// IsKindEnabled reports whether k is in EnabledKinds.
func (p Policy) IsKindEnabled(k types.ReferenceKind) bool {
	for _, enabled := range p.EnabledKinds {
		if enabled == k {
			return true
		}
	}
	return false
}

// IsTemplatePlaceholder reports whether name is on the dangling-placeholder
// allow-list.
func (p Policy) IsTemplatePlaceholder(name string) bool {
	for _, allowed := range p.TemplatePlaceholderNames {
		if allowed == name {
			return true
		}
	}
	return false
}

func (p Policy) stageTimeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// StageTimeout returns the deadline for a named stage ("accept_gate",
// "abstract", "validate", "score", "decide").
func (p Policy) StageTimeout(stage string) time.Duration {
	switch stage {
	case "accept_gate":
		return p.stageTimeout(p.StageTimeoutsMS.AcceptGateMS)
	case "abstract":
		return p.stageTimeout(p.StageTimeoutsMS.AbstractMS)
	case "validate":
		return p.stageTimeout(p.StageTimeoutsMS.ValidateMS)
	case "score":
		return p.stageTimeout(p.StageTimeoutsMS.ScoreMS)
	case "decide":
		return p.stageTimeout(p.StageTimeoutsMS.DecideMS)
	default:
		return 50 * time.Millisecond
	}
}

// Validate checks the Policy for internal consistency, matching the
// teacher's Validate()-returns-error idiom.
func (p Policy) Validate() error {
	if p.ThresholdAccept < 0 || p.ThresholdAccept > 1 {
		return fmt.Errorf("threshold_accept must be in [0,1], got %v", p.ThresholdAccept)
	}
	if p.ThresholdQuarantine < 0 || p.ThresholdQuarantine > 1 {
		return fmt.Errorf("threshold_quarantine must be in [0,1], got %v", p.ThresholdQuarantine)
	}
	if p.ThresholdQuarantine > p.ThresholdAccept {
		return fmt.Errorf("threshold_quarantine (%v) must be <= threshold_accept (%v)", p.ThresholdQuarantine, p.ThresholdAccept)
	}
	if p.MaxInputBytes <= 0 {
		return fmt.Errorf("max_input_bytes must be > 0")
	}
	if p.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be > 0")
	}
	if p.MaxPasses <= 0 {
		return fmt.Errorf("max_passes must be > 0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0")
	}
	for _, k := range p.EnabledKinds {
		if !k.Known() {
			return fmt.Errorf("enabled_kinds: unknown reference kind %q", k)
		}
	}
	if sum := p.DimensionWeights.Sum(); math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("dimension_weights must sum to 1 (+/- %v), got %v", weightEpsilon, sum)
	}
	return nil
}
