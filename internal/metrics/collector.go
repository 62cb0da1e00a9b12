// Package metrics implements the Metrics Collector (C7): lock-free
// counters and histograms that every Validation Pipeline stage (C6)
// updates without blocking, safe under the concurrency model of spec.md §5.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"safeabstract/internal/types"
)

// Collector holds the counters/histograms spec.md §4.7 names at minimum:
// extracted_by_kind, rejected_by_reason, quarantined_by_reason, accepted,
// plus histograms for score/latency_per_stage/input_size and a policy_stale
// gauge.
type Collector struct {
	extractedByKind sync.Map // types.ReferenceKind -> *atomic.Uint64
	rejectedByReason sync.Map // string -> *atomic.Uint64
	quarantinedByReason sync.Map // string -> *atomic.Uint64
	accepted atomic.Uint64
	cancelled atomic.Uint64
	registryBugs atomic.Uint64

	scoreHist      *Histogram
	latencyHist    map[string]*Histogram
	latencyHistMu  sync.RWMutex
	inputSizeHist  *Histogram

	// policyStale mirrors the teacher's GlassBoxEventBus.enabled atomic.Bool
	// idiom: a single lock-free boolean gauge, set true whenever the Rule
	// Registry's in-flight policy snapshot is older than the latest reload.
	policyStale atomic.Bool
}

// New returns an empty Collector ready for concurrent use.
func New() *Collector {
	return &Collector{
		scoreHist:     NewHistogram([]float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}),
		inputSizeHist: NewHistogram([]float64{64, 256, 1024, 4096, 16384, 65536, 1 << 20}),
		latencyHist:   make(map[string]*Histogram),
	}
}

// IncExtracted records one candidate found for kind during C2.
func (c *Collector) IncExtracted(kind types.ReferenceKind) {
	counter, _ := c.extractedByKind.LoadOrStore(kind, new(atomic.Uint64))
	counter.(*atomic.Uint64).Add(1)
}

// IncRejected records one C6 reject decision under reason.
func (c *Collector) IncRejected(reason string) {
	counter, _ := c.rejectedByReason.LoadOrStore(reason, new(atomic.Uint64))
	counter.(*atomic.Uint64).Add(1)
}

// IncQuarantined records one C6 quarantine decision under reason.
func (c *Collector) IncQuarantined(reason string) {
	counter, _ := c.quarantinedByReason.LoadOrStore(reason, new(atomic.Uint64))
	counter.(*atomic.Uint64).Add(1)
}

// IncAccepted records one C6 accept decision.
func (c *Collector) IncAccepted() {
	c.accepted.Add(1)
}

// IncCancelled records one validation cancelled at a stage boundary
// (spec §5: "a cancelled validation produces no side effects except
// possibly a metrics increment for cancelled").
func (c *Collector) IncCancelled() {
	c.cancelled.Add(1)
}

// IncRegistryBug records one detector-registry ambiguity (spec.md §4.2
// step 3: "ties beyond that are a detector-registry bug and MUST be
// reported by C7").
func (c *Collector) IncRegistryBug() {
	c.registryBugs.Add(1)
}

// RegistryBugs returns the current registry-bug counter value.
func (c *Collector) RegistryBugs() uint64 {
	return c.registryBugs.Load()
}

// ObserveScore records a Quality Scorer composite score.
func (c *Collector) ObserveScore(score float64) {
	c.scoreHist.Observe(score)
}

// ObserveInputSize records an accepted input's byte size.
func (c *Collector) ObserveInputSize(bytes int) {
	c.inputSizeHist.Observe(float64(bytes))
}

// ObserveStageLatency records how long one C6 stage took, in milliseconds,
// bucketed per stage name.
func (c *Collector) ObserveStageLatency(stage string, ms float64) {
	c.latencyHistMu.RLock()
	h, ok := c.latencyHist[stage]
	c.latencyHistMu.RUnlock()
	if !ok {
		c.latencyHistMu.Lock()
		h, ok = c.latencyHist[stage]
		if !ok {
			h = NewHistogram([]float64{1, 5, 10, 25, 50, 100, 250, 500})
			c.latencyHist[stage] = h
		}
		c.latencyHistMu.Unlock()
	}
	h.Observe(ms)
}

// SetPolicyStale flips the policy_stale gauge.
func (c *Collector) SetPolicyStale(stale bool) {
	c.policyStale.Store(stale)
}

// PolicyStale reports the current policy_stale gauge value.
func (c *Collector) PolicyStale() bool {
	return c.policyStale.Load()
}

// Accepted returns the current accepted counter value.
func (c *Collector) Accepted() uint64 {
	return c.accepted.Load()
}

// Cancelled returns the current cancelled counter value.
func (c *Collector) Cancelled() uint64 {
	return c.cancelled.Load()
}

// ExtractedByKind returns a point-in-time snapshot of the per-kind counter.
func (c *Collector) ExtractedByKind() map[types.ReferenceKind]uint64 {
	out := make(map[types.ReferenceKind]uint64)
	c.extractedByKind.Range(func(k, v interface{}) bool {
		out[k.(types.ReferenceKind)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// RejectedByReason returns a point-in-time snapshot of the reject-reason
// counters.
func (c *Collector) RejectedByReason() map[string]uint64 {
	return snapshotStringCounters(&c.rejectedByReason)
}

// QuarantinedByReason returns a point-in-time snapshot of the
// quarantine-reason counters.
func (c *Collector) QuarantinedByReason() map[string]uint64 {
	return snapshotStringCounters(&c.quarantinedByReason)
}

func snapshotStringCounters(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// ScoreHistogram returns a snapshot of the score histogram's bucket counts.
func (c *Collector) ScoreHistogram() []BucketCount {
	return c.scoreHist.Snapshot()
}

// InputSizeHistogram returns a snapshot of the input-size histogram's
// bucket counts.
func (c *Collector) InputSizeHistogram() []BucketCount {
	return c.inputSizeHist.Snapshot()
}

// StageLatencyHistogram returns a snapshot of one stage's latency
// histogram, or nil if no observation has been recorded for that stage.
func (c *Collector) StageLatencyHistogram(stage string) []BucketCount {
	c.latencyHistMu.RLock()
	h, ok := c.latencyHist[stage]
	c.latencyHistMu.RUnlock()
	if !ok {
		return nil
	}
	return h.Snapshot()
}

// Histogram is a lock-free, fixed-bucket cumulative histogram: each bucket
// boundary gets its own atomic counter, incremented for every observation
// less than or equal to that boundary (plus one unbounded overflow
// bucket), mirroring the atomic-counter idiom of the teacher's
// GlassBoxEventBus sequence/enabled fields scaled from one counter to a
// fixed array of them.
type Histogram struct {
	bounds   []float64
	counts   []atomic.Uint64
	overflow atomic.Uint64
}

// NewHistogram builds a Histogram with the given ascending bucket
// boundaries.
func NewHistogram(bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		bounds: sorted,
		counts: make([]atomic.Uint64, len(sorted)),
	}
}

// Observe records one value, incrementing the first bucket whose boundary
// is >= value, or the overflow bucket if value exceeds every boundary.
func (h *Histogram) Observe(value float64) {
	for i, b := range h.bounds {
		if value <= b {
			h.counts[i].Add(1)
			return
		}
	}
	h.overflow.Add(1)
}

// BucketCount is one bucket boundary's observation count in a Histogram
// snapshot.
type BucketCount struct {
	UpperBound float64 // +Inf for the overflow bucket
	Count      uint64
}

// Snapshot returns a point-in-time copy of every bucket's count.
func (h *Histogram) Snapshot() []BucketCount {
	out := make([]BucketCount, 0, len(h.bounds)+1)
	for i, b := range h.bounds {
		out = append(out, BucketCount{UpperBound: b, Count: h.counts[i].Load()})
	}
	out = append(out, BucketCount{UpperBound: math.Inf(1), Count: h.overflow.Load()})
	return out
}
