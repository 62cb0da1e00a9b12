package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"safeabstract/internal/types"
)

func TestCollectorCountersConcurrentSafe(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncAccepted()
			c.IncExtracted(types.KindEmail)
			c.IncRejected("score_below_quarantine")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, c.Accepted())
	assert.EqualValues(t, 100, c.ExtractedByKind()[types.KindEmail])
	assert.EqualValues(t, 100, c.RejectedByReason()["score_below_quarantine"])
}

func TestHistogramBucketsObservations(t *testing.T) {
	h := NewHistogram([]float64{0.2, 0.5, 1.0})
	h.Observe(0.1)
	h.Observe(0.4)
	h.Observe(0.9)
	h.Observe(5.0)

	snap := h.Snapshot()
	assert.Len(t, snap, 4)
	assert.EqualValues(t, 1, snap[0].Count) // <= 0.2
	assert.EqualValues(t, 1, snap[1].Count) // <= 0.5
	assert.EqualValues(t, 1, snap[2].Count) // <= 1.0
	assert.EqualValues(t, 1, snap[3].Count) // overflow
}

func TestRegistryBugCounter(t *testing.T) {
	c := New()
	assert.EqualValues(t, 0, c.RegistryBugs())
	c.IncRegistryBug()
	c.IncRegistryBug()
	assert.EqualValues(t, 2, c.RegistryBugs())
}

func TestPolicyStaleGauge(t *testing.T) {
	c := New()
	assert.False(t, c.PolicyStale())
	c.SetPolicyStale(true)
	assert.True(t, c.PolicyStale())
}
