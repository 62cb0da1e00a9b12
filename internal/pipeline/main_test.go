package pipeline

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no stage goroutine outlives its validation: runStage's
// worker must always deliver to its buffered channel and exit, even when a
// Decision has already been returned.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
