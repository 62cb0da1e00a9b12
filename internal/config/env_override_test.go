package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SAFEABSTRACT_THRESHOLD_ACCEPT", "0.95")
	t.Setenv("SAFEABSTRACT_MAX_INPUT_BYTES", "4096")
	t.Setenv("SAFEABSTRACT_DEBUG", "true")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 0.95, cfg.Policy.ThresholdAccept)
	assert.Equal(t, 4096, cfg.Policy.MaxInputBytes)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("SAFEABSTRACT_THRESHOLD_ACCEPT", "not-a-float")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	require.Equal(t, DefaultPolicy().ThresholdAccept, cfg.Policy.ThresholdAccept)
}
