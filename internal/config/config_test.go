package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.80, cfg.Policy.ThresholdAccept)
	assert.Equal(t, 0.60, cfg.Policy.ThresholdQuarantine)
	assert.ElementsMatch(t, ValidKinds, cfg.Policy.EnabledKinds)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Policy.ThresholdAccept, cfg.Policy.ThresholdAccept)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.ThresholdAccept = 0.9
	cfg.Policy.MaxInputBytes = 2048

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, loaded.Policy.ThresholdAccept)
	assert.Equal(t, 2048, loaded.Policy.MaxInputBytes)
}

func TestLoadRejectsUnparsableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
