package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	w := NewWatcher(cfg.Policy)
	require.NoError(t, w.Watch(path))
	defer w.Close()

	reloaded := make(chan *Policy, 1)
	w.OnReload(func(p *Policy) { reloaded <- p })

	cfg.Policy.ThresholdAccept = 0.95
	require.NoError(t, cfg.Save(path))

	select {
	case p := <-reloaded:
		assert.Equal(t, 0.95, p.ThresholdAccept)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for policy reload")
	}
	assert.Equal(t, 0.95, w.Current().ThresholdAccept)
	assert.False(t, w.Stale())
}

func TestWatcherKeepsStaleSnapshotOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	w := NewWatcher(cfg.Policy)
	require.NoError(t, w.Watch(path))
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("not: [valid yaml"), 0o644))

	require.Eventually(t, func() bool { return w.Stale() }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, cfg.Policy.ThresholdAccept, w.Current().ThresholdAccept)
}
