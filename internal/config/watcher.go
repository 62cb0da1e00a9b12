package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"safeabstract/internal/logging"
)

// Watcher holds the live, atomically-swappable Policy pointer spec §5
// requires: "reloads are atomic swaps — in-flight validations complete
// against the snapshot they started with." Callers capture *Policy once at
// the start of a validation (via Current) and keep using that pointer even
// if Watcher swaps in a new one mid-flight.
type Watcher struct {
	current  atomic.Pointer[Policy]
	watcher  *fsnotify.Watcher
	path     string
	stale    atomic.Bool
	onReload func(*Policy)
	onStale  func(bool)
}

// NewWatcher creates a Watcher seeded with an initial policy. Call Watch to
// start observing path for changes.
func NewWatcher(initial Policy) *Watcher {
	w := &Watcher{}
	w.current.Store(&initial)
	return w
}

// OnReload registers a callback invoked with the new Policy snapshot every
// time a reload successfully swaps one in. Callers such as
// safeabstract/pkg/safeguard use this to push a changed ThresholdAccept
// into internal/store's S1 trigger without internal/config importing
// internal/store directly.
func (w *Watcher) OnReload(fn func(*Policy)) {
	w.onReload = fn
}

// OnStale registers a callback invoked whenever the stale flag changes,
// used to drive the policy_stale metrics gauge (C7) without this package
// importing internal/metrics.
func (w *Watcher) OnStale(fn func(bool)) {
	w.onStale = fn
}

func (w *Watcher) setStale(stale bool) {
	w.stale.Store(stale)
	if w.onStale != nil {
		w.onStale(stale)
	}
}

// Current returns the Policy snapshot in effect right now.
func (w *Watcher) Current() *Policy {
	return w.current.Load()
}

// Stale reports whether the last reload attempt failed, leaving the
// previous snapshot in effect (surfaced as the policy_stale gauge, C7).
func (w *Watcher) Stale() bool {
	return w.stale.Load()
}

// Watch starts an fsnotify watch on the config file at path; on write
// events it reloads, validates, and atomically swaps in the new Policy. A
// failed reload leaves the previous snapshot active and sets Stale.
func (w *Watcher) Watch(path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return fmt.Errorf("policy watcher: watch %s: %w", path, err)
	}
	w.watcher = fw
	w.path = path

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PolicyError("policy watcher error: %v", err)
			w.setStale(true)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.PolicyError("policy reload failed, keeping stale snapshot: %v", err)
		w.setStale(true)
		return
	}
	if err := cfg.Policy.Validate(); err != nil {
		logging.PolicyError("policy reload produced an invalid policy, keeping stale snapshot: %v", err)
		w.setStale(true)
		return
	}
	policy := cfg.Policy
	w.current.Store(&policy)
	w.setStale(false)
	logging.Policy("policy reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(&policy)
	}
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
