// Package introspect implements C9: deriving a snapshot of what is
// configurable on disk for a host tool (hooks, injection targets,
// config files) across system/user/project scopes, and keeping that
// snapshot current via a debounced filesystem watch.
//
// Grounded on original_source/vibes-introspection/src/watcher.rs for
// the CapabilityWatcher shape and its debounce discipline: wait for
// the first event, then drain further events with a reset timeout,
// and only re-introspect once the drain goes quiet. fsnotify/fsnotify
// is the Go ecosystem's analogue of the Rust `notify` crate the
// original uses; the teacher (tarsy) has no filesystem-watch concern
// of its own (see DESIGN.md).
package introspect

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ConfigPaths locates the on-disk config surfaces for one harness
// across its three scopes. System and project may be absent
// (zero-value path means "not applicable").
type ConfigPaths struct {
	System  string
	User    string
	Project string
}

// ScopedCapabilities is what was found within a single scope: the set
// of hook names and injection targets discovered there.
type ScopedCapabilities struct {
	Hooks            []string `yaml:"hooks,omitempty"`
	InjectionTargets []string `yaml:"injection_targets,omitempty"`
	ConfigFiles      []string `yaml:"config_files,omitempty"`
}

// Snapshot is the hierarchical capability set for one harness,
// mirroring watcher.rs's HarnessCapabilities.
type Snapshot struct {
	HarnessType string              `yaml:"harness_type"`
	Version     string              `yaml:"version,omitempty"`
	System      *ScopedCapabilities `yaml:"system,omitempty"`
	User        ScopedCapabilities  `yaml:"user"`
	Project     *ScopedCapabilities `yaml:"project,omitempty"`
}

// Harness is the host tool being introspected. Implementations know
// their own on-disk layout; introspect.Watcher only drives timing.
type Harness interface {
	HarnessType() string
	Version() string
	ConfigPaths(projectRoot string) (ConfigPaths, error)
	Introspect(projectRoot string) (Snapshot, error)
}

// Watcher continuously observes a harness's config surfaces and keeps
// the most recent Snapshot available, re-deriving it only after a
// quiet period following the last filesystem event.
type Watcher struct {
	harness     Harness
	projectRoot string
	debounce    time.Duration

	mu   sync.RWMutex
	caps Snapshot

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// New performs an initial synchronous introspection, starts the
// filesystem watch on every scope path that exists, and launches the
// debounce loop — matching CapabilityWatcher::new's "introspect once
// during construction, then watch" contract.
func New(harness Harness, projectRoot string, debounce time.Duration) (*Watcher, error) {
	caps, err := harness.Introspect(projectRoot)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	paths, err := harness.ConfigPaths(projectRoot)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, p := range []string{paths.System, paths.User, paths.Project} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = fsw.Add(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		harness:     harness,
		projectRoot: projectRoot,
		debounce:    debounce,
		caps:        caps,
		fsw:         fsw,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go w.debounceLoop(ctx)

	return w, nil
}

// Capabilities returns the most recently derived snapshot.
func (w *Watcher) Capabilities() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.caps
}

// Refresh forces an immediate re-introspection, bypassing the
// debounce timer — matching watcher.rs's CapabilityWatcher::refresh,
// used by tests and by explicit "rescan now" requests.
func (w *Watcher) Refresh() error {
	caps, err := w.harness.Introspect(w.projectRoot)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.caps = caps
	w.mu.Unlock()
	return nil
}

// Close stops the watch loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return w.fsw.Close()
}

// debounceLoop implements the quiet-period coalescing contract: wait
// for the first event, then keep draining further events — each one
// resetting the timer — until debounce elapses with no new event,
// then re-introspect exactly once for the whole burst. Grounded on
// watcher.rs's debounce_loop (wait for first event, drain-with-
// timeout, re-introspect on quiet period).
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			_ = err
			continue
		}

		w.drainUntilQuiet(ctx)

		if err := w.Refresh(); err != nil {
			// Best-effort: the previous snapshot remains in place.
			continue
		}
	}
}

func (w *Watcher) drainUntilQuiet(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
		case <-w.fsw.Errors:
			continue
		case <-timer.C:
			return
		}
	}
}

// WriteSnapshot persists a Snapshot as YAML, the on-disk format
// SPEC_FULL.md names for C9's capability cache.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a previously written YAML snapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
