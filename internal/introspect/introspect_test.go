package introspect_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/introspect"
)

// mockHarness mirrors watcher.rs's MockHarness test double: it counts
// introspection calls and reports a fixed config path layout.
type mockHarness struct {
	projectDir string
	count      atomic.Int64
}

func (h *mockHarness) HarnessType() string { return "mock" }
func (h *mockHarness) Version() string     { return "1.0.0" }

func (h *mockHarness) ConfigPaths(projectRoot string) (introspect.ConfigPaths, error) {
	paths := introspect.ConfigPaths{User: "/tmp/mock-harness-user"}
	if projectRoot != "" {
		paths.Project = filepath.Join(projectRoot, ".mock")
	}
	return paths, nil
}

func (h *mockHarness) Introspect(string) (introspect.Snapshot, error) {
	h.count.Add(1)
	return introspect.Snapshot{
		HarnessType: "mock",
		Version:     "1.0.0",
	}, nil
}

// TestWatcherPerformsInitialIntrospection mirrors
// test_watcher_performs_initial_introspection.
func TestWatcherPerformsInitialIntrospection(t *testing.T) {
	h := &mockHarness{}
	w, err := introspect.New(h, "", 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 1, h.count.Load())

	caps := w.Capabilities()
	require.Equal(t, "mock", caps.HarnessType)
	require.Equal(t, "1.0.0", caps.Version)
}

// TestWatcherRefreshReIntrospects mirrors test_watcher_refresh_re_introspects.
func TestWatcherRefreshReIntrospects(t *testing.T) {
	h := &mockHarness{}
	w, err := introspect.New(h, "", 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 1, h.count.Load())

	require.NoError(t, w.Refresh())

	require.EqualValues(t, 2, h.count.Load())
}

// TestWatcherWithProjectRoot mirrors test_watcher_with_project_root.
func TestWatcherWithProjectRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".mock"), 0o755))

	h := &mockHarness{projectDir: dir}
	w, err := introspect.New(h, dir, 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 1, h.count.Load())
	require.Equal(t, "mock", w.Capabilities().HarnessType)
}

// TestWatcherCoalescesBurstIntoSingleRefresh exercises the debounce
// contract directly: a burst of several filesystem events within the
// debounce window must trigger exactly one re-introspection, not one
// per event.
func TestWatcherCoalescesBurstIntoSingleRefresh(t *testing.T) {
	dir := t.TempDir()
	projectCfg := filepath.Join(dir, ".mock")
	require.NoError(t, os.MkdirAll(projectCfg, 0o755))

	h := &mockHarness{}
	w, err := introspect.New(h, dir, 150*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 1, h.count.Load())

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(projectCfg, "f.txt"), []byte("x"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return h.count.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSnapshotRoundTripsThroughYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	snap := introspect.Snapshot{
		HarnessType: "mock",
		Version:     "1.0.0",
		User: introspect.ScopedCapabilities{
			Hooks:       []string{"pre-commit", "post-tool-use"},
			ConfigFiles: []string{"~/.mock/config.yaml"},
		},
	}
	require.NoError(t, introspect.WriteSnapshot(path, snap))

	got, err := introspect.ReadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, snap, got)
}
