package introspect_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/introspect"
)

// TestClaudeHarnessType mirrors test_harness_type_returns_claude.
func TestClaudeHarnessType(t *testing.T) {
	require.Equal(t, "claude", introspect.ClaudeHarness{}.HarnessType())
}

func TestClaudeIntrospectFindsProjectHooksAndClaudeMD(t *testing.T) {
	root := t.TempDir()
	claudeDir := filepath.Join(root, ".claude")
	hooksDir := filepath.Join(claudeDir, "hooks")
	require.NoError(t, os.MkdirAll(hooksDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hooksDir, "pre-commit.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(claudeDir, "settings.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "CLAUDE.md"), []byte("# notes"), 0o644))

	h := introspect.ClaudeHarness{}
	snap, err := h.Introspect(root)
	require.NoError(t, err)
	require.Equal(t, "claude", snap.HarnessType)
	require.NotNil(t, snap.Project)
	require.Contains(t, snap.Project.Hooks, "pre-commit.sh")
	require.Contains(t, snap.Project.ConfigFiles, filepath.Join(claudeDir, "settings.json"))
	require.Contains(t, snap.Project.ConfigFiles, filepath.Join(root, "CLAUDE.md"))
}

func TestClaudeIntrospectWithNoProjectRoot(t *testing.T) {
	h := introspect.ClaudeHarness{}
	snap, err := h.Introspect("")
	require.NoError(t, err)
	require.Nil(t, snap.Project)
}
