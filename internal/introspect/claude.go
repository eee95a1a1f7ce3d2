package introspect

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ClaudeHarness introspects Claude Code's on-disk config surfaces:
// ~/.claude (user scope) and <project>/.claude plus a project-root
// CLAUDE.md (project scope). Grounded on
// original_source/vibes-introspection/src/claude_code/harness.rs's
// ClaudeCodeHarness (config_paths/introspect/version flow); the
// original's separate detection.rs scope-detector is not in the
// filtered original_source set, so detectScope below is written from
// scratch in the same spirit — hooks directory entries,
// settings.json/settings.local.json as injection targets, and a
// project-scope CLAUDE.md as a config file.
type ClaudeHarness struct{}

func (ClaudeHarness) HarnessType() string { return "claude" }

// Version shells out to `claude --version`, mirroring the original's
// Command::new("claude").arg("--version") probe. A missing binary or
// non-zero exit is not an error; it just means "unknown version".
func (ClaudeHarness) Version() string {
	out, err := exec.Command("claude", "--version").Output()
	if err != nil {
		return ""
	}
	v := strings.TrimSpace(string(out))
	for _, prefix := range []string{"claude version ", "claude-code ", "claude "} {
		if rest, ok := strings.CutPrefix(v, prefix); ok {
			return rest
		}
	}
	return v
}

func (ClaudeHarness) ConfigPaths(projectRoot string) (ConfigPaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return ConfigPaths{}, err
	}
	paths := ConfigPaths{User: filepath.Join(home, ".claude")}
	if projectRoot != "" {
		paths.Project = filepath.Join(projectRoot, ".claude")
	}
	return paths, nil
}

func (h ClaudeHarness) Introspect(projectRoot string) (Snapshot, error) {
	paths, err := h.ConfigPaths(projectRoot)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		HarnessType: h.HarnessType(),
		Version:     h.Version(),
		User:        detectScope(paths.User),
	}

	if paths.Project != "" {
		project := detectScope(paths.Project)

		// CLAUDE.md lives beside .claude, not inside it.
		if md := filepath.Join(filepath.Dir(paths.Project), "CLAUDE.md"); fileExists(md) {
			project.ConfigFiles = appendUnique(project.ConfigFiles, md)
		}
		snap.Project = &project
	}

	return snap, nil
}

// detectScope lists hook scripts and known config files found under
// scopeDir, mirroring the shape (not the exact heuristics) of the
// original's detect_scope/detect_injection_targets.
func detectScope(scopeDir string) ScopedCapabilities {
	var caps ScopedCapabilities

	hooksDir := filepath.Join(scopeDir, "hooks")
	if entries, err := os.ReadDir(hooksDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				caps.Hooks = append(caps.Hooks, e.Name())
			}
		}
	}

	for _, name := range []string{"settings.json", "settings.local.json"} {
		p := filepath.Join(scopeDir, name)
		if fileExists(p) {
			caps.ConfigFiles = appendUnique(caps.ConfigFiles, p)
			caps.InjectionTargets = appendUnique(caps.InjectionTargets, p)
		}
	}

	return caps
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
