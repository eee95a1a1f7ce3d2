// Package config loads the minimal ambient YAML configuration needed
// to wire cmd/vibesd's nine components. Config loading proper is an
// external-collaborator concern outside this spec's scope, so unlike
// the teacher's pkg/config (agents/chains/MCP servers/LLM providers,
// built-in+user merge via dario.cat/mergo), this loader covers only
// infrastructure endpoints and defaults them manually — grounded on
// loader.go's Initialize/load shape and errors.go's LoadError, with
// the merge step intentionally dropped.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully defaulted, ready-to-use configuration for
// cmd/vibesd.
type Config struct {
	DataDir           string        `yaml:"data_dir"`
	Partitions        int           `yaml:"partitions"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
	ListenAddr        string        `yaml:"listen_addr"`
	HistoricalReplay  int           `yaml:"historical_replay"`
	DebounceInterval  time.Duration `yaml:"-"`
	DebounceIntervalRaw string      `yaml:"debounce_interval"`
	MaxConcurrentAgents int         `yaml:"max_concurrent_agents"`
	SupervisorBinaries map[string]SupervisorBinary `yaml:"supervisor_binaries"`
}

// SupervisorBinary names one externally supervised backend process.
type SupervisorBinary struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// LoadError wraps a configuration loading failure with file context,
// mirroring the teacher's errors.go LoadError.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.File, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

func defaults() Config {
	return Config{
		DataDir:             "./data",
		Partitions:          8,
		ListenAddr:          ":8080",
		HistoricalReplay:    100,
		DebounceIntervalRaw: "500ms",
		DebounceInterval:    500 * time.Millisecond,
		MaxConcurrentAgents: 4,
	}
}

// Load reads <configDir>/vibesd.yaml if present, applying defaults()
// to anything it omits. A missing file is not an error: defaults
// alone are a valid configuration for local development.
func Load(configDir string) (*Config, error) {
	cfg := defaults()

	path := filepath.Join(configDir, "vibesd.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finalize(&cfg)
		}
		return nil, &LoadError{File: path, Err: err}
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, &LoadError{File: path, Err: err}
	}
	applyOverrides(&cfg, &fromFile)

	return finalize(&cfg)
}

// applyOverrides copies every non-zero field from fromFile onto cfg,
// the manual field-by-field defaulting the teacher's config package
// gets from dario.cat/mergo — written out explicitly here since this
// loader's surface is small enough not to need the dependency.
func applyOverrides(cfg, fromFile *Config) {
	if fromFile.DataDir != "" {
		cfg.DataDir = fromFile.DataDir
	}
	if fromFile.Partitions != 0 {
		cfg.Partitions = fromFile.Partitions
	}
	if fromFile.PostgresDSN != "" {
		cfg.PostgresDSN = fromFile.PostgresDSN
	}
	if fromFile.ListenAddr != "" {
		cfg.ListenAddr = fromFile.ListenAddr
	}
	if fromFile.HistoricalReplay != 0 {
		cfg.HistoricalReplay = fromFile.HistoricalReplay
	}
	if fromFile.DebounceIntervalRaw != "" {
		cfg.DebounceIntervalRaw = fromFile.DebounceIntervalRaw
	}
	if fromFile.MaxConcurrentAgents != 0 {
		cfg.MaxConcurrentAgents = fromFile.MaxConcurrentAgents
	}
	if len(fromFile.SupervisorBinaries) > 0 {
		cfg.SupervisorBinaries = fromFile.SupervisorBinaries
	}
}

func finalize(cfg *Config) (*Config, error) {
	d, err := time.ParseDuration(cfg.DebounceIntervalRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid debounce_interval %q: %w", cfg.DebounceIntervalRaw, err)
	}
	cfg.DebounceInterval = d
	return cfg, nil
}
