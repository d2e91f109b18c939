// Package config resolves ptop's settings by merging CLI flags over an
// optional YAML overlay file, and persists the resolved target list so a
// bare `ptop` remembers what you were last watching.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// TargetConfig is one persisted or overlay-supplied probe target.
type TargetConfig struct {
	Label string `yaml:"label"`
	Host  string `yaml:"host"`
}

// Config is ptop's fully resolved runtime configuration.
type Config struct {
	Targets             []TargetConfig `yaml:"targets"`
	IntervalMS          int            `yaml:"interval_ms"`
	IncludeDefaults     bool           `yaml:"include_defaults"`
	LogEnabled          bool           `yaml:"log_enabled"`
	HistorySize         int            `yaml:"history_size"`
	MaxPacketsPerSecond int            `yaml:"max_pps"`
}

// DefaultTargets are probed whenever IncludeDefaults is set: the local
// gateway plus three well-known public resolvers.
var DefaultTargets = []TargetConfig{
	{Label: "gateway", Host: "_gateway"},
	{Label: "cloudflare", Host: "1.1.1.1"},
	{Label: "google", Host: "8.8.8.8"},
	{Label: "quad9", Host: "9.9.9.9"},
}

// Defaults returns ptop's baseline configuration before any overlay or
// CLI flags are applied.
func Defaults() Config {
	return Config{
		IntervalMS:          1000,
		IncludeDefaults:     true,
		HistorySize:         300,
		MaxPacketsPerSecond: 100,
	}
}

// BaseDir returns $HOME/.ptop, ptop's persisted-state root.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ptop"), nil
}

func overlayPath(baseDir string) string {
	return filepath.Join(baseDir, configFileName)
}

// LoadOverlay reads baseDir/config.yaml. A missing file is not an error:
// it returns Defaults() unchanged, since the overlay is optional.
func LoadOverlay(baseDir string) (Config, error) {
	path := overlayPath(baseDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg to baseDir/config.yaml atomically (write to a temp
// file, then rename over the target), so a crash mid-write never leaves
// a truncated config behind.
func Save(baseDir string, cfg Config) error {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return fmt.Errorf("ensure config dir %q: %w", baseDir, err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(overlayPath(baseDir), data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure dir %q: %w", dir, err)
		}
	}
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit file %q: %w", path, err)
	}
	return nil
}

// WithCLITargets overrides the overlay's target list when the operator
// passed at least one -t flag; otherwise the overlay's (or the built-in
// defaults') targets are kept.
func (c Config) WithCLITargets(targets []TargetConfig) Config {
	if len(targets) > 0 {
		c.Targets = targets
	}
	return c
}

// WithIntervalMS overrides the interval when ms > 0.
func (c Config) WithIntervalMS(ms int) Config {
	if ms > 0 {
		c.IntervalMS = ms
	}
	return c
}

// EffectiveTargets returns the configured targets, folding in the
// built-in defaults when IncludeDefaults is set and appending any
// explicit targets after them.
func (c Config) EffectiveTargets() []TargetConfig {
	var out []TargetConfig
	if c.IncludeDefaults {
		out = append(out, DefaultTargets...)
	}
	out = append(out, c.Targets...)
	return out
}
