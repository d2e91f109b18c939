package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
targets:
  - label: office
    host: 203.0.113.5
interval_ms: 500
include_defaults: false
history_size: 120
`

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := LoadOverlay(dir)
	if err != nil {
		t.Fatalf("LoadOverlay returned error: %v", err)
	}
	if cfg.IntervalMS != 500 {
		t.Fatalf("unexpected interval: %d", cfg.IntervalMS)
	}
	if cfg.IncludeDefaults {
		t.Fatalf("expected include_defaults to be overridden to false")
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].Host != "203.0.113.5" {
		t.Fatalf("unexpected targets: %#v", cfg.Targets)
	}
}

func TestLoadOverlayMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOverlay(dir)
	if err != nil {
		t.Fatalf("expected no error for a missing overlay, got %v", err)
	}
	want := Defaults()
	if cfg.IntervalMS != want.IntervalMS || cfg.IncludeDefaults != want.IncludeDefaults ||
		cfg.HistorySize != want.HistorySize || len(cfg.Targets) != 0 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestSaveThenLoadOverlayRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Targets = []TargetConfig{{Label: "home", Host: "192.0.2.1"}}
	cfg.IntervalMS = 250

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := LoadOverlay(dir)
	if err != nil {
		t.Fatalf("LoadOverlay returned error: %v", err)
	}
	if loaded.IntervalMS != 250 || len(loaded.Targets) != 1 || loaded.Targets[0].Host != "192.0.2.1" {
		t.Fatalf("unexpected round-tripped config: %+v", loaded)
	}
}

func TestEffectiveTargetsPrependsDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.Targets = []TargetConfig{{Label: "extra", Host: "192.0.2.9"}}

	effective := cfg.EffectiveTargets()
	if len(effective) != len(DefaultTargets)+1 {
		t.Fatalf("expected %d targets, got %d", len(DefaultTargets)+1, len(effective))
	}
	if effective[len(effective)-1].Host != "192.0.2.9" {
		t.Fatalf("expected explicit target appended last, got %+v", effective)
	}
}

func TestWithCLITargetsOverridesOnlyWhenNonEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Targets = []TargetConfig{{Label: "overlay", Host: "192.0.2.1"}}

	unchanged := cfg.WithCLITargets(nil)
	if len(unchanged.Targets) != 1 || unchanged.Targets[0].Label != "overlay" {
		t.Fatalf("expected overlay targets kept, got %+v", unchanged.Targets)
	}

	overridden := cfg.WithCLITargets([]TargetConfig{{Label: "cli", Host: "192.0.2.2"}})
	if len(overridden.Targets) != 1 || overridden.Targets[0].Label != "cli" {
		t.Fatalf("expected CLI targets to override, got %+v", overridden.Targets)
	}
}
