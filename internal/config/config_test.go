package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"botline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != ":8420" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.TickSeconds != 30 {
		t.Fatalf("expected defaults, got %+v", cfg.Dispatch)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	dir := t.TempDir()
	partial := "dispatch:\n  tick_seconds: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "botline.yml"), []byte(partial), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatch.TickSeconds != 5 {
		t.Fatalf("override lost: %+v", cfg.Dispatch)
	}
	if cfg.Sweep.IntervalSeconds != 60 {
		t.Fatalf("defaults not applied: %+v", cfg.Sweep)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("server: [not a map")); err == nil {
		t.Fatalf("expected parse error")
	}
}
