package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Policy != "conservative" || cfg.KeepSnapshots != 3 || !cfg.GC {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.DataPath() != filepath.Join(dir, ".skippy") {
		t.Errorf("DataPath = %s", cfg.DataPath())
	}
	if cfg.UnitsPath() != filepath.Join(dir, "skippy.units.yaml") {
		t.Errorf("UnitsPath = %s", cfg.UnitsPath())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "policy: strict\nkeepSnapshots: 5\ngc: false\ndataDir: /var/cache/skippy\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SKIPPY_KEEP_SNAPSHOTS", "7")
	t.Setenv("SKIPPY_DEBUG", "true")
	t.Setenv("SKIPPY_WORKERS", "not-a-number")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy != "strict" {
		t.Errorf("expected policy from file, got %s", cfg.Policy)
	}
	if cfg.GC {
		t.Error("expected gc disabled by file")
	}
	if cfg.KeepSnapshots != 7 {
		t.Errorf("expected env to override file, got %d", cfg.KeepSnapshots)
	}
	if !cfg.Debug {
		t.Error("expected debug from env")
	}
	if cfg.Workers <= 0 {
		t.Errorf("invalid env value should keep the default, got %d", cfg.Workers)
	}
	if cfg.DataPath() != "/var/cache/skippy" {
		t.Errorf("absolute dataDir should be kept, got %s", cfg.DataPath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown policy", "policy: optimistic\n", "unknown policy"},
		{"negative keep", "keepSnapshots: -1\n", "keepSnapshots"},
		{"bad yaml", "policy: [\n", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, FileName), []byte(tt.yaml), 0644)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Policy = "strict"
	cfg.Workers = 4
	if err := cfg.Write(); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Policy != "strict" || loaded.Workers != 4 {
		t.Errorf("unexpected loaded config %+v", loaded)
	}
}
