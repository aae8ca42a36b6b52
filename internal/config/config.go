// Package config loads skippy configuration from defaults, the project's
// skippy.yaml and SKIPPY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file.
const FileName = "skippy.yaml"

// Config holds project configuration.
type Config struct {
	// ProjectDir is the root the other paths are relative to.
	ProjectDir string `yaml:"-"`
	// DataDir holds the repository (snapshots, blobs, staging, index).
	DataDir string `yaml:"dataDir"`
	// UnitsFile is the unit discovery manifest.
	UnitsFile string `yaml:"unitsFile"`
	// Policy is the decision policy: conservative or strict.
	Policy string `yaml:"policy"`
	// Workers bounds fingerprinting parallelism.
	Workers int `yaml:"workers"`
	// KeepSnapshots is how many earlier snapshots GC retains.
	KeepSnapshots int `yaml:"keepSnapshots"`
	// GC collects unreferenced objects after each build.
	GC bool `yaml:"gc"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration for projectDir.
func Default(projectDir string) *Config {
	return &Config{
		ProjectDir:    projectDir,
		DataDir:       ".skippy",
		UnitsFile:     "skippy.units.yaml",
		Policy:        "conservative",
		Workers:       runtime.NumCPU(),
		KeepSnapshots: 3,
		GC:            true,
	}
}

// Load reads the configuration of the project in projectDir. A missing
// skippy.yaml is not an error.
func Load(projectDir string) (*Config, error) {
	cfg := Default(projectDir)

	data, err := os.ReadFile(filepath.Join(projectDir, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", FileName, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("SKIPPY_DATA_DIR", c.DataDir)
	c.UnitsFile = getEnv("SKIPPY_UNITS_FILE", c.UnitsFile)
	c.Policy = getEnv("SKIPPY_POLICY", c.Policy)
	c.Workers = getEnvInt("SKIPPY_WORKERS", c.Workers)
	c.KeepSnapshots = getEnvInt("SKIPPY_KEEP_SNAPSHOTS", c.KeepSnapshots)
	c.GC = getEnvBool("SKIPPY_GC", c.GC)
	c.Debug = getEnvBool("SKIPPY_DEBUG", c.Debug)
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Policy) {
	case "conservative", "strict":
	default:
		return fmt.Errorf("unknown policy %q (want conservative or strict)", c.Policy)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.KeepSnapshots < 0 {
		return fmt.Errorf("keepSnapshots must not be negative, got %d", c.KeepSnapshots)
	}
	if c.DataDir == "" {
		return errors.New("dataDir must not be empty")
	}
	return nil
}

// DataPath returns the data directory resolved against the project.
func (c *Config) DataPath() string {
	return c.resolve(c.DataDir)
}

// UnitsPath returns the unit manifest path resolved against the project.
func (c *Config) UnitsPath() string {
	return c.resolve(c.UnitsFile)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

// Write saves c as the project's skippy.yaml.
func (c *Config) Write() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.ProjectDir, FileName), data, 0644)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
