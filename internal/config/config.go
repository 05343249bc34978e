// Package config loads pciaccess.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/tinyrange/pciaccess/internal/pci/factory"
	"github.com/tinyrange/pciaccess/internal/pci/sysfs"
	"github.com/tinyrange/pciaccess/internal/tracing"
	"github.com/tinyrange/pciaccess/internal/vgaarb"
	"gopkg.in/yaml.v3"
)

const (
	Filename       = "pciaccess.yaml"
	CurrentVersion = 1
)

// Config is the on-disk configuration.
type Config struct {
	Version int `yaml:"version"`

	// Backends is the backend priority order. Empty means the platform default.
	Backends      []string `yaml:"backends,omitempty"`
	SysfsMount    string   `yaml:"sysfsMount,omitempty"`
	ArbiterDevice string   `yaml:"arbiterDevice,omitempty"`

	// DebugFile receives a binary transcript of arbiter traffic and backend
	// selection when set.
	DebugFile string `yaml:"debugFile,omitempty"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	c := Config{Tracing: tracing.DefaultConfig()}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if len(c.Backends) == 0 {
		c.Backends = slices.Clone(factory.DefaultOrder)
	}
	if c.SysfsMount == "" {
		c.SysfsMount = sysfs.DefaultMount
	}
	if c.ArbiterDevice == "" {
		c.ArbiterDevice = vgaarb.DefaultDevicePath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracing.DefaultServiceName
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, err := factory.Candidates(factory.Options{Backends: c.Backends}); err != nil {
		return err
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "file" && c.Tracing.FilePath == "" {
		return fmt.Errorf("tracing.filePath required for the file exporter")
	}
	return nil
}

// Load reads and normalizes the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{Tracing: tracing.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Write stores cfg at path with defaults filled in.
func Write(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
