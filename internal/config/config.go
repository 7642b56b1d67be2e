// Package config loads the ccbuild configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/oci"
)

const (
	Filename = "config.yaml"
	AppName  = "ccbuild"

	// maxSize bounds the configuration file read from disk.
	maxSize = 1 << 20
)

// Config holds user settings. Zero values are replaced by defaults on load.
type Config struct {
	// StoreDir is the OCI image layout holding base and built images.
	StoreDir string `yaml:"storeDir"`
	// CacheDir holds the step cache index.
	CacheDir string `yaml:"cacheDir"`
	// WorkDir holds temporary snapshots during builds.
	WorkDir     string            `yaml:"workDir,omitempty"`
	Parallelism int               `yaml:"parallelism"`
	CacheSize   int               `yaml:"cacheSize"`
	LogLevel    string            `yaml:"logLevel"`
	Platform    string            `yaml:"platform"`
	BuildArgs   map[string]string `yaml:"buildArgs,omitempty"`
}

// DefaultDir returns the directory holding the configuration file, store and
// cache.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), AppName)
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), Filename)
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(DefaultDir(), "store")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(DefaultDir(), "cache")
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.CacheSize <= 0 {
		c.CacheSize = cache.DefaultSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Platform == "" {
		c.Platform = oci.FormatPlatform(oci.DefaultPlatform())
	}
}

// Validate checks values that can not be defaulted.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := oci.ParsePlatform(c.Platform); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	return nil
}

// ParseLevel maps a logLevel value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Load reads the configuration at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		return Config{}, fmt.Errorf("%s is world-writable", path)
	}
	if info.Size() > maxSize {
		return Config{}, fmt.Errorf("%s is too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores c at path, creating the parent directory.
func Write(path string, c Config) error {
	c.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
