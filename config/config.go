// Package config loads the castore configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up by LoadDir.
const FileName = "castore.yaml"

// DefaultInstance is a reserved instance name that is never served.
const DefaultInstance = "default"

// Repository kinds accepted by active_repository.
const (
	RepositoryFile = "file"
	RepositoryDB   = "db"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverBolt     = "bbolt"
)

// Environment overrides.
const (
	EnvDataDir = "CASTORE_DATA_DIR"
	EnvDBDSN   = "CASTORE_DB_DSN"
	EnvDBPath  = "CASTORE_DB_PATH"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of castore.yaml.
type Config struct {
	DataDirectory    string   `yaml:"data_directory"`
	Instances        []string `yaml:"instances"`
	ActiveRepository string   `yaml:"active_repository"`
	Database         Database `yaml:"database"`
	Bundle           Bundle   `yaml:"bundle"`
	Server           Server   `yaml:"server"`
}

// Database selects and configures the database-backed repository.
type Database struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Path     string `yaml:"path"`
	PageSize int    `yaml:"page_size"`
}

// Bundle configures the trust-bundle publisher.
type Bundle struct {
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// MaxAge returns the configured snapshot age limit.
func (b Bundle) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeSeconds) * time.Second
}

// Server configures the retrieval endpoints.
type Server struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDirectory == "" {
		c.DataDirectory = "."
	}
	if c.ActiveRepository == "" {
		c.ActiveRepository = RepositoryFile
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverBolt
	}
	if c.Database.Driver == DriverBolt && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDirectory, "castore.db")
	}
	if c.Database.PageSize == 0 {
		c.Database.PageSize = 1000
	}
	if c.Bundle.MaxAgeSeconds == 0 {
		c.Bundle.MaxAgeSeconds = 30
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDirectory = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
}

// Parse decodes YAML and applies environment overrides and defaults.
// Relative paths are kept as written.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads the configuration at path. Relative data and database paths
// are resolved against the directory holding the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.resolve(filepath.Dir(path))
	return c, nil
}

// LoadDir loads FileName from dir. A missing file yields the defaults
// with the data directory set to dir.
func LoadDir(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("config dir %s does not exist", dir)
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c := &Config{}
		c.applyEnv()
		c.applyDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		c.resolve(dir)
		return c, nil
	}
	return Load(path)
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDirectory = abs(c.DataDirectory)
	c.Database.Path = abs(c.Database.Path)
}

// Validate checks the configuration for values no component can use.
func (c *Config) Validate() error {
	switch c.ActiveRepository {
	case RepositoryFile, RepositoryDB:
	default:
		return fmt.Errorf("%w: active_repository must be %q or %q, got %q",
			ErrInvalid, RepositoryFile, RepositoryDB, c.ActiveRepository)
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for the postgres driver", ErrInvalid)
		}
	case DriverBolt:
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is required for the bbolt driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Database.PageSize < 0 {
		return fmt.Errorf("%w: database.page_size must not be negative", ErrInvalid)
	}
	if c.Bundle.MaxAgeSeconds < 0 {
		return fmt.Errorf("%w: bundle.max_age_seconds must not be negative", ErrInvalid)
	}
	for _, name := range c.Instances {
		if err := ValidateInstanceName(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInstanceName rejects names that cannot be used as a single path
// element.
func ValidateInstanceName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: instance name %q", ErrInvalid, name)
	}
	return nil
}

// InstanceNames returns the configured instances, sorted and without
// duplicates or the reserved default instance. When none are configured,
// the subdirectories of <data_directory>/instances are used.
func (c *Config) InstanceNames() ([]string, error) {
	names := c.Instances
	if len(names) == 0 {
		entries, err := os.ReadDir(filepath.Join(c.DataDirectory, "instances"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("listing instances: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if strings.EqualFold(name, DefaultInstance) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
