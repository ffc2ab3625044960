package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/ariyn/querygate/querygate"
)

// FileConfig defines the structure of the configuration file.
type FileConfig struct {
	Compiler CompilerConfig `yaml:"compiler"`
	Store    StoreConfig    `yaml:"store"`
	// Seed lists CSV files loaded into a sqlite store before the query runs.
	Seed []SeedConfig `yaml:"seed"`
}

// CompilerConfig mirrors querygate.Config with durations as text
// (e.g. "24h", "7d").
type CompilerConfig struct {
	Dialect          string   `yaml:"dialect"`
	MaxLimit         int      `yaml:"max_limit"`
	DefaultLookback  string   `yaml:"default_lookback"`
	AllowedFunctions []string `yaml:"allowed_functions"`
	ExtraFunctions   []string `yaml:"extra_functions"`
	Catalog          string   `yaml:"catalog"`
}

// StoreConfig names the database the compiled query runs against.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // "sqlite3" or "mysql"
	DSN     string `yaml:"dsn"`
	Timeout string `yaml:"timeout"`
}

type SeedConfig struct {
	Table  string `yaml:"table"`
	Tenant string `yaml:"tenant"`
	Path   string `yaml:"path"`
}

func loadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite3"
	}
	for i, s := range cfg.Seed {
		if s.Table == "" || s.Tenant == "" || s.Path == "" {
			return nil, fmt.Errorf("seed %d: table, tenant and path are required", i)
		}
	}
	return &cfg, nil
}

// compilerConfig converts the file section into a querygate.Config.
func (c CompilerConfig) compilerConfig() (querygate.Config, error) {
	lookback, err := parseDuration(c.DefaultLookback)
	if err != nil {
		return querygate.Config{}, fmt.Errorf("invalid default_lookback %q: %w", c.DefaultLookback, err)
	}
	return querygate.Config{
		Dialect:          c.Dialect,
		MaxLimit:         c.MaxLimit,
		DefaultLookback:  lookback,
		AllowedFunctions: c.AllowedFunctions,
		ExtraFunctions:   c.ExtraFunctions,
		Catalog:          c.Catalog,
	}, nil
}

func (s StoreConfig) timeout() (time.Duration, error) {
	d, err := parseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid store timeout %q: %w", s.Timeout, err)
	}
	return d, nil
}

// parseDuration accepts Go durations plus day and week units.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}
