// Package config defines the engine's tunables and loads them from an
// optional YAML file. Zero values are replaced by defaults so an empty
// Config is always usable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quartzdb/pkg/logger"
	"quartzdb/pkg/telemetry"
)

const (
	// DefaultPageSize is the on-disk page size in bytes.
	DefaultPageSize = 4096
	// DefaultCachePages is the clean-page cache capacity in pages.
	DefaultCachePages = 1024
	// DefaultBTreeDegree is the minimum-fill degree of every B-tree:
	// nodes hold between degree-1 and 2*degree-1 keys (root excepted).
	// The degree bounds the per-entry byte budget, since 2*degree-1
	// entries must always fit in one page.
	DefaultBTreeDegree = 4
	// DefaultBusyTimeout is how long begin(WRITE) waits for the writer
	// token before failing with ErrBusy. Zero means fail fast.
	DefaultBusyTimeout = 0 * time.Millisecond
)

// Config holds all engine configuration.
type Config struct {
	// PageSize is the fixed page size in bytes. Must be a power of two
	// between 512 and 65536. Fixed at database creation; reopening with
	// a different value fails.
	PageSize int `yaml:"page_size"`
	// CachePages bounds the clean-page cache, in pages.
	CachePages int `yaml:"cache_pages"`
	// BTreeDegree is the B-tree minimum-fill degree.
	BTreeDegree int `yaml:"btree_degree"`
	// BusyTimeout bounds the wait for the single writer token.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// NoSync disables fsync at checkpoint. Intended for tests only;
	// it forfeits crash durability.
	NoSync bool `yaml:"no_sync"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		PageSize:    DefaultPageSize,
		CachePages:  DefaultCachePages,
		BTreeDegree: DefaultBTreeDegree,
		BusyTimeout: DefaultBusyTimeout,
		Logging:     logger.Config{Format: "json"},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size must be a power of two in [512, 65536], got %d", c.PageSize)
	}
	if c.BTreeDegree < 2 {
		return fmt.Errorf("btree degree must be at least 2, got %d", c.BTreeDegree)
	}
	if c.CachePages < 1 {
		return fmt.Errorf("cache must hold at least one page, got %d", c.CachePages)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.CachePages == 0 {
		c.CachePages = d.CachePages
	}
	if c.BTreeDegree == 0 {
		c.BTreeDegree = d.BTreeDegree
	}
	return c
}
