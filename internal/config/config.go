// Package config loads eliotd's process configuration from the environment.
//
// The teacher processors take a mapstructure-tagged Config populated by the
// collector's YAML loader and a Validate() error method; a standalone
// binary has no such loader, so this package uses envconfig tags against
// the same flat-struct-plus-Validate shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the complete process configuration, sourced from environment
// variables (spec.md §6).
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8000".
	Addr string `envconfig:"SYMBOLICATOR_ADDR" default:":8000"`

	// SymbolURLs is the ordered list of upstream symbol source prefixes.
	// Each entry is a URL template ("https://sym.example.com/") or a
	// scheme-prefixed bucket reference ("s3://bucket/prefix",
	// "gcs://bucket/prefix").
	SymbolURLs []string `envconfig:"SYMBOL_URLS" required:"true"`

	// DiskCacheRoot is the filesystem root for the on-disk symcache store.
	DiskCacheRoot string `envconfig:"DISKCACHE_ROOT" required:"true"`

	// DiskCacheMaxBytes is the high-water cap; eviction runs until usage
	// drops to DiskCacheLowWaterFraction * DiskCacheMaxBytes.
	DiskCacheMaxBytes int64 `envconfig:"DISKCACHE_MAX_BYTES" default:"10737418240"`

	// DiskCacheLowWaterFraction is the fraction of DiskCacheMaxBytes that
	// eviction drains down to (spec.md §4.4: "e.g. 0.9 x cap").
	DiskCacheLowWaterFraction float64 `envconfig:"DISKCACHE_LOW_WATER_FRACTION" default:"0.9"`

	// DiskCacheNegativeTTL is how long a negative ("known not found")
	// sentinel is honored before the module is treated as a cold miss
	// again. spec.md §9 leaves the exact value an open question; resolved
	// to 24h, see DESIGN.md.
	DiskCacheNegativeTTL time.Duration `envconfig:"DISKCACHE_NEGATIVE_TTL_MS" default:"86400000ms"`

	// DownloaderTimeout bounds a single HTTP attempt.
	DownloaderTimeout time.Duration `envconfig:"DOWNLOADER_TIMEOUT_MS" default:"2000ms"`

	// DownloaderRetries is K in spec.md §4.3's retry policy.
	DownloaderRetries int `envconfig:"DOWNLOADER_RETRIES" default:"3"`

	// DownloaderModuleBudget is the aggregate wall-clock budget for
	// fetching one module across all sources and retries.
	DownloaderModuleBudget time.Duration `envconfig:"DOWNLOADER_MODULE_BUDGET_MS" default:"10000ms"`

	// MaxJobs is the v5 per-request job cap (spec.md §4.6).
	MaxJobs int `envconfig:"SYMBOLICATE_MAX_JOBS" default:"10"`

	// RequestDeadline is the per-request symbolication deadline
	// (spec.md §5 Cancellation).
	RequestDeadline time.Duration `envconfig:"SYMBOLICATE_REQUEST_DEADLINE_MS" default:"5000ms"`

	// RequestConcurrency bounds concurrent module builds within one
	// request (spec.md §4.5 step 3).
	RequestConcurrency int `envconfig:"SYMBOLICATE_REQUEST_CONCURRENCY" default:"8"`

	// BuildConcurrency bounds process-wide concurrent parse+build work so
	// CPU-heavy phases never starve the I/O scheduler (spec.md §5).
	BuildConcurrency int `envconfig:"SYMBOLICATOR_CONCURRENCY" default:"4"`

	StatsdHost string `envconfig:"STATSD_HOST" default:""`
	StatsdPort int    `envconfig:"STATSD_PORT" default:"8125"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Config from the environment, applying defaults and validating
// the result.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for any issues, mirroring the
// teacher's per-processor Config.Validate() method.
func (c *Config) Validate() error {
	if len(c.SymbolURLs) == 0 {
		return fmt.Errorf("SYMBOL_URLS must list at least one source")
	}
	for _, u := range c.SymbolURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("SYMBOL_URLS contains an empty entry")
		}
	}
	if c.DiskCacheRoot == "" {
		return fmt.Errorf("DISKCACHE_ROOT is required")
	}
	if c.DiskCacheMaxBytes <= 0 {
		return fmt.Errorf("DISKCACHE_MAX_BYTES must be positive")
	}
	if c.DiskCacheLowWaterFraction <= 0 || c.DiskCacheLowWaterFraction > 1 {
		return fmt.Errorf("DISKCACHE_LOW_WATER_FRACTION must be in (0, 1]")
	}
	if c.DownloaderRetries < 0 {
		return fmt.Errorf("DOWNLOADER_RETRIES must be >= 0")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("SYMBOLICATE_MAX_JOBS must be positive")
	}
	return nil
}

// DiskCacheLowWaterBytes returns the absolute low-water mark in bytes.
func (c *Config) DiskCacheLowWaterBytes() int64 {
	return int64(float64(c.DiskCacheMaxBytes) * c.DiskCacheLowWaterFraction)
}
