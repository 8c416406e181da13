// Package config enables config file parsing.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/oasisprotocol/chainhead/log"
)

const (
	// DefaultMemoryCacheEntries is the size of the in-memory response cache
	// used when no explicit size is configured.
	DefaultMemoryCacheEntries = 1024

	defaultResubscribeInitial = time.Second
	defaultResubscribeMax     = 30 * time.Second
)

// Config contains the CLI configuration.
type Config struct {
	Source  *SourceConfig  `koanf:"source"`
	Follow  *FollowConfig  `koanf:"follow"`
	Log     *LogConfig     `koanf:"log"`
	Metrics *MetricsConfig `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Source == nil {
		return fmt.Errorf("source not configured")
	}
	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if cfg.Follow != nil {
		if err := cfg.Follow.Validate(); err != nil {
			return fmt.Errorf("follow: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// SourceConfig describes the node to follow and how to reach it.
type SourceConfig struct {
	// RPC is the websocket endpoint of the node, e.g. ws://localhost:9944.
	RPC string `koanf:"rpc"`

	// Cache holds the configuration for caching immutable node responses
	// (genesis hash, headers by hash). If unset, nothing is cached.
	Cache *CacheConfig `koanf:"cache"`
}

// Validate validates the source configuration.
func (cfg *SourceConfig) Validate() error {
	if cfg.RPC == "" {
		return fmt.Errorf("rpc endpoint not configured")
	}
	u, err := url.Parse(cfg.RPC)
	if err != nil {
		return fmt.Errorf("malformed rpc endpoint '%s': %w", cfg.RPC, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("rpc endpoint '%s' must use the ws or wss scheme", cfg.RPC)
	}
	if cfg.Cache != nil {
		if err := cfg.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

type CacheConfig struct {
	// CacheDir is the directory where the on-disk cache is stored. If empty,
	// only the in-memory cache is used.
	CacheDir string `koanf:"cache_dir"`

	// MemoryEntries is the number of responses kept in memory.
	MemoryEntries int `koanf:"memory_entries"`
}

func (cfg *CacheConfig) Validate() error {
	if cfg.MemoryEntries < 0 {
		return fmt.Errorf("memory_entries must not be negative")
	}
	return nil
}

// ResolvedMemoryEntries returns the configured in-memory cache size, or the default.
func (cfg *CacheConfig) ResolvedMemoryEntries() int {
	if cfg.MemoryEntries == 0 {
		return DefaultMemoryCacheEntries
	}
	return cfg.MemoryEntries
}

// FollowConfig controls the lifecycle of the follow subscription.
type FollowConfig struct {
	// MaxBlockLife is the age, in finalized blocks, at which a pinned block is
	// unpinned regardless of outstanding references. Zero means unbounded.
	//
	// Without a limit, a consumer that never releases its block references
	// will eventually hit the node's pin limit, at which point the node stops
	// the subscription and every pin is lost.
	MaxBlockLife uint64 `koanf:"max_block_life"`

	// Resubscribe restarts the follow subscription after the node stops it.
	Resubscribe bool `koanf:"resubscribe"`

	// ResubscribeBackoff bounds the delays between failed resubscription attempts.
	ResubscribeBackoff *BackoffConfig `koanf:"resubscribe_backoff"`
}

// Validate validates the follow configuration.
func (cfg *FollowConfig) Validate() error {
	if cfg.ResubscribeBackoff != nil {
		if !cfg.Resubscribe {
			return fmt.Errorf("resubscribe_backoff given but resubscribe is disabled")
		}
		return cfg.ResubscribeBackoff.Validate()
	}
	return nil
}

// ResolvedBackoff returns the resubscription backoff, filling in defaults.
func (cfg *FollowConfig) ResolvedBackoff() BackoffConfig {
	b := BackoffConfig{Initial: defaultResubscribeInitial, Max: defaultResubscribeMax}
	if cfg == nil || cfg.ResubscribeBackoff == nil {
		return b
	}
	if cfg.ResubscribeBackoff.Initial != 0 {
		b.Initial = cfg.ResubscribeBackoff.Initial
	}
	if cfg.ResubscribeBackoff.Max != 0 {
		b.Max = cfg.ResubscribeBackoff.Max
	}
	return b
}

type BackoffConfig struct {
	Initial time.Duration `koanf:"initial"`
	Max     time.Duration `koanf:"max"`
}

func (cfg *BackoffConfig) Validate() error {
	if cfg.Initial < 0 || cfg.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if cfg.Max != 0 && cfg.Initial > cfg.Max {
		return fmt.Errorf("initial backoff %v exceeds max backoff %v", cfg.Initial, cfg.Max)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, is where the profiling endpoints are served.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("CHAINHEAD__", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CHAINHEAD__")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
