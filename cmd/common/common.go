// Package common implements common chainhead command options.
package common

import (
	"context"
	"fmt"
	"io"
	stdLog "log"
	"os"

	"github.com/akrylysov/pogreb"
	"github.com/spf13/pflag"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/cache/kvstore"
	"github.com/oasisprotocol/chainhead/config"
	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

const (
	logLevelFlag  = "log.level"
	logFormatFlag = "log.format"
)

var (
	rootLogger = log.NewDefaultLogger("chainhead")

	// Command-line overrides of the configured logging.
	logFlags   = pflag.NewFlagSet("log", pflag.ContinueOnError)
	levelFlag  = log.LevelInfo
	formatFlag = log.FmtJSON
)

func init() {
	logFlags.Var(&levelFlag, logLevelFlag, "log level, overrides the config file")
	logFlags.Var(&formatFlag, logFormatFlag, "log format, overrides the config file")
}

// LogFlags returns the flags overriding the configured logging.
func LogFlags() *pflag.FlagSet {
	return logFlags
}

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	if logFlags.Changed(logLevelFlag) {
		level = levelFlag
	}
	if logFlags.Changed(logFormatFlag) {
		format = formatFlag
	}
	logger, err := log.NewLogger("chainhead", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogrebLogger := RootLogger().WithModule("pogreb").WithCallerUnwind(7)
	pogreb.SetLogger(stdLog.New(log.WriterIntoLogger(pogrebLogger), "", 0))

	return nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewBackend connects to the configured node and returns a backend for it.
// The caller must run and close it.
func NewBackend(ctx context.Context, cfg *config.Config) (*backend.Backend, error) {
	logger := RootLogger()

	var opts backend.Options
	if cfg.Metrics != nil {
		opts.FollowMetrics = metrics.NewDefaultFollowMetrics()
		opts.OperationMetrics = metrics.NewDefaultOperationMetrics()
	}
	if f := cfg.Follow; f != nil {
		opts.MaxBlockLife = f.MaxBlockLife
		if f.Resubscribe {
			b := f.ResolvedBackoff()
			opts.Resubscribe = follow.ResubscribePolicy{Enabled: true, InitialGap: b.Initial, MaxGap: b.Max}
		}
	}
	if c := cfg.Source.Cache; c != nil {
		store, err := openCache(c, logger, opts.OperationMetrics)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		opts.Cache = store
	}

	api, err := nodeapi.NewRPCApi(ctx, cfg.Source.RPC, logger)
	if err != nil {
		if opts.Cache != nil {
			_ = opts.Cache.Close()
		}
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Source.RPC, err)
	}
	return backend.New(api, opts, logger), nil
}

func openCache(cfg *config.CacheConfig, logger *log.Logger, m *metrics.OperationMetrics) (kvstore.KVStore, error) {
	if cfg.CacheDir != "" {
		return kvstore.OpenKVStore(logger, cfg.CacheDir, m)
	}
	return kvstore.NewMemoryKVStore(logger, cfg.ResolvedMemoryEntries(), m)
}

// NewMetricsService returns the Prometheus pull service, or nil if metrics
// are not configured.
func NewMetricsService(cfg *config.Config) (*metrics.PullService, error) {
	if cfg.Metrics == nil {
		return nil, nil
	}
	return metrics.NewPullService(cfg.Metrics.PullEndpoint, RootLogger())
}
