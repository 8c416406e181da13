package config

import (
	"testing"
	"time"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/require"
)

func TestConfigYAML(t *testing.T) {
	yaml := `
source:
  rpc: ws://localhost:9944
  cache:
    cache_dir: /tmp/chainhead-cache
follow:
  max_block_life: 32
  resubscribe: true
  resubscribe_backoff:
    initial: 500ms
    max: 10s
log:
  format: logfmt
  level: debug
metrics:
  pull_endpoint: localhost:7000
`
	cfg, err := initConfig(rawbytes.Provider([]byte(yaml)))
	require.NoError(t, err)

	require.Equal(t, "ws://localhost:9944", cfg.Source.RPC)
	require.Equal(t, "/tmp/chainhead-cache", cfg.Source.Cache.CacheDir)
	require.Equal(t, DefaultMemoryCacheEntries, cfg.Source.Cache.ResolvedMemoryEntries())
	require.Equal(t, uint64(32), cfg.Follow.MaxBlockLife)
	require.True(t, cfg.Follow.Resubscribe)
	require.Equal(t, BackoffConfig{Initial: 500 * time.Millisecond, Max: 10 * time.Second}, cfg.Follow.ResolvedBackoff())
	require.Equal(t, &LogConfig{Format: "logfmt", Level: "debug"}, cfg.Log)
	require.Equal(t, "localhost:7000", cfg.Metrics.PullEndpoint)
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("CHAINHEAD__FOLLOW__MAX_BLOCK_LIFE", "7")

	cfg, err := initConfig(rawbytes.Provider([]byte(`
source:
  rpc: wss://rpc.example.org
`)))
	require.NoError(t, err)
	require.NotNil(t, cfg.Follow)
	require.Equal(t, uint64(7), cfg.Follow.MaxBlockLife)
}

func TestResolvedBackoffDefaults(t *testing.T) {
	var cfg *FollowConfig
	require.Equal(t, BackoffConfig{Initial: time.Second, Max: 30 * time.Second}, cfg.ResolvedBackoff())

	cfg = &FollowConfig{Resubscribe: true, ResubscribeBackoff: &BackoffConfig{Initial: 2 * time.Second}}
	require.Equal(t, BackoffConfig{Initial: 2 * time.Second, Max: 30 * time.Second}, cfg.ResolvedBackoff())
}

func TestInvalidConfigs(t *testing.T) {
	for name, yaml := range map[string]string{
		"missing source": `
log:
  format: json
  level: info
`,
		"http endpoint": `
source:
  rpc: http://localhost:9933
`,
		"backoff without resubscribe": `
source:
  rpc: ws://localhost:9944
follow:
  resubscribe_backoff:
    initial: 1s
`,
		"inverted backoff": `
source:
  rpc: ws://localhost:9944
follow:
  resubscribe: true
  resubscribe_backoff:
    initial: 1m
    max: 1s
`,
		"bad log level": `
source:
  rpc: ws://localhost:9944
log:
  format: json
  level: loud
`,
		"empty metrics endpoint": `
source:
  rpc: ws://localhost:9944
metrics:
  pull_endpoint: ""
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := initConfig(rawbytes.Provider([]byte(yaml)))
			require.Error(t, err)
		})
	}
}
