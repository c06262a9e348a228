package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.ChainConfig().IsMerge(0))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.DB.Engine = "bolt" }},
		{"empty datadir", func(c *Config) { c.DataDir = "" }},
		{"unknown network", func(c *Config) { c.Network = "mainnet" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled, c.Metrics.Addr = true, "" }},
		{"zero queue", func(c *Config) { c.Processing.ProcessingQueueSize = 0 }},
		{"zero recovery workers", func(c *Config) { c.Processing.RecoveryWorkers = 0 }},
		{"tiny high water", func(c *Config) { c.Processing.FixerHighWater = 1 }},
		{"negative timeout", func(c *Config) { c.Production.Timeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigCustomGenesisSkipsNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "custom"
	cfg.GenesisFile = "genesis.yaml"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockpipe.yaml")
	data := []byte(`
dataDir: /var/lib/blockpipe
network: dev-pos
db:
  engine: leveldb
processing:
  keepLastN: 64
production:
  timeout: 500ms
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("BLOCKPIPE_LOG_LEVEL", "debug")
	t.Setenv("BLOCKPIPE_PROCESSING_RECOVERY_WORKERS", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/blockpipe", cfg.DataDir)
	assert.Equal(t, NetworkDevPoS, cfg.Network)
	assert.Equal(t, "leveldb", cfg.DB.Engine)
	assert.Equal(t, 256, cfg.DB.CacheMB, "unset keys keep their defaults")
	assert.Equal(t, uint64(64), cfg.Processing.KeepLastN)
	assert.Equal(t, 500*time.Millisecond, cfg.Production.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Processing.RecoveryWorkers)
	assert.True(t, cfg.ChainConfig().IsMerge(0))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("BLOCKPIPE_DB_ENGINE", "bolt")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/chaindata", cfg.ResolvePath("chaindata"))
	assert.Equal(t, "/etc/genesis.yaml", cfg.ResolvePath("/etc/genesis.yaml"))
}
