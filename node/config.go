// Package node wires the block processing pipeline together: storage,
// world state, block tree, processors, startup fixer and metrics.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/params"
)

// EnvPrefix prefixes every environment override, e.g. BLOCKPIPE_LOG_LEVEL.
const EnvPrefix = "blockpipe"

// Known networks used when no genesis file is given.
const (
	NetworkDev    = "dev"
	NetworkDevPoS = "dev-pos"
)

// Config holds all configuration for a node.
type Config struct {
	DataDir string `yaml:"dataDir" envconfig:"DATADIR"`
	Network string `yaml:"network" envconfig:"NETWORK"`
	// GenesisFile overrides Network with a custom genesis and chain config.
	GenesisFile string `yaml:"genesisFile" envconfig:"GENESIS"`
	// SyncPivot is recorded for the startup fixer, which never reviews
	// levels below it.
	SyncPivot uint64 `yaml:"syncPivot" envconfig:"SYNC_PIVOT"`

	DB struct {
		Engine  string `yaml:"engine" envconfig:"ENGINE"`
		CacheMB int    `yaml:"cacheMB" envconfig:"CACHE_MB"`
		Handles int    `yaml:"handles" envconfig:"HANDLES"`
	} `yaml:"db" envconfig:"DB"`

	Log struct {
		Level  string `yaml:"level" envconfig:"LEVEL"`
		Format string `yaml:"format" envconfig:"FORMAT"`
	} `yaml:"log" envconfig:"LOG"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
		Addr      string `yaml:"addr" envconfig:"ADDR"`
		Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
		Runtime   bool   `yaml:"runtime" envconfig:"RUNTIME"`
	} `yaml:"metrics" envconfig:"METRICS"`

	Processing struct {
		RecoveryQueueSize   int    `yaml:"recoveryQueueSize" envconfig:"RECOVERY_QUEUE"`
		ProcessingQueueSize int    `yaml:"processingQueueSize" envconfig:"PROCESSING_QUEUE"`
		RecoveryWorkers     int    `yaml:"recoveryWorkers" envconfig:"RECOVERY_WORKERS"`
		PrewarmWorkers      int    `yaml:"prewarmWorkers" envconfig:"PREWARM_WORKERS"`
		StoreReceipts       bool   `yaml:"storeReceipts" envconfig:"STORE_RECEIPTS"`
		BadBlockCacheSize   int    `yaml:"badBlockCacheSize" envconfig:"BAD_BLOCK_CACHE"`
		KeepLastN           uint64 `yaml:"keepLastN" envconfig:"KEEP_LAST_N"`
		StateCacheSize      int    `yaml:"stateCacheSize" envconfig:"STATE_CACHE"`
		// FixerHighWater bounds how many stored blocks the startup fixer
		// queues before waiting for the processor.
		FixerHighWater int64 `yaml:"fixerHighWater" envconfig:"FIXER_HIGH_WATER"`
	} `yaml:"processing" envconfig:"PROCESSING"`

	Production struct {
		MaxTxKilobytes uint64        `yaml:"maxTxKilobytes" envconfig:"MAX_TX_KB"`
		Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	} `yaml:"production" envconfig:"PRODUCTION"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	var c Config
	c.DataDir = "blockpipe-data"
	c.Network = NetworkDev
	c.DB.Engine = string(rawdb.EnginePebble)
	c.DB.CacheMB = 256
	c.DB.Handles = 512
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Metrics.Addr = "127.0.0.1:9090"
	c.Metrics.Namespace = "blockpipe"
	c.Processing.RecoveryQueueSize = 2048
	c.Processing.ProcessingQueueSize = 4096
	c.Processing.RecoveryWorkers = 8
	c.Processing.PrewarmWorkers = 4
	c.Processing.StoreReceipts = true
	c.Processing.BadBlockCacheSize = 128
	c.Processing.KeepLastN = 128
	c.Processing.StateCacheSize = 32
	c.Processing.FixerHighWater = 4000
	c.Production.MaxTxKilobytes = 9728
	c.Production.Timeout = 2 * time.Second
	return c
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config file %v: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config file %v: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("config from environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch rawdb.Engine(c.DB.Engine) {
	case rawdb.EngineMemory:
	case rawdb.EnginePebble, rawdb.EngineLevelDB:
		if c.DataDir == "" {
			return errors.New("config: datadir must not be empty for a persistent database")
		}
	default:
		return fmt.Errorf("config: unknown db engine %q", c.DB.Engine)
	}
	if c.GenesisFile == "" {
		switch c.Network {
		case NetworkDev, NetworkDevPoS:
		default:
			return fmt.Errorf("config: unknown network %q", c.Network)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics enabled without listen address")
	}
	p := &c.Processing
	if p.RecoveryQueueSize <= 0 || p.ProcessingQueueSize <= 0 {
		return fmt.Errorf("config: queue sizes must be positive, got %d and %d", p.RecoveryQueueSize, p.ProcessingQueueSize)
	}
	if p.RecoveryWorkers <= 0 {
		return fmt.Errorf("config: invalid recovery workers: %d", p.RecoveryWorkers)
	}
	if p.PrewarmWorkers < 0 {
		return fmt.Errorf("config: invalid prewarm workers: %d", p.PrewarmWorkers)
	}
	if p.FixerHighWater <= 1 {
		return fmt.Errorf("config: fixer high-water mark must exceed 1, got %d", p.FixerHighWater)
	}
	if c.Production.Timeout < 0 {
		return fmt.Errorf("config: negative production timeout %v", c.Production.Timeout)
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// ChainConfig returns the chain configuration of a built-in network.
func (c *Config) ChainConfig() *params.ChainConfig {
	if c.Network == NetworkDevPoS {
		return params.AllForksConfig(1337)
	}
	return params.PreMergeConfig(1337)
}
