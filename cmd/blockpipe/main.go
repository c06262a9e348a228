// Command blockpipe runs the block processing pipeline over a local chain
// database.
//
// Usage:
//
//	blockpipe run    [--config file]
//	blockpipe import [--config file] chain.rlp...
//	blockpipe export [--config file] --from N --to M out.rlp
//	blockpipe fix    [--config file]
//	blockpipe version
//
// Every config key can be overridden through BLOCKPIPE_* environment
// variables, e.g. BLOCKPIPE_LOG_LEVEL=debug.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:           "blockpipe",
	Short:         "Ethereum block processing pipeline",
	Long:          "Validates, executes and reorganizes blocks into a canonical chain stored in a local database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("datadir", "", "Data directory, overrides the config file")
	rootCmd.PersistentFlags().String("log.level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config and applies the
// command line overrides.
func loadConfig(cmd *cobra.Command) (*node.Config, *log.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := node.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if dir, _ := cmd.Flags().GetString("datadir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log.level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := log.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	log.SetDefault(logger)
	return &cfg, logger, nil
}

// openNode loads the config and starts a node. The returned func closes it.
func openNode(ctx context.Context, cmd *cobra.Command) (*node.Node, *log.Logger, func(), error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("blockpipe starting", "version", version, "commit", commit, "datadir", cfg.DataDir)
	n, err := node.New(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Close(context.Background())
		return nil, nil, nil, err
	}
	closeFn := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.Close(stopCtx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
		_ = logger.Sync()
	}
	return n, logger, closeFn, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
