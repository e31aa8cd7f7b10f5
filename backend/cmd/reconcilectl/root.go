package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gradesync/backend/internal/cache"
	"gradesync/backend/internal/reconcile"
	"gradesync/backend/internal/remote"
	"gradesync/backend/internal/shared"
)

var (
	year    int
	dryRun  bool
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "reconcilectl",
	Short: "Keep the local grade cache and the remote store convergent",
	Long: `reconcilectl runs the reconciliation engine from the command line: bulk
grade imports, namespace syncs, counters, paged delete-all and student moves.
With --dry-run every write goes to an in-memory store and a throwaway cache.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&year, "year", 0, "year namespace (default: the active one)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "write to an in-memory store instead of the remote one")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file to load")
}

// Execute runs the root command, cancelling it on SIGINT or SIGTERM
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// session is an engine with everything it holds open
type session struct {
	engine *reconcile.Engine
	log    *zap.Logger
	close  func()
}

// openSession wires config, logger, cache, remote store and engine the same
// way the gateway does
func openSession(ctx context.Context) (*session, error) {
	_ = shared.LoadEnv(envFile)
	config, err := shared.LoadServiceConfig("reconcilectl")
	if err != nil {
		return nil, err
	}
	if err := shared.ValidateServiceConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := shared.NewLogger(config)
	if err != nil {
		return nil, err
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = logger.Sync()
	}

	var adapter *remote.Adapter
	if dryRun {
		dir, err := os.MkdirTemp("", "reconcilectl-")
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() { os.RemoveAll(dir) })
		config.Cache.Path = filepath.Join(dir, "cache.db")
		adapter = remote.NewAdapter(remote.NewMemoryBackend(), config.Reconcile, logger)
		logger.Info("Dry run: using an in-memory store and a temporary cache")
	} else {
		adapter, err = remote.Open(ctx, config, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("remote store: %w", err)
		}
	}
	cleanup = append(cleanup, func() { adapter.Close(context.Background()) })

	store, err := cache.Open(config.Cache, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	cleanup = append(cleanup, func() { store.Close() })

	return &session{
		engine: reconcile.New(store, adapter, config.Reconcile, logger),
		log:    logger,
		close:  closeAll,
	}, nil
}

// printJSON writes a result to stdout
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
