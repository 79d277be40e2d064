package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/salvo/internal/api"
	"github.com/seantiz/salvo/internal/config"
	"github.com/seantiz/salvo/internal/engine"
	"github.com/seantiz/salvo/internal/store"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management API",
	Long: `Serve the HTTP management API. Blocks recorded in the store are
restored in the stopped state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd)
	},
}

func serve(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("salvo: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"io_loops", cfg.IOLoops,
	)

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng, shutdown := startEngine(cfg, db, logger)
	defer shutdown()

	n, err := eng.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore blocks: %w", err)
	}
	if n > 0 {
		logger.Info("blocks restored", "count", n)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, logger)
	return srv.Run(ctx)
}

// startEngine runs eng's loops in the background. The returned function
// stops every block while the loops are still alive, then ends them.
func startEngine(cfg config.Config, db store.Store, logger *slog.Logger) (*engine.Engine, func()) {
	eng := engine.NewEngine(db, newRegistry(), logger, engine.Options{
		IOLoops:      cfg.IOLoops,
		SyncInterval: cfg.SyncInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g := new(errgroup.Group)
	g.Go(func() error { return eng.Run(ctx) })

	return eng, func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := eng.Shutdown(sctx); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
		cancel()
		if err := g.Wait(); err != nil {
			logger.Error("engine loops", "error", err)
		}
	}
}
