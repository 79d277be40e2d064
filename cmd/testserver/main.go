// testserver starts a Salvo API server with the in-process stub client for
// E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/salvo/internal/api"
	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/client/stub"
	"github.com/seantiz/salvo/internal/engine"
	"github.com/seantiz/salvo/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("SALVO_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := client.NewRegistry()
	reg.Register(stub.New(stub.Options{
		ConnectDelay:  5 * time.Millisecond,
		RegisterDelay: 2 * time.Millisecond,
	}))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, reg, logger, engine.Options{
		SyncInterval: 100 * time.Millisecond,
	})

	engCtx, stopEngine := context.WithCancel(context.Background())
	g := new(errgroup.Group)
	g.Go(func() error { return eng.Run(engCtx) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(addr, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	runErr := srv.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(sctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	stopEngine()
	_ = g.Wait()

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
