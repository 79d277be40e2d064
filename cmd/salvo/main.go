// Command salvo runs load-generation blocks, either behind the management
// API (serve) or once from a YAML block file (run).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/client/framed"
	"github.com/seantiz/salvo/internal/client/stub"
	"github.com/seantiz/salvo/internal/config"
	"github.com/seantiz/salvo/internal/store"
)

var (
	flagListen       string
	flagDBDriver     string
	flagDBPath       string
	flagDBDSN        string
	flagLogLevel     string
	flagIOLoops      int
	flagSyncInterval time.Duration
	flagWireTrace    bool
)

var rootCmd = &cobra.Command{
	Use:   "salvo",
	Short: "Client-side load generator",
	Long: `salvo drives connection and registration load against a target.

Settings come from SALVO_* environment variables; flags override them.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDBDriver, "db-driver", "", "Stats store driver (sqlite/postgres)")
	pf.StringVar(&flagDBPath, "db-path", "", "SQLite database path")
	pf.StringVar(&flagDBDSN, "db-dsn", "", "PostgreSQL connection string")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug/info/warn/error)")
	pf.IntVar(&flagIOLoops, "io-loops", 0, "Number of I/O loops blocks are spread across")
	pf.DurationVar(&flagSyncInterval, "sync-interval", 0, "Cadence of the stats sync to the store")
	pf.BoolVar(&flagWireTrace, "wire-trace", false, "Trace every framed protocol frame to stderr")

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "HTTP listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the environment and applies the flags that were set on
// the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = flagListen
	}
	if flags.Changed("db-driver") {
		cfg.DBDriver = flagDBDriver
	}
	if flags.Changed("db-path") {
		cfg.DBPath = flagDBPath
	}
	if flags.Changed("db-dsn") {
		cfg.DBDSN = flagDBDSN
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = config.ParseLogLevel(flagLogLevel)
	}
	if flags.Changed("io-loops") {
		if flagIOLoops <= 0 {
			return cfg, fmt.Errorf("--io-loops must be positive")
		}
		cfg.IOLoops = flagIOLoops
	}
	if flags.Changed("sync-interval") {
		if flagSyncInterval <= 0 {
			return cfg, fmt.Errorf("--sync-interval must be positive")
		}
		cfg.SyncInterval = flagSyncInterval
	}
	if cfg.DBDriver == store.DriverPostgres && cfg.DBDSN == "" {
		return cfg, fmt.Errorf("postgres driver requires --db-dsn or SALVO_DB_DSN")
	}
	return cfg, nil
}

// newRegistry registers the protocol clients available to blocks.
func newRegistry() *client.Registry {
	opts := framed.Options{}
	if flagWireTrace {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.DebugLevel)
		opts.Wire = logrus.NewEntry(l)
	}

	reg := client.NewRegistry()
	reg.Register(framed.New(opts))
	reg.Register(stub.New(stub.Options{}))
	return reg
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	s, err := store.Open(ctx, store.Config{
		Driver: cfg.DBDriver,
		Path:   cfg.DBPath,
		DSN:    cfg.DBDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}
