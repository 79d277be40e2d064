package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/salvo/internal/config"
	"github.com/seantiz/salvo/internal/engine"
	"github.com/seantiz/salvo/internal/model"
)

var (
	flagDuration time.Duration
	flagRegister bool
	flagOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run the blocks defined in a YAML file",
	Long: `Create and start every block in FILE, wait, then print their stats.

The run ends when every block has stopped (auto_stop), when --duration
elapses, or on interrupt.`,
	Example: `  salvo run blocks.yaml --duration 2m
  salvo run blocks.yaml --register -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFile(cmd, args[0])
	},
}

func init() {
	runCmd.Flags().DurationVarP(&flagDuration, "duration", "d", 0, "Stop all blocks after this long (0 waits for auto-stop or interrupt)")
	runCmd.Flags().BoolVar(&flagRegister, "register", false, "Register every block's entities before starting load")
	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "text", "Output format (text/json)")
}

// blockResult is one block's final stats.
type blockResult struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Stats model.Stats `json:"stats"`
}

func runFile(cmd *cobra.Command, path string) error {
	if flagOutput != "text" && flagOutput != "json" {
		return fmt.Errorf("unknown output format %q", flagOutput)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	specs, err := config.LoadBlockFile(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	eng, shutdown := startEngine(cfg, db, logger)
	defer shutdown()

	blocks := make([]*model.Block, 0, len(specs))
	for _, spec := range specs {
		blk, err := eng.CreateBlock(ctx, spec)
		if err != nil {
			return fmt.Errorf("create block %q: %w", spec.Name, err)
		}
		blocks = append(blocks, blk)
	}

	if flagRegister {
		if err := registerAll(ctx, eng, blocks, logger); err != nil {
			return err
		}
	}

	if err := startAll(ctx, eng, blocks); err != nil {
		return err
	}

	waitCtx := ctx
	if flagDuration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, flagDuration)
		defer cancel()
	}
	if err := waitStopped(waitCtx, eng, blocks); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	results := make([]blockResult, 0, len(blocks))
	for _, blk := range blocks {
		if err := eng.Stop(sctx, blk.ID); err != nil {
			logger.Error("stop block", "block_id", blk.ID, "error", err)
		}
		s, err := eng.Stats(sctx, blk.ID)
		if err != nil {
			return fmt.Errorf("stats for %s: %w", blk.ID, err)
		}
		results = append(results, blockResult{ID: blk.ID, Name: blk.Name, Stats: s})
	}

	return printResults(cmd.OutOrStdout(), results)
}

// registerAll runs the registration workflow on every block and waits for
// each to complete.
func registerAll(ctx context.Context, eng *engine.Engine, blocks []*model.Block, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, blk := range blocks {
		ch, unsub := eng.Broker().Subscribe(blk.ID)
		if err := eng.Register(blk.ID); err != nil {
			unsub()
			return fmt.Errorf("register %s: %w", blk.ID, err)
		}
		g.Go(func() error {
			defer unsub()
			ev, err := waitEvent(gctx, ch, func(ev engine.Event) bool {
				return ev.Type == engine.EventRegCompleted
			})
			if err != nil {
				return err
			}
			logger.Info("block registered", "block_id", blk.ID, "result", ev.Data)
			return nil
		})
	}
	return g.Wait()
}

func startAll(ctx context.Context, eng *engine.Engine, blocks []*model.Block) error {
	for _, blk := range blocks {
		if err := eng.Start(ctx, blk.ID); err != nil {
			return fmt.Errorf("start %s: %w", blk.ID, err)
		}
	}
	return nil
}

// waitStopped returns once every block has stopped. Blocks stop on their
// own only with auto_stop set, so without it this waits for ctx.
func waitStopped(ctx context.Context, eng *engine.Engine, blocks []*model.Block) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, blk := range blocks {
		ch, unsub := eng.Broker().Subscribe(blk.ID)
		// The block may have stopped before the subscription.
		if rec, err := eng.GetBlock(ctx, blk.ID); err == nil && rec.Status == model.StatusStopped {
			unsub()
			continue
		}
		g.Go(func() error {
			defer unsub()
			_, err := waitEvent(gctx, ch, isStopped)
			return err
		})
	}
	return g.Wait()
}

func isStopped(ev engine.Event) bool {
	if ev.Type != engine.EventStatus {
		return false
	}
	data, ok := ev.Data.(map[string]string)
	return ok && data["status"] == model.StatusStopped
}

// waitEvent reads ch until match accepts an event. A closed channel means
// the block was deleted.
func waitEvent(ctx context.Context, ch <-chan engine.Event, match func(engine.Event) bool) (engine.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return engine.Event{}, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return engine.Event{}, engine.ErrBlockNotFound
			}
			if match(ev) {
				return ev, nil
			}
		}
	}
}

func printResults(w io.Writer, results []blockResult) error {
	if flagOutput == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tNAME\tATTEMPTED\tSUCCESSFUL\tFAILED\tABORTED\tREG OK\tREG FAIL\tRT AVG (ms)")
	for _, r := range results {
		s := r.Stats
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f\n",
			r.ID, r.Name,
			s.AttemptedConnections, s.SuccessfulConnections, s.UnsuccessfulConnections, s.AbortedConnections,
			s.RegistrationSuccesses, s.RegistrationFailures, s.ResponseTimeAvgMS,
		)
	}
	return tw.Flush()
}
