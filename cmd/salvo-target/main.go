// Command salvo-target is an echo target for the framed protocol. It accepts
// connections over tcp, and optionally vsock and websocket, and acks every
// request.
//
// Build for a guest with: CGO_ENABLED=0 GOOS=linux go build -o salvo-target ./cmd/salvo-target
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/salvo/internal/config"
	"github.com/seantiz/salvo/internal/target"
)

const httpShutdownTimeout = 5 * time.Second

var (
	flagListen          string
	flagVsockPort       uint32
	flagHTTP            string
	flagRejectPrefix    string
	flagRejectRetryable bool
	flagLogLevel        string
)

var rootCmd = &cobra.Command{
	Use:   "salvo-target",
	Short: "Echo target for the framed protocol",
	Long: `salvo-target accepts framed protocol connections and acks every request.

Registrations can be rejected by username prefix to exercise retry and
failure handling in the load generator.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runTarget,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagListen, "listen", "l", ":5060", "TCP listen address (empty disables)")
	f.Uint32Var(&flagVsockPort, "vsock-port", 0, "vsock port to listen on (0 disables)")
	f.StringVar(&flagHTTP, "http", "", "Address serving /ws and /stats (empty disables)")
	f.StringVar(&flagRejectPrefix, "reject-prefix", "", "Reject registrations whose username has this prefix")
	f.BoolVar(&flagRejectRetryable, "reject-retryable", false, "Mark rejections as retryable")
	f.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug/info/warn/error)")
}

// rejectPolicy builds the registration policy for a username prefix. An
// empty prefix accepts everything.
func rejectPolicy(prefix string, retryable bool) target.RejectFunc {
	if prefix == "" {
		return nil
	}
	return func(_, username string) target.Decision {
		if strings.HasPrefix(username, prefix) {
			return target.Decision{Reject: true, Retryable: retryable, Reason: "rejected by policy"}
		}
		return target.Decision{}
	}
}

func runTarget(cmd *cobra.Command, _ []string) error {
	if flagListen == "" && flagVsockPort == 0 && flagHTTP == "" {
		return fmt.Errorf("nothing to serve: set --listen, --vsock-port or --http")
	}

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(flagLogLevel))
	srv := target.New(rejectPolicy(flagRejectPrefix, flagRejectRetryable), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if flagListen != "" {
		l, err := net.Listen("tcp", flagListen)
		if err != nil {
			return fmt.Errorf("tcp listen on %s: %w", flagListen, err)
		}
		logger.Info("salvo-target listening", "network", "tcp", "addr", l.Addr().String())
		g.Go(func() error { return srv.Serve(l) })
	}

	if flagVsockPort != 0 {
		l, err := target.ListenVsock(flagVsockPort)
		if err != nil {
			return err
		}
		logger.Info("salvo-target listening", "network", "vsock", "port", flagVsockPort)
		g.Go(func() error { return srv.Serve(l) })
	}

	var httpServer *http.Server
	if flagHTTP != "" {
		httpServer = &http.Server{Addr: flagHTTP, Handler: newRouter(srv, logger), ReadHeaderTimeout: 10 * time.Second}
		logger.Info("salvo-target listening", "network", "http", "addr", flagHTTP)
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if httpServer != nil {
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = httpServer.Shutdown(sctx)
		}
		return srv.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	st := srv.Stats()
	logger.Info("salvo-target stopped",
		"connections", st.Connections,
		"registrations", st.Registrations,
		"rejections", st.Rejections,
	)
	return nil
}

func newRouter(srv *target.Server, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", srv.WebSocketHandler())
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(srv.Stats()); err != nil {
			logger.Error("encode stats", "error", err)
		}
	})
	return r
}
