package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/salvo/internal/block"
	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/engine"
	"github.com/seantiz/salvo/internal/model"
	"github.com/seantiz/salvo/internal/stats"
)

const unmatched = "unmatched"

// Control operations counted per block.
const (
	opStart               = "start"
	opStop                = "stop"
	opRegister            = "register"
	opUnregister          = "unregister"
	opCancelRegistrations = "cancel_registrations"
	opDynamicLoad         = "dynamic_load"
	opClearStats          = "clear_stats"
	opDelete              = "delete"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvo_api_requests_total",
			Help: "Management API requests by route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salvo_api_request_duration_seconds",
			Help:    "Management API request latency by route.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	blockOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvo_block_operations_total",
			Help: "Control operations issued to a block by outcome.",
		},
		[]string{"block_id", "operation", "result"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal, apiRequestDuration, blockOperationsTotal)
}

// operationResult classifies an engine error the way writeEngineError maps
// it to a status code.
func operationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, engine.ErrBlockNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidSpec), errors.Is(err, client.ErrUnknownProtocol):
		return "invalid"
	case errors.Is(err, block.ErrRunning),
		errors.Is(err, block.ErrRegistrationActive),
		errors.Is(err, block.ErrClosed):
		return "conflict"
	}
	return "error"
}

// observeOperation counts one control operation against a block. Unknown
// ids are folded into one series so stray requests cannot grow the label set.
func observeOperation(id, op string, err error) {
	if errors.Is(err, engine.ErrBlockNotFound) {
		id = unmatched
	}
	blockOperationsTotal.WithLabelValues(id, op, operationResult(err)).Inc()
}

// forgetBlock drops the operation series of a deleted block.
func forgetBlock(id string) {
	blockOperationsTotal.DeletePartialMatch(prometheus.Labels{"block_id": id})
}

// metricsMiddleware records request count and latency keyed by the chi
// route pattern, never the raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routePattern(r)
		apiRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		apiRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler serves the default registry together with the engine's
// block stats. An engine built with a private collector is gathered from
// its own registry.
func (s *Server) metricsHandler() http.Handler {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if c := s.engine.Collector(); c != nil && c != stats.DefaultCollector {
		reg := prometheus.NewRegistry()
		reg.MustRegister(c)
		gatherers = append(gatherers, reg)
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{ErrorLog: slogErrorLog{s}})
}

// slogErrorLog adapts the server logger to promhttp's error logger.
type slogErrorLog struct{ s *Server }

func (l slogErrorLog) Println(v ...any) {
	l.s.logger.Error("serve metrics", "error", v)
}
