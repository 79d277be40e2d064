package lifecycle

import "github.com/prometheus/client_golang/prometheus"

// Close reasons used as metric labels.
const (
	reasonReaped = "reaped"
	reasonRemote = "remote"
	reasonFailed = "failed"
	reasonRetire = "retired"
)

var (
	connectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salvo_connect_seconds",
			Help:    "Time from connect issue to transport established, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	connectionsSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvo_connections_spawned_total",
			Help: "Connection attempts issued by the lifecycle manager.",
		},
		[]string{"purpose"},
	)

	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvo_connections_closed_total",
			Help: "Connections removed by the lifecycle manager, by purpose and reason.",
		},
		[]string{"purpose", "reason"},
	)
)

func init() {
	prometheus.MustRegister(connectDuration)
	prometheus.MustRegister(connectionsSpawned)
	prometheus.MustRegister(connectionsClosed)

	// Pre-initialize label combinations so they show up at zero.
	for _, p := range []Purpose{PurposeLoad, PurposeRegister, PurposeUnregister} {
		connectionsSpawned.WithLabelValues(p.String())
		for _, r := range []string{reasonReaped, reasonRemote, reasonFailed, reasonRetire} {
			connectionsClosed.WithLabelValues(p.String(), r)
		}
	}
}
