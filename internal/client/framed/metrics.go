package framed

import "github.com/prometheus/client_golang/prometheus"

var (
	dialDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salvo_framed_dial_seconds",
			Help:    "Duration of framed transport dial plus hello exchange, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salvo_framed_frames_total",
			Help: "Frames exchanged by the framed client, by direction and type.",
		},
		[]string{"direction", "type"},
	)
)

func init() {
	prometheus.MustRegister(dialDuration)
	prometheus.MustRegister(framesTotal)
}
