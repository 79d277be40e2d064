package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	intendedDesc = prometheus.NewDesc(
		"salvo_block_intended_load",
		"Intended load of a block by strategy.",
		[]string{"block", "kind"}, nil,
	)
	activeDesc = prometheus.NewDesc(
		"salvo_block_active_connections",
		"Open connections of a block, pending ones included.",
		[]string{"block"}, nil,
	)
	connectionsDesc = prometheus.NewDesc(
		"salvo_block_connections_total",
		"Connection counters of a block by outcome.",
		[]string{"block", "outcome"}, nil,
	)
	registrationsDesc = prometheus.NewDesc(
		"salvo_block_registrations_total",
		"Registration counters of a block by outcome.",
		[]string{"block", "outcome"}, nil,
	)
	responseDesc = prometheus.NewDesc(
		"salvo_block_response_time_ms",
		"Registration response time of a block.",
		[]string{"block", "stat"}, nil,
	)
)

// Collector exports attached accumulators as Prometheus metrics. Values are
// read with Snapshot, so scraping never triggers a sync.
type Collector struct {
	mu     sync.RWMutex
	blocks map[string]*Accumulator
}

// DefaultCollector is registered with the default Prometheus registry.
var DefaultCollector = NewCollector()

func init() {
	prometheus.MustRegister(DefaultCollector)
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{blocks: make(map[string]*Accumulator)}
}

// Attach exports a under the given block id.
func (c *Collector) Attach(id string, a *Accumulator) {
	c.mu.Lock()
	c.blocks[id] = a
	c.mu.Unlock()
}

// Detach stops exporting the block.
func (c *Collector) Detach(id string) {
	c.mu.Lock()
	delete(c.blocks, id)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- intendedDesc
	ch <- activeDesc
	ch <- connectionsDesc
	ch <- registrationsDesc
	ch <- responseDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, a := range c.blocks {
		s := a.Snapshot()
		gauge := func(desc *prometheus.Desc, v float64, label string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, id, label)
		}
		counter := func(desc *prometheus.Desc, v uint64, label string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), id, label)
		}

		gauge(intendedDesc, float64(s.IntendedLoad), "load")
		gauge(intendedDesc, float64(s.IntendedRegistrationLoad), "registration")

		ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(s.ActiveConnections), id)
		counter(connectionsDesc, s.AttemptedConnections, "attempted")
		counter(connectionsDesc, s.SuccessfulConnections, "successful")
		counter(connectionsDesc, s.UnsuccessfulConnections, "unsuccessful")
		counter(connectionsDesc, s.AbortedConnections, "aborted")

		counter(registrationsDesc, s.RegistrationAttempts, "attempted")
		counter(registrationsDesc, s.RegistrationSuccesses, "succeeded")
		counter(registrationsDesc, s.RegistrationFailures, "failed")

		gauge(responseDesc, float64(s.ResponseTimeMinMS), "min")
		gauge(responseDesc, float64(s.ResponseTimeMaxMS), "max")
		gauge(responseDesc, s.ResponseTimeAvgMS, "avg")
	}
}
