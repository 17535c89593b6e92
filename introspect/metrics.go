package introspect

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's exported instruments. Serve on a nil
// *Metrics is a no-op; Handler and the instrument fields need a non-nil
// value.
type Metrics struct {
	reg *prometheus.Registry

	RegisteredProcesses prometheus.Gauge
	PublisherPorts      prometheus.Gauge
	SubscriberPorts     prometheus.Gauge
	SweepEvictions      prometheus.Counter
	ProtocolErrors      prometheus.Counter
	ChunksInUse         *prometheus.GaugeVec
}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.RegisteredProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmbus", Name: "registered_processes",
		Help: "Live client processes in the registry.",
	})
	m.PublisherPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmbus", Name: "publisher_ports",
		Help: "Live publisher ports.",
	})
	m.SubscriberPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmbus", Name: "subscriber_ports",
		Help: "Live subscriber ports.",
	})
	m.SweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shmbus", Name: "sweep_evictions_total",
		Help: "Monitored processes evicted by the liveness sweep.",
	})
	m.ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shmbus", Name: "protocol_errors_total",
		Help: "Malformed or unknown control messages.",
	})
	m.ChunksInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shmbus", Name: "chunks_in_use",
		Help: "Live chunks per pool, sampled from shared-memory usage counters.",
	}, []string{"segment", "pool"})
	m.reg.MustRegister(m.RegisteredProcesses, m.PublisherPorts, m.SubscriberPorts,
		m.SweepEvictions, m.ProtocolErrors, m.ChunksInUse)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve starts the metrics listener and blocks; the http server's error
// is returned to the caller (the broker logs it).
func (m *Metrics) Serve(addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
