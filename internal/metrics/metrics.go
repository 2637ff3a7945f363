// Package metrics exposes relay counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonMalformed   = "malformed"
	ReasonUnknown     = "unknown_event"
	ReasonWriteFailed = "write_failed"
)

type Metrics struct {
	registry *prometheus.Registry

	Sockets prometheus.Gauge
	Rooms   prometheus.Gauge
	Relayed *prometheus.CounterVec
	Dropped *prometheus.CounterVec
}

// New builds a metrics set on its own registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabsync",
			Subsystem: "relay",
			Name:      "sockets",
			Help:      "Connected sockets.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabsync",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one connection.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "relay",
			Name:      "events_relayed_total",
			Help:      "Events fanned out to a room, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabsync",
			Subsystem: "relay",
			Name:      "events_dropped_total",
			Help:      "Inbound events discarded, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.Sockets,
		m.Rooms,
		m.Relayed,
		m.Dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRelayed(kind string) {
	m.Relayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
