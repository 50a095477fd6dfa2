// Package metrics registers the broker's Prometheus collectors and serves
// them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of broker instrumentation. One instance exists
// per process; components receive it at construction.
type Metrics struct {
	registry *prometheus.Registry

	// AttachedRunners tracks the number of runners with a live session.
	AttachedRunners prometheus.Gauge

	// CommandsDispatched counts commands by type and outcome
	// ("ack", "timeout", "disconnected", "expired", "queue_full").
	CommandsDispatched *prometheus.CounterVec

	// EventsRouted counts runner events by type.
	EventsRouted *prometheus.CounterVec

	// SubscribersDropped counts event subscribers dropped for lagging.
	SubscribersDropped prometheus.Counter

	// QueueDepth tracks commands waiting in each attached runner's queue.
	QueueDepth *prometheus.GaugeVec

	// UIClients tracks connected UI WebSocket clients.
	UIClients prometheus.Gauge

	// PortsReserved tracks unreleased port reservations.
	PortsReserved prometheus.Gauge
}

// New creates and registers the broker's collectors on a fresh registry,
// alongside the standard process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AttachedRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryvibe_attached_runners",
			Help: "Number of runners with a live broker session.",
		}),
		CommandsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryvibe_commands_dispatched_total",
				Help: "Commands dispatched to runners, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		EventsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryvibe_events_routed_total",
				Help: "Runner events routed to subscribers, by type.",
			},
			[]string{"type"},
		),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryvibe_subscribers_dropped_total",
			Help: "Event subscribers dropped for not keeping up.",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentryvibe_command_queue_depth",
				Help: "Commands waiting in each attached runner's queue.",
			},
			[]string{"runner_id"},
		),
		UIClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryvibe_ui_clients",
			Help: "Connected UI WebSocket clients.",
		}),
		PortsReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryvibe_ports_reserved",
			Help: "Unreleased dev-server port reservations.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AttachedRunners,
		m.CommandsDispatched,
		m.EventsRouted,
		m.SubscribersDropped,
		m.QueueDepth,
		m.UIClients,
		m.PortsReserved,
	)
	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
