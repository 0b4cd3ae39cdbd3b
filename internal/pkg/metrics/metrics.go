/*
Package metrics declares the Prometheus collectors exported by the gateway on /metrics.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgw"

var (
	// ConnectionsActive is the number of registered live connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Live connections currently held by the presence registry.",
	})

	// UsersOnline is the number of users with at least one live connection.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "users_online",
		Help:      "Users with at least one live connection.",
	})

	// EventsReceived counts inbound client events by type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Inbound client events by type.",
	}, []string{"type"})

	// EventsRejected counts inbound events dropped before relay, by type and reason.
	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rejected_total",
		Help:      "Inbound client events dropped before relay.",
	}, []string{"type", "reason"})

	// FramesRelayed counts outbound frames queued to connections, by type.
	FramesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_relayed_total",
		Help:      "Outbound frames queued to live connections.",
	}, []string{"type"})

	// SendQueueOverflows counts connections closed because their send queue was full.
	SendQueueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_queue_overflows_total",
		Help:      "Connections dropped because their outbound queue was full.",
	})

	// PersistenceFailures counts failed durable writes, by operation.
	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_failures_total",
		Help:      "Durable writes that failed after a successful live relay.",
	}, []string{"op"})

	// BackgroundTasksInflight is the number of running background persistence tasks.
	BackgroundTasksInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "background_tasks_inflight",
		Help:      "Background persistence tasks currently running or waiting for a slot.",
	})

	// PresenceWritesCoalesced counts presence transitions replaced by a newer one for the
	// same user before they reached the store.
	PresenceWritesCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_writes_coalesced_total",
		Help:      "Presence transitions superseded while the presence store was behind.",
	})

	// AuthFailures counts rejected connection handshakes, by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Rejected websocket handshakes.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		EventsReceived,
		EventsRejected,
		FramesRelayed,
		SendQueueOverflows,
		PersistenceFailures,
		BackgroundTasksInflight,
		PresenceWritesCoalesced,
		AuthFailures,
	)
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
