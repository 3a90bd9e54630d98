package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var transportStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaychat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	httpUpgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "http",
			Name:      "upgrades_total",
			Help:      "Relay sessions carried over upgraded HTTP connections.",
		},
		[]string{"node", "path", "transport"},
	)
	transportState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaychat",
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current connection state of a session transport (1 for the active state).",
		},
		[]string{"transport", "state"},
	)
	transportReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect scheduling outcomes.",
		},
		[]string{"transport", "outcome"},
	)
	transportQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaychat",
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Envelopes waiting in the offline queue.",
		},
		[]string{"transport"},
	)
	transportEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "transport",
			Name:      "envelopes_total",
			Help:      "Envelopes handled by a session transport.",
		},
		[]string{"transport", "direction", "kind", "outcome"},
	)
	relaySessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Sessions currently attached to the relay.",
		},
		[]string{"node", "transport"},
	)
	relayEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "envelopes_total",
			Help:      "Envelopes routed by the relay.",
		},
		[]string{"node", "kind", "outcome"},
	)
	relayHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaychat",
			Subsystem: "relay",
			Name:      "handshakes_total",
			Help:      "Relay session handshakes by result.",
		},
		[]string{"node", "transport", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			httpUpgrades,
			transportState,
			transportReconnects,
			transportQueueDepth,
			transportEnvelopes,
			relaySessions,
			relayEnvelopes,
			relayHandshakes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHTTPUpgrade counts an upgraded request as a 101 and by transport.
func RecordHTTPUpgrade(node, path, transport string) {
	RegisterMetrics()
	if transport == "" {
		transport = "unknown"
	}
	httpRequests.WithLabelValues(node, http.MethodGet, path, strconv.Itoa(http.StatusSwitchingProtocols)).Inc()
	httpUpgrades.WithLabelValues(node, path, transport).Inc()
}

func RecordTransportState(transport, state string) {
	RegisterMetrics()
	for _, s := range transportStates {
		v := 0.0
		if s == state {
			v = 1
		}
		transportState.WithLabelValues(transport, s).Set(v)
	}
}

func RecordTransportReconnect(transport, outcome string) {
	RegisterMetrics()
	transportReconnects.WithLabelValues(transport, outcome).Inc()
}

func RecordTransportQueueDepth(transport string, depth int) {
	RegisterMetrics()
	transportQueueDepth.WithLabelValues(transport).Set(float64(depth))
}

func RecordTransportEnvelope(transport, direction, kind, outcome string) {
	RegisterMetrics()
	transportEnvelopes.WithLabelValues(transport, direction, kind, outcome).Inc()
}

func RecordRelaySessions(node, transport string, delta int) {
	RegisterMetrics()
	relaySessions.WithLabelValues(node, transport).Add(float64(delta))
}

func RecordRelayEnvelope(node, kind, outcome string) {
	RegisterMetrics()
	relayEnvelopes.WithLabelValues(node, kind, outcome).Inc()
}

func RecordRelayHandshake(node, transport string, accepted bool) {
	RegisterMetrics()
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	relayHandshakes.WithLabelValues(node, transport, result).Inc()
}
