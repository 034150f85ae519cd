package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_created_total",
		Help: "Total sessions created",
	})

	SessionsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_sessions_ended_total",
		Help: "Total sessions torn down after owner disconnect",
	})

	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_joins_total",
		Help: "Total join attempts by outcome",
	}, []string{"outcome"})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_promotions_total",
		Help: "Total queued peers promoted into an active slot",
	})

	// Peer population
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_peers",
		Help: "Peers currently holding an active slot on this instance",
	})

	QueuedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_queued_peers",
		Help: "Peers currently waiting in a queue on this instance",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_received_total",
		Help: "Total signaling messages received",
	})

	// Store health
	StoreLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_store_latency_ms",
		Help:    "Store operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_store_errors_total",
		Help: "Total store errors surfaced to connections",
	})
)

// Helper functions

func RecordJoin(outcome string) {
	JoinsTotal.WithLabelValues(outcome).Inc()
}

func RecordPromotion() {
	PromotionsTotal.Inc()
}

func RecordStoreError() {
	StoreErrorsTotal.Inc()
}

func RecordStoreLatency(d time.Duration) {
	StoreLatencyMs.Observe(float64(d.Nanoseconds()) / 1e6)
}
