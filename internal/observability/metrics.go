package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_coordination"

var (
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_connections", Help: "Open live channels"})
	UsersOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "users_online", Help: "Users with at least one authenticated channel"})

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auth_failures_total", Help: "Rejected credentials by reason"},
		[]string{"reason"},
	)
	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tokens_issued_total", Help: "Token pairs minted"})

	TripTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip status transitions"},
		[]string{"status"},
	)
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers by outcome"},
		[]string{"outcome"},
	)
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "calls_total", Help: "Calls by status"},
		[]string{"status"},
	)
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Connected call duration",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
	})
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_total", Help: "Chat messages stored"},
		[]string{"flagged"},
	)

	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_events_total", Help: "Inbound live-channel events"},
		[]string{"event", "result"},
	)
	BroadcastDropsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_drops_total", Help: "Deliveries that failed during fan-out"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
