// Package metrics provides Prometheus instrumentation for the whale engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedTradesReceived counts normalized trades per venue, before dedup.
	FeedTradesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_feed_trades_received_total",
		Help: "Normalized trades received from venue feeds",
	}, []string{"venue"})

	// FeedMessagesDropped counts malformed venue messages.
	FeedMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_feed_messages_dropped_total",
		Help: "Venue messages dropped as malformed",
	}, []string{"venue"})

	// FeedConnectionState is 1 while a venue session is connected.
	FeedConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whale_feed_connected",
		Help: "Whether the venue feed is connected (1) or not (0)",
	}, []string{"venue"})

	// FeedReconnects counts failed establishments and dropped sessions.
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_feed_reconnects_total",
		Help: "Feed reconnects scheduled",
	}, []string{"venue"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whale_duplicates_suppressed_total",
		Help: "Trades suppressed as re-deliveries",
	})

	// WhaleTrades counts trades accepted by the classifier.
	WhaleTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_trades_detected_total",
		Help: "Trades accepted as whale trades",
	}, []string{"venue", "side"})

	WalletsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whale_wallets_discovered_total",
		Help: "Wallets promoted to the watchlist by auto-discovery",
	})

	// TrackedWallets is the current watchlist size.
	TrackedWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whale_tracked_wallets",
		Help: "Number of wallets on the watchlist",
	})

	// OpenPositions is the number of inferred whale positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whale_open_positions",
		Help: "Number of open whale positions being tracked",
	})

	PositionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_position_events_total",
		Help: "Whale position lifecycle events",
	}, []string{"event"})

	// CopyAttempts counts copy attempts by outcome.
	CopyAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_copy_attempts_total",
		Help: "Copy attempts recorded, by status",
	}, []string{"status"})

	// ExecutionLatency tracks execution capability round trips.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whale_execution_latency_seconds",
		Help:    "Copy execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side", "outcome"})

	// LanesDisabled is the number of copy lanes halted by a configuration error.
	LanesDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whale_lanes_disabled",
		Help: "Copy lanes disabled by configuration errors",
	})

	// RiskRejections counts copies skipped by the exposure limiter.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_risk_rejections_total",
		Help: "Copies skipped by the exposure limiter",
	}, []string{"limit"})

	// EnrichmentRequests counts position context lookups.
	EnrichmentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_enrichment_requests_total",
		Help: "Position context enrichment requests",
	}, []string{"venue", "outcome"})

	// WebSocketClients tracks connected notification stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whale_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationsDropped counts notifications discarded by slow sinks.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_notifications_dropped_total",
		Help: "Notifications dropped because a sink was full",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whale_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whale_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
