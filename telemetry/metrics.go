// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	InboundMessages *prometheus.CounterVec // account, chat_type
	AccessDenied    *prometheus.CounterVec // account, reason
	OutboundChunks  *prometheus.CounterVec // account
	SendFailures    *prometheus.CounterVec // account
	TokenRefreshes  *prometheus.CounterVec // account, result
	ConnectAttempts *prometheus.CounterVec // account, result

	// Histograms (seconds)
	ProbeDuration prometheus.Observer
	ReplyDuration prometheus.Observer

	// Gauges
	ActiveConnections prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_inbound_messages_total", Help: "Chat messages received, by account and chat type"}, []string{"account", "chat_type"})
		AccessDenied = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_access_denied_total", Help: "Inbound messages dropped by access control"}, []string{"account", "reason"})
		OutboundChunks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_outbound_chunks_total", Help: "Chat message chunks sent"}, []string{"account"})
		SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_send_failures_total", Help: "Chat sends that failed"}, []string{"account"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_token_refreshes_total", Help: "OAuth token refresh attempts by result"}, []string{"account", "result"})
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "twitch_connect_attempts_total", Help: "Chat connection attempts by result"}, []string{"account", "result"})
		ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "twitch_probe_duration_seconds", Help: "Connectivity probe duration seconds", Buckets: prometheus.DefBuckets})
		ReplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "twitch_reply_duration_seconds", Help: "Time from inbound message to last reply chunk sent", Buckets: prometheus.DefBuckets})
		ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "twitch_active_connections", Help: "Live chat connections"})
	})
}

// Inc bumps a labelled counter if metrics are initialised.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// AddConnections moves the active connection gauge.
func AddConnections(delta int) {
	if ActiveConnections != nil {
		ActiveConnections.Add(float64(delta))
	}
}

// Observe records d in obs if non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
