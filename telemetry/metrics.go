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
	TokenCacheHits     prometheus.Counter
	TokenCacheMisses   prometheus.Counter
	TokenIssueCalls    prometheus.Counter
	TokenIssueFailures prometheus.Counter
	InstallsSucceeded  prometheus.Counter
	InstallsRejected   prometheus.Counter
	CommandsHandled    prometheus.Counter
	UpdatesPublished   prometheus.Counter
	NotifyFailures     prometheus.Counter

	// Histograms (seconds)
	TokenIssueDuration prometheus.Observer
	CommandDuration    prometheus.Observer

	// Gauges
	LiveConnectionsGauge prometheus.Gauge
	SubscriptionsGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_token_cache_hits_total", Help: "Token cache hits"})
		TokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_token_cache_misses_total", Help: "Token cache misses"})
		TokenIssueCalls = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_token_issue_calls_total", Help: "Upstream token issuance calls"})
		TokenIssueFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_token_issue_failures_total", Help: "Failed upstream token issuance calls"})
		InstallsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_installs_succeeded_total", Help: "Successful add-on installations"})
		InstallsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_installs_rejected_total", Help: "Rejected add-on installations"})
		CommandsHandled = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_commands_handled_total", Help: "Standup webhook commands handled"})
		UpdatesPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_updates_published_total", Help: "Live update events published to the bus"})
		NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "standup_notify_failures_total", Help: "Failed room notification sends"})
		TokenIssueDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "standup_token_issue_duration_seconds", Help: "Token issuance duration seconds", Buckets: prometheus.DefBuckets})
		CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "standup_command_duration_seconds", Help: "Webhook command handling duration seconds", Buckets: prometheus.DefBuckets})
		LiveConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "standup_live_connections", Help: "Currently open live update connections"})
		SubscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "standup_bus_subscriptions", Help: "Currently subscribed bus channels"})
	})
}

// Inc increments counter if registered (Init may be skipped in tests).
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddGauge adds delta to a gauge if registered.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
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
