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
	CommandsTotal      *prometheus.CounterVec // outcome
	ReconcileRuns      *prometheus.CounterVec // result: ok|partial|error|skipped
	ReconcileActions   *prometheus.CounterVec // action: join|part, result: ok|error
	PlatformRequests   *prometheus.CounterVec // endpoint, status
	TokenRefreshes     *prometheus.CounterVec // trigger: reactive|proactive, result: ok|rejected|error
	OverlayEventsTotal *prometheus.CounterVec // source: local|relay
	TenantsDeactivated prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer
	CommandDuration   prometheus.Observer

	// Gauges
	JoinedChannels     prometheus.Gauge
	OverlaySubscribers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_commands_total", Help: "Shoutout commands handled by outcome"}, []string{"outcome"})
		ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_reconcile_runs_total", Help: "Membership reconciliation runs by result"}, []string{"result"})
		ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_reconcile_actions_total", Help: "Join and part actions issued by the reconciler"}, []string{"action", "result"})
		PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_platform_requests_total", Help: "Helix requests by endpoint and HTTP status"}, []string{"endpoint", "status"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_token_refreshes_total", Help: "Tenant token refreshes by trigger and result"}, []string{"trigger", "result"})
		OverlayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shoutclip_overlay_events_total", Help: "Clip events delivered to overlay subscribers"}, []string{"source"})
		TenantsDeactivated = promauto.NewCounter(prometheus.CounterOpts{Name: "shoutclip_tenants_deactivated_total", Help: "Tenants deactivated after their credential was rejected"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "shoutclip_reconcile_duration_seconds", Help: "Reconciliation run duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}})
		CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "shoutclip_command_duration_seconds", Help: "Shoutout command duration seconds", Buckets: prometheus.DefBuckets})
		JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "shoutclip_joined_channels", Help: "Channels the bot is currently joined to"})
		OverlaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "shoutclip_overlay_subscribers", Help: "Connected overlay websocket clients"})
	})
}

// IncCommand counts one handled command.
func IncCommand(outcome string) {
	if CommandsTotal != nil {
		CommandsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncReconcileRun counts one reconciliation attempt.
func IncReconcileRun(result string) {
	if ReconcileRuns != nil {
		ReconcileRuns.WithLabelValues(result).Inc()
	}
}

// IncReconcileAction counts one join or part.
func IncReconcileAction(action, result string) {
	if ReconcileActions != nil {
		ReconcileActions.WithLabelValues(action, result).Inc()
	}
}

// IncPlatformRequest counts one Helix response; status is the HTTP code or "error".
func IncPlatformRequest(endpoint, status string) {
	if PlatformRequests != nil {
		PlatformRequests.WithLabelValues(endpoint, status).Inc()
	}
}

// IncTokenRefresh counts one refresh attempt.
func IncTokenRefresh(trigger, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(trigger, result).Inc()
	}
}

// IncOverlayEvent counts one event fanned out to local subscribers.
func IncOverlayEvent(source string) {
	if OverlayEventsTotal != nil {
		OverlayEventsTotal.WithLabelValues(source).Inc()
	}
}

// IncTenantDeactivated counts a tenant switched off after a rejected credential.
func IncTenantDeactivated() {
	if TenantsDeactivated != nil {
		TenantsDeactivated.Inc()
	}
}

// SetJoinedChannels records the size of the live membership set.
func SetJoinedChannels(n int) {
	if JoinedChannels != nil {
		JoinedChannels.Set(float64(n))
	}
}

// AddOverlaySubscribers adjusts the connected overlay client gauge.
func AddOverlaySubscribers(delta int) {
	if OverlaySubscribers != nil {
		OverlaySubscribers.Add(float64(delta))
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

// ObserveSince records the time elapsed since start in obs if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) {
	if obs != nil {
		obs.Observe(time.Since(start).Seconds())
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
