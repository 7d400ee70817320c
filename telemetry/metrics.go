// Package telemetry provides Prometheus metrics, tracing setup, and
// correlation-id aware logging helpers.
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
	Reconnects    prometheus.Counter
	LinesReceived prometheus.Counter
	LinesSent     prometheus.Counter
	PingsAnswered prometheus.Counter

	AdmissionAllowed prometheus.Counter
	AdmissionDenied  *prometheus.CounterVec

	// Histograms (seconds)
	ThrottleWait prometheus.Observer

	// Gauges
	QueueDepthGauge      prometheus.Gauge
	ConnStateGauge       prometheus.Gauge // numeric lifecycle state, see irc.State
	TrackedUsersGauge    prometheus.Gauge
	TrackedChannelsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_irc_reconnects_total", Help: "Number of reconnect cycles entered after a session failure"})
		LinesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_irc_lines_received_total", Help: "Number of raw lines read from the IRC socket"})
		LinesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_irc_lines_sent_total", Help: "Number of PRIVMSG lines written to the IRC socket"})
		PingsAnswered = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_irc_pings_answered_total", Help: "Number of keepalive PINGs answered with PONG"})
		AdmissionAllowed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_admission_allowed_total", Help: "Number of command admission checks that passed"})
		AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_admission_denied_total", Help: "Number of command admission checks denied, by reason"}, []string{"reason"})
		ThrottleWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_irc_throttle_wait_seconds", Help: "Time spent waiting for the outbound throttle window to open", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_irc_queue_depth", Help: "Current number of queued outbound messages"})
		ConnStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_irc_connection_state", Help: "Connection lifecycle state (0=idle 1=connecting 2=authenticating 3=ready 4=closing 5=reconnecting)"})
		TrackedUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_admission_tracked_users", Help: "Users currently tracked by the admission controller"})
		TrackedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_admission_tracked_channels", Help: "Channels currently tracked by the admission controller"})
	})
}

// CountReconnect records entry into a reconnect/backoff cycle.
func CountReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// CountLineReceived records one raw inbound line.
func CountLineReceived() {
	if LinesReceived != nil {
		LinesReceived.Inc()
	}
}

// CountLineSent records one outbound PRIVMSG line.
func CountLineSent() {
	if LinesSent != nil {
		LinesSent.Inc()
	}
}

// CountPingAnswered records one keepalive answered.
func CountPingAnswered() {
	if PingsAnswered != nil {
		PingsAnswered.Inc()
	}
}

// SetQueueDepth records the current outbound queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetConnState records the numeric connection lifecycle state.
func SetConnState(state int) {
	if ConnStateGauge != nil {
		ConnStateGauge.Set(float64(state))
	}
}

// ObserveThrottleWait records a throttle sleep duration.
func ObserveThrottleWait(d time.Duration) {
	if ThrottleWait != nil {
		ThrottleWait.Observe(d.Seconds())
	}
}

// CountAdmission records the outcome of one admission check. reason labels
// denials only (e.g. user_cooldown, channel_rate, invalid_input).
func CountAdmission(allowed bool, reason string) {
	if allowed {
		if AdmissionAllowed != nil {
			AdmissionAllowed.Inc()
		}
		return
	}
	if AdmissionDenied != nil {
		AdmissionDenied.WithLabelValues(reason).Inc()
	}
}

// SetTrackedEntities records admission controller map sizes.
func SetTrackedEntities(users, channels int) {
	if TrackedUsersGauge != nil {
		TrackedUsersGauge.Set(float64(users))
	}
	if TrackedChannelsGauge != nil {
		TrackedChannelsGauge.Set(float64(channels))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
