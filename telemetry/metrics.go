// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are constructed eagerly so packages can record into them from
// tests without calling Init; Init only registers them.
var (
	once sync.Once

	// Counters
	RelayTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_transitions_total", Help: "Relay supervisor state transitions"}, []string{"from", "to"})
	RelaySessions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_sessions_started_total", Help: "Relay sessions that reached the running state"})
	RelayFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_failures_total", Help: "Relay launch failures and unexpected exits"}, []string{"class"})
	RelayExhausted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_retries_exhausted_total", Help: "Times the retry ceiling was hit"})
	ProbeFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "probe_failures_total", Help: "Probe calls that produced an unknown state"}, []string{"kind"})
	ChatCommands     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chat_commands_total", Help: "Chat lines parsed as commands by outcome"}, []string{"result"})
	ChatQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "chat_queue_dropped_total", Help: "Retarget events dropped on queue overflow"})
	CollisionBlocks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "collision_blocks_total", Help: "Relay starts deferred by the collision guard"})
	PollCycles       = prometheus.NewCounter(prometheus.CounterOpts{Name: "poll_cycles_total", Help: "Completed poll cycles"})

	// Histograms (seconds)
	PollDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "poll_duration_seconds", Help: "Wall time of one poll cycle", Buckets: prometheus.DefBuckets})
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_session_duration_seconds", Help: "Length of relay sessions", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800}})

	// Gauges
	RelayState       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_state", Help: "Current supervisor state (0=idle 1=candidate 2=starting 3=relaying 4=stopping 5=backoff)"})
	DegradedEntities = prometheus.NewGauge(prometheus.GaugeOpts{Name: "probe_degraded_entities", Help: "Entities with consecutive unknown probe results past the threshold"})
	ChatAccepting    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chat_accepting", Help: "1 while chat commands are accepted"})
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RelayTransitions, RelaySessions, RelayFailures, RelayExhausted,
			ProbeFailures, ChatCommands, ChatQueueDropped, CollisionBlocks, PollCycles,
			PollDuration, SessionDuration,
			RelayState, DegradedEntities, ChatAccepting,
		)
	})
}

// SetBool sets g to 1 when v is true, else 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
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

// WithCorrelation returns a new context carrying the correlation id.
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
