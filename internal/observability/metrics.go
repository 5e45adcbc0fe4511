package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	TurnsTotal     *prometheus.CounterVec
	TurnFailures   *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	MemoryRecords  prometheus.Gauge
	MemoryEvents   *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec

	turnWindow *TurnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		TurnFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_failures_total",
			Help:      "Failed turns by failure kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		MemoryRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_records",
			Help:      "Number of records in the memory store.",
		}),
		MemoryEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_events_total",
			Help:      "Memory store events by type.",
		}, []string{"event"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1200, 2000, 3500, 6000},
		}, []string{"stage"}),
		turnWindow: NewTurnStageWindow(0),
	}
}

// ObserveTurnStage records one stage duration in both the Prometheus
// histogram and the rolling perf window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.turnWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.turnWindow.ObserveIndicator(name)
}

// TurnStagesSnapshot returns the rolling per-stage latency stats served at
// the perf endpoint.
func (m *Metrics) TurnStagesSnapshot() TurnStageSnapshot {
	return m.turnWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.turnWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
