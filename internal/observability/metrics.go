// Package observability exposes process metrics and the logging setup
// shared by the CLI commands. Metrics are Prometheus collectors fed
// from three integration points: the controller (turns), a backend
// wrapper (LLM latency by role and backend), and the trace writer's
// event observer (everything the runtime already records as evidence).
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/spectator/internal/backend"
	"github.com/haasonsaas/spectator/internal/trace"
	"github.com/haasonsaas/spectator/pkg/models"
)

// Metrics holds every collector the runtime records into.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: status (ok|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestCounter counts backend completions.
	// Labels: role, backend, status (ok|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures backend completion latency in seconds.
	// Labels: role, backend
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool executions.
	// Labels: tool, status (ok|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// SanitizerStrips counts sanitizer removals by marker kind.
	SanitizerStrips *prometheus.CounterVec

	// TraceEvents counts appended trace events by kind.
	TraceEvents *prometheus.CounterVec
}

// NewMetrics registers all collectors with the default registry. Call
// once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors with reg. Tests pass a fresh
// registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectator_turns_total",
				Help: "Total turns run, by outcome",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spectator_turn_duration_seconds",
				Help:    "Whole-turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectator_llm_requests_total",
				Help: "Total backend completions, by role, backend, and outcome",
			},
			[]string{"role", "backend", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectator_llm_request_duration_seconds",
				Help:    "Backend completion latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"role", "backend"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectator_tool_executions_total",
				Help: "Total tool executions, by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectator_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		SanitizerStrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectator_sanitizer_strips_total",
				Help: "Total sanitizer removals, by marker kind",
			},
			[]string{"kind"},
		),
		TraceEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectator_trace_events_total",
				Help: "Total trace events appended, by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordTurn records one finished turn.
func (m *Metrics) RecordTurn(status string, seconds float64) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(seconds)
}

// RecordLLMRequest records one backend completion.
func (m *Metrics) RecordLLMRequest(role, backendName, status string, seconds float64) {
	if role == "" {
		role = "unknown"
	}
	m.LLMRequestCounter.WithLabelValues(role, backendName, status).Inc()
	m.LLMRequestDuration.WithLabelValues(role, backendName).Observe(seconds)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// ObserveEvent feeds the event-derived collectors. It satisfies
// trace.Observer, so installing it on a run's writer counts every
// event the runtime records, plus tool executions and sanitizer strips
// carried in event payloads.
func (m *Metrics) ObserveEvent(kind models.EventKind, data map[string]any) {
	m.TraceEvents.WithLabelValues(string(kind)).Inc()

	switch kind {
	case models.EventToolDone:
		tool, _ := data["tool"].(string)
		if tool == "" {
			tool = "unknown"
		}
		status := "error"
		if ok, _ := data["ok"].(bool); ok {
			status = "ok"
		}
		seconds := 0.0
		if ms, ok := asFloat(data["duration_ms"]); ok {
			seconds = ms / 1000
		}
		m.RecordToolExecution(tool, status, seconds)
	case models.EventSanitize:
		for _, marker := range removedKinds(data["removed"]) {
			m.SanitizerStrips.WithLabelValues(marker).Inc()
		}
	}
}

// asFloat accepts the numeric types an event payload can carry:
// executors record live Go integers, JSON round-trips yield float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func removedKinds(v any) []string {
	switch removed := v.(type) {
	case []string:
		return removed
	case []any:
		kinds := make([]string, 0, len(removed))
		for _, item := range removed {
			if s, ok := item.(string); ok {
				kinds = append(kinds, s)
			}
		}
		return kinds
	}
	return nil
}

// InstrumentBackend wraps b so every completion is timed and counted
// under backendName. Slot resets pass through to the wrapped backend.
func (m *Metrics) InstrumentBackend(b backend.Backend, backendName string) backend.Backend {
	return &instrumentedBackend{inner: b, name: backendName, metrics: m}
}

type instrumentedBackend struct {
	inner   backend.Backend
	name    string
	metrics *Metrics
}

func (b *instrumentedBackend) Complete(ctx context.Context, prompt string, p backend.Params) (string, error) {
	start := time.Now()
	out, err := b.inner.Complete(ctx, prompt, p)
	status := "ok"
	if err != nil {
		status = "error"
	}
	b.metrics.RecordLLMRequest(p.Role, b.name, status, time.Since(start).Seconds())
	return out, err
}

func (b *instrumentedBackend) ResetSlotCache(ctx context.Context, runID string, tracer *trace.Writer) {
	if resetter, ok := b.inner.(backend.SlotResetter); ok {
		resetter.ResetSlotCache(ctx, runID, tracer)
	}
}

// StartMetricsServer serves promhttp on addr in the background and
// returns a shutdown function.
func StartMetricsServer(addr string, logger *slog.Logger) func(context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv.Shutdown
}
