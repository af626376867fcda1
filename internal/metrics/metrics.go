// Package metrics collects Prometheus metrics for the runtime and serves
// them on an optional HTTP listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the runtime's instruments.
type Metrics struct {
	// MessagesTotal counts platform messages by platform and direction.
	MessagesTotal *prometheus.CounterVec

	// QueueDepth is the number of messages waiting or in flight.
	QueueDepth prometheus.Gauge

	// QueueItemsTotal counts queue outcomes.
	// Labels: outcome (enqueued|rejected|completed|failed|retried|dropped)
	QueueItemsTotal *prometheus.CounterVec

	// AgentInvocationsTotal counts agent runs by status.
	AgentInvocationsTotal *prometheus.CounterVec

	// AgentDuration measures agent invocation latency in seconds.
	AgentDuration prometheus.Histogram

	// TokensTotal counts LLM tokens by provider, model and type.
	TokensTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool dispatches by tool and status.
	ToolExecutionsTotal *prometheus.CounterVec

	// IPCEnvelopesTotal counts IPC files by type and outcome.
	// Labels: type, outcome (processed|invalid|unauthorized|quarantined)
	IPCEnvelopesTotal *prometheus.CounterVec

	// SchedulerRunsTotal counts scheduled task executions by status.
	SchedulerRunsTotal *prometheus.CounterVec
}

// New creates the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_messages_total",
				Help: "Total platform messages by platform and direction",
			},
			[]string{"platform", "direction"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flashclaw_queue_depth",
				Help: "Messages waiting or in flight in the message queue",
			},
		),
		QueueItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_queue_items_total",
				Help: "Queue item outcomes",
			},
			[]string{"outcome"},
		),
		AgentInvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_agent_invocations_total",
				Help: "Agent invocations by status",
			},
			[]string{"status"},
		),
		AgentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flashclaw_agent_duration_seconds",
				Help:    "Agent invocation duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_llm_tokens_total",
				Help: "LLM tokens by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_tool_executions_total",
				Help: "Tool dispatches by tool name and status",
			},
			[]string{"tool", "status"},
		),
		IPCEnvelopesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_ipc_envelopes_total",
				Help: "IPC envelope files by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		SchedulerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashclaw_scheduler_runs_total",
				Help: "Scheduled task executions by status",
			},
			[]string{"status"},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide instruments on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Server serves /metrics when an address is configured.
type Server struct {
	addr   string
	logger *slog.Logger
	srv    *http.Server
}

// NewServer builds a metrics listener. Empty addr disables it.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, logger: logger.With("component", "metrics")}
}

// Start begins serving in the background. No-op when disabled.
func (s *Server) Start() {
	if s.addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("metrics listener started", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics listener shutdown", "error", err)
	}
}
