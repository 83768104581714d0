// Package metrics exposes Prometheus instrumentation for the dispatcher,
// the tool-call loop and the adapters. Every method is safe on a nil
// *Metrics so components can run uninstrumented in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// MessagesTotal counts inbound messages by platform and result
	// (enqueued|rejected).
	MessagesTotal *prometheus.CounterVec

	// QueueDepth is the number of messages waiting for admission.
	QueueDepth prometheus.Gauge

	// ActiveSessions is the number of occupied session slots.
	ActiveSessions prometheus.Gauge

	// AdmissionDeferred counts admission attempts that hit the global cap.
	AdmissionDeferred prometheus.Counter

	// SessionsTotal counts finished sessions by workflow and outcome.
	SessionsTotal *prometheus.CounterVec

	// SessionDuration measures admission-to-release time in seconds.
	SessionDuration *prometheus.HistogramVec

	// LateResults counts results discarded because their session had
	// already timed out.
	LateResults prometheus.Counter

	// ModelRequestDuration measures model calls by model and status.
	ModelRequestDuration *prometheus.HistogramVec

	// ModelTokens counts tokens by model and type (prompt|completion).
	ModelTokens *prometheus.CounterVec

	// LoopRounds observes how many tool rounds each loop ran, by end state.
	LoopRounds *prometheus.HistogramVec

	// ToolCalls counts tool invocations by tool and status.
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// CommandsTotal counts chat commands by name and status.
	CommandsTotal *prometheus.CounterVec

	// OutboundTotal counts replies handed to channels by platform and status.
	OutboundTotal *prometheus.CounterVec

	// ImageResolutions counts image fetches by result (hit|fetched|error).
	ImageResolutions *prometheus.CounterVec
}

// New creates and registers all collectors, including Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_messages_total",
			Help: "Inbound messages by platform and result",
		}, []string{"platform", "result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_queue_depth",
			Help: "Messages waiting for admission across all chats",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_active_sessions",
			Help: "Occupied session slots",
		}),
		AdmissionDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_admission_deferred_total",
			Help: "Admission attempts deferred because the session cap was reached",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_sessions_total",
			Help: "Finished sessions by workflow and outcome",
		}, []string{"workflow", "outcome"}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_session_duration_seconds",
			Help:    "Session lifetime from admission to release",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 600},
		}, []string{"workflow"}),
		LateResults: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_late_results_total",
			Help: "Results discarded because the session had timed out",
		}),
		ModelRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_model_request_duration_seconds",
			Help:    "Model call latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model", "status"}),
		ModelTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_model_tokens_total",
			Help: "Tokens used by model and type",
		}, []string{"model", "type"}),
		LoopRounds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_loop_rounds",
			Help:    "Tool rounds per loop run",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 10, 15, 20},
		}, []string{"end"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tool_calls_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_tool_duration_seconds",
			Help:    "Tool execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_commands_total",
			Help: "Chat commands by name and status",
		}, []string{"command", "status"}),
		OutboundTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_outbound_total",
			Help: "Replies handed to channels by platform and status",
		}, []string{"platform", "status"}),
		ImageResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_image_resolutions_total",
			Help: "Image resolutions by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) MessageEnqueued(platform string) {
	if m != nil {
		m.MessagesTotal.WithLabelValues(platform, "enqueued").Inc()
	}
}

func (m *Metrics) MessageRejected(platform string) {
	if m != nil {
		m.MessagesTotal.WithLabelValues(platform, "rejected").Inc()
	}
}

// Dispatch publishes the queue and slot gauges.
func (m *Metrics) Dispatch(queued, active int) {
	if m != nil {
		m.QueueDepth.Set(float64(queued))
		m.ActiveSessions.Set(float64(active))
	}
}

func (m *Metrics) Deferred() {
	if m != nil {
		m.AdmissionDeferred.Inc()
	}
}

func (m *Metrics) SessionEnded(workflow, outcome string, d time.Duration) {
	if m != nil {
		m.SessionsTotal.WithLabelValues(workflow, outcome).Inc()
		m.SessionDuration.WithLabelValues(workflow).Observe(d.Seconds())
	}
}

func (m *Metrics) LateResult() {
	if m != nil {
		m.LateResults.Inc()
	}
}

func (m *Metrics) ModelCall(model string, d time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	m.ModelRequestDuration.WithLabelValues(model, status(err)).Observe(d.Seconds())
	if err == nil {
		m.ModelTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		m.ModelTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) LoopFinished(end string, rounds int) {
	if m != nil {
		m.LoopRounds.WithLabelValues(end).Observe(float64(rounds))
	}
}

func (m *Metrics) ToolCall(tool string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	st := "success"
	if !ok {
		st = "error"
	}
	m.ToolCalls.WithLabelValues(tool, st).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Command(name string, err error) {
	if m != nil {
		m.CommandsTotal.WithLabelValues(name, status(err)).Inc()
	}
}

func (m *Metrics) Outbound(platform string, err error) {
	if m != nil {
		m.OutboundTotal.WithLabelValues(platform, status(err)).Inc()
	}
}

func (m *Metrics) ImageResolved(result string) {
	if m != nil {
		m.ImageResolutions.WithLabelValues(result).Inc()
	}
}
