// Package metrics exposes Prometheus collectors for the engine: job
// outcomes, wave counts, worker activity, LLM calls and token spend by
// model, and tool invocations by tool and outcome. A nil *Metrics is a
// valid no-op receiver so the engine runs unchanged without observability.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agenthive/hive/pkg/llm"
	"github.com/agenthive/hive/pkg/models"
)

const namespace = "hive"

// Metrics holds the engine's collectors, registered on construction.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	jobDuration   prometheus.Histogram
	wavesPerJob   prometheus.Histogram
	workersActive prometheus.Gauge

	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
	llmTokens  *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	reviewScores prometheus.Histogram
}

// New registers the engine collectors on reg. A nil registerer uses the
// default registry. Registration conflicts panic, matching promauto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by outcome (completed, failed, cancelled).",
		}, []string{"outcome"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently planning or executing.",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration from submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		wavesPerJob: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_waves",
			Help:      "Dispatch waves per finished job.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		workersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Worker agents currently executing a sub-task.",
		}),
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Provider chat calls, by model and outcome.",
		}, []string{"model", "outcome"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Provider chat call latency, by model.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed, by model and kind (prompt, completion).",
		}, []string{"model", "kind"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation wall time, by tool.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"tool"}),
		reviewScores: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "review_score",
			Help:      "Quality gate scores on the 1-10 scale.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
	}
}

// JobStarted marks a job entering the active set.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

// JobFinished records a terminal job outcome with its duration and wave count.
func (m *Metrics) JobFinished(outcome string, duration time.Duration, waves int) {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
	m.wavesPerJob.Observe(float64(waves))
}

// WorkerSpawned marks a worker starting a sub-task.
func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.workersActive.Inc()
}

// WorkerFinished marks a worker leaving its sub-task.
func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.workersActive.Dec()
}

// RecordTokens adds a worker's token usage under its model.
func (m *Metrics) RecordTokens(model string, usage models.TokenUsage) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	m.llmTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

// RecordToolCalls folds a worker's tool-call records into the counters.
func (m *Metrics) RecordToolCalls(records []models.ToolCallRecord) {
	if m == nil {
		return
	}
	for _, rec := range records {
		outcome := "ok"
		if !rec.Success {
			outcome = "error"
		}
		m.toolCalls.WithLabelValues(rec.ToolName, outcome).Inc()
		m.toolDuration.WithLabelValues(rec.ToolName).Observe(rec.Duration().Seconds())
	}
}

// RecordReview observes one quality gate score.
func (m *Metrics) RecordReview(score float64) {
	if m == nil {
		return
	}
	m.reviewScores.Observe(score)
}

// ChatClient is the chat surface the instrumented wrapper decorates.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error)
}

// instrumentedChat records call counts, latency, and token usage around a
// ChatClient.
type instrumentedChat struct {
	next    ChatClient
	metrics *Metrics
}

// InstrumentChat wraps a ChatClient so every call reports to the collectors.
// With a nil Metrics the client is returned unwrapped.
func (m *Metrics) InstrumentChat(next ChatClient) ChatClient {
	if m == nil {
		return next
	}
	return &instrumentedChat{next: next, metrics: m}
}

func (c *instrumentedChat) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.next.Chat(ctx, messages, opts)
	c.metrics.llmLatency.WithLabelValues(opts.Model).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.llmCalls.WithLabelValues(opts.Model, outcome).Inc()

	if resp != nil {
		c.metrics.llmTokens.WithLabelValues(opts.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
		c.metrics.llmTokens.WithLabelValues(opts.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
	}
	return resp, err
}
