// Package observability holds the Prometheus metrics recorded by the
// ingestion, answering and judging stages.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics collects pipeline metrics on a private registry so several
// instances (tests, servers) never collide. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// ChunksIngested counts windows embedded and queued for upsert.
	ChunksIngested prometheus.Counter

	// BatchesUpserted counts upsert batches.
	// Labels: status (success|error)
	BatchesUpserted *prometheus.CounterVec

	// LLMRequestCounter counts answer backend calls.
	// Labels: backend, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures answer backend latency in seconds.
	// Labels: backend
	LLMRequestDuration *prometheus.HistogramVec

	// LLMFailures counts backend failures by kind.
	// Labels: backend, kind
	LLMFailures *prometheus.CounterVec

	// JudgeCounter counts judge evaluations.
	// Labels: model, status (success|error)
	JudgeCounter *prometheus.CounterVec

	// JudgeScore observes the locally computed overall score per model.
	// Labels: model
	JudgeScore *prometheus.HistogramVec

	// QuestionsAnswered counts questions that completed the fan-out.
	QuestionsAnswered prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ChunksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragbench_chunks_ingested_total",
			Help: "Total number of document chunks embedded for the index",
		}),
		BatchesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragbench_index_batches_total",
			Help: "Total number of vector upsert batches by status",
		}, []string{"status"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragbench_llm_requests_total",
			Help: "Total number of answer backend requests by backend and status",
		}, []string{"backend", "status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragbench_llm_request_duration_seconds",
			Help:    "Duration of answer backend requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"backend"}),
		LLMFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragbench_llm_failures_total",
			Help: "Total number of answer backend failures by backend and kind",
		}, []string{"backend", "kind"}),
		JudgeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ragbench_judge_evaluations_total",
			Help: "Total number of judge evaluations by model and status",
		}, []string{"model", "status"}),
		JudgeScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ragbench_judge_overall_score",
			Help:    "Overall rubric score per evaluated answer",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		}, []string{"model"}),
		QuestionsAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragbench_questions_answered_total",
			Help: "Total number of questions answered by every backend",
		}),
	}

	reg.MustRegister(
		m.ChunksIngested,
		m.BatchesUpserted,
		m.LLMRequestCounter,
		m.LLMRequestDuration,
		m.LLMFailures,
		m.JudgeCounter,
		m.JudgeScore,
		m.QuestionsAnswered,
	)
	return m
}

// Registry exposes the private registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChunkIngested() {
	if m == nil {
		return
	}
	m.ChunksIngested.Inc()
}

func (m *Metrics) BatchUpserted(err error) {
	if m == nil {
		return
	}
	m.BatchesUpserted.WithLabelValues(status(err)).Inc()
}

// LLMRequest records one backend call. kind is empty on success.
func (m *Metrics) LLMRequest(backend string, elapsed time.Duration, kind string) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	if kind == "" {
		m.LLMRequestCounter.WithLabelValues(backend, StatusSuccess).Inc()
		return
	}
	m.LLMRequestCounter.WithLabelValues(backend, StatusError).Inc()
	m.LLMFailures.WithLabelValues(backend, kind).Inc()
}

func (m *Metrics) QuestionAnswered() {
	if m == nil {
		return
	}
	m.QuestionsAnswered.Inc()
}

func (m *Metrics) JudgeEvaluated(model string, overall float64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.JudgeCounter.WithLabelValues(model, StatusError).Inc()
		return
	}
	m.JudgeCounter.WithLabelValues(model, StatusSuccess).Inc()
	m.JudgeScore.WithLabelValues(model).Observe(overall)
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
