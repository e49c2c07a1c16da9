// Package metrics provides Prometheus metrics for ingestion and question answering
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scoring paths reported by RecordScore.
const (
	ScoringModel     = "model"
	ScoringHeuristic = "heuristic"
)

// Metrics holds all Prometheus metrics for campusqa. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Ingestion metrics
	DocumentsTotal *prometheus.CounterVec
	ChunksEmbedded prometheus.Counter
	SnapshotsTotal prometheus.Counter
	SnapshotChunks prometheus.Gauge

	// Remote call metrics
	EmbedRequestDuration *prometheus.HistogramVec
	RetriesTotal         *prometheus.CounterVec

	// Query metrics
	RetrievalDuration  prometheus.Histogram
	RetrievalResults   prometheus.Histogram
	GenerationDuration *prometheus.HistogramVec
	ScoresTotal        *prometheus.CounterVec
}

// New creates and registers all metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusqa_ingest_documents_total",
				Help: "Documents handled by ingestion runs, by outcome",
			},
			[]string{"outcome"},
		),
		ChunksEmbedded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusqa_ingest_chunks_embedded_total",
				Help: "Total number of chunks embedded and staged",
			},
		),
		SnapshotsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusqa_snapshots_published_total",
				Help: "Total number of index snapshots published",
			},
		),
		SnapshotChunks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusqa_snapshot_chunks",
				Help: "Chunk count of the active index snapshot",
			},
		),
		EmbedRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusqa_embed_request_duration_seconds",
				Help:    "Duration of embedding requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusqa_remote_retries_total",
				Help: "Retries of remote calls, by operation",
			},
			[]string{"operation"},
		),
		RetrievalDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campusqa_retrieval_duration_seconds",
				Help:    "Duration of retrieval (embed query + search) in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		RetrievalResults: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campusqa_retrieval_results",
				Help:    "Number of passages returned per retrieval",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusqa_llm_call_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"call", "status"},
		),
		ScoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusqa_scores_total",
				Help: "Accuracy scores produced, by scoring path",
			},
			[]string{"method"},
		),
	}
}

// RecordDocument records one document outcome (complete, skipped, malformed, failed).
func (m *Metrics) RecordDocument(outcome string, chunks int) {
	if m == nil {
		return
	}
	m.DocumentsTotal.WithLabelValues(outcome).Inc()
	if chunks > 0 {
		m.ChunksEmbedded.Add(float64(chunks))
	}
}

// RecordSnapshot records a published or loaded snapshot.
func (m *Metrics) RecordSnapshot(chunks int, published bool) {
	if m == nil {
		return
	}
	if published {
		m.SnapshotsTotal.Inc()
	}
	m.SnapshotChunks.Set(float64(chunks))
}

// RecordEmbedRequest records one remote embedding call.
func (m *Metrics) RecordEmbedRequest(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.EmbedRequestDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// RecordRetry counts a retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(operation).Inc()
}

// RecordRetrieval records one retrieval.
func (m *Metrics) RecordRetrieval(duration time.Duration, results int) {
	if m == nil {
		return
	}
	m.RetrievalDuration.Observe(duration.Seconds())
	m.RetrievalResults.Observe(float64(results))
}

// RecordLLMCall records a generation or scoring call.
func (m *Metrics) RecordLLMCall(call string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.GenerationDuration.WithLabelValues(call, status(err)).Observe(duration.Seconds())
}

// RecordScore counts the scoring path that produced an accuracy score.
func (m *Metrics) RecordScore(method string) {
	if m == nil {
		return
	}
	m.ScoresTotal.WithLabelValues(method).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
