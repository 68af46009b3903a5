// Package metrics exposes pipeline instrumentation to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coursetutor"

// Pipeline implements ports.PipelineMetrics.
type Pipeline struct {
	stageDuration      *prometheus.HistogramVec
	stageErrors        *prometheus.CounterVec
	degraded           *prometheus.CounterVec
	requests           *prometheus.CounterVec
	answerConfidence   *prometheus.HistogramVec
	answerSources      prometheus.Histogram
	retrieved          prometheus.Histogram
	groundingViolation prometheus.Counter
	embeddingCache     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"stage"}),
		stageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage failures by stage.",
		}, []string{"stage"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Stages that fell back to a degraded result.",
		}, []string{"stage", "reason"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Questions handled by outcome.",
		}, []string{"outcome"}),
		answerConfidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_confidence",
			Help:      "Confidence of returned answers.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"mode"}),
		answerSources: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_sources",
			Help:      "Citations attached to each answer.",
			Buckets:   []float64{0, 1, 2, 3, 5},
		}),
		retrieved: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieved_chunks",
			Help:      "Chunks above the similarity floor per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		groundingViolation: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_violations_total",
			Help:      "Citations stripped because they named unretrieved chunks.",
		}),
		embeddingCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_total",
			Help:      "Query embedding cache lookups.",
		}, []string{"result"}),
	}
}

func (p *Pipeline) ObserveStage(stage string, d time.Duration, err error) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		p.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (p *Pipeline) IncDegraded(stage, reason string) {
	p.degraded.WithLabelValues(stage, reason).Inc()
}

func (p *Pipeline) ObserveAnswer(mode string, confidence float64, sources int) {
	p.answerConfidence.WithLabelValues(mode).Observe(confidence)
	p.answerSources.Observe(float64(sources))
}

func (p *Pipeline) ObserveRetrieved(n int) {
	p.retrieved.Observe(float64(n))
}

func (p *Pipeline) IncGroundingViolations(n int) {
	if n > 0 {
		p.groundingViolation.Add(float64(n))
	}
}

func (p *Pipeline) IncRequest(outcome string) {
	p.requests.WithLabelValues(outcome).Inc()
}

// ObserveEmbeddingCache matches the hook taken by the cached embedder.
func (p *Pipeline) ObserveEmbeddingCache(hit bool) {
	if hit {
		p.embeddingCache.WithLabelValues("hit").Inc()
		return
	}
	p.embeddingCache.WithLabelValues("miss").Inc()
}

// Register adds c to reg, tolerating a collector that is already registered.
func Register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
