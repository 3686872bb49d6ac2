package qa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	qaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutorqa_qa_duration_seconds",
		Help:    "End to end latency of answered questions, by mode.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
	}, []string{"mode"})
	qaCitations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutorqa_qa_citations",
		Help:    "Citations returned per answered question.",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})
	citationBackfills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorqa_qa_citation_backfills_total",
		Help: "Citations added below the similarity threshold to reach the minimum.",
	})
	generationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutorqa_qa_generation_failures_total",
		Help: "Questions answered with the fallback message after generation failed, by mode.",
	}, []string{"mode"})
	historyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorqa_qa_history_failures_total",
		Help: "Question history rows that could not be persisted.",
	})
)
