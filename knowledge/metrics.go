package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embeddingRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorqa_embedding_requests_total",
		Help: "HTTP calls made to the embedding service.",
	})
	embeddingRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorqa_embedding_retries_total",
		Help: "Embedding calls retried after a retryable failure.",
	})
	chunkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutorqa_ingest_chunks_total",
		Help: "Chunks processed by the ingestion loop, by outcome.",
	}, []string{"outcome"})
	documentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutorqa_ingest_documents_total",
		Help: "Documents that reached a terminal status, by status.",
	}, []string{"status"})
	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tutorqa_ingest_duration_seconds",
		Help:    "Wall time of one document ingestion.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)
