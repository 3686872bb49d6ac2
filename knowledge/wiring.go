package knowledge

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"gorm.io/gorm"

	"tutorqa_back/ocr"
	"tutorqa_back/parser"
	"tutorqa_back/storage"
	"tutorqa_back/vectors"
)

// Runtime bundles everything built for ingestion so callers can share the
// embedder and store with retrieval and shut the dispatcher down.
type Runtime struct {
	Service    *Service
	Pipeline   *Pipeline
	Dispatcher *Dispatcher
	Store      VectorStore
	Embedder   *HTTPEmbedder
	Reducer    vectors.Reducer
	Blobs      storage.BlobStore
}

// NewRuntimeFromEnv wires blob storage, the parser with its OCR fallback, the
// embedder, the vector store selected by VECTOR_BACKEND (sql or qdrant) and
// the ingestion dispatcher. The schema must already be migrated and the
// dispatcher is not started.
func NewRuntimeFromEnv(ctx context.Context, db *gorm.DB) (*Runtime, error) {
	if db == nil {
		return nil, errStoreNotConfigured
	}
	reducer := vectors.NewReducerFromEnv()

	blobs, err := storage.NewBlobStoreFromEnv()
	if err != nil {
		return nil, fmt.Errorf("knowledge: init storage: %w", err)
	}

	ocrCfg := ocr.ConfigFromEnv()
	var recognizer ocr.Recognizer
	if ocrCfg.Enabled {
		recognizer = ocr.NewClient(ocrCfg)
	} else {
		log.Printf("knowledge: OCR fallback disabled")
	}
	docParser := parser.New(parser.NewFallback(parser.FallbackConfigFromEnv(ocrCfg.Enabled), recognizer))

	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	rows := NewSQLStore(db)
	var store VectorStore = rows
	switch backend := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))); backend {
	case "", "sql", "pgvector":
	case "qdrant":
		qdrant, err := NewQdrantStoreFromEnv(ctx, rows, reducer.Target)
		if err != nil {
			return nil, err
		}
		store = qdrant
	default:
		return nil, fmt.Errorf("knowledge: unknown VECTOR_BACKEND %q", backend)
	}

	pipeline := NewPipeline(db, blobs, docParser, NewChunkerFromEnv(), embedder, reducer, store, PipelineConfigFromEnv(embedder.Model()))
	workers, queueSize := DispatcherSizeFromEnv()
	dispatcher := NewDispatcher(workers, queueSize, pipeline.Process)
	service := NewService(db, blobs, store, pipeline, dispatcher, ServiceConfigFromEnv())

	return &Runtime{
		Service:    service,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Store:      store,
		Embedder:   embedder,
		Reducer:    reducer,
		Blobs:      blobs,
	}, nil
}
