package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tutorqa_back/parser"
	"tutorqa_back/storage"
	"tutorqa_back/vectors"
)

// DocumentParser is the slice of parser.Parser the pipeline depends on.
type DocumentParser interface {
	Parse(ctx context.Context, r io.Reader, format parser.Format) (parser.Result, error)
}

type PipelineConfig struct {
	// EmbedInterval is the minimum spacing between embedding calls.
	EmbedInterval time.Duration
	// ModelTag is recorded on every vector record.
	ModelTag string
}

// PipelineConfigFromEnv reads INGEST_EMBED_INTERVAL and EMBEDDING_MODEL_TAG.
func PipelineConfigFromEnv(defaultTag string) PipelineConfig {
	cfg := PipelineConfig{EmbedInterval: time.Second, ModelTag: defaultTag}
	if raw := strings.TrimSpace(os.Getenv("INGEST_EMBED_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed >= 0 {
			cfg.EmbedInterval = parsed
		}
	}
	if tag := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_TAG")); tag != "" {
		cfg.ModelTag = tag
	}
	return cfg
}

// Pipeline turns an uploaded document into chunks and stored vectors and
// drives its status from UPLOADING to a terminal state.
type Pipeline struct {
	db       *gorm.DB
	blobs    storage.BlobStore
	parser   DocumentParser
	chunker  *Chunker
	embedder Embedder
	reducer  vectors.Reducer
	store    VectorStore
	limiter  *rate.Limiter
	modelTag string
	now      func() time.Time
}

func NewPipeline(db *gorm.DB, blobs storage.BlobStore, docParser DocumentParser, chunker *Chunker, embedder Embedder, reducer vectors.Reducer, store VectorStore, cfg PipelineConfig) *Pipeline {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	limit := rate.Inf
	if cfg.EmbedInterval > 0 {
		limit = rate.Every(cfg.EmbedInterval)
	}
	return &Pipeline{
		db:       db,
		blobs:    blobs,
		parser:   docParser,
		chunker:  chunker,
		embedder: embedder,
		reducer:  reducer,
		store:    store,
		limiter:  rate.NewLimiter(limit, 1),
		modelTag: cfg.ModelTag,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// chunkTally counts what the embedding loop did with one document.
type chunkTally struct {
	total     int
	persisted int
	succeeded int
	failed    int
}

// Process ingests one UPLOADING document. It claims the document by moving it
// to PROCESSING, so a second call for the same document is a no-op. Failures
// are recorded on the document; the returned error is for logging only.
func (p *Pipeline) Process(ctx context.Context, documentID string) error {
	started := time.Now()

	claim := p.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ?", documentID, StatusUploading).
		Update("status", StatusProcessing)
	if claim.Error != nil {
		return fmt.Errorf("knowledge: claim document %s: %w", documentID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		log.Printf("knowledge: document %s is not awaiting ingestion, skipping", documentID)
		return nil
	}

	tally, err := p.runClaimed(ctx, documentID)
	status := StatusSuccess
	var message *string
	switch {
	case err != nil:
		status = StatusFailed
		msg := err.Error()
		message = &msg
		log.Printf("knowledge: document %s failed: %v", documentID, err)
	case tally.failed > 0:
		status = StatusPartial
		msg := fmt.Sprintf("%d of %d chunks could not be embedded", tally.failed, tally.total)
		message = &msg
	}

	processedAt := p.now()
	finalize := p.db.WithContext(context.WithoutCancel(ctx)).Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": message,
			"chunk_count":   tally.persisted,
			"processed_at":  processedAt,
		})
	documentOutcomes.WithLabelValues(string(status)).Inc()
	ingestDuration.Observe(time.Since(started).Seconds())
	if finalize.Error != nil {
		return fmt.Errorf("knowledge: record outcome of %s: %w", documentID, finalize.Error)
	}
	log.Printf("knowledge: document %s finished %s: %d chunk(s), %d embedded, %d failed",
		documentID, status, tally.persisted, tally.succeeded, tally.failed)
	return err
}

// runClaimed loads and ingests a document already moved to PROCESSING. A
// panic in parsing or embedding is returned as an error so the document
// still reaches FAILED.
func (p *Pipeline) runClaimed(ctx context.Context, documentID string) (tally chunkTally, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("knowledge: ingestion panicked: %v", r)
		}
	}()

	var doc Document
	if err := p.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error; err != nil {
		return chunkTally{}, fmt.Errorf("knowledge: load document %s: %w", documentID, err)
	}
	return p.run(ctx, &doc)
}

func (p *Pipeline) run(ctx context.Context, doc *Document) (chunkTally, error) {
	rc, err := p.blobs.Open(ctx, doc.StoragePath)
	if err != nil {
		return chunkTally{}, err
	}
	result, err := p.parser.Parse(ctx, rc, doc.FileType)
	_ = rc.Close()
	if err != nil {
		return chunkTally{}, err
	}
	if strings.TrimSpace(result.Text) == "" {
		return chunkTally{}, ErrEmptyContent
	}

	segments := p.chunker.Split(result.Text)
	log.Printf("knowledge: document %s parsed into %d rune(s), %d chunk(s)", doc.ID, utf8.RuneCountInString(result.Text), len(segments))

	source := "text"
	if result.UsedOCR {
		source = "ocr"
	}
	return p.embedChunks(ctx, doc, segments, source)
}

// embedChunks persists and embeds segments in order. Per-chunk embedding
// failures are counted and skipped; cancellation and chunk persistence
// failures end the loop with an error.
func (p *Pipeline) embedChunks(ctx context.Context, doc *Document, segments []Segment, source string) (chunkTally, error) {
	tally := chunkTally{total: len(segments)}
	metadata, _ := json.Marshal(map[string]string{"source": source})

	for i, segment := range segments {
		if err := ctx.Err(); err != nil {
			tally.failed += len(segments) - i
			return tally, fmt.Errorf("knowledge: ingestion interrupted after %d chunk(s): %w", i, err)
		}

		content := Sanitize(segment.Text)
		if content == "" {
			log.Printf("knowledge: chunk %d of %s is empty after sanitising, skipping", i, doc.ID)
			tally.failed++
			chunkOutcomes.WithLabelValues("empty").Inc()
			continue
		}

		start, end := segment.Start, segment.End
		chunk := Chunk{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			ChunkIndex:    tally.persisted,
			Content:       content,
			ContentLength: utf8.RuneCountInString(content),
			CharStart:     &start,
			CharEnd:       &end,
			Metadata:      datatypes.JSON(metadata),
		}
		if err := p.db.WithContext(ctx).Create(&chunk).Error; err != nil {
			tally.failed += len(segments) - i
			return tally, fmt.Errorf("knowledge: save chunk %d: %w", chunk.ChunkIndex, err)
		}
		tally.persisted++

		if err := p.embedChunk(ctx, doc, &chunk); err != nil {
			tally.failed++
			chunkOutcomes.WithLabelValues("failed").Inc()
			if ctx.Err() != nil {
				tally.failed += len(segments) - i - 1
				return tally, fmt.Errorf("knowledge: ingestion interrupted at chunk %d: %w", chunk.ChunkIndex, ctx.Err())
			}
			log.Printf("knowledge: chunk %d of %s (%d runes) failed: %v", chunk.ChunkIndex, doc.ID, chunk.ContentLength, err)
			continue
		}
		tally.succeeded++
		chunkOutcomes.WithLabelValues("embedded").Inc()
	}

	if tally.succeeded == 0 {
		return tally, fmt.Errorf("%w (%d chunk(s))", ErrAllEmbeddingsFailed, len(segments))
	}
	return tally, nil
}

func (p *Pipeline) embedChunk(ctx context.Context, doc *Document, chunk *Chunk) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	full, err := p.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return err
	}
	reduced := p.reducer.Reduce(full)
	if p.reducer.Target > 0 && len(reduced) != p.reducer.Target {
		return fmt.Errorf("knowledge: embedding has %d dimensions, expected %d", len(reduced), p.reducer.Target)
	}
	return p.store.Store(ctx, VectorEntry{
		ID:         uuid.NewString(),
		ChunkID:    chunk.ID,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Vector:     reduced,
		Dimension:  len(reduced),
		Model:      p.modelTag,
	})
}
