package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tutorqa_back/parser"
	"tutorqa_back/storage"
)

const staleMessage = "processing timed out, please re-upload"

var (
	ErrDocumentNotFound  = errors.New("knowledge: document not found")
	ErrDuplicateFilename = errors.New("knowledge: a document with this filename already exists")
	ErrFileTooLarge      = errors.New("knowledge: file exceeds the upload limit")
)

// Ingester schedules ingestion of a document after its record is committed.
type Ingester interface {
	Submit(documentID string) error
}

// Service is the document-facing entry point: upload, lookup, delete and the
// stale sweep. Ingestion itself runs in Pipeline via the Ingester.
type Service struct {
	db             *gorm.DB
	blobs          storage.BlobStore
	store          VectorStore
	pipeline       *Pipeline
	ingester       Ingester
	staleAfter     time.Duration
	maxUploadBytes int64
	now            func() time.Time
}

type ServiceConfig struct {
	StaleAfter     time.Duration
	MaxUploadBytes int64
}

// ServiceConfigFromEnv reads INGEST_STALE_AFTER and MAX_UPLOAD_BYTES.
func ServiceConfigFromEnv() ServiceConfig {
	cfg := ServiceConfig{StaleAfter: 5 * time.Minute, MaxUploadBytes: 50 << 20}
	if raw := strings.TrimSpace(os.Getenv("INGEST_STALE_AFTER")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.StaleAfter = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MAX_UPLOAD_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			cfg.MaxUploadBytes = parsed
		}
	}
	return cfg
}

func NewService(db *gorm.DB, blobs storage.BlobStore, store VectorStore, pipeline *Pipeline, ingester Ingester, cfg ServiceConfig) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Service{
		db:             db,
		blobs:          blobs,
		store:          store,
		pipeline:       pipeline,
		ingester:       ingester,
		staleAfter:     cfg.StaleAfter,
		maxUploadBytes: cfg.MaxUploadBytes,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type UploadInput struct {
	OwnerID     string
	Filename    string
	Description string
	Data        []byte
}

// Upload stores the file, records the document in UPLOADING and, once that
// transaction has committed, hands the document to the ingester.
func (s *Service) Upload(ctx context.Context, input UploadInput) (*Document, error) {
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	format, err := parser.FormatFromFilename(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: only PDF, DOCX and PPTX files are supported", ErrInvalidArgument)
	}
	if len(input.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidArgument)
	}
	if s.maxUploadBytes > 0 && int64(len(input.Data)) > s.maxUploadBytes {
		return nil, ErrFileTooLarge
	}

	duplicate, err := s.hasFilename(ctx, input.OwnerID, filename)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFilename, filename)
	}

	key := storage.ObjectKey(input.OwnerID, filename)
	if err := s.blobs.Put(ctx, key, input.Data); err != nil {
		return nil, err
	}

	doc := Document{
		ID:          uuid.NewString(),
		OwnerID:     input.OwnerID,
		Filename:    filename,
		StoragePath: key,
		FileSize:    int64(len(input.Data)),
		FileType:    format,
		Status:      StatusUploading,
		UploadedAt:  s.now(),
	}
	if description := strings.TrimSpace(input.Description); description != "" {
		doc.Description = &description
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&doc).Error
	})
	if err != nil {
		if removeErr := s.blobs.Remove(context.WithoutCancel(ctx), key); removeErr != nil {
			log.Printf("knowledge: remove orphaned blob %s: %v", key, removeErr)
		}
		return nil, fmt.Errorf("knowledge: create document: %w", err)
	}

	s.trigger(doc.ID)
	return &doc, nil
}

// Ingest queues an existing UPLOADING document.
func (s *Service) Ingest(documentID string) error {
	if s.ingester == nil {
		return ErrDispatcherStopped
	}
	return s.ingester.Submit(documentID)
}

// IngestNow processes a document on the calling goroutine.
func (s *Service) IngestNow(ctx context.Context, documentID string) error {
	return s.pipeline.Process(ctx, documentID)
}

func (s *Service) trigger(documentID string) {
	if err := s.Ingest(documentID); err != nil {
		log.Printf("knowledge: could not queue document %s, the stale sweep will fail it: %v", documentID, err)
	}
}

// Reprocess discards chunks and vectors of a finished document and queues it
// again from UPLOADING.
func (s *Service) Reprocess(ctx context.Context, documentID string) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if !doc.Status.Terminal() {
		return fmt.Errorf("%w: document is still %s", ErrInvalidArgument, doc.Status)
	}
	if err := s.store.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Model(&Document{}).Where("id = ?", documentID).Updates(map[string]interface{}{
			"status":        StatusUploading,
			"error_message": nil,
			"chunk_count":   0,
			"processed_at":  nil,
			"uploaded_at":   s.now(),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("knowledge: reset document %s: %w", documentID, err)
	}
	s.trigger(documentID)
	return nil
}

func (s *Service) hasFilename(ctx context.Context, ownerID, filename string) (bool, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("owner_id = ?", ownerID).
		Pluck("filename", &names).Error; err != nil {
		return false, fmt.Errorf("knowledge: check filename: %w", err)
	}
	wanted := strings.ToLower(strings.TrimSpace(filename))
	for _, name := range names {
		if strings.ToLower(strings.TrimSpace(name)) == wanted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) Get(ctx context.Context, documentID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load document: %w", err)
	}
	return &doc, nil
}

// List returns documents newest first, restricted to owners unless nil.
func (s *Service) List(ctx context.Context, owners []string) ([]Document, error) {
	if owners != nil && len(owners) == 0 {
		return []Document{}, nil
	}
	query := s.db.WithContext(ctx).Order("uploaded_at DESC")
	if owners != nil {
		query = query.Where("owner_id IN ?", owners)
	}
	var docs []Document
	if err := query.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	return docs, nil
}

// Chunks returns the chunks of a document in index order.
func (s *Service) Chunks(ctx context.Context, documentID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("chunk_index ASC").Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("knowledge: list chunks: %w", err)
	}
	return chunks, nil
}

// StatusCounts returns how many of the owner's documents are in each status.
func (s *Service) StatusCounts(ctx context.Context, ownerID string) (map[DocumentStatus]int64, error) {
	var rows []struct {
		Status DocumentStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&Document{}).
		Select("status, COUNT(*) AS count").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("knowledge: count documents: %w", err)
	}
	counts := make(map[DocumentStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Delete removes vectors, chunks, the stored file and the document row.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	doc, err := s.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == StatusProcessing {
		return fmt.Errorf("%w: document is still processing", ErrInvalidArgument)
	}
	if err := s.store.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", documentID).Delete(&Document{}).Error
	})
	if err != nil {
		return fmt.Errorf("knowledge: delete document: %w", err)
	}
	if err := s.blobs.Remove(ctx, doc.StoragePath); err != nil {
		log.Printf("knowledge: remove file of %s: %v", documentID, err)
	}
	return nil
}

// SweepStale fails documents that have sat in UPLOADING longer than the
// staleness window and returns how many were changed.
func (s *Service) SweepStale(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.Add(-s.staleAfter)
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("status = ? AND uploaded_at < ?", StatusUploading, cutoff).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": staleMessage,
			"processed_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("knowledge: sweep stale documents: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("knowledge: marked %d stale document(s) as failed", result.RowsAffected)
		documentOutcomes.WithLabelValues(string(StatusFailed)).Add(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// RunSweeper calls SweepStale every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx); err != nil {
				log.Printf("knowledge: %v", err)
			}
		}
	}
}
