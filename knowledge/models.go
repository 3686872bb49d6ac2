package knowledge

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"

	"tutorqa_back/parser"
)

type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "UPLOADING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusSuccess    DocumentStatus = "SUCCESS"
	StatusFailed     DocumentStatus = "FAILED"
	StatusPartial    DocumentStatus = "PARTIAL"
)

// Terminal reports whether ingestion has finished with this status.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPartial:
		return true
	default:
		return false
	}
}

type Document struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID      string         `gorm:"size:64;not null;index:idx_documents_owner_status" json:"owner_id"`
	Filename     string         `gorm:"size:255;not null" json:"filename"`
	StoragePath  string         `gorm:"size:512;not null" json:"-"`
	FileSize     int64          `gorm:"not null" json:"file_size"`
	FileType     parser.Format  `gorm:"size:16;not null" json:"file_type"`
	Status       DocumentStatus `gorm:"size:16;not null;index:idx_documents_owner_status" json:"status"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message,omitempty"`
	Description  *string        `gorm:"size:500" json:"description,omitempty"`
	ChunkCount   int            `gorm:"not null;default:0" json:"chunk_count"`
	UploadedAt   time.Time      `gorm:"not null;index" json:"uploaded_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
}

func (Document) TableName() string {
	return "documents"
}

type Chunk struct {
	ID            string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	DocumentID    string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_chunks_document_index" json:"document_id"`
	ChunkIndex    int            `gorm:"not null;uniqueIndex:idx_chunks_document_index" json:"chunk_index"`
	Content       string         `gorm:"type:text;not null" json:"content"`
	ContentLength int            `gorm:"not null" json:"content_length"`
	PageNum       *int           `json:"page_num,omitempty"`
	SectionTitle  *string        `gorm:"size:255" json:"section_title,omitempty"`
	CharStart     *int           `json:"char_start,omitempty"`
	CharEnd       *int           `json:"char_end,omitempty"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "document_chunks"
}

// VectorRecord holds the reduced embedding of exactly one chunk. On postgres
// the embedding column is a pgvector column created by migrate; other
// dialects keep the same literal in a text column.
type VectorRecord struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChunkID        string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"chunk_id"`
	DocumentID     string          `gorm:"type:varchar(36);not null;index" json:"document_id"`
	Embedding      pgvector.Vector `gorm:"type:text;not null" json:"-"`
	EmbeddingDim   int             `gorm:"not null" json:"embedding_dim"`
	EmbeddingModel string          `gorm:"size:128;not null" json:"embedding_model"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (VectorRecord) TableName() string {
	return "vector_records"
}
