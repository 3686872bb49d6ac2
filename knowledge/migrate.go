package knowledge

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates the document, chunk and vector tables. On postgres the
// vector table is created by hand so its embedding column is vector(dim) with
// a cosine HNSW index.
func Migrate(db *gorm.DB, dim int) error {
	if db == nil {
		return errStoreNotConfigured
	}
	if err := db.AutoMigrate(&Document{}, &Chunk{}); err != nil {
		return fmt.Errorf("knowledge: migrate documents: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		if err := db.AutoMigrate(&VectorRecord{}); err != nil {
			return fmt.Errorf("knowledge: migrate vector records: %w", err)
		}
		return nil
	}

	if dim <= 0 {
		return fmt.Errorf("knowledge: vector dimension must be positive, got %d", dim)
	}
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_records (
			id varchar(36) PRIMARY KEY,
			chunk_id varchar(36) NOT NULL UNIQUE REFERENCES document_chunks(id) ON DELETE CASCADE,
			document_id varchar(36) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			embedding vector(%d) NOT NULL,
			embedding_dim integer NOT NULL,
			embedding_model varchar(128) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT NOW()
		)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_vector_records_document_id ON vector_records (document_id)`,
	}
	// pgvector indexes are limited to 2000 dimensions; larger vectors are scanned exactly.
	if dim <= 2000 {
		statements = append(statements,
			`CREATE INDEX IF NOT EXISTS idx_vector_records_embedding ON vector_records USING hnsw (embedding vector_cosine_ops)`)
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("knowledge: migrate vector records: %w", err)
		}
	}
	return nil
}
