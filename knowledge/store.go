package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"tutorqa_back/vectors"
)

// VectorEntry is one reduced embedding ready to be persisted.
type VectorEntry struct {
	ID         string
	ChunkID    string
	DocumentID string
	OwnerID    string
	Vector     []float32
	Dimension  int
	Model      string
}

// StoredVector is a vector record joined with its chunk and document.
// Vector is nil when the stored literal could not be parsed.
type StoredVector struct {
	ID         string
	ChunkID    string
	DocumentID string
	OwnerID    string
	Filename   string
	ChunkIndex int
	PageNum    *int
	Content    string
	Vector     []float32
	Model      string
}

// VectorStore persists chunk embeddings and answers cosine nearest-neighbour
// queries. A nil owners slice means unrestricted; a non-nil empty slice
// matches nothing. Only documents in SUCCESS are ever returned by Nearest.
type VectorStore interface {
	Store(ctx context.Context, entry VectorEntry) error
	DeleteByDocument(ctx context.Context, documentID string) error
	Nearest(ctx context.Context, query []float32, owners []string, k int) ([]string, error)
	Load(ctx context.Context, ids []string) ([]StoredVector, error)
}

// SQLStore keeps vectors in the relational database. On postgres it uses the
// pgvector cosine operator; on other dialects candidates are ranked in process.
type SQLStore struct {
	db       *gorm.DB
	postgres bool
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, postgres: db != nil && db.Dialector.Name() == "postgres"}
}

func (s *SQLStore) Store(ctx context.Context, entry VectorEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if s.postgres {
		err := s.db.WithContext(ctx).Exec(
			`INSERT INTO vector_records (id, chunk_id, document_id, embedding, embedding_dim, embedding_model, created_at)
			 VALUES (?, ?, ?, CAST(? AS vector), ?, ?, NOW())`,
			entry.ID, entry.ChunkID, entry.DocumentID, vectors.Format(entry.Vector), entry.Dimension, entry.Model,
		).Error
		return storeErr("insert", err)
	}
	record := VectorRecord{
		ID:             entry.ID,
		ChunkID:        entry.ChunkID,
		DocumentID:     entry.DocumentID,
		Embedding:      pgvector.NewVector(entry.Vector),
		EmbeddingDim:   entry.Dimension,
		EmbeddingModel: entry.Model,
	}
	return storeErr("insert", s.db.WithContext(ctx).Create(&record).Error)
}

func (s *SQLStore) DeleteByDocument(ctx context.Context, documentID string) error {
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&VectorRecord{}).Error
	return storeErr("delete", err)
}

func (s *SQLStore) deleteRecord(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&VectorRecord{}).Error
	return storeErr("delete", err)
}

func (s *SQLStore) Nearest(ctx context.Context, query []float32, owners []string, k int) ([]string, error) {
	if owners != nil && len(owners) == 0 {
		return nil, nil
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}
	if !vectors.Valid(query) {
		return nil, fmt.Errorf("%w: query vector is empty or not finite", ErrInvalidArgument)
	}
	if s.postgres {
		return s.nearestPgvector(ctx, query, owners, k)
	}
	return s.nearestInProcess(ctx, query, owners, k)
}

func (s *SQLStore) nearestPgvector(ctx context.Context, query []float32, owners []string, k int) ([]string, error) {
	var sb strings.Builder
	args := []interface{}{StatusSuccess}
	sb.WriteString(`SELECT vr.id FROM vector_records vr JOIN documents d ON vr.document_id = d.id WHERE d.status = ?`)
	if owners != nil {
		sb.WriteString(` AND d.owner_id IN ?`)
		args = append(args, owners)
	}
	sb.WriteString(` ORDER BY vr.embedding <=> CAST(? AS vector) LIMIT ?`)
	args = append(args, pgvector.NewVector(query), k)

	var ids []string
	if err := s.db.WithContext(ctx).Raw(sb.String(), args...).Scan(&ids).Error; err != nil {
		return nil, storeErr("nearest", err)
	}
	return ids, nil
}

type candidateRow struct {
	ID        string
	Embedding string
}

func (s *SQLStore) nearestInProcess(ctx context.Context, query []float32, owners []string, k int) ([]string, error) {
	tx := s.db.WithContext(ctx).
		Table("vector_records AS vr").
		Select("vr.id AS id, vr.embedding AS embedding").
		Joins("JOIN documents d ON vr.document_id = d.id").
		Where("d.status = ?", StatusSuccess)
	if owners != nil {
		tx = tx.Where("d.owner_id IN ?", owners)
	}
	var rows []candidateRow
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, storeErr("nearest", err)
	}

	type scored struct {
		id       string
		distance float64
	}
	ranked := make([]scored, 0, len(rows))
	for _, row := range rows {
		vector, err := vectors.Parse(row.Embedding)
		if err != nil || len(vector) == 0 {
			continue
		}
		ranked = append(ranked, scored{id: row.ID, distance: 1 - vectors.Cosine(query, vector)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	ids := make([]string, len(ranked))
	for i, item := range ranked {
		ids[i] = item.id
	}
	return ids, nil
}

type loadedRow struct {
	ID         string
	ChunkID    string
	DocumentID string
	OwnerID    string
	Filename   string
	ChunkIndex int
	PageNum    *int
	Content    string
	Embedding  string
	Model      string
}

// Load returns records for ids in the order given; unknown ids are dropped.
func (s *SQLStore) Load(ctx context.Context, ids []string) ([]StoredVector, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	embeddingColumn := "vr.embedding"
	if s.postgres {
		embeddingColumn = "vr.embedding::text"
	}
	var rows []loadedRow
	err := s.db.WithContext(ctx).
		Table("vector_records AS vr").
		Select("vr.id AS id, vr.chunk_id AS chunk_id, vr.document_id AS document_id, d.owner_id AS owner_id, "+
			"d.filename AS filename, c.chunk_index AS chunk_index, c.page_num AS page_num, c.content AS content, "+
			embeddingColumn+" AS embedding, vr.embedding_model AS model").
		Joins("JOIN documents d ON vr.document_id = d.id").
		Joins("JOIN document_chunks c ON vr.chunk_id = c.id").
		Where("vr.id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("load", err)
	}

	byID := make(map[string]loadedRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]StoredVector, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			continue
		}
		vector, parseErr := vectors.Parse(row.Embedding)
		if parseErr != nil {
			vector = nil
		}
		out = append(out, StoredVector{
			ID:         row.ID,
			ChunkID:    row.ChunkID,
			DocumentID: row.DocumentID,
			OwnerID:    row.OwnerID,
			Filename:   row.Filename,
			ChunkIndex: row.ChunkIndex,
			PageNum:    row.PageNum,
			Content:    row.Content,
			Vector:     vector,
			Model:      row.Model,
		})
	}
	return out, nil
}

// successfulDocuments narrows documentIDs to those in SUCCESS.
func (s *SQLStore) successfulDocuments(ctx context.Context, documentIDs []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id IN ? AND status = ?", documentIDs, StatusSuccess).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storeErr("filter documents", err)
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func validateEntry(entry VectorEntry) error {
	switch {
	case entry.ID == "" || entry.ChunkID == "" || entry.DocumentID == "":
		return fmt.Errorf("%w: vector, chunk and document ids are required", ErrInvalidArgument)
	case !vectors.Valid(entry.Vector):
		return fmt.Errorf("%w: vector is empty or not finite", ErrInvalidArgument)
	case entry.Dimension != len(entry.Vector):
		return fmt.Errorf("%w: dimension %d does not match vector length %d", ErrInvalidArgument, entry.Dimension, len(entry.Vector))
	}
	return nil
}

var errStoreNotConfigured = errors.New("knowledge: vector store is not configured")
