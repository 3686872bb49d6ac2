package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tutorqa_back/knowledge"
	"tutorqa_back/parser"
	"tutorqa_back/vectors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:qa_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, knowledge.Migrate(db, 4))
	require.NoError(t, Migrate(db))
	return db
}

// seedChunk creates a SUCCESS document owned by owner with one embedded chunk.
func seedChunk(t *testing.T, db *gorm.DB, owner, filename, content string, vector []float32) knowledge.Chunk {
	t.Helper()
	doc := knowledge.Document{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Filename:    filename,
		StoragePath: owner + "/" + filename,
		FileSize:    int64(len(content)),
		FileType:    parser.FormatPDF,
		Status:      knowledge.StatusSuccess,
		ChunkCount:  1,
		UploadedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&doc).Error)
	page := 1
	chunk := knowledge.Chunk{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		ChunkIndex:    0,
		Content:       content,
		ContentLength: len([]rune(content)),
		PageNum:       &page,
	}
	require.NoError(t, db.Create(&chunk).Error)
	require.NoError(t, knowledge.NewSQLStore(db).Store(context.Background(), knowledge.VectorEntry{
		ID:         uuid.NewString(),
		ChunkID:    chunk.ID,
		DocumentID: doc.ID,
		OwnerID:    owner,
		Vector:     vector,
		Dimension:  len(vector),
		Model:      "test-embed",
	}))
	return chunk
}

type mapEmbedder struct {
	vectors map[string][]float32
	calls   int32
	err     error
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1, 0.5, 0.5}, nil
}

func (m *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type stubGenerator struct {
	mu      sync.Mutex
	answer  string
	parts   []string
	err     error
	prompts []string
}

func (g *stubGenerator) record(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
}

func (g *stubGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.record(prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

func (g *stubGenerator) GenerateStream(_ context.Context, prompt string, onDelta func(string) error) (string, error) {
	g.record(prompt)
	var b strings.Builder
	for _, part := range g.parts {
		if err := onDelta(part); err != nil {
			return "", err
		}
		b.WriteString(part)
	}
	if g.err != nil {
		return "", g.err
	}
	return b.String(), nil
}

func (g *stubGenerator) Describe(context.Context) string {
	return "Test - tutor-model"
}

var errGenerationDown = errors.New("upstream unavailable")

func newTestService(t *testing.T, db *gorm.DB, embedder *mapEmbedder, generator *stubGenerator, cache EmbeddingCache) *Service {
	t.Helper()
	return NewService(Config{
		DB:             db,
		Embedder:       embedder,
		EmbeddingModel: "test-embed",
		Reducer:        vectors.Reducer{Target: 4, Source: 6},
		Store:          knowledge.NewSQLStore(db),
		Generator:      generator,
		Cache:          cache,
		Options:        DefaultOptions(),
	})
}
