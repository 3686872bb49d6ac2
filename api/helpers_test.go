package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tutorqa_back/authorization"
	"tutorqa_back/knowledge"
	"tutorqa_back/parser"
	"tutorqa_back/qa"
	"tutorqa_back/storage"
	"tutorqa_back/vectors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type signingBlobs struct {
	*memBlobs
}

func (signingBlobs) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.example.test/" + key + "?sig=abc", nil
}

type recordingIngester struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIngester) Submit(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingIngester) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0, 0, 0, 1, 0.5, 0.5}, nil
}

func (e fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text)
	}
	return out, nil
}

type stubGenerator struct {
	parts []string
}

func (g *stubGenerator) Generate(context.Context, string) (string, error) {
	return strings.Join(g.parts, ""), nil
}

func (g *stubGenerator) GenerateStream(_ context.Context, _ string, onDelta func(string) error) (string, error) {
	for _, part := range g.parts {
		if err := onDelta(part); err != nil {
			return "", err
		}
	}
	return strings.Join(g.parts, ""), nil
}

func (g *stubGenerator) Describe(context.Context) string {
	return "Test - tutor-model"
}

type countingReloader struct {
	mu          sync.Mutex
	invalidated int
}

func (r *countingReloader) Invalidate() {
	r.mu.Lock()
	r.invalidated++
	r.mu.Unlock()
}

func (r *countingReloader) Describe(context.Context) string {
	return "Test - tutor-model"
}

func (r *countingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidated
}

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	blobs    *memBlobs
	ingester *recordingIngester
	auth     *authorization.Module
	models   *countingReloader
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, knowledge.Migrate(db, 4))
	require.NoError(t, qa.Migrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithBlobs(t, nil)
}

// newTestEnvWithBlobs uses blobs when given and the in-memory store otherwise.
func newTestEnvWithBlobs(t *testing.T, blobs storage.BlobStore) *testEnv {
	t.Helper()
	db := newTestDB(t)
	mem := newMemBlobs()
	if blobs == nil {
		blobs = mem
	} else if signing, ok := blobs.(signingBlobs); ok {
		mem = signing.memBlobs
	}
	ingester := &recordingIngester{}
	store := knowledge.NewSQLStore(db)
	documents := knowledge.NewService(db, blobs, store, nil, ingester, knowledge.ServiceConfig{
		StaleAfter:     5 * time.Minute,
		MaxUploadBytes: 1 << 20,
	})
	answers := qa.NewService(qa.Config{
		DB:             db,
		Embedder:       fixedEmbedder{},
		EmbeddingModel: "test-embed",
		Reducer:        vectors.Reducer{Target: 4, Source: 6},
		Store:          store,
		Generator:      &stubGenerator{parts: []string{"光合作用", "发生在叶绿体中。"}},
		Options:        qa.DefaultOptions(),
	})

	auth, err := authorization.NewModule("api-test-secret", time.Hour)
	require.NoError(t, err)
	models := &countingReloader{}

	router := gin.New()
	_, err = RegisterRoutes(router, auth.Guard(), Dependencies{
		Documents: documents,
		Blobs:     blobs,
		QA:        answers,
		Models:    models,
	})
	require.NoError(t, err)

	return &testEnv{router: router, db: db, blobs: mem, ingester: ingester, auth: auth, models: models}
}

func (e *testEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := e.auth.IssueToken(authorization.Identity{UserID: userID, Roles: roles})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedDocument(t *testing.T, owner, filename, content string, status knowledge.DocumentStatus) knowledge.Document {
	t.Helper()
	key := storage.ObjectKey(owner, filename)
	require.NoError(t, e.blobs.Put(context.Background(), key, []byte(content)))
	format, err := parser.FormatFromFilename(filename)
	require.NoError(t, err)
	doc := knowledge.Document{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Filename:    filename,
		StoragePath: key,
		FileSize:    int64(len(content)),
		FileType:    format,
		Status:      status,
		UploadedAt:  time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(&doc).Error)
	return doc
}

// seedIndexedChunk adds one embedded chunk to doc.
func (e *testEnv) seedIndexedChunk(t *testing.T, doc knowledge.Document, content string) {
	t.Helper()
	page := 1
	chunk := knowledge.Chunk{
		ID:            uuid.NewString(),
		DocumentID:    doc.ID,
		ChunkIndex:    0,
		Content:       content,
		ContentLength: len([]rune(content)),
		PageNum:       &page,
	}
	require.NoError(t, e.db.Create(&chunk).Error)
	require.NoError(t, e.db.Model(&knowledge.Document{}).Where("id = ?", doc.ID).Update("chunk_count", 1).Error)
	require.NoError(t, knowledge.NewSQLStore(e.db).Store(context.Background(), knowledge.VectorEntry{
		ID:         uuid.NewString(),
		ChunkID:    chunk.ID,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Vector:     []float32{0, 0, 0.2, 1},
		Dimension:  4,
		Model:      "test-embed",
	}))
}
