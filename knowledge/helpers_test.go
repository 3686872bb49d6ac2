package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tutorqa_back/parser"
	"tutorqa_back/storage"
	"tutorqa_back/vectors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db, 4))
	return db
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
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

func (m *memBlobs) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// textParser returns the stored bytes as text.
type textParser struct {
	usedOCR bool
	err     error
}

func (p textParser) Parse(_ context.Context, r io.Reader, _ parser.Format) (parser.Result, error) {
	if p.err != nil {
		return parser.Result{}, p.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return parser.Result{}, err
	}
	return parser.Result{Text: string(data), UsedOCR: p.usedOCR}, nil
}

// hashEmbedder returns deterministic 8-dimensional vectors. Texts containing
// a poison marker fail.
type hashEmbedder struct {
	mu     sync.Mutex
	poison string
	calls  int
	cancel context.CancelFunc
	after  int
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	calls := e.calls
	e.mu.Unlock()
	if e.cancel != nil && calls == e.after {
		e.cancel()
		return nil, ctx.Err()
	}
	if e.poison != "" && strings.Contains(text, e.poison) {
		return nil, errors.New("embedding API status 400 Bad Request: input rejected")
	}
	return hashVector(text), nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func hashVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, 8)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed>>40)/float32(1<<24) + 0.01
	}
	return v
}

func testReducer() vectors.Reducer {
	return vectors.Reducer{Target: 4, Source: 8}
}

func seedDocument(t *testing.T, db *gorm.DB, blobs *memBlobs, owner, filename, content string, status DocumentStatus) Document {
	t.Helper()
	key := storage.ObjectKey(owner, filename)
	if blobs != nil {
		require.NoError(t, blobs.Put(context.Background(), key, []byte(content)))
	}
	format, err := parser.FormatFromFilename(filename)
	require.NoError(t, err)
	doc := Document{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Filename:    filename,
		StoragePath: key,
		FileSize:    int64(len(content)),
		FileType:    format,
		Status:      status,
		UploadedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(&doc).Error)
	return doc
}
