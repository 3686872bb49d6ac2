package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant serves the collection, upsert and search endpoints in memory.
type fakeQdrant struct {
	mu         sync.Mutex
	failUpsert bool
	points     map[string]qdrantPoint
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	q := &fakeQdrant{points: map[string]qdrantPoint{}}
	server := httptest.NewServer(http.HandlerFunc(q.serve))
	t.Cleanup(server.Close)
	t.Setenv("QDRANT_URL", server.URL)
	t.Setenv("QDRANT_API_KEY", "")
	t.Setenv("QDRANT_COLLECTION", "chunks")
	return q, server
}

func (q *fakeQdrant) serve(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/exists"):
		_, _ = w.Write([]byte(`{"result":{"exists":true}}`))
	case strings.HasSuffix(r.URL.Path, "/points") && r.Method == http.MethodPut:
		if q.failUpsert {
			http.Error(w, `{"status":{"error":"service unavailable"}}`, http.StatusInternalServerError)
			return
		}
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, point := range body.Points {
			q.points[point.ID] = point
		}
		_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
	case strings.HasSuffix(r.URL.Path, "/points/search"):
		type hit struct {
			ID      string                 `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		}
		hits := make([]hit, 0, len(q.points))
		for id, point := range q.points {
			hits = append(hits, hit{ID: id, Score: 0.5, Payload: point.Payload})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": hits})
	default:
		_, _ = w.Write([]byte(`{"result":true}`))
	}
}

func (q *fakeQdrant) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.points)
}

func TestQdrantStoreIndexesAndSearches(t *testing.T) {
	fake, _ := newFakeQdrant(t)
	db := newTestDB(t)
	store, err := NewQdrantStoreFromEnv(context.Background(), NewSQLStore(db), 4)
	require.NoError(t, err)

	ready := seedDocument(t, db, nil, "teacher-1", "ready.pdf", "x", StatusSuccess)
	pending := seedDocument(t, db, nil, "teacher-1", "pending.pdf", "x", StatusProcessing)
	id := seedVector(t, db, store, ready, 0, "chloroplasts", []float32{1, 0, 0, 0})
	seedVector(t, db, store, pending, 0, "mitochondria", []float32{0, 1, 0, 0})
	assert.Equal(t, 2, fake.count())

	ids, err := store.Nearest(context.Background(), []float32{1, 0, 0, 0}, []string{"teacher-1"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestQdrantStoreFailedUpsertLeavesNoRecord(t *testing.T) {
	fake, _ := newFakeQdrant(t)
	fake.failUpsert = true
	db := newTestDB(t)
	store, err := NewQdrantStoreFromEnv(context.Background(), NewSQLStore(db), 4)
	require.NoError(t, err)

	doc := seedDocument(t, db, nil, "teacher-1", "notes.pdf", "x", StatusProcessing)
	chunk := Chunk{ID: "chunk-1", DocumentID: doc.ID, Content: "text", ContentLength: 4}
	require.NoError(t, db.Create(&chunk).Error)

	err = store.Store(context.Background(), VectorEntry{
		ID: "vec-1", ChunkID: chunk.ID, DocumentID: doc.ID, OwnerID: doc.OwnerID,
		Vector: []float32{1, 0, 0, 0}, Dimension: 4, Model: "test-model",
	})
	var storeError *VectorStoreError
	require.ErrorAs(t, err, &storeError)
	assert.Equal(t, "upsert", storeError.Op)
	assert.Zero(t, countRows(t, db, &VectorRecord{}, doc.ID))
}

func TestProcessWithUnavailableQdrantKeepsAccounting(t *testing.T) {
	fake, _ := newFakeQdrant(t)
	fake.failUpsert = true
	db := newTestDB(t)
	blobs := newMemBlobs()
	doc := seedDocument(t, db, blobs, "teacher-1", "notes.pdf", longText(20, nil), StatusUploading)

	store, err := NewQdrantStoreFromEnv(context.Background(), NewSQLStore(db), 4)
	require.NoError(t, err)
	p := NewPipeline(db, blobs, textParser{}, NewChunker(200, 20), &hashEmbedder{}, testReducer(), store, PipelineConfig{ModelTag: "test-model"})
	require.ErrorIs(t, p.Process(context.Background(), doc.ID), ErrAllEmbeddingsFailed)

	got := reload(t, db, doc.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Greater(t, got.ChunkCount, 0)
	assert.Zero(t, countRows(t, db, &VectorRecord{}, doc.ID))
	assert.Zero(t, fake.count())
}
