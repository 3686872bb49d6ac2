package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantSearchResult struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func newQdrantClient(baseURL, apiKey string) (*qdrantClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	return &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
	}, nil
}

func (c *qdrantClient) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: qdrant %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge: qdrant %s status %s: %s", path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowledge: decode qdrant response: %w", err)
	}
	return nil
}

func (c *qdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if vectorSize <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}
	var existing struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name)+"/exists", nil, &existing); err == nil && existing.Result.Exists {
		return nil
	}
	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload, nil)
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, collection string, points []qdrantPoint) error {
	if len(points) == 0 {
		return nil
	}
	path := "/collections/" + url.PathEscape(collection) + "/points?wait=true"
	return c.do(ctx, http.MethodPut, path, map[string]interface{}{"points": points}, nil)
}

func (c *qdrantClient) DeleteByFilter(ctx context.Context, collection string, filter map[string]interface{}) error {
	path := "/collections/" + url.PathEscape(collection) + "/points/delete?wait=true"
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{"filter": filter}, nil)
}

func (c *qdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]interface{}) ([]qdrantSearchResult, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	path := "/collections/" + url.PathEscape(collection) + "/points/search"
	if err := c.do(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return nil, err
	}

	results := make([]qdrantSearchResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		results = append(results, qdrantSearchResult{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return results, nil
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// QdrantStore indexes vectors in a Qdrant collection while keeping the
// relational vector_records rows that Load and the one-record-per-chunk
// constraint rely on.
type QdrantStore struct {
	rows       *SQLStore
	client     *qdrantClient
	collection string
	overfetch  int
}

// NewQdrantStoreFromEnv reads QDRANT_URL, QDRANT_API_KEY and QDRANT_COLLECTION
// and makes sure the collection exists with the given dimension.
func NewQdrantStoreFromEnv(ctx context.Context, rows *SQLStore, dimension int) (*QdrantStore, error) {
	if rows == nil {
		return nil, errStoreNotConfigured
	}
	client, err := newQdrantClient(os.Getenv("QDRANT_URL"), os.Getenv("QDRANT_API_KEY"))
	if err != nil {
		return nil, err
	}
	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "document_chunks"
	}
	if err := client.EnsureCollection(ctx, collection, dimension); err != nil {
		return nil, err
	}
	return &QdrantStore{rows: rows, client: client, collection: collection, overfetch: 4}, nil
}

func (s *QdrantStore) Store(ctx context.Context, entry VectorEntry) error {
	if err := s.rows.Store(ctx, entry); err != nil {
		return err
	}
	point := qdrantPoint{
		ID:     entry.ID,
		Vector: entry.Vector,
		Payload: map[string]interface{}{
			"document_id": entry.DocumentID,
			"chunk_id":    entry.ChunkID,
			"owner_id":    entry.OwnerID,
		},
	}
	if err := s.client.UpsertPoints(ctx, s.collection, []qdrantPoint{point}); err != nil {
		// Only indexed vectors may keep a row.
		if rollbackErr := s.rows.deleteRecord(context.WithoutCancel(ctx), entry.ID); rollbackErr != nil {
			log.Printf("knowledge: remove vector record %s after failed upsert: %v", entry.ID, rollbackErr)
		}
		return storeErr("upsert", err)
	}
	return nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "document_id", "match": map[string]interface{}{"value": documentID}},
		},
	}
	if err := s.client.DeleteByFilter(ctx, s.collection, filter); err != nil {
		return storeErr("delete", err)
	}
	return s.rows.DeleteByDocument(ctx, documentID)
}

// Nearest over-fetches from Qdrant and drops hits whose document is not in
// SUCCESS, since document status lives only in the relational store.
func (s *QdrantStore) Nearest(ctx context.Context, query []float32, owners []string, k int) ([]string, error) {
	if owners != nil && len(owners) == 0 {
		return nil, nil
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}
	var filter map[string]interface{}
	if owners != nil {
		filter = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "owner_id", "match": map[string]interface{}{"any": owners}},
			},
		}
	}
	hits, err := s.client.Search(ctx, s.collection, query, k*s.overfetch, filter)
	if err != nil {
		return nil, storeErr("nearest", err)
	}

	documentIDs := make([]string, 0, len(hits))
	for _, hit := range hits {
		if id, ok := hit.Payload["document_id"].(string); ok {
			documentIDs = append(documentIDs, id)
		}
	}
	eligible, err := s.rows.successfulDocuments(ctx, documentIDs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, k)
	for _, hit := range hits {
		documentID, _ := hit.Payload["document_id"].(string)
		if _, ok := eligible[documentID]; !ok {
			continue
		}
		ids = append(ids, hit.ID)
		if len(ids) == k {
			break
		}
	}
	return ids, nil
}

func (s *QdrantStore) Load(ctx context.Context, ids []string) ([]StoredVector, error) {
	return s.rows.Load(ctx, ids)
}
