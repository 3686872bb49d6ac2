package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEmbeddingBaseURL = "https://api.siliconflow.cn/v1"
	defaultEmbeddingModel   = "Qwen/Qwen3-Embedding-8B"
)

// Embedder turns text into full-precision embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	Retry      RetryPolicy
	Classifier Classifier
}

// EmbeddingConfigFromEnv reads EMBEDDING_BASE_URL, EMBEDDING_API_KEY and
// EMBEDDING_MODEL together with the retry and classifier settings.
func EmbeddingConfigFromEnv() (EmbeddingConfig, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return EmbeddingConfig{}, errors.New("knowledge: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultEmbeddingBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return EmbeddingConfig{}, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	model := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL"))
	if model == "" {
		model = defaultEmbeddingModel
	}

	timeout := 60 * time.Second
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_TIMEOUT")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	return EmbeddingConfig{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		Timeout:    timeout,
		Retry:      RetryPolicyFromEnv(),
		Classifier: ClassifierFromEnv(),
	}, nil
}

// HTTPEmbedder talks to an OpenAI compatible /embeddings endpoint.
type HTTPEmbedder struct {
	httpClient *http.Client
	cfg        EmbeddingConfig
	sleep      SleepFunc
}

func NewHTTPEmbedder(cfg EmbeddingConfig) *HTTPEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPEmbedder{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		sleep:      sleepContext,
	}
}

func NewHTTPEmbedderFromEnv() (*HTTPEmbedder, error) {
	cfg, err := EmbeddingConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewHTTPEmbedder(cfg), nil
}

// Model is the configured embedding model identifier.
func (e *HTTPEmbedder) Model() string {
	return e.cfg.Model
}

type embeddingRequest struct {
	Model          string      `json:"model"`
	Input          interface{} `json:"input"`
	EncodingFormat string      `json:"encoding_format"`
}

type embeddingResponse struct {
	Data *[]struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error  json.RawMessage `json:"error"`
	Errors json.RawMessage `json:"errors"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: embedding text is empty", ErrInvalidArgument)
	}

	var vector []float32
	attempts, err := e.cfg.Retry.Do(ctx, e.sleep, e.cfg.Classifier.Retryable, func(ctx context.Context) error {
		vectors, err := e.call(ctx, text, 1)
		if err != nil {
			return err
		}
		vector = vectors[0]
		return nil
	})
	if err != nil {
		return nil, &EmbeddingError{Attempts: attempts, Retryable: e.cfg.Classifier.Retryable(err), Err: err}
	}
	return vector, nil
}

func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to embed", ErrInvalidArgument)
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", ErrInvalidArgument, i)
		}
	}

	var vectors [][]float32
	attempts, err := e.cfg.Retry.Do(ctx, e.sleep, e.cfg.Classifier.Retryable, func(ctx context.Context) error {
		out, err := e.call(ctx, texts, len(texts))
		if err != nil {
			return err
		}
		vectors = out
		return nil
	})
	if err != nil {
		return nil, &EmbeddingError{Attempts: attempts, Retryable: e.cfg.Classifier.Retryable(err), Err: err}
	}
	return vectors, nil
}

func (e *HTTPEmbedder) call(ctx context.Context, input interface{}, expected int) ([][]float32, error) {
	embeddingRequestsTotal.Inc()

	payload := embeddingRequest{
		Model:          e.cfg.Model,
		Input:          input,
		EncodingFormat: "float",
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := raw
		if len(snippet) > 4096 {
			snippet = snippet[:4096]
		}
		message := strings.TrimSpace(string(snippet))
		var decoded embeddingResponse
		if json.Unmarshal(raw, &decoded) == nil {
			if msg := providerMessage(decoded); msg != "" {
				message = msg
			}
		}
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, message)
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err)
	}
	if msg := providerMessage(decoded); msg != "" {
		return nil, fmt.Errorf("knowledge: embedding API error: %s", msg)
	}
	if decoded.Data == nil {
		return nil, fmt.Errorf("%w: missing data array", ErrMalformedResponse)
	}

	items := *decoded.Data
	if len(items) != expected {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrMalformedResponse, expected, len(items))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Index < items[j].Index })

	vectors := make([][]float32, len(items))
	for i, item := range items {
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("%w: item %d has no embedding", ErrMalformedResponse, i)
		}
		vector := make([]float32, len(item.Embedding))
		for j, value := range item.Embedding {
			vector[j] = float32(value)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// providerMessage extracts the human readable message from an error or
// errors field, falling back to the raw field text.
func providerMessage(decoded embeddingResponse) string {
	for _, field := range []json.RawMessage{decoded.Error, decoded.Errors} {
		trimmed := bytes.TrimSpace(field)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		var withMessage struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(trimmed, &withMessage) == nil && withMessage.Message != "" {
			return withMessage.Message
		}
		var plain string
		if json.Unmarshal(trimmed, &plain) == nil && plain != "" {
			return plain
		}
		return string(trimmed)
	}
	return ""
}
