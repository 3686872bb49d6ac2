package llm

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tutorqa_generation_duration_seconds",
		Help:    "Latency of chat completion calls, by mode and outcome.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"mode", "outcome"})
	clientRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorqa_llm_client_rebuilds_total",
		Help: "Chat clients built after a cold start or invalidation.",
	})
)

// Resolver 提供当前生效的生成配置。
type Resolver interface {
	Resolve(ctx context.Context) (Settings, error)
}

// ModelHolder 懒加载并缓存聊天客户端，配置变更后调用 Invalidate 让下次 Get 重新构建。
type ModelHolder struct {
	resolver Resolver

	mu     sync.RWMutex
	client *ChatClient
}

func NewModelHolder(resolver Resolver) *ModelHolder {
	return &ModelHolder{resolver: resolver}
}

// Get 返回缓存的客户端，首次调用时构建。
func (h *ModelHolder) Get(ctx context.Context) (*ChatClient, error) {
	h.mu.RLock()
	client := h.client
	h.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}
	settings, err := h.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	client, err = NewChatClient(settings)
	if err != nil {
		return nil, err
	}
	clientRebuilds.Inc()
	log.Printf("llm: using model %s", settings.Describe())
	h.client = client
	return client, nil
}

// Invalidate 清除缓存的客户端。
func (h *ModelHolder) Invalidate() {
	h.mu.Lock()
	h.client = nil
	h.mu.Unlock()
	log.Printf("llm: model cache invalidated")
}

// Describe 返回当前模型标识，无法构建客户端时返回空字符串。
func (h *ModelHolder) Describe(ctx context.Context) string {
	client, err := h.Get(ctx)
	if err != nil {
		return ""
	}
	return client.Settings().Describe()
}

// Generate 使用当前客户端完成一次非流式生成。
func (h *ModelHolder) Generate(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	client, err := h.Get(ctx)
	if err != nil {
		observeGeneration("sync", started, err)
		return "", err
	}
	result, err := client.Complete(ctx, prompt)
	observeGeneration("sync", started, err)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// GenerateStream 使用当前客户端完成一次流式生成，每个增量片段回调 onDelta。
func (h *ModelHolder) GenerateStream(ctx context.Context, prompt string, onDelta func(string) error) (string, error) {
	started := time.Now()
	client, err := h.Get(ctx)
	if err != nil {
		observeGeneration("stream", started, err)
		return "", err
	}
	result, err := client.CompleteStream(ctx, prompt, func(delta ChatStreamDelta) error {
		if delta.Done || delta.Content == "" || onDelta == nil {
			return nil
		}
		return onDelta(delta.Content)
	})
	observeGeneration("stream", started, err)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func observeGeneration(mode string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	generationDuration.WithLabelValues(mode, outcome).Observe(time.Since(started).Seconds())
}
