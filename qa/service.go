package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tutorqa_back/knowledge"
	"tutorqa_back/vectors"
)

// generationFailurePrefix 生成失败时返回给用户的答案前缀。
const generationFailurePrefix = "抱歉，生成答案时遇到问题："

// Generator 根据提示词生成答案。
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string, onDelta func(string) error) (string, error)
	Describe(ctx context.Context) string
}

// EmbeddingCache 缓存问题向量。
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, v []float32)
}

// ScopeSource 解析调用者可检索的文档范围。
type ScopeSource interface {
	Resolve(ctx context.Context, caller Caller) (Scope, error)
}

// Request 是一次问答请求。
type Request struct {
	Question string
	TopK     int
	Caller   Caller
	Previous *Turn
}

// Answer 是问答结果。HistoryID 在历史记录保存失败时为 nil。
type Answer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	HistoryID *string    `json:"historyId"`
}

// Event 是流式问答推送的一条事件：meta、delta、done 或 error。
type Event struct {
	Name string
	Data interface{}
}

// Service 实现检索增强问答。
type Service struct {
	db             *gorm.DB
	embedder       knowledge.Embedder
	embeddingModel string
	reducer        vectors.Reducer
	store          knowledge.VectorStore
	scopes         ScopeSource
	generator      Generator
	cache          EmbeddingCache
	opts           Options
	now            func() time.Time
}

// Config 汇总 Service 的依赖。Cache 可以为 nil。
type Config struct {
	DB             *gorm.DB
	Embedder       knowledge.Embedder
	EmbeddingModel string
	Reducer        vectors.Reducer
	Store          knowledge.VectorStore
	Scopes         ScopeSource
	Generator      Generator
	Cache          EmbeddingCache
	Options        Options
}

func NewService(cfg Config) *Service {
	scopes := cfg.Scopes
	if scopes == nil {
		scopes = NewScopeResolver(cfg.DB)
	}
	return &Service{
		db:             cfg.DB,
		embedder:       cfg.Embedder,
		embeddingModel: cfg.EmbeddingModel,
		reducer:        cfg.Reducer,
		store:          cfg.Store,
		scopes:         scopes,
		generator:      cfg.Generator,
		cache:          cfg.Cache,
		opts:           cfg.Options,
		now:            time.Now,
	}
}

// prepared 保存生成之前的检索结果。
type prepared struct {
	question  string
	citations []Citation
	prompt    string
	retrieved int
	started   time.Time
}

// Ask 检索引用并同步生成答案。生成失败时返回致歉答案而不是错误。
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	answer, err := s.generator.Generate(ctx, p.prompt)
	if err != nil {
		log.Printf("qa: generate answer: %v", err)
		generationFailures.WithLabelValues("sync").Inc()
		answer = generationFailurePrefix + err.Error()
	}

	historyID := s.saveHistory(ctx, req.Caller, p, answer)
	s.logMetric("sync", p)
	return &Answer{Answer: answer, Citations: p.citations, HistoryID: historyID}, nil
}

// Stream 依次推送 meta（引用）、若干 delta（增量文本）和 done（历史 ID、完整答案、引用）。
// 检索或生成失败时推送 error 事件。只有 emit 本身失败时才返回错误。
func (s *Service) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	p, err := s.prepare(ctx, req)
	if err != nil {
		log.Printf("qa: prepare stream: %v", err)
		return emit(Event{Name: "error", Data: map[string]interface{}{"message": streamErrorMessage(err)}})
	}

	if err := emit(Event{Name: "meta", Data: map[string]interface{}{"citations": p.citations}}); err != nil {
		return err
	}

	var emitErr error
	answer, err := s.generator.GenerateStream(ctx, p.prompt, func(delta string) error {
		if e := emit(Event{Name: "delta", Data: map[string]interface{}{"content": delta}}); e != nil {
			emitErr = e
			return e
		}
		return nil
	})
	if emitErr != nil {
		return emitErr
	}
	if err != nil {
		log.Printf("qa: stream answer: %v", err)
		generationFailures.WithLabelValues("stream").Inc()
		return emit(Event{Name: "error", Data: map[string]interface{}{"message": generationFailurePrefix + err.Error()}})
	}

	historyID := s.saveHistory(ctx, req.Caller, p, answer)
	s.logMetric("stream", p)
	return emit(Event{Name: "done", Data: map[string]interface{}{
		"historyId": historyID,
		"answer":    answer,
		"citations": p.citations,
	}})
}

func streamErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return "问答处理失败: " + err.Error()
}

func (s *Service) prepare(ctx context.Context, req Request) (*prepared, error) {
	started := s.now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", knowledge.ErrInvalidArgument)
	}
	if limit := s.opts.MaxQuestionLength; limit > 0 && utf8.RuneCountInString(question) > limit {
		return nil, fmt.Errorf("%w: question exceeds %d characters", knowledge.ErrInvalidArgument, limit)
	}

	scope, err := s.scopes.Resolve(ctx, req.Caller)
	if err != nil {
		return nil, err
	}
	topK := s.opts.ClampTopK(req.TopK)
	log.Printf("qa: question from %q, scope %s, topK %d", req.Caller.UserID, scope, topK)

	query, err := s.queryVector(ctx, question)
	if err != nil {
		return nil, err
	}

	owners := scope.OwnerFilter()
	var records []knowledge.StoredVector
	retrieved := 0
	if owners == nil || len(owners) > 0 {
		ids, err := s.store.Nearest(ctx, query, owners, topK)
		if err != nil {
			return nil, err
		}
		retrieved = len(ids)
		if len(ids) > 0 {
			records, err = s.store.Load(ctx, ids)
			if err != nil {
				return nil, err
			}
		}
	}

	citations := selectCitations(scoreCandidates(records, query), s.opts)
	return &prepared{
		question:  question,
		citations: citations,
		prompt:    BuildPrompt(question, citations, req.Previous),
		retrieved: retrieved,
		started:   started,
	}, nil
}

// queryVector 嵌入问题并按入库时相同的规则降维，结果按模型与维度缓存。
func (s *Service) queryVector(ctx context.Context, question string) ([]float32, error) {
	cacheModel := s.embeddingModel + "@" + strconv.Itoa(s.reducer.Target)
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, cacheModel, question); ok {
			return v, nil
		}
	}
	full, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("qa: embed question: %w", err)
	}
	reduced := s.reducer.Reduce(full)
	if s.cache != nil {
		s.cache.Set(ctx, cacheModel, question, reduced)
	}
	return reduced, nil
}

// saveHistory 保存问答历史与引用记录，失败只记录日志。
func (s *Service) saveHistory(ctx context.Context, caller Caller, p *prepared, answer string) *string {
	if s.db == nil || strings.TrimSpace(answer) == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	chunkIDs := make([]string, 0, len(p.citations))
	documentIDs := make([]string, 0, len(p.citations))
	seen := map[string]struct{}{}
	for _, c := range p.citations {
		chunkIDs = append(chunkIDs, c.ChunkID)
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			documentIDs = append(documentIDs, c.DocumentID)
		}
	}
	chunksJSON, _ := json.Marshal(chunkIDs)
	documentsJSON, _ := json.Marshal(documentIDs)

	history := History{
		ID:                 uuid.NewString(),
		Question:           truncateRunes(p.question, 1000),
		Answer:             answer,
		ResponseTime:       s.now().Sub(p.started).Milliseconds(),
		RetrievedChunks:    datatypes.JSON(chunksJSON),
		RetrievedDocuments: datatypes.JSON(documentsJSON),
		ModelVersion:       s.generator.Describe(ctx),
		AskedAt:            p.started.UTC(),
	}
	if caller.Authenticated() {
		userID := strings.TrimSpace(caller.UserID)
		history.UserID = &userID
	}
	if err := s.db.WithContext(ctx).Create(&history).Error; err != nil {
		log.Printf("qa: save history: %v", err)
		historyFailures.Inc()
		return nil
	}

	if len(p.citations) > 0 {
		rows := make([]CitationRecord, 0, len(p.citations))
		for _, c := range p.citations {
			rows = append(rows, CitationRecord{
				ID:             uuid.NewString(),
				QaID:           history.ID,
				ChunkID:        c.ChunkID,
				DocumentID:     c.DocumentID,
				PageNum:        c.PageNum,
				ChunkIndex:     c.ChunkIndex,
				RelevanceScore: c.Score,
				CitationText:   truncateRunes(c.Content, promptCitationLimit),
			})
		}
		if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
			log.Printf("qa: save citations for %s: %v", history.ID, err)
		}
	}
	return &history.ID
}

func (s *Service) logMetric(mode string, p *prepared) {
	elapsed := s.now().Sub(p.started)
	qaDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	qaCitations.Observe(float64(len(p.citations)))
	log.Printf("[METRIC][QA] mode=%s, topKHits=%d, citationsAfterFilter=%d, durationMs=%d",
		mode, p.retrieved, len(p.citations), elapsed.Milliseconds())
}

// History 返回调用者最近的问答记录，最新的在前。
func (s *Service) History(ctx context.Context, userID string, limit int) ([]History, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []History
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("asked_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("qa: list history: %w", err)
	}
	return rows, nil
}
