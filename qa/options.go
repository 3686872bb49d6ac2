package qa

import (
	"os"
	"strconv"
	"strings"
)

// Options 控制检索与引用筛选。
type Options struct {
	SimilarityThreshold     float64
	MinCitations            int
	MaxCitationsPerDocument int
	DefaultTopK             int
	MaxTopK                 int
	MaxQuestionLength       int
}

func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.65,
		MinCitations:        2,
		DefaultTopK:         5,
		MaxTopK:             20,
		MaxQuestionLength:   1000,
	}
}

// OptionsFromEnv 读取 QA_* 环境变量，格式错误时使用默认值。
func OptionsFromEnv() Options {
	opts := DefaultOptions()
	if raw := strings.TrimSpace(os.Getenv("QA_SIMILARITY_THRESHOLD")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= -1 && parsed <= 1 {
			opts.SimilarityThreshold = parsed
		}
	}
	opts.MinCitations = intEnv("QA_MIN_CITATIONS", opts.MinCitations, 0)
	opts.MaxCitationsPerDocument = intEnv("QA_MAX_CITATIONS_PER_DOCUMENT", opts.MaxCitationsPerDocument, 0)
	opts.DefaultTopK = intEnv("QA_DEFAULT_TOP_K", opts.DefaultTopK, 1)
	opts.MaxTopK = intEnv("QA_MAX_TOP_K", opts.MaxTopK, 1)
	opts.MaxQuestionLength = intEnv("QA_MAX_QUESTION_LENGTH", opts.MaxQuestionLength, 1)
	return opts
}

func intEnv(key string, fallback, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

// ClampTopK 缺省取 DefaultTopK，并限制在 [1, MaxTopK]。
func (o Options) ClampTopK(requested int) int {
	maxTopK := o.MaxTopK
	if maxTopK < 1 {
		maxTopK = 20
	}
	topK := requested
	if topK == 0 {
		topK = o.DefaultTopK
	}
	if topK < 1 {
		topK = 1
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	return topK
}
