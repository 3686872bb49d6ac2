package vectors

import (
	"os"
	"strconv"
	"strings"
)

const (
	DefaultTargetDim = 2048
	DefaultSourceDim = 4096
)

// Reducer truncates embeddings to a leading prefix of Target components.
// Models trained with Matryoshka representation learning keep the leading
// dimensions meaningful on their own, so no re-projection is needed.
type Reducer struct {
	Target int
	Source int
}

// NewReducerFromEnv reads EMBEDDING_TARGET_DIM and EMBEDDING_SOURCE_DIM.
func NewReducerFromEnv() Reducer {
	return Reducer{
		Target: positiveEnv("EMBEDDING_TARGET_DIM", DefaultTargetDim),
		Source: positiveEnv("EMBEDDING_SOURCE_DIM", DefaultSourceDim),
	}
}

// Reduce applies Truncate with the configured target.
func (r Reducer) Reduce(v []float32) []float32 {
	target := r.Target
	if target <= 0 {
		target = DefaultTargetDim
	}
	return Truncate(v, target)
}

// Truncate returns v itself when it already fits in target components and a
// copy of its leading target components otherwise.
func Truncate(v []float32, target int) []float32 {
	if target < 0 || len(v) <= target {
		return v
	}
	out := make([]float32, target)
	copy(out, v[:target])
	return out
}

func positiveEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
