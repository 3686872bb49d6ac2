// Package vectors holds the numeric helpers shared by ingestion and retrieval:
// the textual vector encoding used by the store, cosine similarity and
// normalisation, and Matryoshka-style dimension reduction.
package vectors

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrZeroVector is returned when a vector with zero magnitude is normalised.
	ErrZeroVector = errors.New("vectors: zero vector cannot be normalized")
	// ErrDimensionMismatch is returned by the strict similarity variant.
	ErrDimensionMismatch = errors.New("vectors: dimension mismatch")
)

// Format encodes v as "[v1,v2,...]", the literal accepted by pgvector casts.
func Format(v []float32) string {
	buf := make([]byte, 0, len(v)*10+2)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(x), 'f', -1, 32)
	}
	buf = append(buf, ']')
	return string(buf)
}

// Parse decodes a vector literal. Surrounding brackets are optional and an
// empty body yields an empty, non-nil vector.
func Parse(s string) ([]float32, error) {
	body := strings.TrimSpace(s)
	if strings.HasPrefix(body, "[") && strings.HasSuffix(body, "]") {
		body = strings.TrimSpace(body[1 : len(body)-1])
	}
	if body == "" {
		return []float32{}, nil
	}

	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("vectors: parse element %d: %w", i, err)
		}
		out[i] = float32(value)
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b over their common prefix.
// Vectors of different length are compared on the shorter length; a zero
// denominator yields 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	denominator := math.Sqrt(normA) * math.Sqrt(normB)
	if denominator == 0 {
		return 0
	}
	return clamp(dot/denominator, -1, 1)
}

// CosineStrict is Cosine that refuses vectors of unequal dimension.
func CosineStrict(a, b []float32) (float64, error) {
	if !SameDimension(a, b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return Cosine(a, b), nil
}

// Norm is the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	norm := Norm(v)
	if norm == 0 {
		return nil, ErrZeroVector
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Valid reports whether v is non-empty and every component is finite.
func Valid(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func SameDimension(a, b []float32) bool {
	return len(a) == len(b)
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
