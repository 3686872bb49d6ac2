package knowledge

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Provider error text is the only retry signal most embedding gateways give.
// Phrases are matched case-insensitively as substrings; a phrase written as
// "a+b" matches only when every part is present.
var (
	DefaultRateLimitPhrases = []string{"rate limit", "rate_limit", "too many requests", "limit+higher"}
	DefaultTransientPhrases = []string{"rate limit", "timeout", "connection", "503", "429"}
)

// Classifier decides whether an embedding failure is worth another attempt.
type Classifier struct {
	RateLimitPhrases []string
	TransientPhrases []string
}

func DefaultClassifier() Classifier {
	return Classifier{
		RateLimitPhrases: append([]string(nil), DefaultRateLimitPhrases...),
		TransientPhrases: append([]string(nil), DefaultTransientPhrases...),
	}
}

// ClassifierFromEnv reads comma separated EMBEDDING_RATE_LIMIT_PHRASES and
// EMBEDDING_TRANSIENT_PHRASES; unset variables keep the defaults.
func ClassifierFromEnv() Classifier {
	c := DefaultClassifier()
	if phrases := splitPhrases(os.Getenv("EMBEDDING_RATE_LIMIT_PHRASES")); len(phrases) > 0 {
		c.RateLimitPhrases = phrases
	}
	if phrases := splitPhrases(os.Getenv("EMBEDDING_TRANSIENT_PHRASES")); len(phrases) > 0 {
		c.TransientPhrases = phrases
	}
	return c
}

func (c Classifier) IsRateLimit(message string) bool {
	return matchAny(message, c.RateLimitPhrases)
}

func (c Classifier) IsTransient(message string) bool {
	return matchAny(message, c.TransientPhrases)
}

// Retryable is the predicate handed to RetryPolicy.Do.
func (c Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrInvalidArgument) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	message := err.Error()
	return c.IsRateLimit(message) || c.IsTransient(message)
}

func matchAny(message string, phrases []string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range phrases {
		parts := strings.Split(strings.ToLower(phrase), "+")
		matched := true
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" || !strings.Contains(lower, part) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func splitPhrases(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
