package knowledge

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy describes an exponential backoff: attempt n (1-based) that fails
// is followed by a wait of BaseDelay * Multiplier^(n-1), up to MaxAttempts
// attempts in total.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// RetryPolicyFromEnv reads EMBEDDING_MAX_ATTEMPTS, EMBEDDING_RETRY_BASE_DELAY
// and EMBEDDING_RETRY_MULTIPLIER on top of the defaults.
func RetryPolicyFromEnv() RetryPolicy {
	policy := DefaultRetryPolicy()
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			policy.MaxAttempts = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_RETRY_BASE_DELAY")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed >= 0 {
			policy.BaseDelay = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_RETRY_MULTIPLIER")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 1 {
			policy.Multiplier = parsed
		}
	}
	return policy
}

// Delay returns the wait after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1)))
}

// ShouldRetry reports whether another attempt follows a failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int, retryable bool) bool {
	return retryable && attempt < p.maxAttempts()
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, the classifier rejects its error, or the
// attempts run out. It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, retryable func(error) bool, op func(context.Context) error) (int, error) {
	if sleep == nil {
		sleep = sleepContext
	}
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if !p.ShouldRetry(attempt, retryable != nil && retryable(err)) {
			return attempt, err
		}
		embeddingRetries.Inc()
		if sleepErr := sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return attempt, err
		}
	}
}
