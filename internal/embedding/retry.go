package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docsense/internal/logging"
)

// =============================================================================
// RETRY WRAPPER
// =============================================================================

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 8 * time.Second
)

// RetryEngine wraps an Engine with exponential backoff on transient errors.
// Permanent errors (auth, bad request) fail immediately.
type RetryEngine struct {
	inner Engine
}

// NewRetryEngine wraps inner with retry behavior.
func NewRetryEngine(inner Engine) *RetryEngine {
	return &RetryEngine{inner: inner}
}

// Embed retries transient failures of the wrapped engine.
func (r *RetryEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.withRetry(ctx, "Embed", func() error {
		var e error
		out, e = r.inner.Embed(ctx, text)
		return e
	})
	return out, err
}

// EmbedBatch retries transient failures of the wrapped engine.
func (r *RetryEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.withRetry(ctx, "EmbedBatch", func() error {
		var e error
		out, e = r.inner.EmbedBatch(ctx, texts)
		return e
	})
	return out, err
}

// Dimensions delegates to the wrapped engine.
func (r *RetryEngine) Dimensions() int { return r.inner.Dimensions() }

// Name delegates to the wrapped engine.
func (r *RetryEngine) Name() string { return r.inner.Name() }

func (r *RetryEngine) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == retryMaxAttempts {
			break
		}

		logging.Get(logging.CategoryEmbedding).Warn("%s attempt %d failed, retrying in %v: %v", op, attempt, delay, lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retryMaxAttempts, lastErr)
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "timeout", "deadline", "connection", "503", "500", "unavailable", "temporar"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
