// Package providers implements the wire-level callers the llm.Pool
// drives: one per protocol family (Anthropic-native, OpenAI-compatible).
// Each Caller converts the pool's normalized llm.Request/llm.Response
// to/from the provider's actual HTTP wire format (spec.md §4.1
// "Request/response normalization").
package providers

import (
	"context"
	"errors"
	"time"
)

// RetryConfig controls the transport-level retry used inside a single
// Caller.Call invocation (connection failures only — the llm.Pool owns
// cross-endpoint failover and cooldown; this is strictly "did the TCP
// connection/handshake succeed", grounded on the teacher's
// internal/providers retry helper of the same name and shape).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond}
}

// RetryDo runs fn up to cfg.MaxAttempts times with linear backoff,
// stopping early if ctx is cancelled.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		var se interface{ StatusCode() int }
		if errors.As(err, &se) {
			return zero, err // the server answered; not a connection failure
		}
		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(cfg.BaseDelay * time.Duration(attempt+1)):
			}
		}
	}
	return zero, lastErr
}
