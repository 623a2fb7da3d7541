// Package retry implements the single generic retry combinator the rest of
// the engine is built on, replacing the teacher's per-call-site retry logic
// (worker.go's shouldRetryError/backoff loop, retry_manager.go's
// ShouldRetryError/CalculateBackoff) with one reusable function parameterized
// by a retryable-error predicate, as spec.md §9 asks for.
package retry

import (
	"context"
	"strings"
	"time"
)

// Predicate decides whether an error is worth retrying.
type Predicate func(err error) bool

var networkSubstrings = []string{
	"fetch failed", "etimedout", "econnreset", "enotfound", "network", "timeout",
}

var nonceSubstrings = []string{
	"nonce", "transaction underpriced", "already known",
}

// IsNetworkError matches the transport-failure predicate used by the Quote
// Client and Chain Client.
func IsNetworkError(err error) bool {
	return containsAny(err, networkSubstrings)
}

// IsNonceError matches the nonce-shaped-failure predicate used by the
// Transaction Executor.
func IsNonceError(err error) bool {
	return containsAny(err, nonceSubstrings)
}

func containsAny(err error, substrings []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Op is a retryable unit of work.
type Op func(ctx context.Context) error

// Do runs op, retrying up to maxRetries additional times when isRetryable
// reports true for the error, sleeping baseDelay*attempt between tries
// (progressive backoff). A non-retryable error, or exhausting maxRetries,
// returns the last error seen.
func Do(ctx context.Context, name string, op Op, maxRetries int, baseDelay time.Duration, isRetryable Predicate) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxRetries || !isRetryable(err) {
			return lastErr
		}

		delay := baseDelay * time.Duration(attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
