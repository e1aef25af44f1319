package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors forming the pipeline failure taxonomy. Components wrap
// these with context; only the orchestrator decides retry vs. surface.
var (
	// ErrInvalidInput marks malformed or empty input. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProviderUnavailable marks embedding provider connectivity or auth failure.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrStoreUnavailable marks vector store connectivity loss.
	ErrStoreUnavailable = errors.New("vector store unavailable")
	// ErrModelUnavailable marks generation model connectivity or auth failure.
	ErrModelUnavailable = errors.New("generation model unavailable")
	// ErrRateLimited marks a provider 429. Retried honoring any advertised delay.
	ErrRateLimited = errors.New("rate limited")
	// ErrContentRejected marks a provider policy refusal. Never retried.
	ErrContentRejected = errors.New("content rejected")
	// ErrBudgetExceeded marks a prompt that cannot fit the context budget
	// even after trimming. Never retried.
	ErrBudgetExceeded = errors.New("prompt budget exceeded")
)

// RateLimitError wraps ErrRateLimited with a provider-advertised retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrModelUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// RetryAfter returns the provider-advertised retry delay, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
