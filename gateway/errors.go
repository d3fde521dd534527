package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when a provider's request window
	// is full. No state is mutated; the caller retries later.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCircuitOpen is returned when every eligible provider's breaker
	// is open and no fallback could serve the request.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// RateLimitError carries the provider and how long to wait before the
// window rolls over.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %q, retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// ProviderError wraps a failure from a provider call so the breaker and
// fallback logic can tell it apart from pipeline errors.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
