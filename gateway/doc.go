// Package gateway routes provider calls through a fixed middleware
// pipeline: rate limiting, budget reservation, idempotent replay,
// schema validation and usage recording, wrapped by a per-agent
// circuit breaker with fallback substitution.
//
// The pipeline order is a correctness property. Budget enforcement
// must wrap the idempotency guard so that a failed call settles its
// reservation, while a cached replay short-circuits before any
// recording happens.
package gateway
