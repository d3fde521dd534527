// Package ratelimit provides the outbound-contact limiters: a
// per-channel sliding-window counter scoped by an arbitrary key, and a
// per-target cooldown that blocks repeat contact for a configured
// period. Both are non-blocking fail-fast checks; backoff and retry
// belong to the caller. A rejected check never consumes capacity.
package ratelimit
