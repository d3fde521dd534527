// Package metrics exposes the engine's Prometheus instrumentation:
// state transitions, ledger movement, gateway traffic, breaker trips
// and limiter rejections. The collector takes an explicit registerer
// so tests register against their own registry.
package metrics
