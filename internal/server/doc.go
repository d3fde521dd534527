// Package server manages HTTP listener lifecycle for the engine's
// serving surfaces: non-blocking start, graceful shutdown, and
// SIGINT/SIGTERM handling. The metrics endpoint runs on one of these
// managers.
package server
