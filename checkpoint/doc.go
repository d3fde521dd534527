// Package checkpoint stores per-step progress snapshots and worker
// heartbeats, plus the idempotent result cache a resumed step consults
// before re-running a side-effecting operation.
//
// Staleness is advisory: a supervisor compares the last heartbeat
// against a timeout to decide a worker has stalled, but the store holds
// no lock and two writers race last-write-wins.
package checkpoint
