// Package experiment implements the experiment lifecycle: the status
// graph, the transition-validating state machine with retry/iteration/
// rejection ceilings, the append-only transition log, the transition
// event bus, and the stage dispatcher that maps committed transitions
// to queued work.
//
// The state machine serializes nothing across callers; concurrent
// transitions on the same experiment must be serialized by the caller,
// typically with a per-experiment queue key.
package experiment
