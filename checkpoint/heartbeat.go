package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval paces the background heartbeat ticker.
const DefaultHeartbeatInterval = 15 * time.Second

// HeartbeatRunner drives periodic heartbeats for a step while it
// executes. Start returns a stop handle the caller must release on
// every exit path; stopping twice is safe.
type HeartbeatRunner struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
}

func NewHeartbeatRunner(store *Store, interval time.Duration, logger *zap.Logger) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatRunner{
		store:    store,
		interval: interval,
		logger:   logger.With(zap.String("component", "heartbeat_runner")),
	}
}

// Heartbeat is the stop handle for one step's ticker.
type Heartbeat struct {
	stop     func()
	stopOnce sync.Once
	done     chan struct{}
}

// Stop cancels the ticker and waits for the goroutine to finish.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(h.stop)
	<-h.done
}

// Start beats immediately, then on every tick until stopped or the
// context is cancelled. Heartbeat failures are logged and the ticker
// keeps going; a transient store error must not make a live worker
// look dead longer than necessary.
func (r *HeartbeatRunner) Start(ctx context.Context, stepID string) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{stop: cancel, done: make(chan struct{})}

	beat := func() {
		if err := r.store.Heartbeat(ctx, stepID); err != nil && ctx.Err() == nil {
			r.logger.Warn("heartbeat failed",
				zap.String("step_id", stepID), zap.Error(err))
		}
	}

	go func() {
		defer close(hb.done)
		defer cancel()

		beat()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return hb
}
