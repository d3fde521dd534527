package experiment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transitioned is emitted after a transition has been committed. It is
// the single signal stage dispatch, budget auto-pause, metrics and audit
// consumers react to.
type Transitioned struct {
	Experiment *Experiment
	FromState  Status
	ToState    Status
	Reason     string
	ActorID    string
	At         time.Time
}

// TransitionListener consumes transition events. Errors are logged by
// the bus, never propagated back to the transition caller.
type TransitionListener func(ctx context.Context, ev Transitioned) error

// Bus is an explicit, enumerable publish/subscribe registry for
// transition events. Listeners run synchronously in subscription order.
type Bus struct {
	mu        sync.RWMutex
	listeners []TransitionListener
	logger    *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.With(zap.String("component", "transition_bus"))}
}

// Subscribe registers a listener.
func (b *Bus) Subscribe(l TransitionListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener. A failing listener does
// not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, ev Transitioned) {
	b.mu.RLock()
	listeners := make([]TransitionListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := l(ctx, ev); err != nil {
			b.logger.Error("transition listener failed",
				zap.String("experiment_id", ev.Experiment.ID),
				zap.String("from", ev.FromState.String()),
				zap.String("to", ev.ToState.String()),
				zap.Error(err),
			)
		}
	}
}
