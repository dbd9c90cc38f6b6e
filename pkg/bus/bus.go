package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger asks the pipeline worker to process a session's pending events.
// Triggers are a latency hint only: the durable job row is the source of
// truth, so a dropped trigger delays work until the next worker poll
// instead of losing it.
type Trigger struct {
	SessionID string
	Namespace string
	Reason    string
}

// Trigger reasons.
const (
	ReasonSessionEnded   = "session_ended"
	ReasonValidationGate = "validation_gate"
	ReasonIdleSweep      = "idle_sweep"
	ReasonManual         = "manual"
)

const publishTimeout = 100 * time.Millisecond

// TriggerBus is a bounded in-process queue between the session hot path
// and the background pipeline worker.
type TriggerBus struct {
	triggers chan Trigger
	closed   bool
	dropped  atomic.Uint64
	mu       sync.RWMutex
}

func NewTriggerBus() *TriggerBus {
	return &TriggerBus{
		triggers: make(chan Trigger, 100),
	}
}

// Publish enqueues a trigger without ever blocking the caller for more
// than publishTimeout.
func (b *TriggerBus) Publish(t Trigger) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.triggers <- t:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.triggers <- t:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

// Consume blocks until a trigger arrives, the bus closes, or ctx is done.
func (b *TriggerBus) Consume(ctx context.Context) (Trigger, bool) {
	select {
	case t, ok := <-b.triggers:
		if !ok {
			return Trigger{}, false
		}
		return t, true
	case <-ctx.Done():
		return Trigger{}, false
	}
}

func (b *TriggerBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.triggers)
}

// Dropped reports how many triggers were discarded under backpressure.
func (b *TriggerBus) Dropped() uint64 {
	return b.dropped.Load()
}
