package bus

import (
	"context"
	"sync"
	"time"

	"github.com/mymmrac/telego"
)

const defaultBufferSize = 100

// InboundUpdate is one update received by a channel, waiting for a dispatch worker.
type InboundUpdate struct {
	Channel    string        `json:"channel"`
	Update     telego.Update `json:"update"`
	ReceivedAt time.Time     `json:"received_at"`
}

// UpdateBus decouples channels from dispatch workers and fans dispatch events out to
// observers such as the status server.
type UpdateBus struct {
	updates chan InboundUpdate

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewUpdateBus creates a bus whose update queue holds buffer entries. Non-positive sizes use
// the default.
func NewUpdateBus(buffer int) *UpdateBus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	return &UpdateBus{
		updates:          make(chan InboundUpdate, buffer),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishUpdate queues an update. It blocks while the queue is full and returns false once
// ctx is done or the bus is closed.
func (b *UpdateBus) PublishUpdate(ctx context.Context, in InboundUpdate) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case b.updates <- in:
		return true
	}
}

// ConsumeUpdate waits for the next queued update.
func (b *UpdateBus) ConsumeUpdate(ctx context.Context) (InboundUpdate, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return InboundUpdate{}, false
	case <-b.done:
		return InboundUpdate{}, false
	case in := <-b.updates:
		return in, true
	}
}

// Pending returns the number of queued updates.
func (b *UpdateBus) Pending() int {
	return len(b.updates)
}

// Close stops the bus and closes every event subscription. It is safe to call repeatedly.
func (b *UpdateBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, ch := range b.eventSubscribers {
			close(ch)
			delete(b.eventSubscribers, id)
		}
		b.mu.Unlock()
	})
}

// Closed reports whether Close was called.
func (b *UpdateBus) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
