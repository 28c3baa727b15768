package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventDispatchCompleted EventType = "dispatch_completed"
	EventDispatchStopped   EventType = "dispatch_stopped"
	EventDispatchFailed    EventType = "dispatch_failed"
)

// Event describes the outcome of one dispatch cycle.
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	Channel  string    `json:"channel,omitempty"`
	UpdateID int       `json:"update_id"`
	ChatID   int64     `json:"chat_id,omitempty"`
	CycleID  string    `json:"cycle_id,omitempty"`
	Category string    `json:"category,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func (b *UpdateBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	// Sends happen under the read lock so Close and unsubscribe never close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

// SubscribeEvents registers a subscriber. The channel is closed when ctx ends, the bus closes
// or the returned unsubscribe function runs.
func (b *UpdateBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := b.nextEventSubscriberID
	b.nextEventSubscriberID++
	b.eventSubscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if eventCh, ok := b.eventSubscribers[id]; ok {
				delete(b.eventSubscribers, id)
				close(eventCh)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

// Subscribers returns the number of active event subscriptions.
func (b *UpdateBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.eventSubscribers)
}
