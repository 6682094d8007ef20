package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan Event
	filter Filter
}

// MemoryHub is an in-memory EventHub implementation using channels.
type MemoryHub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscriber

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's channel is full the event is dropped and counted.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropped event for slow subscriber",
				"eventType", event.Type, "executionId", event.ExecutionID)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
// Cancel is idempotent; the channel is never closed by the hub, so a
// drained subscriber simply stops receiving after cancel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// Dropped returns the number of events discarded because a subscriber's
// channel was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (h *MemoryHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ EventHub = (*MemoryHub)(nil)
