package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultChannelBuffer is the per-subscription channel capacity. A
// subscription that falls this far behind starts losing events.
const defaultChannelBuffer = 64

// subscription is one registered consumer of the hub.
type subscription struct {
	events chan StreamEvent
	filter EventFilter
}

// MemoryHub fans engine events out to in-process subscriptions. Delivery is
// best-effort: Publish never blocks, and events a full subscription cannot
// take are counted and discarded.
type MemoryHub struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every subscription whose filter matches.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
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
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel along
// with the func that removes it. Events published after removal are lost to
// that subscription.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		events: make(chan StreamEvent, defaultChannelBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.events, unsubscribe, nil
}

// Dropped returns how many events were discarded because a subscription's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

var _ EventHub = (*MemoryHub)(nil)
