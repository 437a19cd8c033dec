package notify

import (
	"context"
	"sync"

	"github.com/casaops/sopflow/pkg/schema"
)

// Relay fans a notification out to every attached dispatcher. It lets the
// engine be constructed with a dispatcher before transports that can push
// (like an MCP session) exist; those attach later.
type Relay struct {
	mu      sync.RWMutex
	targets []Dispatcher
}

// NewRelay creates a Relay over the given initial dispatchers.
func NewRelay(targets ...Dispatcher) *Relay {
	return &Relay{targets: targets}
}

// Attach adds a dispatcher. Safe to call while dispatches are in flight.
func (r *Relay) Attach(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, d)
}

// Dispatch sends the request to every target, returning the first error.
// Remaining targets still receive the request.
func (r *Relay) Dispatch(ctx context.Context, req schema.NotificationRequest) error {
	r.mu.RLock()
	targets := append([]Dispatcher(nil), r.targets...)
	r.mu.RUnlock()

	var firstErr error
	for _, d := range targets {
		if err := d.Dispatch(ctx, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Dispatcher = (*Relay)(nil)
