package streaming

import "context"

// StreamEvent is a real-time event emitted during instance execution:
// lifecycle transitions, step outcomes, approval activity, SLA breaches.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id,omitempty"`
	EventType  string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive. Zero
// fields match everything.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	StepID     string   `json:"step_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time engine events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
