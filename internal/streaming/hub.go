package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a real-time notification emitted during workflow execution.
// Events mirror the durable event log but are delivered best-effort.
type Event struct {
	WorkflowID  string          `json:"workflowId"`
	ExecutionID string          `json:"executionId,omitempty"`
	StepID      string          `json:"stepId,omitempty"`
	Type        string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Filter specifies which events a subscriber wants to receive. Zero-value
// fields match everything.
type Filter struct {
	WorkflowID  string   `json:"workflowId,omitempty"`
	ExecutionID string   `json:"executionId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EventHub provides pub/sub for real-time workflow events. Publish never
// blocks on a subscriber: delivery to a full channel drops the event.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
