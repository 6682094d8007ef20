package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// EventLog records execution lifecycle events and reconstructs per-step
// timelines from them. It is the durable counterpart of the streaming hub:
// the hub is best-effort fan-out, the log is what status queries replay.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog returns an event log backed by the given store.
func NewEventLog(store Store, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: store, logger: logger}
}

// Record appends one event to the log. A nil payload is stored as NULL;
// any other payload is marshalled to JSON. Sequence numbers are assigned
// by the store, per execution, starting at 1.
func (l *EventLog) Record(ctx context.Context, executionID, workflowID, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return flow.NewErrorf(flow.ErrCodeStore, "marshal %s payload: %v", eventType, err)
		}
		raw = data
	}
	event := &EventRecord{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return flow.NewErrorf(flow.ErrCodeStore, "append %s event: %v", eventType, err).WithStep(stepID)
	}
	return nil
}

// ExecutionStarted logs the start of an execution with its merged arguments.
func (l *EventLog) ExecutionStarted(ctx context.Context, executionID, workflowID string, arguments map[string]any) error {
	return l.Record(ctx, executionID, workflowID, "", flow.EventExecutionStarted, map[string]any{
		"arguments": arguments,
	})
}

// ExecutionFinished logs the terminal event matching the final status.
// Paused executions log execution_cancelled, since pause is the observable
// result of a cancel request.
func (l *EventLog) ExecutionFinished(ctx context.Context, exec *flow.Execution) error {
	eventType := flow.EventExecutionCompleted
	switch exec.Status {
	case flow.StatusFailed:
		eventType = flow.EventExecutionFailed
	case flow.StatusPaused:
		eventType = flow.EventExecutionCancelled
	}
	return l.Record(ctx, exec.ID, exec.WorkflowID, "", eventType, map[string]any{
		"status":     exec.Status,
		"durationMs": exec.Duration().Milliseconds(),
	})
}

// StepStarted logs the start of a step attempt.
func (l *EventLog) StepStarted(ctx context.Context, executionID, workflowID, stepID string) error {
	return l.Record(ctx, executionID, workflowID, stepID, flow.EventStepStarted, nil)
}

// StepCompleted logs a successful step with its output.
func (l *EventLog) StepCompleted(ctx context.Context, executionID, workflowID, stepID string, output any) error {
	return l.Record(ctx, executionID, workflowID, stepID, flow.EventStepCompleted, map[string]any{
		"output": output,
	})
}

// StepFailed logs a failed step with the error that stopped it.
func (l *EventLog) StepFailed(ctx context.Context, executionID, workflowID, stepID string, stepErr error) error {
	return l.Record(ctx, executionID, workflowID, stepID, flow.EventStepFailed, map[string]any{
		"error": stepErr.Error(),
		"code":  flow.CodeOf(stepErr),
	})
}

// StepRetrying logs a retry attempt before the step runs again.
func (l *EventLog) StepRetrying(ctx context.Context, executionID, workflowID, stepID string, attempt int, cause error) error {
	return l.Record(ctx, executionID, workflowID, stepID, flow.EventStepRetrying, map[string]any{
		"attempt": attempt,
		"error":   cause.Error(),
	})
}

// ReplayTimeline rebuilds the per-step timeline of an execution from its
// event log. Events are applied in sequence order; a gap in the sequence
// means the log was truncated or partially written and replay fails rather
// than returning a silently incomplete timeline.
func (l *EventLog) ReplayTimeline(ctx context.Context, executionID string) (map[string]*StepTimeline, error) {
	events, err := l.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeStore, "load events for %q: %v", executionID, err)
	}

	timeline := make(map[string]*StepTimeline)
	var prev int64
	for _, event := range events {
		if event.Sequence != prev+1 {
			return nil, flow.NewErrorf(flow.ErrCodeStore,
				"event log for %q has a gap: sequence %d follows %d", executionID, event.Sequence, prev)
		}
		prev = event.Sequence
		if event.StepID == "" {
			continue
		}
		applyEvent(timeline, event)
	}
	return timeline, nil
}

func applyEvent(timeline map[string]*StepTimeline, event *EventRecord) {
	entry, ok := timeline[event.StepID]
	if !ok {
		entry = &StepTimeline{StepID: event.StepID, Status: flow.StepStatusPending}
		timeline[event.StepID] = entry
	}

	switch event.Type {
	case flow.EventStepStarted:
		ts := event.Timestamp
		entry.Status = flow.StepStatusRunning
		entry.StartedAt = &ts
	case flow.EventStepCompleted:
		ts := event.Timestamp
		entry.Status = flow.StepStatusCompleted
		entry.CompletedAt = &ts
		entry.Output = payloadField(event.Payload, "output")
		if entry.StartedAt != nil {
			entry.DurationMs = ts.Sub(*entry.StartedAt).Milliseconds()
		}
	case flow.EventStepFailed:
		ts := event.Timestamp
		entry.Status = flow.StepStatusFailed
		entry.CompletedAt = &ts
		entry.Error = payloadField(event.Payload, "error")
		if entry.StartedAt != nil {
			entry.DurationMs = ts.Sub(*entry.StartedAt).Milliseconds()
		}
	case flow.EventStepRetrying:
		entry.Retries++
	}
}

// payloadField extracts one field of an event payload without decoding the
// rest. Missing fields and malformed payloads yield nil.
func payloadField(payload json.RawMessage, field string) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	return m[field]
}
