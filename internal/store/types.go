package store

import (
	"encoding/json"
	"time"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// RunRecord is the archived representation of a terminal execution. The live
// registry holds running executions; terminal ones are flattened here so
// history survives restarts and eviction.
type RunRecord struct {
	ExecutionID string               `json:"executionId"`
	WorkflowID  string               `json:"workflowId"`
	Status      flow.ExecutionStatus `json:"status"`
	Initiator   string               `json:"initiator,omitempty"`
	Arguments   map[string]any       `json:"arguments,omitempty"`
	Variables   map[string]any       `json:"variables,omitempty"`
	Results     json.RawMessage      `json:"results,omitempty"`
	Errors      json.RawMessage      `json:"errors,omitempty"`
	StartTime   time.Time            `json:"startTime"`
	EndTime     *time.Time           `json:"endTime,omitempty"`
	DurationMs  int64                `json:"durationMs"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// EventRecord is an immutable entry in the append-only event log.
type EventRecord struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	StepID      string          `json:"stepId,omitempty"`
	Type        string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduleRecord tracks cron trigger state for a scheduled workflow.
type ScheduleRecord struct {
	WorkflowID string     `json:"workflowId"`
	CronExpr   string     `json:"cronExpr"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
	LastStatus string     `json:"lastStatus,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// StepTimeline is the per-step view reconstructed from the event log.
type StepTimeline struct {
	StepID      string          `json:"stepId"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Retries     int             `json:"retries"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
}

// --- Filter types ---

// RunFilter specifies criteria for listing archived runs.
type RunFilter struct {
	WorkflowID string                `json:"workflowId,omitempty"`
	Status     *flow.ExecutionStatus `json:"status,omitempty"`
	Initiator  string                `json:"initiator,omitempty"`
	Since      *time.Time            `json:"since,omitempty"`
	Limit      int                   `json:"limit,omitempty"`
	Offset     int                   `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"executionId,omitempty"`
	WorkflowID  string     `json:"workflowId,omitempty"`
	StepID      string     `json:"stepId,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
