package flow

import "time"

// ExecutionStatus represents the lifecycle state of a run.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusPaused    ExecutionStatus = "paused"
)

// Terminal reports whether no further transition is possible. Paused runs are
// terminal: resumption is not implemented.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// Step status values used in event-log timelines and status reports.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// Execution is one run instance of a workflow. It is owned exclusively by its
// controller goroutine while running; registry readers receive copies.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	Status      ExecutionStatus        `json:"status"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     *time.Time             `json:"endTime,omitempty"`
	CurrentStep string                 `json:"currentStep,omitempty"`
	Initiator   string                 `json:"initiator,omitempty"`
	Variables   map[string]any         `json:"variables,omitempty"`
	Results     map[string]*StepResult `json:"results,omitempty"`
	Errors      []ExecutionError       `json:"errors,omitempty"`
	Logs        []LogEntry             `json:"logs,omitempty"`
}

// StepResult is the outcome of one step execution. Parallel and loop steps
// carry per-branch outcomes in Children, keyed by sibling step ID (parallel)
// or "<index>:<stepID>" (loop iterations).
type StepResult struct {
	Success    bool                   `json:"success"`
	Result     any                    `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Children   map[string]*StepResult `json:"children,omitempty"`
	StartedAt  time.Time              `json:"startedAt"`
	DurationMs int64                  `json:"durationMs"`
}

// Duration returns the wall-clock duration of the run, using the current
// time while the run is still open.
func (e *Execution) Duration() time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return time.Since(e.StartTime)
}

// ExecutionError is one entry in a run's error log.
type ExecutionError struct {
	Step      string    `json:"step"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is one entry in a run's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
}

// Clone returns a deep-enough copy for handing to readers outside the run
// goroutine: slices and the results map are copied, result payloads are
// shared (append-only after the step settles).
func (e *Execution) Clone() *Execution {
	cp := *e
	if e.EndTime != nil {
		end := *e.EndTime
		cp.EndTime = &end
	}
	if e.Variables != nil {
		cp.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			cp.Variables[k] = v
		}
	}
	if e.Results != nil {
		cp.Results = make(map[string]*StepResult, len(e.Results))
		for k, v := range e.Results {
			cp.Results[k] = v
		}
	}
	cp.Errors = append([]ExecutionError(nil), e.Errors...)
	cp.Logs = append([]LogEntry(nil), e.Logs...)
	return &cp
}
