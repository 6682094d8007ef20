package flow

// WorkflowDefinition is the JSON-serializable workflow document.
// Clients provide it via stepflow.define; the store persists one file per id.
type WorkflowDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Version       string         `json:"version,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Arguments     []ArgumentDef  `json:"arguments,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Steps         []Step         `json:"steps"`
	ErrorHandling *ErrorHandling `json:"errorHandling,omitempty"`

	// Schedule is an optional 5-field cron expression; when set, the
	// scheduler launches runs with ScheduleArguments.
	Schedule          string         `json:"schedule,omitempty"`
	ScheduleArguments map[string]any `json:"scheduleArguments,omitempty"`
}

// ArgumentDef declares one entry of the run's input contract.
type ArgumentDef struct {
	Name           string `json:"name"`
	Type           string `json:"type,omitempty"` // string | number | boolean | object | array
	Description    string `json:"description,omitempty"`
	Required       bool   `json:"required,omitempty"`
	DefaultValue   any    `json:"defaultValue,omitempty"`
	ValidationRule string `json:"validationRule,omitempty"` // regexp applied to string values
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTool      StepType = "tool"
	StepTypePrompt    StepType = "prompt"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
	StepTypeParallel  StepType = "parallel"
	StepTypeDelay     StepType = "delay"
)

// StepTypes lists every valid step kind. The executor switches exhaustively
// over these; adding a kind here requires a new arm there.
var StepTypes = []StepType{
	StepTypeTool,
	StepTypePrompt,
	StepTypeCondition,
	StepTypeLoop,
	StepTypeParallel,
	StepTypeDelay,
}

// Valid reports whether t is a known step kind.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Step is one node in a workflow graph, tagged by Type. Branching is by
// step ID (OnSuccess/OnFailure), never by position.
type Step struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        StepType `json:"type"`
	TimeoutMs   int64    `json:"timeoutMs,omitempty"`

	// tool variant
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// prompt variant
	Prompt string `json:"prompt,omitempty"`

	// condition variant
	Condition string `json:"condition,omitempty"`

	// delay variant
	DelayMs int64 `json:"delayMs,omitempty"`

	// parallel variant: sibling step IDs run concurrently
	Parallel []string `json:"parallel,omitempty"`

	// loop variant: bind LoopVariable to each item, run Body step IDs in order
	LoopVariable string   `json:"loopVariable,omitempty"`
	LoopItems    []any    `json:"loopItems,omitempty"`
	Body         []string `json:"body,omitempty"`

	OnSuccess string `json:"onSuccess,omitempty"`
	OnFailure string `json:"onFailure,omitempty"`
}

// ErrorStrategy selects how the controller reacts to a step failure.
type ErrorStrategy string

const (
	StrategyStop     ErrorStrategy = "stop"
	StrategyContinue ErrorStrategy = "continue"
	StrategyRetry    ErrorStrategy = "retry"
)

// ErrorHandling configures the per-workflow failure policy.
type ErrorHandling struct {
	Strategy     ErrorStrategy `json:"strategy"`
	MaxRetries   int           `json:"maxRetries,omitempty"`
	RetryDelayMs int64         `json:"retryDelayMs,omitempty"`
}

// DefaultMaxRetries bounds retry-strategy re-execution when the definition
// does not set maxRetries.
const DefaultMaxRetries = 3

// FindStep returns the step with the given ID, or nil.
func (d *WorkflowDefinition) FindStep(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the entry step (first in declared order), or nil for an
// empty definition.
func (d *WorkflowDefinition) FirstStep() *Step {
	if len(d.Steps) == 0 {
		return nil
	}
	return &d.Steps[0]
}

// StrategyOrDefault returns the configured error strategy, defaulting to stop.
func (d *WorkflowDefinition) StrategyOrDefault() ErrorStrategy {
	if d.ErrorHandling == nil || d.ErrorHandling.Strategy == "" {
		return StrategyStop
	}
	return d.ErrorHandling.Strategy
}
