package flow

// Event type constants for the event log and the streaming hub.
const (
	EventWorkflowSaved   = "workflow_saved"
	EventWorkflowDeleted = "workflow_deleted"

	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventScheduleTriggered = "schedule_triggered"
)
