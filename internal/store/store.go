package store

import (
	"context"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DefinitionStore holds workflow definitions. The canonical implementation
// keeps one JSON file per definition; save and delete are visible to
// subsequent gets immediately.
type DefinitionStore interface {
	Save(ctx context.Context, def *flow.WorkflowDefinition) error
	Get(ctx context.Context, id string) (*flow.WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*flow.WorkflowDefinition, error)
	Search(ctx context.Context, query string) ([]*flow.WorkflowDefinition, error)
}

// Store defines the durable persistence contract: run archive, append-only
// event log, secrets, and schedule state. All implementations must be safe
// for concurrent use.
type Store interface {
	// Run archive (terminal executions)
	ArchiveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, executionID string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRuns(ctx context.Context, workflowID string) (int64, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error)

	// Secrets (sealed by the vault before they reach the store)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Schedules (cron trigger state)
	UpsertSchedule(ctx context.Context, sched *ScheduleRecord) error
	GetSchedule(ctx context.Context, workflowID string) (*ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]*ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, workflowID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
