package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DefaultRetention bounds how many executions the registry keeps in memory.
const DefaultRetention = 1000

// liveRun couples an Execution with the handles shared between its run
// goroutine and the registry: the lock guarding mutation, the context
// cancel used for cooperative cancellation, and the hub sequence counter.
// ID and WorkflowID never change after creation and may be read lock-free.
type liveRun struct {
	mu     sync.Mutex
	exec   *flow.Execution
	cancel context.CancelFunc
	seq    atomic.Int64
}

// snapshot returns a copy safe to hand outside the run goroutine.
func (r *liveRun) snapshot() *flow.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// addLog appends one entry to the run's log.
func (r *liveRun) addLog(level, message, stepID string) {
	r.mu.Lock()
	r.exec.Logs = append(r.exec.Logs, flow.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Step:      stepID,
	})
	r.mu.Unlock()
}

// publish sends one event to the hub, stamped with this run's next sequence
// number. Delivery is best-effort; callers never fail on a publish error.
func (r *liveRun) publish(ctx context.Context, hub streaming.EventHub, stepID, eventType string, payload any) {
	if hub == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	_ = hub.Publish(ctx, streaming.Event{
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.exec.ID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
		Sequence:    r.seq.Add(1),
		Timestamp:   time.Now().UTC(),
	})
}

// Registry is the in-memory, process-wide index of executions: running runs
// plus the retained tail of terminal ones. Reads hand out snapshots; the
// only cross-goroutine mutation is Cancel.
//
// Lock order: registry lock before run lock, never the reverse.
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*liveRun
	retention int

	events *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRegistry creates a registry retaining up to the given number of runs.
// events and hub may be nil, which disables cancellation event emission.
func NewRegistry(retention int, events *store.EventLog, hub streaming.EventHub, logger *slog.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runs:      make(map[string]*liveRun),
		retention: retention,
		events:    events,
		hub:       hub,
		logger:    logger,
	}
}

// add registers a freshly created run before its goroutine starts.
func (g *Registry) add(r *liveRun) {
	g.mu.Lock()
	g.runs[r.exec.ID] = r
	g.mu.Unlock()
}

// lookup returns the live handle, or nil when unknown or evicted.
func (g *Registry) lookup(id string) *liveRun {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runs[id]
}

// Get returns a snapshot of the execution, or nil when unknown or evicted.
func (g *Registry) Get(id string) *flow.Execution {
	r := g.lookup(id)
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// List returns snapshots of every retained execution, most recently
// started first.
func (g *Registry) List() []*flow.Execution {
	g.mu.RLock()
	handles := make([]*liveRun, 0, len(g.runs))
	for _, r := range g.runs {
		handles = append(handles, r)
	}
	g.mu.RUnlock()

	out := make([]*flow.Execution, 0, len(handles))
	for _, r := range handles {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Count returns the number of retained executions, running included.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// Cancel requests cooperative cancellation of a running execution: the
// status flips to paused, endTime is stamped, and the run's context is
// cancelled so an in-flight tool call or delay returns early. The run
// goroutine observes the status between steps and unwinds. Cancelling an
// already-terminal execution is a no-op, not an error; an unknown id is
// NOT_FOUND.
func (g *Registry) Cancel(ctx context.Context, id string) error {
	r := g.lookup(id)
	if r == nil {
		return flow.NewErrorf(flow.ErrCodeNotFound, "execution %q not found", id)
	}

	r.mu.Lock()
	if r.exec.Status != flow.StatusRunning {
		r.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	r.exec.Status = flow.StatusPaused
	r.exec.EndTime = &now
	r.exec.Logs = append(r.exec.Logs, flow.LogEntry{
		Timestamp: now,
		Level:     "warn",
		Message:   "cancellation requested",
	})
	exec := r.exec.Clone()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if g.events != nil {
		if err := g.events.ExecutionFinished(ctx, exec); err != nil {
			g.logger.WarnContext(ctx, "record cancellation event",
				"execution_id", id, "error", err)
		}
	}
	r.publish(ctx, g.hub, "", flow.EventExecutionCancelled, map[string]any{
		"status": exec.Status,
	})
	g.logger.InfoContext(ctx, "execution cancelled",
		"execution_id", id, "workflow_id", exec.WorkflowID)
	return nil
}

// retain enforces the retention bound after a run reaches a terminal state:
// past capacity, the oldest-by-startTime terminal run is evicted. Running
// executions are never evicted, since their cancel handle must stay
// reachable; the just-finished run is always a candidate.
func (g *Registry) retain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.runs) <= g.retention {
		return
	}

	var oldestID string
	var oldestStart time.Time
	for id, r := range g.runs {
		r.mu.Lock()
		terminal := r.exec.Status.Terminal()
		started := r.exec.StartTime
		r.mu.Unlock()
		if !terminal {
			continue
		}
		if oldestID == "" || started.Before(oldestStart) {
			oldestID = id
			oldestStart = started
		}
	}
	if oldestID != "" {
		delete(g.runs, oldestID)
		g.logger.Debug("evicted execution from registry",
			"execution_id", oldestID, "retained", len(g.runs))
	}
}
