package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Runner launches workflow runs. Satisfied by the engine controller.
type Runner interface {
	Start(ctx context.Context, req engine.RunRequest) (string, error)
}

// InitiatorSchedule tags runs launched by the scheduler.
const InitiatorSchedule = "schedule"

const scanInterval = time.Minute

// Scheduler fires workflow definitions that carry a cron schedule. Each scan
// it discovers scheduled definitions, keeps their trigger state in the store,
// launches the due ones with their scheduleArguments, and drops state for
// definitions whose schedule went away.
type Scheduler struct {
	definitions store.DefinitionStore
	state       store.Store
	events      *store.EventLog
	runner      Runner
	parser      cron.Parser
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a scheduler. events may be nil to skip trigger events.
func NewScheduler(definitions store.DefinitionStore, state store.Store, events *store.EventLog, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		definitions: definitions,
		state:       state,
		events:      events,
		runner:      runner,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:      logger,
		inflight:    make(map[string]struct{}),
	}
}

// Start launches the background scan loop with a one-minute ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(scanCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	// First scan immediately, so overdue schedules fire on startup.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the scan loop and waits for an in-progress scan to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// tick scans definitions for schedules and fires the due ones.
func (s *Scheduler) tick(ctx context.Context) {
	defs, err := s.definitions.List(ctx)
	if err != nil {
		s.logger.Error("list definitions for schedule scan", "error", err)
		return
	}

	now := time.Now().UTC()
	scheduled := make(map[string]bool)
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		scheduled[def.ID] = true
		s.evaluate(ctx, def, now)
	}
	s.sweep(ctx, scheduled)
}

// evaluate registers, updates, or fires one scheduled definition.
func (s *Scheduler) evaluate(ctx context.Context, def *flow.WorkflowDefinition, now time.Time) {
	rec, err := s.state.GetSchedule(ctx, def.ID)
	if err != nil {
		if flow.CodeOf(err) == flow.ErrCodeNotFound {
			s.register(ctx, def, now)
		} else {
			s.logger.Error("load schedule state", "workflow_id", def.ID, "error", err)
		}
		return
	}

	if !rec.Enabled {
		return
	}

	if rec.CronExpr != def.Schedule {
		// Expression changed: move to the new boundary without firing.
		next, perr := s.NextRun(def.Schedule, now)
		if perr != nil {
			s.logger.Warn("definition has an invalid schedule",
				"workflow_id", def.ID, "schedule", def.Schedule, "error", perr)
			return
		}
		rec.CronExpr = def.Schedule
		rec.NextRunAt = &next
		if uerr := s.state.UpsertSchedule(ctx, rec); uerr != nil {
			s.logger.Error("update schedule state", "workflow_id", def.ID, "error", uerr)
			return
		}
		s.logger.Info("schedule updated",
			"workflow_id", def.ID, "schedule", def.Schedule, "next_run", next)
		return
	}

	if rec.NextRunAt != nil && rec.NextRunAt.After(now) {
		return
	}
	if !s.tryAcquire(def.ID) {
		s.logger.Debug("schedule scan overlap, skipped", "workflow_id", def.ID)
		return
	}
	defer s.release(def.ID)
	s.fire(ctx, def, rec, now)
}

// register stores first-seen trigger state. The first boundary is computed
// from now; discovery alone never fires a run.
func (s *Scheduler) register(ctx context.Context, def *flow.WorkflowDefinition, now time.Time) {
	next, err := s.NextRun(def.Schedule, now)
	if err != nil {
		s.logger.Warn("definition has an invalid schedule",
			"workflow_id", def.ID, "schedule", def.Schedule, "error", err)
		return
	}
	rec := &store.ScheduleRecord{
		WorkflowID: def.ID,
		CronExpr:   def.Schedule,
		Enabled:    true,
		NextRunAt:  &next,
		CreatedAt:  now,
	}
	if err := s.state.UpsertSchedule(ctx, rec); err != nil {
		s.logger.Error("register schedule", "workflow_id", def.ID, "error", err)
		return
	}
	s.logger.Info("schedule registered",
		"workflow_id", def.ID, "schedule", def.Schedule, "next_run", next)
}

// fire launches one scheduled run and advances the trigger state.
func (s *Scheduler) fire(ctx context.Context, def *flow.WorkflowDefinition, rec *store.ScheduleRecord, now time.Time) {
	s.logger.Info("firing schedule", "workflow_id", def.ID, "schedule", def.Schedule)

	execID, err := s.runner.Start(ctx, engine.RunRequest{
		WorkflowID: def.ID,
		Arguments:  expressions.DeepCopyMap(def.ScheduleArguments),
		Initiator:  InitiatorSchedule,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start", "workflow_id", def.ID, "error", err)
	} else if s.events != nil {
		if rerr := s.events.Record(ctx, execID, def.ID, "", flow.EventScheduleTriggered, map[string]any{
			"schedule": def.Schedule,
		}); rerr != nil {
			s.logger.Warn("record schedule trigger", "workflow_id", def.ID, "error", rerr)
		}
	}

	next, err := s.NextRun(def.Schedule, now)
	if err != nil {
		s.logger.Error("compute next run", "workflow_id", def.ID, "error", err)
		return
	}
	rec.LastRunAt = &now
	rec.NextRunAt = &next
	rec.LastStatus = status
	if err := s.state.UpsertSchedule(ctx, rec); err != nil {
		s.logger.Error("update schedule state", "workflow_id", def.ID, "error", err)
	}
}

// sweep drops trigger state for definitions that no longer carry a schedule.
func (s *Scheduler) sweep(ctx context.Context, scheduled map[string]bool) {
	recs, err := s.state.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedule state", "error", err)
		return
	}
	for _, rec := range recs {
		if scheduled[rec.WorkflowID] {
			continue
		}
		if err := s.state.DeleteSchedule(ctx, rec.WorkflowID); err != nil {
			s.logger.Warn("drop stale schedule", "workflow_id", rec.WorkflowID, "error", err)
			continue
		}
		s.logger.Info("schedule removed", "workflow_id", rec.WorkflowID)
	}
}

// tryAcquire marks a workflow's schedule as firing if it is not already.
func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// NextRun computes the next boundary of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, flow.NewErrorf(flow.ErrCodeValidation,
			"parse cron expression %q: %v", cronExpr, err)
	}
	return schedule.Next(from), nil
}
