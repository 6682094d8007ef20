package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// --- Mock implementations ---

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu        sync.Mutex
	runs      map[string]*store.RunRecord
	events    []*store.EventRecord
	seqs      map[string]int64
	schedules map[string]*store.ScheduleRecord
	secrets   map[string][]byte
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:      make(map[string]*store.RunRecord),
		seqs:      make(map[string]int64),
		schedules: make(map[string]*store.ScheduleRecord),
		secrets:   make(map[string][]byte),
	}
}

func (m *mockStore) ArchiveRun(_ context.Context, run *store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ExecutionID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, executionID string) (*store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[executionID]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "run %q not found", executionID)
	}
	cp := *run
	return &cp, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RunRecord
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteRuns(_ context.Context, workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, run := range m.runs {
		if run.WorkflowID == workflowID {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[event.ExecutionID]++
	event.Sequence = m.seqs[event.ExecutionID]
	event.ID = int64(len(m.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.EventRecord
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.EventRecord
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *mockStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[key], nil
}

func (m *mockStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

func (m *mockStore) ListSecrets(_ context.Context) ([]string, error) { return nil, nil }

func (m *mockStore) UpsertSchedule(_ context.Context, sched *store.ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.schedules[sched.WorkflowID] = &cp
	return nil
}

func (m *mockStore) GetSchedule(_ context.Context, workflowID string) (*store.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[workflowID]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "schedule for %q not found", workflowID)
	}
	cp := *sched
	return &cp, nil
}

func (m *mockStore) ListSchedules(_ context.Context) ([]*store.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduleRecord
	for _, sched := range m.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteSchedule(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, workflowID)
	return nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Vacuum(_ context.Context) error  { return nil }
func (m *mockStore) Close() error                    { return nil }

// eventTypes returns the logged event types for one execution, in sequence
// order.
func (m *mockStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

// stubDefs is an in-memory DefinitionStore.
type stubDefs struct {
	mu   sync.Mutex
	defs map[string]*flow.WorkflowDefinition
}

func newStubDefs(defs ...*flow.WorkflowDefinition) *stubDefs {
	s := &stubDefs{defs: make(map[string]*flow.WorkflowDefinition)}
	for _, d := range defs {
		s.defs[d.ID] = d
	}
	return s
}

func (s *stubDefs) Save(_ context.Context, def *flow.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
	return nil
}

func (s *stubDefs) Get(_ context.Context, id string) (*flow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

func (s *stubDefs) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
	return nil
}

func (s *stubDefs) List(_ context.Context) ([]*flow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*flow.WorkflowDefinition
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, nil
}

func (s *stubDefs) Search(_ context.Context, _ string) ([]*flow.WorkflowDefinition, error) {
	return nil, nil
}

// --- Test rig ---

type testRig struct {
	defs       *stubDefs
	archive    *mockStore
	events     *store.EventLog
	hub        *recordingHub
	invoker    *stubInvoker
	registry   *Registry
	controller *Controller
}

func newRig(t *testing.T, cfg ControllerConfig, defs ...*flow.WorkflowDefinition) *testRig {
	t.Helper()
	logger := discardLogger()
	if cfg.Logger == nil {
		cfg.Logger = logger
	}

	ms := newMockStore()
	sd := newStubDefs(defs...)
	hub := &recordingHub{}
	inv := &stubInvoker{}
	events := store.NewEventLog(ms, logger)
	registry := NewRegistry(DefaultRetention, events, hub, logger)

	pool := NewWorkerPool(4)
	t.Cleanup(pool.Shutdown)
	runner := NewStepRunner(inv, nil, pool, logger)

	return &testRig{
		defs:       sd,
		archive:    ms,
		events:     events,
		hub:        hub,
		invoker:    inv,
		registry:   registry,
		controller: NewController(sd, ms, events, registry, runner, hub, cfg),
	}
}

func waitTerminal(t *testing.T, c *Controller, id string) *flow.Execution {
	t.Helper()
	var exec *flow.Execution
	require.Eventually(t, func() bool {
		exec = c.GetExecution(id)
		return exec != nil && exec.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached a terminal state", id)
	return exec
}

// waitArchived blocks until finalize wrote the run record; events and
// registry bookkeeping are settled once it returns.
func waitArchived(t *testing.T, ms *mockStore, id string) *store.RunRecord {
	t.Helper()
	var rec *store.RunRecord
	require.Eventually(t, func() bool {
		r, err := ms.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return true
	}, 5*time.Second, 5*time.Millisecond, "execution %s was never archived", id)
	return rec
}

// --- Start failures (synchronous) ---

func TestController_UnknownWorkflow(t *testing.T) {
	rig := newRig(t, ControllerConfig{})

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
	assert.Empty(t, id)
}

func TestController_MissingRequiredArgument(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:        "deploy",
		Arguments: []flow.ArgumentDef{{Name: "site", Required: true}},
		Steps:     []flow.Step{toolStep("s1", "deploy_site", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)

	_, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"other": 1})
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeMissingArgument, flow.CodeOf(err))

	// No execution, no events: the run was never created.
	assert.Empty(t, rig.controller.ListExecutions())
	assert.Empty(t, rig.hub.recorded())
}

func TestController_DefaultSatisfiesRequired(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "deploy",
		Arguments: []flow.ArgumentDef{
			{Name: "env", Required: true, DefaultValue: "staging"},
		},
		Steps: []flow.Step{toolStep("s1", "deploy_site", map[string]any{"env": "${env}"})},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	assert.Equal(t, "staging", exec.Variables["env"])
	assert.Equal(t, "staging", rig.invoker.call(0).params["env"])
}

func TestController_ArgumentsOverrideDefaults(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:        "deploy",
		Variables: map[string]any{"env": "dev", "region": "us-east"},
		Steps:     []flow.Step{toolStep("s1", "deploy_site", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"env": "prod"})
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, "prod", exec.Variables["env"])
	assert.Equal(t, "us-east", exec.Variables["region"])
}

func TestController_ValidationRule(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "deploy",
		Arguments: []flow.ArgumentDef{
			{Name: "site", Required: true, ValidationRule: "^[a-z][a-z0-9-]*$"},
		},
		Steps: []flow.Step{toolStep("s1", "deploy_site", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)

	_, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"site": "My Site!"})
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeValidation, flow.CodeOf(err))

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"site": "my-site"})
	require.NoError(t, err)
	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
}

func TestController_EmptyDefinition(t *testing.T) {
	def := &flow.WorkflowDefinition{ID: "hollow"}
	rig := newRig(t, ControllerConfig{}, def)

	_, err := rig.controller.ExecuteWorkflow(context.Background(), "hollow", nil)
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeValidation, flow.CodeOf(err))
}

// --- Run progression ---

func TestController_LinearChain(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "chain",
		Steps: []flow.Step{
			{ID: "s1", Type: flow.StepTypeTool, Tool: "tool_one", OnSuccess: "s2"},
			{ID: "s2", Type: flow.StepTypeTool, Tool: "tool_two"},
		},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "chain", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	rec := waitArchived(t, rig.archive, id)

	assert.Equal(t, flow.StatusCompleted, exec.Status)
	require.NotNil(t, exec.EndTime)
	assert.Empty(t, exec.Errors)
	require.Len(t, exec.Results, 2)
	assert.True(t, exec.Results["s1"].Success)
	assert.True(t, exec.Results["s2"].Success)

	// Steps ran in declared edge order.
	require.Equal(t, 2, rig.invoker.callCount())
	assert.Equal(t, "tool_one", rig.invoker.call(0).name)
	assert.Equal(t, "tool_two", rig.invoker.call(1).name)

	// Durable event log: full lifecycle, gapless per-execution sequence.
	assert.Equal(t, []string{
		flow.EventExecutionStarted,
		flow.EventStepStarted, flow.EventStepCompleted,
		flow.EventStepStarted, flow.EventStepCompleted,
		flow.EventExecutionCompleted,
	}, rig.archive.eventTypes(id))

	// The hub mirrors the same lifecycle with increasing sequence numbers.
	var lastSeq int64
	for _, e := range rig.hub.recorded() {
		assert.Greater(t, e.Sequence, lastSeq)
		lastSeq = e.Sequence
	}

	// Timeline replay agrees with the live results.
	timeline, err := rig.events.ReplayTimeline(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, flow.StepStatusCompleted, timeline["s1"].Status)
	assert.Equal(t, flow.StepStatusCompleted, timeline["s2"].Status)

	assert.Equal(t, flow.StatusCompleted, rec.Status)
	assert.Equal(t, "chain", rec.WorkflowID)
}

func TestController_ConditionTakesSuccessBranch(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:            "branching",
		ErrorHandling: &flow.ErrorHandling{Strategy: flow.StrategyContinue},
		Steps: []flow.Step{
			{ID: "check", Type: flow.StepTypeCondition, Condition: `env == "prod"`, OnSuccess: "prod_step", OnFailure: "dev_step"},
			toolStep("prod_step", "deploy_prod", nil),
			toolStep("dev_step", "deploy_dev", nil),
		},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "branching", map[string]any{"env": "prod"})
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	assert.Empty(t, exec.Errors)
	assert.True(t, exec.Results["check"].Success)
	assert.Contains(t, exec.Results, "prod_step")
	assert.NotContains(t, exec.Results, "dev_step")
	require.Equal(t, 1, rig.invoker.callCount())
	assert.Equal(t, "deploy_prod", rig.invoker.call(0).name)
}

func TestController_ConditionTakesFailureBranch(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:            "branching",
		ErrorHandling: &flow.ErrorHandling{Strategy: flow.StrategyContinue},
		Steps: []flow.Step{
			{ID: "check", Type: flow.StepTypeCondition, Condition: `env == "prod"`, OnSuccess: "prod_step", OnFailure: "dev_step"},
			toolStep("prod_step", "deploy_prod", nil),
			toolStep("dev_step", "deploy_dev", nil),
		},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "branching", map[string]any{"env": "dev"})
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	rec := waitArchived(t, rig.archive, id)

	// The false condition is a recorded step failure, but under the
	// continue strategy the run follows onFailure and still completes.
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, "check", exec.Errors[0].Step)
	assert.Contains(t, exec.Errors[0].Error, flow.ErrCodeConditionFalse)
	assert.False(t, exec.Results["check"].Success)
	assert.True(t, exec.Results["dev_step"].Success)
	assert.Equal(t, "deploy_dev", rig.invoker.call(0).name)

	assert.Equal(t, []string{
		flow.EventExecutionStarted,
		flow.EventStepStarted, flow.EventStepFailed,
		flow.EventStepStarted, flow.EventStepCompleted,
		flow.EventExecutionCompleted,
	}, rig.archive.eventTypes(id))
	assert.Equal(t, flow.StatusCompleted, rec.Status)
}

func TestController_DelayBetweenSteps(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "timed",
		Steps: []flow.Step{
			{ID: "first", Type: flow.StepTypeTool, Tool: "tool_one", OnSuccess: "wait"},
			{ID: "wait", Type: flow.StepTypeDelay, DelayMs: 60, OnSuccess: "second"},
			{ID: "second", Type: flow.StepTypeTool, Tool: "tool_two"},
		},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "timed", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	require.NotNil(t, exec.EndTime)
	assert.GreaterOrEqual(t, exec.EndTime.Sub(exec.StartTime), 60*time.Millisecond)

	payload := exec.Results["wait"].Result.(map[string]any)
	assert.EqualValues(t, 60, payload["delayedMs"])
}

func TestController_LoopBindingsPersist(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "fanout",
		Steps: []flow.Step{
			{ID: "each", Type: flow.StepTypeLoop, LoopVariable: "site", LoopItems: []any{"alpha", "beta"}, Body: []string{"record"}},
			toolStep("record", "recorder", map[string]any{"value": "${site}"}),
		},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "fanout", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)

	// The loop's final bindings survive in the run scope.
	assert.Equal(t, "beta", exec.Variables["site"])
	assert.Equal(t, 1, exec.Variables["site_index"])

	require.Contains(t, exec.Results, "each")
	assert.Len(t, exec.Results["each"].Children, 2)
}

// --- Failure policies ---

func TestController_StopStrategyFailsRun(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID: "fragile",
		Steps: []flow.Step{
			{ID: "s1", Type: flow.StepTypeTool, Tool: "broken", OnSuccess: "s2"},
			toolStep("s2", "never_runs", nil),
		},
	}
	rig := newRig(t, ControllerConfig{}, def)
	rig.invoker.fn = func(_ context.Context, name string, _ map[string]any) (any, error) {
		if name == "broken" {
			return nil, errors.New("upstream exploded")
		}
		return map[string]any{"ok": true}, nil
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "fragile", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	rec := waitArchived(t, rig.archive, id)

	assert.Equal(t, flow.StatusFailed, exec.Status)
	require.NotEmpty(t, exec.Errors)
	assert.Equal(t, "s1", exec.Errors[0].Step)
	assert.Contains(t, exec.Errors[0].Error, "upstream exploded")
	assert.NotContains(t, exec.Results, "s2")
	assert.Equal(t, 1, rig.invoker.callCount())

	assert.Equal(t, []string{
		flow.EventExecutionStarted,
		flow.EventStepStarted, flow.EventStepFailed,
		flow.EventExecutionFailed,
	}, rig.archive.eventTypes(id))
	assert.Equal(t, flow.StatusFailed, rec.Status)
}

func TestController_ContinueRoutesToOnFailure(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:            "resilient",
		ErrorHandling: &flow.ErrorHandling{Strategy: flow.StrategyContinue},
		Steps: []flow.Step{
			{ID: "risky", Type: flow.StepTypeTool, Tool: "broken", OnSuccess: "done", OnFailure: "cleanup"},
			toolStep("cleanup", "sweep", nil),
			toolStep("done", "finish", nil),
		},
	}
	rig := newRig(t, ControllerConfig{}, def)
	rig.invoker.fn = func(_ context.Context, name string, _ map[string]any) (any, error) {
		if name == "broken" {
			return nil, errors.New("flaky backend")
		}
		return map[string]any{"ok": true}, nil
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "resilient", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	require.Len(t, exec.Errors, 1)
	assert.True(t, exec.Results["cleanup"].Success)
	assert.NotContains(t, exec.Results, "done")
}

func TestController_RetryExhausted(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:            "stubborn",
		ErrorHandling: &flow.ErrorHandling{Strategy: flow.StrategyRetry, MaxRetries: 2, RetryDelayMs: 1},
		Steps:         []flow.Step{toolStep("s1", "always_fails", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)
	rig.invoker.fn = func(_ context.Context, _ string, _ map[string]any) (any, error) {
		return nil, errors.New("permanently down")
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "stubborn", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	waitArchived(t, rig.archive, id)

	assert.Equal(t, flow.StatusFailed, exec.Status)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, rig.invoker.callCount())
	last := exec.Errors[len(exec.Errors)-1]
	assert.Contains(t, last.Error, flow.ErrCodeRetryExhausted)

	retrying := 0
	for _, typ := range rig.archive.eventTypes(id) {
		if typ == flow.EventStepRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestController_RetryThenSucceeds(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:            "flaky",
		ErrorHandling: &flow.ErrorHandling{Strategy: flow.StrategyRetry, MaxRetries: 3, RetryDelayMs: 1},
		Steps:         []flow.Step{toolStep("s1", "transient", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)
	var calls int
	var mu sync.Mutex
	rig.invoker.fn = func(_ context.Context, _ string, _ map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("transient error")
		}
		return map[string]any{"ok": true}, nil
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "flaky", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusCompleted, exec.Status)
	assert.Equal(t, 3, rig.invoker.callCount())
	assert.True(t, exec.Results["s1"].Success)
	// The two failed attempts stay on the record.
	assert.Len(t, exec.Errors, 2)
}

func TestController_StepBudgetBreaksCycles(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "cyclic",
		Steps: []flow.Step{{ID: "s1", Type: flow.StepTypeTool, Tool: "spin", OnSuccess: "s1"}},
	}
	rig := newRig(t, ControllerConfig{StepBudget: 25}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "cyclic", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusFailed, exec.Status)
	assert.Equal(t, 25, rig.invoker.callCount())
	last := exec.Errors[len(exec.Errors)-1]
	assert.Contains(t, last.Error, flow.ErrCodeStepBudget)
}

func TestController_DanglingEdgeFailsRun(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "dangling",
		Steps: []flow.Step{{ID: "s1", Type: flow.StepTypeTool, Tool: "tool_one", OnSuccess: "ghost"}},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "dangling", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusFailed, exec.Status)
	require.NotEmpty(t, exec.Errors)
	assert.Contains(t, exec.Errors[len(exec.Errors)-1].Error, flow.ErrCodeUnknownStep)
	// The reachable step did run before the edge resolution failed.
	assert.True(t, exec.Results["s1"].Success)
}

func TestController_ToolPanicFailsRunOnly(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "volatile",
		Steps: []flow.Step{toolStep("s1", "kaboom", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)
	rig.invoker.fn = func(_ context.Context, name string, _ map[string]any) (any, error) {
		if name == "kaboom" {
			panic("tool blew up")
		}
		return map[string]any{"ok": true}, nil
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "volatile", nil)
	require.NoError(t, err)

	exec := waitTerminal(t, rig.controller, id)
	assert.Equal(t, flow.StatusFailed, exec.Status)
	require.NotEmpty(t, exec.Errors)
	assert.Contains(t, exec.Errors[len(exec.Errors)-1].Error, "panicked")

	// The controller survives: a later run on the same instance completes.
	rig.defs.Save(context.Background(), &flow.WorkflowDefinition{
		ID:    "stable",
		Steps: []flow.Step{toolStep("s1", "fine", nil)},
	})
	id2, err := rig.controller.ExecuteWorkflow(context.Background(), "stable", nil)
	require.NoError(t, err)
	exec2 := waitTerminal(t, rig.controller, id2)
	assert.Equal(t, flow.StatusCompleted, exec2.Status)
}

// --- Cancellation ---

func TestController_CancelMidRun(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "longhaul",
		Steps: []flow.Step{toolStep("s1", "blocker", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)

	entered := make(chan struct{}, 1)
	rig.invoker.fn = func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "longhaul", nil)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	require.NoError(t, rig.controller.CancelExecution(context.Background(), id))

	// Cancellation is visible immediately, before the in-flight step unwinds.
	exec := rig.controller.GetExecution(id)
	assert.Equal(t, flow.StatusPaused, exec.Status)
	require.NotNil(t, exec.EndTime)

	// The run still settles: archived as paused, no terminal completion event.
	rec := waitArchived(t, rig.archive, id)
	assert.Equal(t, flow.StatusPaused, rec.Status)

	cancelledEvents := 0
	for _, e := range rig.hub.recorded() {
		switch e.Type {
		case flow.EventExecutionCancelled:
			cancelledEvents++
		case flow.EventExecutionCompleted, flow.EventExecutionFailed:
			t.Errorf("cancelled run published terminal event %s", e.Type)
		}
	}
	assert.Equal(t, 1, cancelledEvents)

	// Cancelling again is a no-op and publishes nothing new.
	require.NoError(t, rig.controller.CancelExecution(context.Background(), id))
	assert.Equal(t, 1, countOf(rig.hub.typesFor(id), flow.EventExecutionCancelled))
}

func countOf(types []string, want string) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func TestController_CancelUnknownExecution(t *testing.T) {
	rig := newRig(t, ControllerConfig{})
	err := rig.controller.CancelExecution(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, flow.ErrCodeNotFound, flow.CodeOf(err))
}

func TestController_CloseCancelsRunning(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "longhaul",
		Steps: []flow.Step{toolStep("s1", "blocker", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)
	rig.invoker.fn = func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	id, err := rig.controller.ExecuteWorkflow(context.Background(), "longhaul", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, rig.controller.Close(ctx))

	exec := rig.controller.GetExecution(id)
	assert.Equal(t, flow.StatusPaused, exec.Status)
}

// --- Concurrency and retention ---

func TestController_ConcurrentRunsIsolated(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:    "deploy",
		Steps: []flow.Step{toolStep("s1", "deploy_site", map[string]any{"env": "${env}"})},
	}
	rig := newRig(t, ControllerConfig{}, def)

	idA, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"env": "alpha"})
	require.NoError(t, err)
	idB, err := rig.controller.ExecuteWorkflow(context.Background(), "deploy", map[string]any{"env": "beta"})
	require.NoError(t, err)

	execA := waitTerminal(t, rig.controller, idA)
	execB := waitTerminal(t, rig.controller, idB)

	assert.Equal(t, flow.StatusCompleted, execA.Status)
	assert.Equal(t, flow.StatusCompleted, execB.Status)
	assert.Equal(t, "alpha", execA.Variables["env"])
	assert.Equal(t, "beta", execB.Variables["env"])

	seen := map[string]bool{}
	for i := 0; i < rig.invoker.callCount(); i++ {
		seen[rig.invoker.call(i).params["env"].(string)] = true
	}
	assert.True(t, seen["alpha"] && seen["beta"])
}

func TestController_RetentionEvictsOldest(t *testing.T) {
	logger := discardLogger()
	ms := newMockStore()
	def := &flow.WorkflowDefinition{
		ID:    "quick",
		Steps: []flow.Step{toolStep("s1", "fast", nil)},
	}
	sd := newStubDefs(def)
	hub := &recordingHub{}
	events := store.NewEventLog(ms, logger)
	registry := NewRegistry(2, events, hub, logger)
	pool := NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)
	runner := NewStepRunner(&stubInvoker{}, nil, pool, logger)
	ctrl := NewController(sd, ms, events, registry, runner, hub, ControllerConfig{Logger: logger})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := ctrl.ExecuteWorkflow(context.Background(), "quick", nil)
		require.NoError(t, err)
		waitTerminal(t, ctrl, id)
		waitArchived(t, ms, id)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return registry.Count() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The first run fell out of the registry but survives in the archive.
	assert.Nil(t, ctrl.GetExecution(ids[0]))
	assert.NotNil(t, ctrl.GetExecution(ids[1]))
	assert.NotNil(t, ctrl.GetExecution(ids[2]))
	_, err := ms.GetRun(context.Background(), ids[0])
	assert.NoError(t, err)
}

// --- Archive record ---

func TestController_ArchivedRecordShape(t *testing.T) {
	def := &flow.WorkflowDefinition{
		ID:        "deploy",
		Variables: map[string]any{"region": "us-east"},
		Steps:     []flow.Step{toolStep("s1", "deploy_site", nil)},
	}
	rig := newRig(t, ControllerConfig{}, def)

	id, err := rig.controller.Start(context.Background(), RunRequest{
		WorkflowID: "deploy",
		Arguments:  map[string]any{"env": "prod"},
		Initiator:  "mcp",
	})
	require.NoError(t, err)

	waitTerminal(t, rig.controller, id)
	rec := waitArchived(t, rig.archive, id)

	assert.Equal(t, id, rec.ExecutionID)
	assert.Equal(t, "deploy", rec.WorkflowID)
	assert.Equal(t, flow.StatusCompleted, rec.Status)
	assert.Equal(t, "mcp", rec.Initiator)
	assert.Equal(t, "prod", rec.Arguments["env"])
	assert.Equal(t, "us-east", rec.Variables["region"])
	assert.Equal(t, "prod", rec.Variables["env"])
	require.NotNil(t, rec.EndTime)
	assert.GreaterOrEqual(t, rec.DurationMs, int64(0))

	var results map[string]*flow.StepResult
	require.NoError(t, json.Unmarshal(rec.Results, &results))
	require.Contains(t, results, "s1")
	assert.True(t, results["s1"].Success)
}
