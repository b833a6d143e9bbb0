package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/beekeeper/bus"
	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
	"github.com/vinayprograms/beekeeper/logging"
)

// --- Test helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePool hands out numbered agents per kind:type up to a maximum. Pools
// defined with defineVersion are tracked per kind:type:version.
type fakePool struct {
	mu       sync.Mutex
	max      map[string]int
	agents   map[string][]string
	inUse    map[string]bool
	released []string
}

func newFakePool() *fakePool {
	return &fakePool{
		max:    make(map[string]int),
		agents: make(map[string][]string),
		inUse:  make(map[string]bool),
	}
}

func (p *fakePool) define(kind, typ string, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max[kind+":"+typ] = max
}

func (p *fakePool) defineVersion(kind, typ string, version, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max[fmt.Sprintf("%s:%s:%d", kind, typ, version)] = max
}

func (p *fakePool) AcquireAgent(_ context.Context, kind, typ string, version int) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := fmt.Sprintf("%s:%s:%d", kind, typ, version)
	max, ok := p.max[key]
	if !ok {
		key = kind + ":" + typ
		if max, ok = p.max[key]; !ok {
			return "", false, errors.NotFound("agent config " + key)
		}
	}
	for _, id := range p.agents[key] {
		if !p.inUse[id] {
			p.inUse[id] = true
			return id, true, nil
		}
	}
	if len(p.agents[key]) >= max {
		return "", false, nil
	}
	if version == 0 {
		version = 1
	}
	id := fmt.Sprintf("%s:%s[%d]:%d", kind, typ, len(p.agents[key])+1, version)
	p.agents[key] = append(p.agents[key], id)
	p.inUse[id] = true
	return id, true, nil
}

func (p *fakePool) ReleaseAgent(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[agentID] {
		return errors.Conflict("agent " + agentID + " is not in use")
	}
	p.inUse[agentID] = false
	p.released = append(p.released, agentID)
	return nil
}

func (p *fakePool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, used := range p.inUse {
		if used {
			n++
		}
	}
	return n
}

// recordingStarter keeps every start request and leaves completion to the
// test.
type recordingStarter struct {
	mu   sync.Mutex
	reqs []StartRequest
	ctxs []context.Context
}

func (s *recordingStarter) Start(ctx context.Context, req StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	s.ctxs = append(s.ctxs, ctx)
	return nil
}

func (s *recordingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *recordingStarter) get(i int) (StartRequest, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i], s.ctxs[i]
}

func (s *recordingStarter) startsOf(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reqs {
		if r.Run.ID == runID {
			n++
		}
	}
	return n
}

type harness struct {
	path    string
	pool    *fakePool
	starter *recordingStarter
	clock   *fakeClock
	mgr     *Manager
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		path:    filepath.Join(t.TempDir(), "tasks.jsonl"),
		pool:    newFakePool(),
		starter: &recordingStarter{},
		clock:   newFakeClock(),
	}
	h.pool.define("operator", "coder", 4)
	h.mgr = h.open(t, h.starter, opts...)
	t.Cleanup(func() { h.mgr.Close() })
	return h
}

func (h *harness) open(t *testing.T, starter Starter, opts ...Option) *Manager {
	t.Helper()
	w, err := eventlog.OpenWriter(h.path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	opts = append([]Option{WithLogger(logging.Nop()), WithClock(h.clock.Now)}, opts...)
	m := New(w, h.pool, starter, opts...)
	m.AgentTypeRegistered("operator", "coder", 1)
	if err := m.Restore(context.Background(), "operator:admin[1]:1"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return m
}

func scanConfig(mode ConcurrencyMode) TaskConfig {
	return TaskConfig{
		Kind:            KindOperator,
		Type:            "scan",
		Input:           "scan the repo",
		AgentKind:       "operator",
		AgentType:       "coder",
		ConcurrencyMode: mode,
	}
}

func mustConfig(t *testing.T, m *Manager, cfg TaskConfig) TaskConfig {
	t.Helper()
	created, err := m.CreateTaskConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateTaskConfig: %v", err)
	}
	return created
}

func mustRun(t *testing.T, m *Manager, req CreateRunRequest) TaskRun {
	t.Helper()
	if req.Kind == "" {
		req.Kind, req.Type = KindOperator, "scan"
	}
	if req.RunKind == "" {
		req.RunKind = RunInteraction
	}
	run, err := m.CreateTaskRun(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	return run
}

func mustTick(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func mustStatus(t *testing.T, m *Manager, runID string, want Status) TaskRun {
	t.Helper()
	run, err := m.TaskRun(runID)
	if err != nil {
		t.Fatalf("TaskRun(%s): %v", runID, err)
	}
	if run.Status != want {
		t.Fatalf("run %s status = %s, want %s", runID, run.Status, want)
	}
	return run
}

// --- Configs ---

func TestManager_NotReadyBeforeRestore(t *testing.T) {
	w, err := eventlog.OpenWriter(filepath.Join(t.TempDir(), "tasks.jsonl"))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	m := New(w, newFakePool(), &recordingStarter{}, WithLogger(logging.Nop()))
	defer m.Close()

	_, err = m.CreateTaskConfig(context.Background(), scanConfig(Parallel))
	if !errors.Is(err, errors.ErrCodeNotReady) {
		t.Errorf("expected NOT_READY, got %v", err)
	}
	if err := m.Tick(context.Background()); !errors.Is(err, errors.ErrCodeNotReady) {
		t.Errorf("Tick: expected NOT_READY, got %v", err)
	}
}

func TestManager_ConfigVersioning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := mustConfig(t, h.mgr, scanConfig(""))
	if cfg.Version != 1 || cfg.ConcurrencyMode != Exclusive {
		t.Errorf("created config = %+v", cfg)
	}
	if _, err := h.mgr.CreateTaskConfig(ctx, scanConfig(Parallel)); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("duplicate: expected CONFLICT, got %v", err)
	}

	retries := 4
	updated, err := h.mgr.UpdateTaskConfig(ctx, KindOperator, "scan", TaskConfigPatch{MaxRetries: &retries})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.MaxRetries != 4 || updated.Input != "scan the repo" {
		t.Errorf("updated config = %+v", updated)
	}

	run := mustRun(t, h.mgr, CreateRunRequest{})
	if run.Version != 2 {
		t.Errorf("run version = %d, want latest 2", run.Version)
	}
	if err := h.mgr.DestroyTaskConfig(ctx, KindOperator, "scan"); !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("destroy with active run: expected CONFLICT, got %v", err)
	}

	if _, err := h.mgr.StopTaskRun(ctx, run.ID, "operator:admin[1]:1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.mgr.DestroyTaskConfig(ctx, KindOperator, "scan"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := h.mgr.TaskConfig(KindOperator, "scan", 0); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND after destroy, got %v", err)
	}

	recreated := mustConfig(t, h.mgr, scanConfig(Parallel))
	if recreated.Version != 3 {
		t.Errorf("recreated version = %d, want 3", recreated.Version)
	}
}

func TestManager_ConfigValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(*TaskConfig)
		code   errors.ErrorCode
	}{
		{"bad kind", func(c *TaskConfig) { c.Kind = "janitor" }, errors.ErrCodeFormat},
		{"no agent", func(c *TaskConfig) { c.AgentType = "" }, errors.ErrCodeInvalidInput},
		{"negative interval", func(c *TaskConfig) { c.IntervalMs = -1 }, errors.ErrCodeInvalidInput},
		{"negative retries", func(c *TaskConfig) { c.MaxRetries = -1 }, errors.ErrCodeInvalidInput},
		{"bad mode", func(c *TaskConfig) { c.ConcurrencyMode = "SOMETIMES" }, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scanConfig(Parallel)
			tt.mutate(&cfg)
			if _, err := h.mgr.CreateTaskConfig(context.Background(), cfg); !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

// --- Runs ---

func TestManager_CreateRunValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))

	tests := []struct {
		name string
		req  CreateRunRequest
		code errors.ErrorCode
	}{
		{"unknown type", CreateRunRequest{Kind: KindOperator, Type: "missing", RunKind: RunInteraction}, errors.ErrCodeNotFound},
		{"bad run kind", CreateRunRequest{Kind: KindOperator, Type: "scan", RunKind: "sometimes"}, errors.ErrCodeInvalidInput},
		{"unknown blocker", CreateRunRequest{Kind: KindOperator, Type: "scan", RunKind: RunInteraction, BlockedBy: []string{"operator:scan[9]:1"}}, errors.ErrCodeDependency},
		{"malformed blocker", CreateRunRequest{Kind: KindOperator, Type: "scan", RunKind: RunInteraction, BlockedBy: []string{"scan"}}, errors.ErrCodeFormat},
		{"self blocker", CreateRunRequest{Kind: KindOperator, Type: "scan", RunKind: RunInteraction, BlockedBy: []string{"operator:scan[1]:1"}}, errors.ErrCodeDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.mgr.CreateTaskRun(ctx, tt.req); !errors.Is(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}

	// rejected requests allocate no run numbers
	run := mustRun(t, h.mgr, CreateRunRequest{})
	if run.ID != "operator:scan[1]:1" {
		t.Errorf("first run id = %s", run.ID)
	}
}

func TestManager_CreateRunDefaults(t *testing.T) {
	h := newHarness(t)
	cfg := scanConfig(Parallel)
	cfg.OwnerAgentID = "supervisor:lead[1]:1"
	mustConfig(t, h.mgr, cfg)

	a := mustRun(t, h.mgr, CreateRunRequest{})
	b := mustRun(t, h.mgr, CreateRunRequest{Input: "custom", BlockedBy: []string{a.ID, a.ID}})

	if a.Input != "scan the repo" || a.OwnerAgentID != "supervisor:lead[1]:1" {
		t.Errorf("defaults not applied: %+v", a)
	}
	if b.Input != "custom" {
		t.Errorf("input = %q", b.Input)
	}
	if len(b.BlockedBy) != 1 {
		t.Errorf("duplicate blockers kept: %v", b.BlockedBy)
	}
	if b.Seq <= a.Seq {
		t.Errorf("seq not increasing: %d then %d", a.Seq, b.Seq)
	}

	a, _ = h.mgr.TaskRun(a.ID)
	if len(a.Blocking) != 1 || a.Blocking[0] != b.ID {
		t.Errorf("reverse edge missing: %v", a.Blocking)
	}
	if len(a.History) != 1 || a.History[0].Status != StatusCreated {
		t.Errorf("creation history = %+v", a.History)
	}
}

func TestManager_ExclusivityScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Exclusive))

	first := mustRun(t, h.mgr, CreateRunRequest{})
	second := mustRun(t, h.mgr, CreateRunRequest{})

	mustTick(t, h.mgr)
	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, first.ID, StatusExecuting)
	mustStatus(t, h.mgr, second.ID, StatusCreated)
	if h.starter.count() != 1 {
		t.Fatalf("starts = %d, want 1", h.starter.count())
	}

	req, _ := h.starter.get(0)
	if err := req.Hooks.OnAgentComplete(ctx, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustStatus(t, h.mgr, first.ID, StatusCompleted)

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, second.ID, StatusExecuting)
}

func TestManager_ParallelRunsShareCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pool.define("operator", "coder", 1)
	mustConfig(t, h.mgr, scanConfig(Parallel))

	first := mustRun(t, h.mgr, CreateRunRequest{})
	second := mustRun(t, h.mgr, CreateRunRequest{})

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, first.ID, StatusExecuting)
	mustStatus(t, h.mgr, second.ID, StatusCreated)

	req, _ := h.starter.get(0)
	if err := req.Hooks.OnAgentComplete(ctx, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustTick(t, h.mgr)
	run := mustStatus(t, h.mgr, second.ID, StatusExecuting)
	if run.AgentID != "operator:coder[1]:1" {
		t.Errorf("second run agent = %s, want the released one", run.AgentID)
	}
}

func TestManager_SaturationIsPerAgentVersion(t *testing.T) {
	h := newHarness(t)
	h.pool.defineVersion("operator", "coder", 1, 1)
	h.pool.defineVersion("operator", "coder", 2, 1)

	scan := scanConfig(Parallel)
	scan.AgentVersion = 1
	mustConfig(t, h.mgr, scan)
	lint := scanConfig(Parallel)
	lint.Type = "lint"
	lint.AgentVersion = 2
	mustConfig(t, h.mgr, lint)

	first := mustRun(t, h.mgr, CreateRunRequest{})
	second := mustRun(t, h.mgr, CreateRunRequest{})
	other := mustRun(t, h.mgr, CreateRunRequest{Kind: KindOperator, Type: "lint"})

	for i := 0; i < 3; i++ {
		mustTick(t, h.mgr)
	}

	mustStatus(t, h.mgr, first.ID, StatusExecuting)
	mustStatus(t, h.mgr, second.ID, StatusCreated)
	got := mustStatus(t, h.mgr, other.ID, StatusExecuting)
	if got.AgentID != "operator:coder[1]:2" {
		t.Errorf("lint agent = %s, want operator:coder[1]:2", got.AgentID)
	}
	if n := h.starter.count(); n != 2 {
		t.Errorf("starts = %d, want 2", n)
	}
}

func TestManager_WaitsForAgentType(t *testing.T) {
	h := newHarness(t)
	cfg := scanConfig(Parallel)
	cfg.AgentType = "reviewer"
	mustConfig(t, h.mgr, cfg)
	run := mustRun(t, h.mgr, CreateRunRequest{})

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusCreated)

	// registered but the pool does not know it yet: the type is forgotten
	h.mgr.AgentTypeRegistered("operator", "reviewer", 1)
	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusCreated)
	if h.mgr.isRegistered("operator:reviewer") {
		t.Error("unknown agent type should be forgotten")
	}

	h.pool.define("operator", "reviewer", 1)
	h.mgr.AgentTypeRegistered("operator", "reviewer", 1)
	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusExecuting)
}

func TestManager_RetryExhaustionScenario(t *testing.T) {
	tests := []struct {
		name    string
		runKind RunKind
	}{
		{"interaction", RunInteraction},
		// the recurrence interval must not delay retries or outlive exhaustion
		{"automatic", RunAutomatic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			failing := StarterFunc(func(ctx context.Context, req StartRequest) error {
				return req.Hooks.OnAgentError(ctx, fmt.Errorf("model unavailable"))
			})
			h.mgr.Close()
			h.mgr = h.open(t, failing)

			cfg := scanConfig(Parallel)
			cfg.MaxRetries = 2
			cfg.RetryDelayMs = 0
			cfg.IntervalMs = 60000
			cfg.RunImmediately = true
			mustConfig(t, h.mgr, cfg)
			run := mustRun(t, h.mgr, CreateRunRequest{RunKind: tt.runKind})

			for i := 0; i < 5; i++ {
				mustTick(t, h.mgr)
			}

			got := mustStatus(t, h.mgr, run.ID, StatusFailed)
			if got.Executions != 3 {
				t.Errorf("executions = %d, want 3", got.Executions)
			}
			if got.ErrorCount != 3 {
				t.Errorf("errorCount = %d, want 3", got.ErrorCount)
			}
			if got.CompletedRuns != 0 || !got.NextRunAt.IsZero() {
				t.Errorf("failed run still armed: %+v", got.RunState)
			}
			last := got.History[len(got.History)-1]
			if last.Status != StatusFailed || last.ErrorCode != errors.ErrCodeExhausted {
				t.Errorf("last history = %+v", last)
			}
			if len(h.pool.released) != 3 || h.pool.active() != 0 {
				t.Errorf("released = %v, active = %d", h.pool.released, h.pool.active())
			}
		})
	}
}

func TestManager_RetryDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := scanConfig(Parallel)
	cfg.MaxRetries = 1
	cfg.RetryDelayMs = 5000
	mustConfig(t, h.mgr, cfg)
	run := mustRun(t, h.mgr, CreateRunRequest{})

	mustTick(t, h.mgr)
	req, _ := h.starter.get(0)
	if err := req.Hooks.OnAgentError(ctx, errors.Timeout("agent timed out")); err != nil {
		t.Fatalf("error hook: %v", err)
	}
	got := mustStatus(t, h.mgr, run.ID, StatusScheduled)
	if !got.NextRunAt.Equal(h.clock.Now().Add(5 * time.Second)) {
		t.Errorf("nextRunAt = %v", got.NextRunAt)
	}
	if got.History[len(got.History)-1].ErrorCode != errors.ErrCodeTimeout {
		t.Errorf("error code not recorded: %+v", got.History[len(got.History)-1])
	}

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusScheduled)

	h.clock.Advance(5 * time.Second)
	mustTick(t, h.mgr)
	got = mustStatus(t, h.mgr, run.ID, StatusExecuting)
	if got.CurrentRetryAttempt != 1 {
		t.Errorf("currentRetryAttempt = %d, want 1", got.CurrentRetryAttempt)
	}
}

func TestManager_DependencyGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))

	blocker := mustRun(t, h.mgr, CreateRunRequest{})
	failing := mustRun(t, h.mgr, CreateRunRequest{})
	dependent := mustRun(t, h.mgr, CreateRunRequest{BlockedBy: []string{blocker.ID}})
	orphan := mustRun(t, h.mgr, CreateRunRequest{BlockedBy: []string{failing.ID}})

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, dependent.ID, StatusCreated)
	mustStatus(t, h.mgr, orphan.ID, StatusCreated)

	req0, _ := h.starter.get(0)
	req1, _ := h.starter.get(1)
	hooks := map[string]Hooks{req0.Run.ID: req0.Hooks, req1.Run.ID: req1.Hooks}

	if err := hooks[failing.ID].OnAgentError(ctx, fmt.Errorf("broken")); err != nil {
		t.Fatalf("error hook: %v", err)
	}
	mustStatus(t, h.mgr, failing.ID, StatusFailed)

	// non-terminal blocker
	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, dependent.ID, StatusCreated)

	if err := hooks[blocker.ID].OnAgentComplete(ctx, "ok"); err != nil {
		t.Fatalf("complete hook: %v", err)
	}
	mustTick(t, h.mgr)
	mustTick(t, h.mgr)

	mustStatus(t, h.mgr, dependent.ID, StatusExecuting)
	if n := h.starter.startsOf(dependent.ID); n != 1 {
		t.Errorf("dependent started %d times, want 1", n)
	}
	// failed blocker never releases its dependent
	mustStatus(t, h.mgr, orphan.ID, StatusCreated)
	if n := h.starter.startsOf(orphan.ID); n != 0 {
		t.Errorf("orphan started %d times", n)
	}
}

func TestManager_AutomaticRecurrence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := scanConfig(Parallel)
	cfg.IntervalMs = 1000
	cfg.RunImmediately = true
	cfg.MaxRepeats = 2
	mustConfig(t, h.mgr, cfg)
	run := mustRun(t, h.mgr, CreateRunRequest{RunKind: RunAutomatic})

	mustTick(t, h.mgr)
	req, _ := h.starter.get(0)
	if err := req.Hooks.OnAgentComplete(ctx, "first"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := mustStatus(t, h.mgr, run.ID, StatusScheduled)
	if got.CompletedRuns != 1 || !got.NextRunAt.Equal(h.clock.Now().Add(time.Second)) {
		t.Errorf("after first completion: %+v", got.RunState)
	}

	mustTick(t, h.mgr)
	if h.starter.count() != 1 {
		t.Fatal("recurrence started before its interval")
	}

	h.clock.Advance(time.Second)
	mustTick(t, h.mgr)
	req, _ = h.starter.get(1)
	if err := req.Hooks.OnAgentComplete(ctx, "second"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got = mustStatus(t, h.mgr, run.ID, StatusCompleted)
	if got.CompletedRuns != 2 || got.Output != "second" {
		t.Errorf("final state: %+v", got.RunState)
	}
}

func TestManager_AutomaticWaitsForInterval(t *testing.T) {
	h := newHarness(t)
	cfg := scanConfig(Parallel)
	cfg.IntervalMs = 60000
	mustConfig(t, h.mgr, cfg)

	run := mustRun(t, h.mgr, CreateRunRequest{RunKind: RunAutomatic})
	if !run.NextRunAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Errorf("nextRunAt = %v", run.NextRunAt)
	}

	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusCreated)

	h.clock.Advance(time.Minute)
	mustTick(t, h.mgr)
	mustStatus(t, h.mgr, run.ID, StatusExecuting)
}

func TestManager_UpdateHook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))
	run := mustRun(t, h.mgr, CreateRunRequest{})
	mustTick(t, h.mgr)

	req, _ := h.starter.get(0)
	if err := req.Hooks.OnAgentUpdate(ctx, "halfway"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := mustStatus(t, h.mgr, run.ID, StatusExecuting)
	last := got.History[len(got.History)-1]
	if last.Output != "halfway" || last.Status != StatusExecuting {
		t.Errorf("update history = %+v", last)
	}
}

func TestManager_StopExecutingRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))
	run := mustRun(t, h.mgr, CreateRunRequest{})
	mustTick(t, h.mgr)

	req, execCtx := h.starter.get(0)
	stopped, err := h.mgr.StopTaskRun(ctx, run.ID, "operator:admin[1]:1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != StatusStopped || stopped.AgentID != "" {
		t.Errorf("stopped run = %+v", stopped.RunState)
	}

	select {
	case <-execCtx.Done():
	default:
		t.Error("execution context not cancelled")
	}
	if h.pool.active() != 0 {
		t.Error("agent not released")
	}
	if err := req.Hooks.OnAgentComplete(ctx, "late"); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("stale hook: expected CONFLICT, got %v", err)
	}
	if _, err := h.mgr.StopTaskRun(ctx, run.ID, "x"); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("second stop: expected CONFLICT, got %v", err)
	}
}

func TestManager_StarterErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.mgr.Close()
	h.mgr = h.open(t, StarterFunc(func(context.Context, StartRequest) error {
		return fmt.Errorf("no executor")
	}))
	mustConfig(t, h.mgr, scanConfig(Parallel))
	run := mustRun(t, h.mgr, CreateRunRequest{})

	mustTick(t, h.mgr)
	got := mustStatus(t, h.mgr, run.ID, StatusFailed)
	if got.ErrorCount != 1 || h.pool.active() != 0 {
		t.Errorf("errorCount = %d, active agents = %d", got.ErrorCount, h.pool.active())
	}
}

func TestManager_RemoveTaskRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))
	blocker := mustRun(t, h.mgr, CreateRunRequest{})
	dependent := mustRun(t, h.mgr, CreateRunRequest{BlockedBy: []string{blocker.ID}})

	if err := h.mgr.RemoveTaskRun(ctx, blocker.ID); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("non-terminal: expected CONFLICT, got %v", err)
	}
	h.mgr.StopTaskRun(ctx, blocker.ID, "admin")
	if err := h.mgr.RemoveTaskRun(ctx, blocker.ID); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("still blocking: expected CONFLICT, got %v", err)
	}

	h.mgr.StopTaskRun(ctx, dependent.ID, "admin")
	if err := h.mgr.RemoveTaskRun(ctx, blocker.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.mgr.TaskRun(blocker.ID); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	got, _ := h.mgr.TaskRun(dependent.ID)
	if len(got.BlockedBy) != 1 {
		t.Errorf("blockedBy must not change: %v", got.BlockedBy)
	}
}

// --- Restore ---

func TestManager_RestoreInterruptedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))
	run := mustRun(t, h.mgr, CreateRunRequest{})
	mustTick(t, h.mgr)
	oldReq, _ := h.starter.get(0)
	h.mgr.Close()

	if h.pool.active() != 1 {
		t.Fatalf("agent should still be held by the interrupted run")
	}

	starter := &recordingStarter{}
	h.mgr = h.open(t, starter)

	got := mustStatus(t, h.mgr, run.ID, StatusScheduled)
	if got.AgentID != "" {
		t.Errorf("agent id kept: %s", got.AgentID)
	}
	if h.pool.active() != 0 {
		t.Error("interrupted run's agent not released")
	}
	last := got.History[len(got.History)-1]
	if last.Actor != "operator:admin[1]:1" {
		t.Errorf("rearm actor = %q", last.Actor)
	}

	mustTick(t, h.mgr)
	got = mustStatus(t, h.mgr, run.ID, StatusExecuting)
	if got.Executions != 2 {
		t.Errorf("executions = %d, want 2", got.Executions)
	}
	if err := oldReq.Hooks.OnAgentComplete(ctx, "late"); err == nil {
		t.Error("hooks of the closed manager must fail")
	}

	req, _ := starter.get(0)
	if err := req.Hooks.OnAgentComplete(ctx, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustStatus(t, h.mgr, run.ID, StatusCompleted)
}

func TestManager_RestoreMatchesLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := scanConfig(Parallel)
	cfg.IntervalMs = 1000
	mustConfig(t, h.mgr, cfg)
	a := mustRun(t, h.mgr, CreateRunRequest{})
	b := mustRun(t, h.mgr, CreateRunRequest{BlockedBy: []string{a.ID}})
	mustRun(t, h.mgr, CreateRunRequest{RunKind: RunAutomatic})
	mustTick(t, h.mgr)
	req, _ := h.starter.get(0)
	req.Hooks.OnAgentComplete(ctx, "a done")
	h.mgr.StopTaskRun(ctx, b.ID, "admin")

	live := h.mgr.TaskRuns(nil)
	liveConfigs := h.mgr.TaskConfigs("")
	h.mgr.Close()

	h.mgr = h.open(t, &recordingStarter{})
	restored := h.mgr.TaskRuns(nil)

	if len(restored) != len(live) {
		t.Fatalf("restored %d runs, want %d", len(restored), len(live))
	}
	for i := range live {
		l, r := live[i], restored[i]
		if l.ID != r.ID || l.Status != r.Status || l.Seq != r.Seq || l.CompletedRuns != r.CompletedRuns ||
			len(l.History) != len(r.History) || len(l.Blocking) != len(r.Blocking) || !l.NextRunAt.Equal(r.NextRunAt) {
			t.Errorf("run %d differs:\n live     %+v\n restored %+v", i, l, r)
		}
	}
	if got := h.mgr.TaskConfigs(""); len(got) != len(liveConfigs) || got[0].Version != liveConfigs[0].Version {
		t.Errorf("configs = %+v", got)
	}

	// run numbering continues after restore
	next := mustRun(t, h.mgr, CreateRunRequest{})
	if next.ID != "operator:scan[4]:1" {
		t.Errorf("next run id = %s", next.ID)
	}
}

// --- Notifications ---

func TestManager_LifecycleNotifications(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	h := newHarness(t, WithBus(b))
	ctx := context.Background()
	mustConfig(t, h.mgr, scanConfig(Parallel))

	all, _ := b.Subscribe(LifecycleSubject)
	defer all.Unsubscribe()

	run := mustRun(t, h.mgr, CreateRunRequest{})
	one, _ := b.Subscribe(RunSubject(run.ID))
	defer one.Unsubscribe()

	mustTick(t, h.mgr)
	req, _ := h.starter.get(0)
	req.Hooks.OnAgentUpdate(ctx, "partial")
	req.Hooks.OnAgentComplete(ctx, "final")

	want := []LifecycleEvent{EventCreated, EventAgentAcquired, EventStarted, EventUpdated, EventCompleted}
	for i, ev := range want {
		select {
		case msg := <-all.Messages():
			l, err := UnmarshalLifecycle(msg.Data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if l.Event != ev || l.RunID != run.ID {
				t.Errorf("notification %d = %s for %s, want %s", i, l.Event, l.RunID, ev)
			}
			if ev == EventCompleted && (l.Output != "final" || l.Status != StatusCompleted) {
				t.Errorf("completed notification = %+v", l)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing notification %s", ev)
		}
	}

	// the run subject misses only the creation notification
	if got := len(one.Messages()); got != len(want)-1 {
		t.Errorf("run subject got %d notifications, want %d", got, len(want)-1)
	}
}

// --- Projection ---

func TestProjection_Replay(t *testing.T) {
	h := newHarness(t)
	mustConfig(t, h.mgr, scanConfig(Parallel))
	mustRun(t, h.mgr, CreateRunRequest{})
	mustRun(t, h.mgr, CreateRunRequest{})
	mustTick(t, h.mgr)

	p := NewProjection()
	if _, err := eventlog.Replay(h.path, p, nil); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := p.Runs(&RunFilter{Status: StatusExecuting}); len(got) != 2 {
		t.Errorf("executing runs = %d, want 2", len(got))
	}
	if got := p.Configs(); len(got) != 1 || got[0].Type != "scan" {
		t.Errorf("configs = %+v", got)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusCreated, false},
		{StatusScheduled, false},
		{StatusExecuting, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusStopped, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
