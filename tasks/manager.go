package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/beekeeper/bus"
	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/telemetry"
)

// DefaultTickInterval is how often Run scans for eligible runs when nothing
// kicks it.
const DefaultTickInterval = time.Second

// execution is the live state of one started run.
type execution struct {
	token  int
	cancel context.CancelFunc
	span   trace.Span
}

// Manager owns task configs and runs, and schedules runs onto agents.
type Manager struct {
	mu      sync.Mutex
	st      *state
	log     *eventlog.Writer
	pool    AgentPool
	starter Starter
	execs   map[string]*execution

	bus          bus.Bus
	logger       *logging.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	now          func() time.Time
	tickInterval time.Duration

	// registered agent types, keyed kind:type. Guarded separately so
	// registry callbacks never wait on mu.
	agentsMu   sync.Mutex
	registered map[string]bool

	tickMu sync.Mutex
	kick   chan struct{}

	restored bool
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes lifecycle notifications on b.
func WithBus(b bus.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock sets the clock used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTickInterval sets the idle scan interval of Run.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// New creates a manager that persists to w, acquires agents from pool and
// hands started runs to starter. The manager takes ownership of w.
func New(w *eventlog.Writer, pool AgentPool, starter Starter, opts ...Option) *Manager {
	m := &Manager{
		st:           newState(),
		log:          w,
		pool:         pool,
		starter:      starter,
		execs:        make(map[string]*execution),
		logger:       logging.New().WithComponent("tasks"),
		tracer:       telemetry.GetTracer(),
		now:          time.Now,
		tickInterval: DefaultTickInterval,
		registered:   make(map[string]bool),
		kick:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- Agent registry callbacks ---

// AgentTypeRegistered marks an agent type as schedulable and kicks the
// scheduler.
func (m *Manager) AgentTypeRegistered(kind, typ string, version int) {
	m.agentsMu.Lock()
	m.registered[kind+":"+typ] = true
	m.agentsMu.Unlock()
	m.Kick()
}

// AgentsAvailable kicks the scheduler.
func (m *Manager) AgentsAvailable(kind, typ string, version int) {
	m.Kick()
}

func (m *Manager) isRegistered(key string) bool {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	return m.registered[key]
}

func (m *Manager) forget(key string) {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	delete(m.registered, key)
}

// Kick asks Run for an immediate tick.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// --- Persistence helpers ---

func (m *Manager) checkLocked() error {
	if m.closed {
		return errors.Closed("task manager")
	}
	if !m.restored {
		return errors.NotReady("task manager")
	}
	return nil
}

// commit appends p to the log and folds it into memory.
func (m *Manager) commit(p eventlog.Payload) error {
	entry, err := m.log.Append(p)
	if err != nil {
		return errors.Wrap(err, "append "+p.EventKind())
	}
	if err := m.st.Apply(entry); err != nil {
		return errors.Wrap(err, "apply "+p.EventKind())
	}
	return nil
}

func (m *Manager) addHistory(r *TaskRun, h HistoryEntry) error {
	h.ID = uuid.NewString()
	h.Timestamp = m.now().UTC()
	return m.commit(historyCreated{RunID: r.ID, Entry: h})
}

// transition persists a new run state and its history entry.
func (m *Manager) transition(r *TaskRun, next RunState, h HistoryEntry) error {
	from := r.Status
	agentID := r.AgentID
	if next.AgentID != "" {
		agentID = next.AgentID
	}
	if err := m.commit(runUpdated{RunID: r.ID, State: next}); err != nil {
		return err
	}
	h.Status = next.Status
	if err := m.addHistory(r, h); err != nil {
		return err
	}
	m.logger.RunTransition(r.ID, string(from), string(next.Status), agentID)
	return nil
}

func (m *Manager) publish(notes []Lifecycle) {
	if m.bus == nil {
		return
	}
	for i := range notes {
		data, err := notes[i].Marshal()
		if err != nil {
			continue
		}
		for _, subject := range []string{RunSubject(notes[i].RunID), LifecycleSubject} {
			if err := m.bus.Publish(subject, data); err != nil {
				m.logger.Debug("publish_failed", map[string]interface{}{"subject": subject, "error": err.Error()})
			}
		}
	}
}

func (m *Manager) releaseLocked(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if err := m.pool.ReleaseAgent(ctx, agentID); err != nil {
		m.logger.Warn("release_failed", map[string]interface{}{"agent": agentID, "error": err.Error()})
	}
}

// --- Restore ---

// Restore replays the task log. Runs that were executing when the previous
// process stopped give their agent back and are rescheduled immediately,
// with adminAgentID recorded as the actor. It must complete before any
// mutating call.
func (m *Manager) Restore(ctx context.Context, adminAgentID string) error {
	if err := m.restore(ctx, adminAgentID); err != nil {
		return err
	}
	m.Kick()
	return nil
}

func (m *Manager) restore(ctx context.Context, adminAgentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.Closed("task manager")
	}
	if m.restored {
		return errors.Conflict("task manager already restored")
	}

	start := time.Now()
	stats, err := eventlog.Replay(m.log.Path(), m.st, func(line int, err error) {
		m.logger.ReplayWarning(m.log.Path(), line, err)
	})
	if err != nil {
		return errors.Wrap(err, "restore task manager")
	}

	interrupted := 0
	for _, r := range m.st.ordered(&RunFilter{Status: StatusExecuting}) {
		m.releaseLocked(ctx, r.AgentID)
		next := r.RunState
		next.Status = StatusScheduled
		next.AgentID = ""
		next.NextRunAt = m.now().UTC()
		if err := m.transition(r, next, HistoryEntry{
			Actor:   adminAgentID,
			Message: "interrupted by restart",
			Attempt: r.CurrentRetryAttempt + 1,
		}); err != nil {
			return err
		}
		interrupted++
	}

	m.restored = true
	m.logger.ReplayComplete(m.log.Path(), stats.Applied, time.Since(start))
	if interrupted > 0 {
		m.logger.Info("runs_rearmed", map[string]interface{}{"count": interrupted})
	}
	return nil
}

// --- Task configs ---

// CreateTaskConfig creates version 1 of a new task type, or the next version
// after a destroyed one. An empty ConcurrencyMode means Exclusive.
func (m *Manager) CreateTaskConfig(ctx context.Context, cfg TaskConfig) (TaskConfig, error) {
	if cfg.ConcurrencyMode == "" {
		cfg.ConcurrencyMode = Exclusive
	}
	if err := cfg.Validate(); err != nil {
		return TaskConfig{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return TaskConfig{}, err
	}

	key := typeKey(cfg.Kind, cfg.Type)
	ts := m.st.types[key]
	if ts.live() {
		return TaskConfig{}, errors.Conflict("task config " + key + " already exists")
	}
	cfg.Version = 1
	if ts != nil {
		cfg.Version = ts.lastVersion + 1
	}
	if err := m.commit(configCreated{Config: cfg}); err != nil {
		return TaskConfig{}, err
	}
	m.logger.ConfigChange("create", cfg.ID().String())
	vs, _ := m.st.version(cfg.Kind, cfg.Type, cfg.Version)
	return vs.config, nil
}

// UpdateTaskConfig creates the next version of a live task type. Existing
// runs keep the version they were created from.
func (m *Manager) UpdateTaskConfig(ctx context.Context, kind Kind, typ string, patch TaskConfigPatch) (TaskConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return TaskConfig{}, err
	}

	current, err := m.st.version(kind, typ, 0)
	if err != nil {
		return TaskConfig{}, err
	}
	next := patch.apply(current.config)
	next.Version = m.st.types[typeKey(kind, typ)].lastVersion + 1
	if err := next.Validate(); err != nil {
		return TaskConfig{}, err
	}
	if err := m.commit(configUpdated{Config: next}); err != nil {
		return TaskConfig{}, err
	}
	m.logger.ConfigChange("update", next.ID().String())
	vs, _ := m.st.version(kind, typ, next.Version)
	return vs.config, nil
}

// DestroyTaskConfig removes every version of a task type. It fails with
// CONFLICT while any run of the type is not terminal.
func (m *Manager) DestroyTaskConfig(ctx context.Context, kind Kind, typ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}

	key := typeKey(kind, typ)
	if !m.st.types[key].live() {
		return errors.NotFound("task config " + key)
	}
	if active := m.st.ordered(&RunFilter{Kind: kind, Type: typ, Active: true}); len(active) > 0 {
		return errors.Conflict("task config "+key+" has active run "+active[0].ID, errors.WithRunID(active[0].ID))
	}
	if err := m.commit(configDestroyed{Kind: kind, Type: typ}); err != nil {
		return err
	}
	m.logger.ConfigChange("destroy", key)
	return nil
}

// TaskConfig returns one config version; 0 means latest.
func (m *Manager) TaskConfig(kind Kind, typ string, version int) (TaskConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, err := m.st.version(kind, typ, version)
	if err != nil {
		return TaskConfig{}, err
	}
	return vs.config, nil
}

// TaskConfigs returns the latest version of every live type of kind, or of
// every kind when kind is empty.
func (m *Manager) TaskConfigs(kind Kind) []TaskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.latestConfigs(kind)
}

// --- Task runs ---

// CreateTaskRun creates a run of the latest version of a task type. Every
// blocker must exist; the run becomes eligible once all of them completed.
func (m *Manager) CreateTaskRun(ctx context.Context, req CreateRunRequest) (TaskRun, error) {
	if !req.RunKind.Valid() {
		return TaskRun{}, errors.InvalidInput("unknown run kind " + string(req.RunKind))
	}
	if req.OriginRunID != "" {
		if _, err := Codec.DecodeInstance(req.OriginRunID); err != nil {
			return TaskRun{}, err
		}
	}

	run, err := m.createRun(req)
	if err != nil {
		return TaskRun{}, err
	}
	m.publish([]Lifecycle{newLifecycle(EventCreated, &run, m.now())})
	m.Kick()
	return run, nil
}

func (m *Manager) createRun(req CreateRunRequest) (TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return TaskRun{}, err
	}

	vs, err := m.st.version(req.Kind, req.Type, 0)
	if err != nil {
		return TaskRun{}, err
	}
	cfg := vs.config
	id := cfg.ID().Instance(vs.nextNum)

	blockers, err := m.checkBlockers(id.String(), req.BlockedBy)
	if err != nil {
		return TaskRun{}, err
	}

	run := TaskRun{
		ID:           id.String(),
		Kind:         id.Kind,
		Type:         id.Type,
		Num:          id.Num,
		Version:      id.Version,
		RunKind:      req.RunKind,
		Input:        req.Input,
		OwnerAgentID: req.OwnerAgentID,
		OriginRunID:  req.OriginRunID,
		BlockedBy:    blockers,
	}
	if run.Input == "" {
		run.Input = cfg.Input
	}
	if run.OwnerAgentID == "" {
		run.OwnerAgentID = cfg.OwnerAgentID
	}
	run.Status = StatusCreated
	if run.RunKind == RunAutomatic && !cfg.RunImmediately && cfg.IntervalMs > 0 {
		run.NextRunAt = m.now().UTC().Add(cfg.Interval())
	}

	if err := m.commit(runCreated{Run: run}); err != nil {
		return TaskRun{}, err
	}
	stored := m.st.runs[run.ID]
	if err := m.addHistory(stored, HistoryEntry{
		Status:  StatusCreated,
		Actor:   run.OwnerAgentID,
		Message: "run created",
	}); err != nil {
		return TaskRun{}, err
	}
	m.logger.Info("run_created", map[string]interface{}{
		"run":      run.ID,
		"kind":     string(run.RunKind),
		"blockers": len(blockers),
	})
	return stored.Clone(), nil
}

// checkBlockers dedupes the blocker ids of a new run, checks they exist and
// rejects edge sets that would close a cycle.
func (m *Manager) checkBlockers(runID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := Codec.DecodeInstance(id); err != nil {
			return nil, err
		}
		if id == runID {
			return nil, errors.Dependency("run " + runID + " cannot block itself")
		}
		if _, ok := m.st.runs[id]; !ok {
			return nil, errors.Dependency("blocking run " + id + " does not exist")
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	// DFS along blockedBy edges from every blocker; reaching runID would
	// close a cycle.
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == runID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		if r, ok := m.st.runs[id]; ok {
			for _, next := range r.BlockedBy {
				if walk(next) {
					return true
				}
			}
		}
		return false
	}
	for _, id := range out {
		if walk(id) {
			return nil, errors.Dependency("blocking run " + id + " would create a cycle")
		}
	}
	return out, nil
}

// StopTaskRun stops a non-terminal run. An executing run has its context
// cancelled and its agent released.
func (m *Manager) StopTaskRun(ctx context.Context, runID, actor string) (TaskRun, error) {
	run, err := m.stopRun(ctx, runID, actor)
	if err != nil {
		return TaskRun{}, err
	}
	m.publish([]Lifecycle{newLifecycle(EventStopped, &run, m.now())})
	m.Kick()
	return run, nil
}

func (m *Manager) stopRun(ctx context.Context, runID, actor string) (TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return TaskRun{}, err
	}

	r, err := m.st.run(runID)
	if err != nil {
		return TaskRun{}, err
	}
	if r.Status.IsTerminal() {
		return TaskRun{}, errors.Conflict("run "+runID+" is already "+string(r.Status), errors.WithRunID(runID))
	}

	agentID := r.AgentID
	next := r.RunState
	next.Status = StatusStopped
	next.AgentID = ""
	next.NextRunAt = time.Time{}
	if err := m.transition(r, next, HistoryEntry{
		Actor:   actor,
		Message: "stopped",
		Attempt: r.CurrentRetryAttempt + 1,
	}); err != nil {
		return TaskRun{}, err
	}
	m.endExecutionLocked(runID, StatusStopped, "", errors.FromCode(errors.ErrCodeCanceled))
	m.releaseLocked(ctx, agentID)
	m.metrics.IncRunFinished("stopped")
	return r.Clone(), nil
}

// RemoveTaskRun deletes a terminal run that blocks no active run.
func (m *Manager) RemoveTaskRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}

	r, err := m.st.run(runID)
	if err != nil {
		return err
	}
	if !r.Status.IsTerminal() {
		return errors.Conflict("run "+runID+" is not terminal", errors.WithRunID(runID))
	}
	for _, id := range r.Blocking {
		if b, ok := m.st.runs[id]; ok && !b.Status.IsTerminal() {
			return errors.Conflict("run "+runID+" still blocks "+id, errors.WithRunID(runID))
		}
	}
	if err := m.commit(runRemoved{RunID: runID}); err != nil {
		return err
	}
	m.logger.Info("run_removed", map[string]interface{}{"run": runID})
	return nil
}

// TaskRun returns one run.
func (m *Manager) TaskRun(runID string) (TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.st.run(runID)
	if err != nil {
		return TaskRun{}, err
	}
	return r.Clone(), nil
}

// TaskRuns returns the runs matching f in creation order.
func (m *Manager) TaskRuns(f *RunFilter) []TaskRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot(f)
}

// Close cancels every execution and closes the event log.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for runID := range m.execs {
		m.endExecutionLocked(runID, "", "", errors.Closed("task manager"))
	}
	return m.log.Close()
}
