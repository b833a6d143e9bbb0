package tasks

import (
	"context"
	"time"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/telemetry"
)

// launch is a run that got an agent and still has to be handed to the
// Starter.
type launch struct {
	ctx   context.Context
	req   StartRequest
	token int
}

// Run ticks on every interval and on every Kick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil {
			switch {
			case errors.Is(err, errors.ErrCodeClosed):
				return nil
			case errors.Is(err, errors.ErrCodeNotReady):
			default:
				m.logger.Error("tick_failed", map[string]interface{}{"error": err.Error()})
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
	}
}

// Tick scans the active runs once in creation order and starts every
// eligible run that gets an agent. Ticks never overlap.
func (m *Manager) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := time.Now()
	defer func() { m.metrics.ObserveTick(time.Since(start)) }()

	launches, notes, err := m.schedule(ctx)
	m.publish(notes)
	for _, l := range launches {
		m.start(ctx, l)
	}
	return err
}

func (m *Manager) schedule(ctx context.Context) ([]launch, []Lifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, nil, err
	}

	now := m.now()
	active := m.st.ordered(&RunFilter{Active: true})

	// oldest active run per task type, for Exclusive configs
	oldest := make(map[string]string)
	for _, r := range active {
		key := typeKey(r.Kind, r.Type)
		if _, ok := oldest[key]; !ok {
			oldest[key] = r.ID
		}
	}

	var launches []launch
	var notes []Lifecycle
	saturated := make(map[string]bool)
	for _, r := range active {
		if r.Status != StatusCreated && r.Status != StatusScheduled {
			continue
		}
		if r.NextRunAt.After(now) {
			continue
		}
		cfg, ok := m.st.config(r)
		if !ok {
			continue
		}
		if cfg.ConcurrencyMode == Exclusive && oldest[typeKey(r.Kind, r.Type)] != r.ID {
			continue
		}
		if !m.unblocked(r) {
			continue
		}
		key := cfg.agentKey()
		if saturated[cfg.poolKey()] || !m.isRegistered(key) {
			continue
		}

		agentID, acquired, err := m.pool.AcquireAgent(ctx, cfg.AgentKind, cfg.AgentType, cfg.AgentVersion)
		if err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				m.forget(key)
			}
			m.logger.Warn("acquire_failed", map[string]interface{}{"run": r.ID, "agent_type": key, "error": err.Error()})
			continue
		}
		if !acquired {
			saturated[cfg.poolKey()] = true
			continue
		}

		l, err := m.beginLocked(ctx, r, cfg, agentID)
		if err != nil {
			m.releaseLocked(ctx, agentID)
			return launches, notes, err
		}
		launches = append(launches, l)
		notes = append(notes, newLifecycle(EventAgentAcquired, r, now))
	}
	return launches, notes, nil
}

// unblocked reports whether every blocker of r has completed.
func (m *Manager) unblocked(r *TaskRun) bool {
	for _, id := range r.BlockedBy {
		b, ok := m.st.runs[id]
		if !ok || b.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// beginLocked moves r to EXECUTING on agentID and prepares its execution.
func (m *Manager) beginLocked(ctx context.Context, r *TaskRun, cfg TaskConfig, agentID string) (launch, error) {
	attempt := r.CurrentRetryAttempt + 1
	next := r.RunState
	next.Status = StatusExecuting
	next.AgentID = agentID
	next.Executions++
	next.NextRunAt = time.Time{}
	if err := m.transition(r, next, HistoryEntry{
		Actor:   agentID,
		Message: "agent acquired",
		Attempt: attempt,
	}); err != nil {
		return launch{}, err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	execCtx, span := m.tracer.StartRunSpan(execCtx, telemetry.RunSpanOptions{
		RunID:   r.ID,
		RunKind: string(r.RunKind),
		AgentID: agentID,
		Attempt: attempt,
		Input:   r.Input,
	})
	token := next.Executions
	m.execs[r.ID] = &execution{token: token, cancel: cancel, span: span}
	m.metrics.IncRunStarted()

	return launch{
		ctx:   execCtx,
		token: token,
		req: StartRequest{
			Run:     r.Clone(),
			Config:  cfg,
			AgentID: agentID,
			Attempt: attempt,
			Hooks:   runHooks{m: m, runID: r.ID, token: token},
		},
	}, nil
}

// start hands a prepared run to the Starter. A Starter error counts as a
// failed attempt.
func (m *Manager) start(ctx context.Context, l launch) {
	run := l.req.Run
	m.publish([]Lifecycle{newLifecycle(EventStarted, &run, m.now())})
	if err := m.starter.Start(l.ctx, l.req); err != nil {
		if ferr := m.fail(ctx, run.ID, l.token, err); ferr != nil && !errors.Is(ferr, errors.ErrCodeConflict) {
			m.logger.Error("start_failed", map[string]interface{}{"run": run.ID, "error": ferr.Error()})
		}
	}
}

// endExecutionLocked cancels the execution of runID and ends its span.
func (m *Manager) endExecutionLocked(runID string, status Status, output string, err error) {
	exec, ok := m.execs[runID]
	if !ok {
		return
	}
	delete(m.execs, runID)
	exec.cancel()
	m.tracer.EndRunSpan(exec.span, string(status), output, err)
}

// currentLocked returns the run an execution token belongs to, or CONFLICT
// if that execution is no longer current.
func (m *Manager) currentLocked(runID string, token int) (*TaskRun, error) {
	if m.closed {
		return nil, errors.Closed("task manager")
	}
	r, err := m.st.run(runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusExecuting || r.Executions != token {
		return nil, errors.Conflict("stale execution of run "+runID, errors.WithRunID(runID))
	}
	return r, nil
}

// --- Completion hooks ---

type runHooks struct {
	m     *Manager
	runID string
	token int
}

func (h runHooks) OnAgentUpdate(ctx context.Context, output string) error {
	return h.m.update(ctx, h.runID, h.token, output)
}

func (h runHooks) OnAgentComplete(ctx context.Context, output string) error {
	return h.m.complete(ctx, h.runID, h.token, output)
}

func (h runHooks) OnAgentError(ctx context.Context, err error) error {
	return h.m.fail(ctx, h.runID, h.token, err)
}

func (m *Manager) update(ctx context.Context, runID string, token int, output string) error {
	note, err := m.updateLocked(runID, token, output)
	if err != nil {
		return err
	}
	m.publish([]Lifecycle{note})
	return nil
}

func (m *Manager) updateLocked(runID string, token int, output string) (Lifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.currentLocked(runID, token)
	if err != nil {
		return Lifecycle{}, err
	}
	if err := m.addHistory(r, HistoryEntry{
		Status:  StatusExecuting,
		Actor:   r.AgentID,
		Message: "update",
		Output:  output,
		Attempt: r.CurrentRetryAttempt + 1,
	}); err != nil {
		return Lifecycle{}, err
	}
	if exec := m.execs[runID]; exec != nil {
		m.tracer.AddRunEvent(exec.span, "update", output)
	}
	note := newLifecycle(EventUpdated, r, m.now())
	note.Output = output
	return note, nil
}

func (m *Manager) complete(ctx context.Context, runID string, token int, output string) error {
	note, err := m.completeLocked(ctx, runID, token, output)
	if err != nil {
		return err
	}
	m.publish([]Lifecycle{note})
	m.Kick()
	return nil
}

func (m *Manager) completeLocked(ctx context.Context, runID string, token int, output string) (Lifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.currentLocked(runID, token)
	if err != nil {
		return Lifecycle{}, err
	}
	cfg, _ := m.st.config(r)

	agentID := r.AgentID
	attempt := r.CurrentRetryAttempt + 1
	next := r.RunState
	next.CompletedRuns++
	next.CurrentRetryAttempt = 0
	next.Output = output
	next.AgentID = ""

	event := EventCompleted
	msg := "completed"
	if r.RunKind == RunAutomatic && (cfg.MaxRepeats == 0 || next.CompletedRuns < cfg.MaxRepeats) {
		next.Status = StatusScheduled
		next.NextRunAt = m.now().UTC().Add(cfg.Interval())
		event = EventRecurrenceScheduled
		msg = "recurrence scheduled"
	} else {
		next.Status = StatusCompleted
		next.NextRunAt = time.Time{}
	}

	if err := m.transition(r, next, HistoryEntry{
		Actor:   agentID,
		Message: msg,
		Output:  output,
		Attempt: attempt,
	}); err != nil {
		return Lifecycle{}, err
	}
	m.endExecutionLocked(runID, next.Status, output, nil)
	m.releaseLocked(ctx, agentID)
	m.metrics.IncRunFinished("succeeded")

	note := newLifecycle(event, r, m.now())
	note.AgentID = agentID
	note.Attempt = attempt
	note.Output = output
	return note, nil
}

func (m *Manager) fail(ctx context.Context, runID string, token int, cause error) error {
	note, err := m.failLocked(ctx, runID, token, cause)
	if err != nil {
		return err
	}
	m.publish([]Lifecycle{note})
	m.Kick()
	return nil
}

func (m *Manager) failLocked(ctx context.Context, runID string, token int, cause error) (Lifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.currentLocked(runID, token)
	if err != nil {
		return Lifecycle{}, err
	}
	cfg, _ := m.st.config(r)
	if cause == nil {
		cause = errors.Internal("execution failed without an error")
	}

	agentID := r.AgentID
	attempt := r.CurrentRetryAttempt + 1
	next := r.RunState
	next.ErrorCount++
	next.CurrentRetryAttempt++
	next.AgentID = ""

	h := HistoryEntry{
		Actor:     agentID,
		Error:     cause.Error(),
		ErrorCode: errors.Code(cause),
		Attempt:   attempt,
	}
	event := EventRetryScheduled
	retrying := next.CurrentRetryAttempt <= cfg.MaxRetries
	if retrying {
		next.Status = StatusScheduled
		next.NextRunAt = m.now().UTC().Add(cfg.RetryDelay())
		h.Message = "retry scheduled"
	} else {
		exhausted := errors.Exhausted(runID, attempt, errors.WithCause(cause))
		next.Status = StatusFailed
		next.NextRunAt = time.Time{}
		h.Message = "retries exhausted"
		h.Error = exhausted.Error()
		h.ErrorCode = exhausted.Code()
		event = EventFailed
	}

	if err := m.transition(r, next, h); err != nil {
		return Lifecycle{}, err
	}
	m.logger.RunFailed(runID, attempt, cause, retrying)
	m.endExecutionLocked(runID, next.Status, "", cause)
	m.releaseLocked(ctx, agentID)
	if retrying {
		m.metrics.IncRetry()
	} else {
		m.metrics.IncRunFinished("failed")
	}

	note := newLifecycle(event, r, m.now())
	note.AgentID = agentID
	note.Attempt = attempt
	note.Error = h.Error
	return note, nil
}
