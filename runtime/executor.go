package runtime

import (
	"context"
	"sync"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/registry"
	"github.com/vinayprograms/beekeeper/tasks"
)

// Execution is one attempt of a run on an acquired agent.
type Execution struct {
	Run      tasks.TaskRun
	Config   tasks.TaskConfig
	AgentID  string
	Instance registry.Instance // built by the registry's factory, may be nil
	Attempt  int

	// Update reports intermediate output. It is safe to call from any
	// goroutine until Execute returns.
	Update func(output string)
}

// Executor performs executions. Execute must return when ctx is cancelled;
// the run has been stopped by then and its result is discarded.
type Executor interface {
	Execute(ctx context.Context, e Execution) (output string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, e Execution) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, e Execution) (string, error) {
	return f(ctx, e)
}

// InstanceSource resolves the instance built for an agent.
type InstanceSource interface {
	Instance(agentID string) (registry.Instance, error)
}

// Strategy implements tasks.Starter by running an Executor on its own
// goroutine per execution.
type Strategy struct {
	exec      Executor
	instances InstanceSource
	logger    *logging.Logger
	wg        sync.WaitGroup
}

var _ tasks.Starter = (*Strategy)(nil)

// NewStrategy creates a strategy. instances may be nil.
func NewStrategy(exec Executor, instances InstanceSource, logger *logging.Logger) *Strategy {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Strategy{exec: exec, instances: instances, logger: logger}
}

// Start implements tasks.Starter. It returns once the execution goroutine
// is running.
func (s *Strategy) Start(ctx context.Context, req tasks.StartRequest) error {
	var inst registry.Instance
	if s.instances != nil {
		var err error
		if inst, err = s.instances.Instance(req.AgentID); err != nil {
			return errors.Wrap(err, "resolve agent instance", errors.WithAgentID(req.AgentID), errors.WithRunID(req.Run.ID))
		}
	}

	s.wg.Add(1)
	go s.execute(ctx, req, inst)
	return nil
}

func (s *Strategy) execute(ctx context.Context, req tasks.StartRequest, inst registry.Instance) {
	defer s.wg.Done()

	// Hooks outlive the run context so a late result still reaches the
	// manager, which rejects it as stale.
	hookCtx := context.WithoutCancel(ctx)

	output, err := s.call(ctx, Execution{
		Run:      req.Run,
		Config:   req.Config,
		AgentID:  req.AgentID,
		Instance: inst,
		Attempt:  req.Attempt,
		Update: func(output string) {
			s.report(req, "update", req.Hooks.OnAgentUpdate(hookCtx, output))
		},
	})
	if err != nil {
		s.report(req, "error", req.Hooks.OnAgentError(hookCtx, err))
		return
	}
	s.report(req, "complete", req.Hooks.OnAgentComplete(hookCtx, output))
}

func (s *Strategy) call(ctx context.Context, e Execution) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return s.exec.Execute(ctx, e)
}

func (s *Strategy) report(req tasks.StartRequest, hook string, err error) {
	if err == nil {
		return
	}
	fields := map[string]interface{}{
		"run":   req.Run.ID,
		"agent": req.AgentID,
		"hook":  hook,
		"error": err.Error(),
	}
	if errors.Is(err, errors.ErrCodeConflict) || errors.Is(err, errors.ErrCodeClosed) {
		s.logger.Debug("stale_result_dropped", fields)
		return
	}
	s.logger.Error("hook_failed", fields)
}

// Wait blocks until every started execution has returned.
func (s *Strategy) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (s *Strategy) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for executions")
	}
}
