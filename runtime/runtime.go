package runtime

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/beekeeper/bus"
	"github.com/vinayprograms/beekeeper/config"
	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/registry"
	"github.com/vinayprograms/beekeeper/tasks"
	"github.com/vinayprograms/beekeeper/telemetry"
)

var _ registry.Listener = (*tasks.Manager)(nil)

type options struct {
	factory registry.Factory
	logger  *logging.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
}

// Option configures a Runtime.
type Option func(*options)

// WithFactory builds agent instances on pool growth.
func WithFactory(f registry.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the parent logger. Each subsystem logs under its own
// component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records registry and scheduler metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer for run spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock sets the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Runtime owns the registry, the task manager and the bus between them.
type Runtime struct {
	cfg      *config.Config
	reg      *registry.Registry
	mgr      *tasks.Manager
	bus      *bus.MemoryBus
	strategy *Strategy
	logger   *logging.Logger
}

// New opens both event logs and wires the subsystems. Nothing is replayed
// until Restore.
func New(cfg *config.Config, exec Executor, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: logging.New()}
	for _, opt := range opts {
		opt(&o)
	}

	agentLog, err := eventlog.OpenWriter(cfg.Storage.AgentLogPath(), eventlog.WithFsync(cfg.Storage.Fsync))
	if err != nil {
		return nil, err
	}
	taskLog, err := eventlog.OpenWriter(cfg.Storage.TaskLogPath(), eventlog.WithFsync(cfg.Storage.Fsync))
	if err != nil {
		agentLog.Close()
		return nil, err
	}

	regOpts := []registry.Option{
		registry.WithLogger(o.logger.WithComponent("registry")),
		registry.WithMetrics(o.metrics),
	}
	if o.factory != nil {
		regOpts = append(regOpts, registry.WithFactory(o.factory))
	}
	reg := registry.New(agentLog, regOpts...)

	b := bus.NewMemoryBus(bus.DefaultConfig())
	strategy := NewStrategy(exec, reg, o.logger.WithComponent("executor"))

	mgrOpts := []tasks.Option{
		tasks.WithBus(b),
		tasks.WithLogger(o.logger.WithComponent("tasks")),
		tasks.WithMetrics(o.metrics),
		tasks.WithTracer(o.tracer),
		tasks.WithTickInterval(cfg.Scheduler.TickInterval.Duration),
	}
	if o.now != nil {
		mgrOpts = append(mgrOpts, tasks.WithClock(o.now))
	}
	mgr := tasks.New(taskLog, poolAdapter{reg: reg}, strategy, mgrOpts...)
	reg.AddListener(mgr)

	return &Runtime{
		cfg:      cfg,
		reg:      reg,
		mgr:      mgr,
		bus:      b,
		strategy: strategy,
		logger:   o.logger.WithComponent("runtime"),
	}, nil
}

// Registry returns the agent registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.reg }

// Tasks returns the task manager.
func (rt *Runtime) Tasks() *tasks.Manager { return rt.mgr }

// Bus returns the bus carrying lifecycle notifications.
func (rt *Runtime) Bus() bus.Bus { return rt.bus }

// Restore replays the agent log, then the task log. Interrupted runs are
// re-armed under the configured admin agent.
func (rt *Runtime) Restore(ctx context.Context) error {
	if err := rt.reg.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore agent registry")
	}
	if err := rt.mgr.Restore(ctx, rt.cfg.Scheduler.AdminAgentID); err != nil {
		return errors.Wrap(err, "restore task manager")
	}
	return nil
}

// Seed creates the seed's configs that do not exist yet. Runs are created
// only for task types this call created, so restarting with the same seed
// does not duplicate them.
func (rt *Runtime) Seed(ctx context.Context, seed *config.Seed) error {
	if seed == nil {
		return nil
	}
	for _, a := range seed.Agents {
		if _, err := rt.reg.CreateAgentConfig(ctx, a); err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				continue
			}
			return errors.Wrapf(err, "seed agent config %s:%s", a.Kind, a.Type)
		}
	}

	created := make(map[string]bool)
	for _, t := range seed.Tasks {
		if _, err := rt.mgr.CreateTaskConfig(ctx, t); err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				continue
			}
			return errors.Wrapf(err, "seed task config %s:%s", t.Kind, t.Type)
		}
		created[string(t.Kind)+":"+t.Type] = true
	}

	for _, r := range seed.Runs {
		if !created[string(r.Kind)+":"+r.Type] {
			continue
		}
		run, err := rt.mgr.CreateTaskRun(ctx, r.Request())
		if err != nil {
			return errors.Wrapf(err, "seed run %s:%s", r.Kind, r.Type)
		}
		rt.logger.Info("seed_run_created", map[string]interface{}{"run": run.ID})
	}
	return nil
}

// Run drives the scheduler until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.mgr.Run(gctx)
	})
	g.Go(func() error {
		return rt.logLifecycle(gctx)
	})
	return g.Wait()
}

// logLifecycle mirrors lifecycle notifications to the debug log.
func (rt *Runtime) logLifecycle(ctx context.Context) error {
	sub, err := rt.bus.Subscribe(tasks.LifecycleSubject)
	if err != nil {
		if err == bus.ErrClosed {
			return nil
		}
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			note, err := tasks.UnmarshalLifecycle(msg.Data)
			if err != nil {
				rt.logger.Warn("lifecycle_decode_failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			rt.logger.Debug("lifecycle", map[string]interface{}{
				"event":  string(note.Event),
				"run":    note.RunID,
				"status": string(note.Status),
			})
		}
	}
}

// RunInteraction creates an interaction run and waits for it to finish.
// Updates of the run are passed to onOutput as they arrive. The run is
// stopped when ctx is done or the configured timeout passes.
//
// A COMPLETED run is returned with a nil error. A FAILED run returns
// EXHAUSTED and a STOPPED run returns CANCELED.
func (rt *Runtime) RunInteraction(ctx context.Context, req tasks.CreateRunRequest, onOutput func(output string)) (tasks.TaskRun, error) {
	req.RunKind = tasks.RunInteraction

	if timeout := rt.cfg.Driver.Timeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Subscribe before the run exists so no update is missed.
	sub, err := rt.bus.Subscribe(tasks.LifecycleSubject)
	if err != nil {
		return tasks.TaskRun{}, errors.Wrap(err, "subscribe to lifecycle")
	}
	defer sub.Unsubscribe()

	run, err := rt.mgr.CreateTaskRun(ctx, req)
	if err != nil {
		return tasks.TaskRun{}, err
	}
	rt.mgr.Kick()

	forward := func(msg *bus.Message) {
		note, err := tasks.UnmarshalLifecycle(msg.Data)
		if err != nil || note.RunID != run.ID || note.Event != tasks.EventUpdated {
			return
		}
		if onOutput != nil {
			onOutput(note.Output)
		}
	}

	ticker := time.NewTicker(rt.cfg.Driver.PollInterval.Duration)
	defer ticker.Stop()

	messages := sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			forward(msg)

		case <-ticker.C:
			cur, err := rt.mgr.TaskRun(run.ID)
			if err != nil {
				return run, err
			}
			if !cur.Status.IsTerminal() {
				continue
			}
			drain(messages, forward)
			return cur, interactionResult(cur)

		case <-ctx.Done():
			stopped, err := rt.mgr.StopTaskRun(context.WithoutCancel(ctx), run.ID, rt.cfg.Scheduler.AdminAgentID)
			if err != nil && !errors.Is(err, errors.ErrCodeConflict) {
				rt.logger.Warn("interaction_stop_failed", map[string]interface{}{"run": run.ID, "error": err.Error()})
			}
			if err != nil {
				stopped, _ = rt.mgr.TaskRun(run.ID)
			}
			return stopped, errors.Wrap(ctx.Err(), "interaction run "+run.ID, errors.WithRunID(run.ID))
		}
	}
}

// drain forwards messages already buffered on ch.
func drain(ch <-chan *bus.Message, fn func(*bus.Message)) {
	if ch == nil {
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn(msg)
		default:
			return
		}
	}
}

func interactionResult(r tasks.TaskRun) error {
	switch r.Status {
	case tasks.StatusCompleted:
		return nil
	case tasks.StatusFailed:
		return errors.Exhausted(r.ID, r.Executions)
	case tasks.StatusStopped:
		return errors.New(errors.ErrCodeCanceled, "interaction run "+r.ID+" was stopped", errors.WithRunID(r.ID))
	default:
		return errors.Internal("interaction run " + r.ID + " ended in " + string(r.Status))
	}
}

// Shutdown closes the task manager, waits for running executions until ctx
// is done, then closes the registry and the bus.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.mgr.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close task manager"))
	}
	if err := rt.strategy.WaitContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.reg.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close agent registry"))
	}
	if err := rt.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close is Shutdown without a deadline.
func (rt *Runtime) Close() error {
	return rt.Shutdown(context.Background())
}
