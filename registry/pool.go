package registry

import (
	"context"
	"sync"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/telemetry"
)

// Registry is the authoritative in-memory agent registry backed by an
// event log.
type Registry struct {
	mu        sync.Mutex
	st        *state
	log       *eventlog.Writer
	factory   Factory
	instances map[string]Instance
	listeners []Listener
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	restored  bool
	closed    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory sets the instance factory. The default builds nothing.
func WithFactory(f Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithListener adds a listener at construction time.
func WithListener(l Listener) Option {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// New creates a registry that persists to w. The registry takes ownership of
// w and closes it on Close.
func New(w *eventlog.Writer, opts ...Option) *Registry {
	r := &Registry{
		st:        newState(),
		log:       w,
		factory:   NopFactory{},
		instances: make(map[string]Instance),
		logger:    logging.New().WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers a listener for type registration and availability.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// notice is a listener call deferred until the lock is released.
type notice struct {
	registered bool
	kind       Kind
	typ        string
	version    int
}

func (r *Registry) fire(notices []notice) {
	if len(notices) == 0 {
		return
	}
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, n := range notices {
		for _, l := range listeners {
			if n.registered {
				l.AgentTypeRegistered(string(n.kind), n.typ, n.version)
			} else {
				l.AgentsAvailable(string(n.kind), n.typ, n.version)
			}
		}
	}
}

// Restore replays the agent log, rebuilds every instance through the
// factory and tells listeners about every live config version. It must
// complete before any mutating call.
func (r *Registry) Restore(ctx context.Context) error {
	notices, err := r.restore(ctx)
	if err != nil {
		return err
	}
	r.fire(notices)
	return nil
}

func (r *Registry) restore(ctx context.Context) ([]notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Closed("registry")
	}
	if r.restored {
		return nil, errors.Conflict("registry already restored")
	}

	stats, err := eventlog.Replay(r.log.Path(), r.st, func(line int, err error) {
		r.logger.ReplayWarning(r.log.Path(), line, err)
	})
	if err != nil {
		return nil, errors.Wrap(err, "restore agent registry")
	}

	var notices []notice
	var buildErr error
	r.st.each(func(vs *versionState) {
		for _, num := range vs.sortedNums() {
			a := vs.instances[num]
			inst, err := r.factory.OnCreate(ctx, vs.config.Clone(), a.ID)
			if err != nil {
				buildErr = errors.Join(buildErr, errors.Wrap(err, "rebuild "+a.ID, errors.WithAgentID(a.ID)))
				continue
			}
			r.instances[a.ID] = inst
		}
		r.recordPool(vs)
		cfg := vs.config
		notices = append(notices, notice{registered: true, kind: cfg.Kind, typ: cfg.Type, version: cfg.Version})
		if ps := vs.stats(); ps.Idle() > 0 || ps.Headroom() > 0 {
			notices = append(notices, notice{kind: cfg.Kind, typ: cfg.Type, version: cfg.Version})
		}
	})
	if buildErr != nil {
		r.logger.Warn("rebuild_failed", map[string]interface{}{"error": buildErr.Error()})
	}

	r.restored = true
	r.logger.Info("restored", map[string]interface{}{
		"entries": stats.Applied,
		"skipped": stats.Skipped,
		"pools":   len(r.st.poolStats()),
	})
	return notices, nil
}

func (r *Registry) checkLocked() error {
	if r.closed {
		return errors.Closed("registry")
	}
	if !r.restored {
		return errors.NotReady("registry")
	}
	return nil
}

// commit appends p to the log and folds it into memory.
func (r *Registry) commit(p eventlog.Payload) error {
	entry, err := r.log.Append(p)
	if err != nil {
		return errors.Wrap(err, "append "+p.EventKind())
	}
	if err := r.st.Apply(entry); err != nil {
		return errors.Wrap(err, "apply "+p.EventKind())
	}
	return nil
}

func (r *Registry) recordPool(vs *versionState) {
	ps := vs.stats()
	r.metrics.SetPool(ps.Config, ps.Size, ps.Active)
}

// CreateAgentConfig creates version 1 of a new agent type, or the next
// version after a destroyed one. It fails with CONFLICT if the type is live.
func (r *Registry) CreateAgentConfig(ctx context.Context, cfg AgentConfig) (AgentConfig, error) {
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}

	created, notices, err := r.createConfig(ctx, cfg)
	if err != nil {
		return AgentConfig{}, err
	}
	r.fire(notices)
	return created, nil
}

func (r *Registry) createConfig(ctx context.Context, cfg AgentConfig) (AgentConfig, []notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return AgentConfig{}, nil, err
	}

	key := typeKey(cfg.Kind, cfg.Type)
	ts := r.st.types[key]
	if ts.live() {
		return AgentConfig{}, nil, errors.Conflict("agent config " + key + " already exists")
	}
	cfg = cfg.Clone()
	cfg.Version = 1
	if ts != nil {
		cfg.Version = ts.lastVersion + 1
	}
	if err := r.commit(configCreated{Config: cfg}); err != nil {
		return AgentConfig{}, nil, err
	}
	r.logger.ConfigChange("create", cfg.ID().String())
	return r.afterConfigLocked(ctx, cfg.ID())
}

// UpdateAgentConfig creates the next version of a live agent type, carrying
// forward every field the patch leaves nil.
func (r *Registry) UpdateAgentConfig(ctx context.Context, kind Kind, typ string, patch AgentConfigPatch) (AgentConfig, error) {
	updated, notices, err := r.updateConfig(ctx, kind, typ, patch)
	if err != nil {
		return AgentConfig{}, err
	}
	r.fire(notices)
	return updated, nil
}

func (r *Registry) updateConfig(ctx context.Context, kind Kind, typ string, patch AgentConfigPatch) (AgentConfig, []notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return AgentConfig{}, nil, err
	}

	current, err := r.st.version(kind, typ, 0)
	if err != nil {
		return AgentConfig{}, nil, err
	}
	next := patch.apply(current.config)
	next.Version = r.st.types[typeKey(kind, typ)].lastVersion + 1
	if err := next.Validate(); err != nil {
		return AgentConfig{}, nil, err
	}
	if err := r.commit(configUpdated{Config: next}); err != nil {
		return AgentConfig{}, nil, err
	}
	r.logger.ConfigChange("update", next.ID().String())
	return r.afterConfigLocked(ctx, next.ID())
}

// afterConfigLocked fills an auto-populated pool and returns the stored
// config with the notices for a new version.
func (r *Registry) afterConfigLocked(ctx context.Context, id ConfigID) (AgentConfig, []notice, error) {
	vs, err := r.st.version(id.Kind, id.Type, id.Version)
	if err != nil {
		return AgentConfig{}, nil, err
	}
	notices := []notice{{registered: true, kind: id.Kind, typ: id.Type, version: id.Version}}
	if vs.config.AutoPopulatePool {
		if err := r.populateLocked(ctx, vs); err != nil {
			r.logger.Warn("populate_failed", map[string]interface{}{"config": id.String(), "error": err.Error()})
		}
	}
	r.recordPool(vs)
	notices = append(notices, notice{kind: id.Kind, typ: id.Type, version: id.Version})
	return vs.config.Clone(), notices, nil
}

// populateLocked builds instances until the pool is full.
func (r *Registry) populateLocked(ctx context.Context, vs *versionState) error {
	var added []int
	var buildErr error
	num := vs.nextNum
	for len(vs.instances)+len(added) < vs.config.MaxPoolSize {
		agentID := vs.config.ID().Instance(num).String()
		inst, err := r.factory.OnCreate(ctx, vs.config.Clone(), agentID)
		if err != nil {
			buildErr = errors.Wrap(err, "create "+agentID, errors.WithAgentID(agentID))
			break
		}
		r.instances[agentID] = inst
		added = append(added, num)
		num++
	}
	if len(added) > 0 {
		if err := r.commit(poolChanged{Config: vs.config.ID().String(), Added: added}); err != nil {
			return err
		}
	}
	return buildErr
}

// DestroyAgentConfig tears down every version of a type. It fails with
// CONFLICT while any instance of any version is in use.
func (r *Registry) DestroyAgentConfig(ctx context.Context, kind Kind, typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return err
	}

	key := typeKey(kind, typ)
	ts := r.st.types[key]
	if !ts.live() {
		return errors.NotFound("agent config " + key)
	}

	var versions []*versionState
	r.st.each(func(vs *versionState) {
		if vs.config.Kind == kind && vs.config.Type == typ {
			versions = append(versions, vs)
		}
	})
	for _, vs := range versions {
		for _, a := range vs.instances {
			if a.InUse {
				return errors.Conflict("agent "+a.ID+" is in use", errors.WithAgentID(a.ID))
			}
		}
	}

	for _, vs := range versions {
		nums := vs.sortedNums()
		if len(nums) == 0 {
			continue
		}
		for _, num := range nums {
			agentID := vs.instances[num].ID
			if err := r.factory.OnDestroy(ctx, agentID, r.instances[agentID]); err != nil {
				r.logger.Warn("destroy_failed", map[string]interface{}{"agent": agentID, "error": err.Error()})
			}
			delete(r.instances, agentID)
		}
		if err := r.commit(poolChanged{Config: vs.config.ID().String(), Removed: nums}); err != nil {
			return err
		}
	}
	if err := r.commit(configDestroyed{Kind: kind, Type: typ}); err != nil {
		return err
	}
	for _, vs := range versions {
		r.metrics.DeletePool(vs.config.ID().String())
	}
	r.logger.ConfigChange("destroy", key)
	return nil
}

// AcquireAgent hands out an idle instance of the requested version (0 means
// latest), lowest instance number first, building one if the pool has room.
// A full pool yields OutcomeCapacity and no error.
func (r *Registry) AcquireAgent(ctx context.Context, kind Kind, typ string, version int) (Acquisition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return Acquisition{}, err
	}

	vs, err := r.st.version(kind, typ, version)
	if err != nil {
		r.metrics.IncAcquire("error")
		return Acquisition{}, err
	}

	created := false
	a := vs.lowestIdle()
	if a == nil {
		if len(vs.instances) >= vs.config.MaxPoolSize {
			acq := Acquisition{Outcome: OutcomeCapacity, Pool: vs.stats()}
			r.metrics.IncAcquire(string(OutcomeCapacity))
			r.logger.PoolCapacity(acq.Pool.Config, acq.Pool.Size, acq.Err())
			return acq, nil
		}

		num := vs.nextNum
		agentID := vs.config.ID().Instance(num).String()
		inst, err := r.factory.OnCreate(ctx, vs.config.Clone(), agentID)
		if err != nil {
			r.metrics.IncAcquire("error")
			return Acquisition{}, errors.Wrap(err, "create "+agentID, errors.WithAgentID(agentID))
		}
		if err := r.commit(poolChanged{Config: vs.config.ID().String(), Added: []int{num}}); err != nil {
			if derr := r.factory.OnDestroy(ctx, agentID, inst); derr != nil {
				r.logger.Warn("destroy_failed", map[string]interface{}{"agent": agentID, "error": derr.Error()})
			}
			r.metrics.IncAcquire("error")
			return Acquisition{}, err
		}
		r.instances[agentID] = inst
		a = vs.instances[num]
		created = true
	}

	if err := r.commit(agentAcquired{AgentID: a.ID}); err != nil {
		return Acquisition{}, err
	}
	r.recordPool(vs)
	r.metrics.IncAcquire(string(OutcomeAcquired))
	r.logger.PoolAcquire(a.ID, created)
	return Acquisition{Outcome: OutcomeAcquired, Agent: *a, Created: created, Pool: vs.stats()}, nil
}

// ReleaseAgent returns an in-use instance to its pool and notifies
// availability listeners.
func (r *Registry) ReleaseAgent(ctx context.Context, agentID string) error {
	n, err := r.release(agentID)
	if err != nil {
		return err
	}
	r.fire([]notice{n})
	return nil
}

func (r *Registry) release(agentID string) (notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return notice{}, err
	}

	a, err := r.st.agent(agentID)
	if err != nil {
		return notice{}, err
	}
	if !a.InUse {
		return notice{}, errors.Conflict("agent "+agentID+" is not in use", errors.WithAgentID(agentID))
	}
	if err := r.commit(agentReleased{AgentID: agentID}); err != nil {
		return notice{}, err
	}
	vs, _ := r.st.version(a.Kind, a.Type, a.Version)
	r.recordPool(vs)
	r.logger.PoolRelease(agentID)
	return notice{kind: a.Kind, typ: a.Type, version: a.Version}, nil
}

// Instance returns what the factory built for agentID.
func (r *Registry) Instance(agentID string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.st.agent(agentID); err != nil {
		return nil, err
	}
	return r.instances[agentID], nil
}

// AgentConfig returns one config version; 0 means latest.
func (r *Registry) AgentConfig(kind Kind, typ string, version int) (AgentConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, err := r.st.version(kind, typ, version)
	if err != nil {
		return AgentConfig{}, err
	}
	return vs.config.Clone(), nil
}

// AgentConfigs returns the latest version of every live type of kind, or of
// every kind when kind is empty.
func (r *Registry) AgentConfigs(kind Kind) []AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.latestConfigs(kind)
}

// Agent returns one instance.
func (r *Registry) Agent(agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.st.agent(agentID)
	if err != nil {
		return Agent{}, err
	}
	return *a, nil
}

// Agents returns the instances matching the filter, in identifier order.
func (r *Registry) Agents(f *Filter) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.agents(f)
}

// PoolStats returns the stats of one pool; version 0 means latest.
func (r *Registry) PoolStats(kind Kind, typ string, version int) (PoolStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, err := r.st.version(kind, typ, version)
	if err != nil {
		return PoolStats{}, err
	}
	return vs.stats(), nil
}

// Close closes the event log. Instances are left to the factory's owner.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.log.Close()
}
