package registry

import (
	"sort"
	"strconv"
	"time"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/eventlog"
)

// Event kinds written to the agent log.
const (
	EventConfigCreate  = "agent_config_create"
	EventConfigUpdate  = "agent_config_update"
	EventConfigDestroy = "agent_config_destroy"
	EventPoolChange    = "pool_change"
	EventAcquire       = "agent_acquire"
	EventRelease       = "agent_release"
)

type configCreated struct {
	Config AgentConfig `json:"config"`
}

func (configCreated) EventKind() string { return EventConfigCreate }

func (e configCreated) Validate() error {
	if e.Config.Version < 1 {
		return errors.InvalidInput("version must be positive")
	}
	return e.Config.Validate()
}

type configUpdated struct {
	Config AgentConfig `json:"config"`
}

func (configUpdated) EventKind() string { return EventConfigUpdate }

func (e configUpdated) Validate() error {
	if e.Config.Version < 2 {
		return errors.InvalidInput("updated version must be at least 2")
	}
	return e.Config.Validate()
}

type configDestroyed struct {
	Kind Kind   `json:"agentKind"`
	Type string `json:"agentType"`
}

func (configDestroyed) EventKind() string { return EventConfigDestroy }

func (e configDestroyed) Validate() error {
	_, err := Codec.EncodeType(ConfigID{Kind: e.Kind, Type: e.Type}.TypeID())
	return err
}

type poolChanged struct {
	Config  string `json:"config"`
	Added   []int  `json:"added,omitempty"`
	Removed []int  `json:"removed,omitempty"`
}

func (poolChanged) EventKind() string { return EventPoolChange }

func (e poolChanged) Validate() error {
	if _, err := Codec.DecodeConfig(e.Config); err != nil {
		return err
	}
	if len(e.Added)+len(e.Removed) == 0 {
		return errors.InvalidInput("pool change is empty")
	}
	return nil
}

type agentAcquired struct {
	AgentID string `json:"agentId"`
}

func (agentAcquired) EventKind() string { return EventAcquire }

func (e agentAcquired) Validate() error {
	_, err := Codec.DecodeInstance(e.AgentID)
	return err
}

type agentReleased struct {
	AgentID string `json:"agentId"`
}

func (agentReleased) EventKind() string { return EventRelease }

func (e agentReleased) Validate() error {
	_, err := Codec.DecodeInstance(e.AgentID)
	return err
}

// typeState tracks every version of one (kind, type).
type typeState struct {
	versions    map[int]*versionState
	latest      int // 0 while destroyed
	lastVersion int // highest version ever, survives destroy
}

func (t *typeState) live() bool {
	return t != nil && t.latest > 0
}

// versionState is one config version and its pool.
type versionState struct {
	config    AgentConfig
	instances map[int]*Agent
	nextNum   int
}

func (v *versionState) stats() PoolStats {
	active := 0
	for _, a := range v.instances {
		if a.InUse {
			active++
		}
	}
	return PoolStats{
		Config: v.config.ID().String(),
		Size:   len(v.instances),
		Active: active,
		Max:    v.config.MaxPoolSize,
	}
}

func (v *versionState) lowestIdle() *Agent {
	var best *Agent
	for _, a := range v.instances {
		if !a.InUse && (best == nil || a.Num < best.Num) {
			best = a
		}
	}
	return best
}

func (v *versionState) sortedNums() []int {
	nums := make([]int, 0, len(v.instances))
	for n := range v.instances {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// state is the agent projection. It is the reducer for both the live
// registry and read-only projections.
type state struct {
	types map[string]*typeState
}

func newState() *state {
	return &state{types: make(map[string]*typeState)}
}

func typeKey(kind Kind, typ string) string {
	return string(kind) + ":" + typ
}

// Reset implements eventlog.Reducer.
func (s *state) Reset() {
	s.types = make(map[string]*typeState)
}

// Apply implements eventlog.Reducer.
func (s *state) Apply(e eventlog.Entry) error {
	switch e.Kind {
	case EventConfigCreate:
		var ev configCreated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return s.applyConfig(ev.Config, e.Timestamp, true)

	case EventConfigUpdate:
		var ev configUpdated
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return s.applyConfig(ev.Config, e.Timestamp, false)

	case EventConfigDestroy:
		var ev configDestroyed
		if err := e.Decode(&ev); err != nil {
			return err
		}
		ts := s.types[typeKey(ev.Kind, ev.Type)]
		if !ts.live() {
			return errors.NotFound("agent config " + typeKey(ev.Kind, ev.Type))
		}
		ts.versions = make(map[int]*versionState)
		ts.latest = 0
		return nil

	case EventPoolChange:
		var ev poolChanged
		if err := e.Decode(&ev); err != nil {
			return err
		}
		cid, err := Codec.DecodeConfig(ev.Config)
		if err != nil {
			return err
		}
		vs, err := s.version(cid.Kind, cid.Type, cid.Version)
		if err != nil {
			return err
		}
		for _, num := range ev.Added {
			if num < 1 {
				return errors.Format("instance number must be positive")
			}
			if _, exists := vs.instances[num]; exists {
				return errors.Conflict("instance " + cid.Instance(num).String() + " already exists")
			}
			vs.instances[num] = &Agent{
				ID:        cid.Instance(num).String(),
				Kind:      cid.Kind,
				Type:      cid.Type,
				Num:       num,
				Version:   cid.Version,
				CreatedAt: e.Timestamp,
			}
			if num >= vs.nextNum {
				vs.nextNum = num + 1
			}
		}
		for _, num := range ev.Removed {
			delete(vs.instances, num)
		}
		return nil

	case EventAcquire:
		var ev agentAcquired
		if err := e.Decode(&ev); err != nil {
			return err
		}
		a, err := s.agent(ev.AgentID)
		if err != nil {
			return err
		}
		if a.InUse {
			return errors.Conflict("agent " + ev.AgentID + " already in use")
		}
		a.InUse = true
		a.AcquiredAt = e.Timestamp
		return nil

	case EventRelease:
		var ev agentReleased
		if err := e.Decode(&ev); err != nil {
			return err
		}
		a, err := s.agent(ev.AgentID)
		if err != nil {
			return err
		}
		if !a.InUse {
			return errors.Conflict("agent " + ev.AgentID + " is not in use")
		}
		a.InUse = false
		a.AcquiredAt = time.Time{}
		return nil

	default:
		return errors.Format("unknown agent event kind " + e.Kind)
	}
}

func (s *state) applyConfig(cfg AgentConfig, at time.Time, create bool) error {
	key := typeKey(cfg.Kind, cfg.Type)
	ts := s.types[key]
	if create {
		if ts.live() {
			return errors.Conflict("agent config " + key + " already exists")
		}
		if ts == nil {
			ts = &typeState{versions: make(map[int]*versionState)}
			s.types[key] = ts
		}
	} else if !ts.live() {
		return errors.NotFound("agent config " + key)
	}
	if cfg.Version <= ts.lastVersion {
		return errors.Conflict("agent config " + cfg.ID().String() + " is not newer than version " + strconv.Itoa(ts.lastVersion))
	}

	cfg = cfg.Clone()
	cfg.CreatedAt = at
	ts.versions[cfg.Version] = &versionState{
		config:    cfg,
		instances: make(map[int]*Agent),
		nextNum:   1,
	}
	ts.latest = cfg.Version
	ts.lastVersion = cfg.Version
	return nil
}

// version resolves a live config version; 0 means latest.
func (s *state) version(kind Kind, typ string, version int) (*versionState, error) {
	ts := s.types[typeKey(kind, typ)]
	if !ts.live() {
		return nil, errors.NotFound("agent config " + typeKey(kind, typ))
	}
	if version == 0 {
		version = ts.latest
	}
	vs, ok := ts.versions[version]
	if !ok {
		return nil, errors.NotFound("agent config " + ConfigID{Kind: kind, Type: typ, Version: version}.String())
	}
	return vs, nil
}

func (s *state) agent(agentID string) (*Agent, error) {
	id, err := Codec.DecodeInstance(agentID)
	if err != nil {
		return nil, err
	}
	vs, err := s.version(id.Kind, id.Type, id.Version)
	if err != nil {
		return nil, errors.NotFound("agent " + agentID)
	}
	a, ok := vs.instances[id.Num]
	if !ok {
		return nil, errors.NotFound("agent " + agentID)
	}
	return a, nil
}

// each visits every live version in identifier order.
func (s *state) each(fn func(*versionState)) {
	keys := make([]string, 0, len(s.types))
	for k := range s.types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ts := s.types[k]
		versions := make([]int, 0, len(ts.versions))
		for v := range ts.versions {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		for _, v := range versions {
			fn(ts.versions[v])
		}
	}
}

// latestConfigs returns the latest version of every live type of kind, or
// of every kind when kind is empty.
func (s *state) latestConfigs(kind Kind) []AgentConfig {
	var out []AgentConfig
	s.each(func(vs *versionState) {
		if kind != "" && vs.config.Kind != kind {
			return
		}
		if s.types[typeKey(vs.config.Kind, vs.config.Type)].latest != vs.config.Version {
			return
		}
		out = append(out, vs.config.Clone())
	})
	return out
}

func (s *state) agents(f *Filter) []Agent {
	var out []Agent
	s.each(func(vs *versionState) {
		for _, num := range vs.sortedNums() {
			a := vs.instances[num]
			if MatchesFilter(*a, vs.config, f) {
				out = append(out, *a)
			}
		}
	})
	return out
}

func (s *state) poolStats() []PoolStats {
	var out []PoolStats
	s.each(func(vs *versionState) {
		out = append(out, vs.stats())
	})
	return out
}
