package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/vinayprograms/beekeeper/entityid"
	"github.com/vinayprograms/beekeeper/errors"
)

// Kind is the agent kind enumeration.
type Kind string

const (
	KindSupervisor Kind = "supervisor"
	KindOperator   Kind = "operator"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSupervisor || k == KindOperator
}

// Codec encodes and decodes agent identifiers.
var Codec = entityid.NewCodec(func(k Kind) bool { return k.Valid() })

// ConfigID identifies one agent config version.
type ConfigID = entityid.ConfigID[Kind]

// AgentConfig is one version of an agent type.
type AgentConfig struct {
	Kind             Kind      `json:"kind" toml:"kind"`
	Type             string    `json:"type" toml:"type"`
	Version          int       `json:"version" toml:"-"`
	Description      string    `json:"description,omitempty" toml:"description"`
	Instructions     string    `json:"instructions,omitempty" toml:"instructions"`
	Tools            []string  `json:"tools,omitempty" toml:"tools"`
	MaxPoolSize      int       `json:"maxPoolSize" toml:"max_pool_size"`
	AutoPopulatePool bool      `json:"autoPopulatePool,omitempty" toml:"auto_populate_pool"`
	CreatedAt        time.Time `json:"createdAt" toml:"-"`
}

// ID returns the config identifier.
func (c AgentConfig) ID() ConfigID {
	return ConfigID{Kind: c.Kind, Type: c.Type, Version: c.Version}
}

// Clone returns a deep copy.
func (c AgentConfig) Clone() AgentConfig {
	if c.Tools != nil {
		c.Tools = append([]string(nil), c.Tools...)
	}
	return c
}

// Validate checks identity and pool sizing. Version is assigned by the
// registry and is not checked.
func (c AgentConfig) Validate() error {
	if _, err := Codec.EncodeType(c.ID().TypeID()); err != nil {
		return err
	}
	if c.MaxPoolSize < 1 {
		return errors.InvalidInput("maxPoolSize must be at least 1")
	}
	return nil
}

// HasTool reports whether the config allows the named tool.
func (c AgentConfig) HasTool(name string) bool {
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// AgentConfigPatch carries the fields an update changes. Nil fields carry
// forward from the latest version.
type AgentConfigPatch struct {
	Description      *string
	Instructions     *string
	Tools            []string // nil keeps, empty clears
	MaxPoolSize      *int
	AutoPopulatePool *bool
}

func (p AgentConfigPatch) apply(c AgentConfig) AgentConfig {
	c = c.Clone()
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Instructions != nil {
		c.Instructions = *p.Instructions
	}
	if p.Tools != nil {
		c.Tools = append([]string{}, p.Tools...)
	}
	if p.MaxPoolSize != nil {
		c.MaxPoolSize = *p.MaxPoolSize
	}
	if p.AutoPopulatePool != nil {
		c.AutoPopulatePool = *p.AutoPopulatePool
	}
	return c
}

// Status is an agent instance's occupancy.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusInUse Status = "in_use"
)

// Agent is one pooled instance.
type Agent struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Type       string    `json:"type"`
	Num        int       `json:"num"`
	Version    int       `json:"version"`
	InUse      bool      `json:"inUse"`
	CreatedAt  time.Time `json:"createdAt"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
}

// Status returns the occupancy as a Status.
func (a Agent) Status() Status {
	if a.InUse {
		return StatusInUse
	}
	return StatusIdle
}

// Filter specifies criteria for listing agents. Zero fields match all.
type Filter struct {
	Kind    Kind
	Type    string
	Version int
	Status  Status

	// Tool limits results to agents whose config allows this tool.
	Tool string
}

// MatchesFilter checks an agent and its config against the filter.
func MatchesFilter(a Agent, cfg AgentConfig, f *Filter) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Version != 0 && a.Version != f.Version {
		return false
	}
	if f.Status != "" && a.Status() != f.Status {
		return false
	}
	if f.Tool != "" && !cfg.HasTool(f.Tool) {
		return false
	}
	return true
}

// PoolStats summarizes one config version's pool.
type PoolStats struct {
	Config string `json:"config"`
	Size   int    `json:"size"`
	Active int    `json:"active"`
	Max    int    `json:"max"`
}

// Idle returns the number of idle instances.
func (p PoolStats) Idle() int {
	return p.Size - p.Active
}

// Headroom returns how many more instances may be built.
func (p PoolStats) Headroom() int {
	return p.Max - p.Size
}

// Instance is whatever the factory builds for an agent id.
type Instance interface{}

// Factory builds and tears down instances. The registry only manages how many
// exist and who holds them. Factory methods are called with the registry
// lock held and must not call back into the registry.
type Factory interface {
	OnCreate(ctx context.Context, cfg AgentConfig, agentID string) (Instance, error)
	OnDestroy(ctx context.Context, agentID string, inst Instance) error
}

// NopFactory builds nothing.
type NopFactory struct{}

// OnCreate returns a nil instance.
func (NopFactory) OnCreate(context.Context, AgentConfig, string) (Instance, error) { return nil, nil }

// OnDestroy does nothing.
func (NopFactory) OnDestroy(context.Context, string, Instance) error { return nil }

// Listener hears about agent types becoming available.
type Listener interface {
	// AgentTypeRegistered is called when a config version is created,
	// updated or restored.
	AgentTypeRegistered(kind, typ string, version int)

	// AgentsAvailable is called when a pool has an idle instance or room to
	// build one.
	AgentsAvailable(kind, typ string, version int)
}

// Outcome is the result of an acquisition attempt.
type Outcome string

const (
	OutcomeAcquired Outcome = "acquired"
	OutcomeCapacity Outcome = "capacity"
)

// Acquisition is returned by AcquireAgent.
type Acquisition struct {
	Outcome Outcome
	Agent   Agent // zero unless acquired
	Created bool  // the instance was built for this acquisition
	Pool    PoolStats
}

// Acquired reports whether an agent was handed out.
func (a Acquisition) Acquired() bool {
	return a.Outcome == OutcomeAcquired
}

// Err describes a capacity outcome as a CAPACITY error for callers that
// log or wrap it. It is nil for any other outcome.
func (a Acquisition) Err() error {
	if a.Outcome != OutcomeCapacity {
		return nil
	}
	return errors.Capacity(a.Pool.Config,
		errors.WithMetadata("size", strconv.Itoa(a.Pool.Size)),
		errors.WithMetadata("max", strconv.Itoa(a.Pool.Max)),
	)
}

func sortAgents(agents []Agent) {
	sort.Slice(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Num < b.Num
	})
}
