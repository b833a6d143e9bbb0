package tasks

import (
	"context"
	"strconv"
	"time"

	"github.com/vinayprograms/beekeeper/entityid"
	"github.com/vinayprograms/beekeeper/errors"
)

// Kind is the task kind.
type Kind string

const (
	KindSupervisor Kind = "supervisor"
	KindOperator   Kind = "operator"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSupervisor || k == KindOperator
}

// Codec encodes and decodes task identifiers.
var Codec = entityid.NewCodec(func(k Kind) bool { return k.Valid() })

// ConfigID identifies one task config version.
type ConfigID = entityid.ConfigID[Kind]

// RunID identifies one task run.
type RunID = entityid.InstanceID[Kind]

// ConcurrencyMode controls how many runs of a task type may be in flight.
type ConcurrencyMode string

const (
	// Exclusive admits only the oldest non-terminal run of a type.
	Exclusive ConcurrencyMode = "EXCLUSIVE"
	// Parallel admits every eligible run.
	Parallel ConcurrencyMode = "PARALLEL"
)

// RunKind distinguishes one-shot runs from recurring ones.
type RunKind string

const (
	RunInteraction RunKind = "interaction"
	RunAutomatic   RunKind = "automatic"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	return k == RunInteraction || k == RunAutomatic
}

// Status is a run's lifecycle state.
type Status string

const (
	// StatusCreated means the run has never started.
	StatusCreated Status = "CREATED"
	// StatusScheduled means the run waits for NextRunAt.
	StatusScheduled Status = "SCHEDULED"
	// StatusExecuting means an agent was acquired and the run was started.
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// TaskConfig describes a task type and binds it to one agent config.
type TaskConfig struct {
	Kind         Kind   `json:"kind" toml:"kind"`
	Type         string `json:"type" toml:"type"`
	Version      int    `json:"version" toml:"-"`
	Description  string `json:"description,omitempty" toml:"description"`
	Input        string `json:"input,omitempty" toml:"input"`
	AgentKind    string `json:"agentKind" toml:"agent_kind"`
	AgentType    string `json:"agentType" toml:"agent_type"`
	AgentVersion int    `json:"agentVersion,omitempty" toml:"agent_version"` // 0 is latest

	IntervalMs      int64           `json:"intervalMs,omitempty" toml:"interval_ms"`
	RunImmediately  bool            `json:"runImmediately,omitempty" toml:"run_immediately"`
	MaxRepeats      int             `json:"maxRepeats,omitempty" toml:"max_repeats"` // 0 is unbounded
	MaxRetries      int             `json:"maxRetries,omitempty" toml:"max_retries"`
	RetryDelayMs    int64           `json:"retryDelayMs,omitempty" toml:"retry_delay_ms"`
	ConcurrencyMode ConcurrencyMode `json:"concurrencyMode" toml:"concurrency_mode"`
	OwnerAgentID    string          `json:"ownerAgentId,omitempty" toml:"owner_agent_id"`

	CreatedAt time.Time `json:"createdAt" toml:"-"`
}

// ID returns the config identifier.
func (c TaskConfig) ID() ConfigID {
	return ConfigID{Kind: c.Kind, Type: c.Type, Version: c.Version}
}

// Interval returns IntervalMs as a duration.
func (c TaskConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// RetryDelay returns RetryDelayMs as a duration.
func (c TaskConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Validate checks identity, the agent binding and the scheduling parameters.
func (c TaskConfig) Validate() error {
	if _, err := Codec.EncodeType(c.ID().TypeID()); err != nil {
		return err
	}
	if c.AgentKind == "" || c.AgentType == "" {
		return errors.InvalidInput("agentKind and agentType are required")
	}
	if c.AgentVersion < 0 {
		return errors.InvalidInput("agentVersion must not be negative")
	}
	if c.IntervalMs < 0 || c.RetryDelayMs < 0 {
		return errors.InvalidInput("intervals must not be negative")
	}
	if c.MaxRepeats < 0 || c.MaxRetries < 0 {
		return errors.InvalidInput("maxRepeats and maxRetries must not be negative")
	}
	switch c.ConcurrencyMode {
	case Exclusive, Parallel:
	default:
		return errors.InvalidInput("unknown concurrency mode " + string(c.ConcurrencyMode))
	}
	return nil
}

// agentKey is the registry type a config binds to.
func (c TaskConfig) agentKey() string {
	return c.AgentKind + ":" + c.AgentType
}

// poolKey is the registry pool a config acquires from. Each agent version
// has its own pool; 0 is the latest.
func (c TaskConfig) poolKey() string {
	return c.agentKey() + ":" + strconv.Itoa(c.AgentVersion)
}

// TaskConfigPatch carries the fields an update changes. Nil fields carry
// forward from the latest version.
type TaskConfigPatch struct {
	Description     *string
	Input           *string
	AgentKind       *string
	AgentType       *string
	AgentVersion    *int
	IntervalMs      *int64
	RunImmediately  *bool
	MaxRepeats      *int
	MaxRetries      *int
	RetryDelayMs    *int64
	ConcurrencyMode *ConcurrencyMode
	OwnerAgentID    *string
}

func (p TaskConfigPatch) apply(c TaskConfig) TaskConfig {
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Input != nil {
		c.Input = *p.Input
	}
	if p.AgentKind != nil {
		c.AgentKind = *p.AgentKind
	}
	if p.AgentType != nil {
		c.AgentType = *p.AgentType
	}
	if p.AgentVersion != nil {
		c.AgentVersion = *p.AgentVersion
	}
	if p.IntervalMs != nil {
		c.IntervalMs = *p.IntervalMs
	}
	if p.RunImmediately != nil {
		c.RunImmediately = *p.RunImmediately
	}
	if p.MaxRepeats != nil {
		c.MaxRepeats = *p.MaxRepeats
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelayMs != nil {
		c.RetryDelayMs = *p.RetryDelayMs
	}
	if p.ConcurrencyMode != nil {
		c.ConcurrencyMode = *p.ConcurrencyMode
	}
	if p.OwnerAgentID != nil {
		c.OwnerAgentID = *p.OwnerAgentID
	}
	return c
}

// HistoryEntry records one transition or update of a run.
type HistoryEntry struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Status    Status           `json:"status"`
	Actor     string           `json:"actor,omitempty"`
	Message   string           `json:"message,omitempty"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode errors.ErrorCode `json:"errorCode,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
}

// RunState holds the mutable part of a run. Every task_run_update record
// carries a full RunState.
type RunState struct {
	Status              Status    `json:"status"`
	AgentID             string    `json:"agentId,omitempty"`
	Output              string    `json:"output,omitempty"`
	CurrentRetryAttempt int       `json:"currentRetryAttempt"`
	ErrorCount          int       `json:"errorCount"`
	CompletedRuns       int       `json:"completedRuns"`
	Executions          int       `json:"executions"`
	NextRunAt           time.Time `json:"nextRunAt,omitempty"`
}

// TaskRun is one run of a task config version.
type TaskRun struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Type         string   `json:"type"`
	Num          int      `json:"num"`
	Version      int      `json:"version"`
	RunKind      RunKind  `json:"runKind"`
	Input        string   `json:"input,omitempty"`
	OwnerAgentID string   `json:"ownerAgentId,omitempty"`
	OriginRunID  string   `json:"originRunId,omitempty"`
	BlockedBy    []string `json:"blockedByTaskRunIds,omitempty"`
	Blocking     []string `json:"blockingTaskRunIds,omitempty"`
	Seq          int64    `json:"seq"`

	RunState

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	History   []HistoryEntry `json:"history,omitempty"`
}

// Clone creates a deep copy of the run.
func (r TaskRun) Clone() TaskRun {
	if r.BlockedBy != nil {
		r.BlockedBy = append([]string(nil), r.BlockedBy...)
	}
	if r.Blocking != nil {
		r.Blocking = append([]string(nil), r.Blocking...)
	}
	if r.History != nil {
		r.History = append([]HistoryEntry(nil), r.History...)
	}
	return r
}

// RunFilter selects runs. Zero fields match everything.
type RunFilter struct {
	Kind         Kind
	Type         string
	Status       Status
	RunKind      RunKind
	OwnerAgentID string
	Active       bool // only non-terminal runs
}

func (f *RunFilter) matches(r *TaskRun) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.RunKind != "" && r.RunKind != f.RunKind {
		return false
	}
	if f.OwnerAgentID != "" && r.OwnerAgentID != f.OwnerAgentID {
		return false
	}
	if f.Active && r.Status.IsTerminal() {
		return false
	}
	return true
}

// CreateRunRequest describes a new run. Input and OwnerAgentID default to
// the config's values.
type CreateRunRequest struct {
	Kind         Kind
	Type         string
	RunKind      RunKind
	Input        string
	OwnerAgentID string
	OriginRunID  string
	BlockedBy    []string
}

// AgentPool is the narrow view of the agent registry the manager needs.
// A saturated pool reports acquired=false with a nil error.
type AgentPool interface {
	AcquireAgent(ctx context.Context, kind, typ string, version int) (agentID string, acquired bool, err error)
	ReleaseAgent(ctx context.Context, agentID string) error
}

// Hooks report the progress of one execution back to the manager. Calls
// from an execution that is no longer current fail with CONFLICT.
type Hooks interface {
	OnAgentUpdate(ctx context.Context, output string) error
	OnAgentComplete(ctx context.Context, output string) error
	OnAgentError(ctx context.Context, err error) error
}

// StartRequest is handed to a Starter for every execution.
type StartRequest struct {
	Run     TaskRun
	Config  TaskConfig
	AgentID string
	Attempt int
	Hooks   Hooks
}

// Starter begins executing a run. Start must not block on the execution
// itself; ctx is cancelled when the run is stopped.
type Starter interface {
	Start(ctx context.Context, req StartRequest) error
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, req StartRequest) error

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, req StartRequest) error {
	return f(ctx, req)
}
