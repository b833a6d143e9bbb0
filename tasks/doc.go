// Package tasks owns task configs and task runs, and schedules runs onto
// agents.
//
// # Overview
//
// A task config is identified by (kind, type, version) and binds a task type
// to one agent type. Runs are created from the latest config version and are
// identified as kind:type[num]:version. Interaction runs execute once;
// automatic runs recur every IntervalMs until MaxRepeats executions have
// succeeded (forever when MaxRepeats is 0).
//
// # Run Lifecycle
//
//	CREATED ──► EXECUTING ──► COMPLETED
//	   ▲            │
//	   │            ▼
//	SCHEDULED ◄─────┘ (retry or recurrence)
//
// Any non-terminal run can be STOPPED. A failed execution is retried after
// RetryDelayMs until MaxRetries retries are used up, then the run is FAILED.
//
// # Scheduling
//
// Tick scans the active runs in creation order. A run starts when its
// NextRunAt has passed, its agent type is registered, every run in its
// blockedBy set has COMPLETED and, for EXCLUSIVE configs, it is the oldest
// active run of its type. The manager acquires an agent through AgentPool
// and hands the run to the Starter together with Hooks that report updates,
// completion and errors. A saturated pool leaves the run waiting for a later
// tick. Run ticks on a timer and whenever a run finishes or agents become
// available.
//
// The Manager implements the agent registry's listener interface, so it can
// be registered directly:
//
//	mgr := tasks.New(w, pool, starter, tasks.WithBus(b))
//	reg.AddListener(mgr)
//
// # Persistence
//
// Every mutation is appended to the task event log and folded into memory by
// the same reducer Restore uses. Restore gives back the agents of runs that
// were executing when the previous process stopped and reschedules them.
package tasks
