package tasks

import (
	"encoding/json"
	"time"
)

// Bus subjects for lifecycle notifications.
const (
	// LifecycleSubject carries every notification of every run.
	LifecycleSubject = "tasks.lifecycle"

	runSubjectPrefix = "tasks.run."
)

// RunSubject returns the subject carrying the notifications of one run.
func RunSubject(runID string) string {
	return runSubjectPrefix + runID
}

// LifecycleEvent names a run lifecycle notification.
type LifecycleEvent string

const (
	EventCreated             LifecycleEvent = "created"
	EventAgentAcquired       LifecycleEvent = "agent_acquired"
	EventStarted             LifecycleEvent = "started"
	EventUpdated             LifecycleEvent = "updated"
	EventCompleted           LifecycleEvent = "completed"
	EventRetryScheduled      LifecycleEvent = "retry_scheduled"
	EventRecurrenceScheduled LifecycleEvent = "recurrence_scheduled"
	EventFailed              LifecycleEvent = "failed"
	EventStopped             LifecycleEvent = "stopped"
)

// Lifecycle is the wire format of a run lifecycle notification.
type Lifecycle struct {
	Event     LifecycleEvent `json:"event"`
	RunID     string         `json:"runId"`
	RunKind   RunKind        `json:"runKind"`
	Status    Status         `json:"status"`
	AgentID   string         `json:"agentId,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	NextRunAt *time.Time     `json:"nextRunAt,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Marshal serializes the notification to JSON.
func (l *Lifecycle) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalLifecycle deserializes a notification from JSON.
func UnmarshalLifecycle(data []byte) (*Lifecycle, error) {
	var l Lifecycle
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func newLifecycle(event LifecycleEvent, r *TaskRun, at time.Time) Lifecycle {
	l := Lifecycle{
		Event:     event,
		RunID:     r.ID,
		RunKind:   r.RunKind,
		Status:    r.Status,
		AgentID:   r.AgentID,
		Attempt:   r.CurrentRetryAttempt + 1,
		Timestamp: at,
	}
	if r.Status == StatusScheduled && !r.NextRunAt.IsZero() {
		next := r.NextRunAt
		l.NextRunAt = &next
	}
	return l
}
