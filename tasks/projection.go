package tasks

import (
	"sync"

	"github.com/vinayprograms/beekeeper/eventlog"
)

// Projection is a read-only view of a task log, safe for concurrent use.
// It is meant to be fed by an eventlog.Tailer.
type Projection struct {
	mu sync.RWMutex
	st *state
}

var _ eventlog.Reducer = (*Projection)(nil)

// NewProjection creates an empty projection.
func NewProjection() *Projection {
	return &Projection{st: newState()}
}

// Reset implements eventlog.Reducer.
func (p *Projection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.Reset()
}

// Apply implements eventlog.Reducer.
func (p *Projection) Apply(e eventlog.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Apply(e)
}

// Configs returns the latest version of every live task type.
func (p *Projection) Configs() []TaskConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.latestConfigs("")
}

// Runs returns the runs matching f in creation order.
func (p *Projection) Runs(f *RunFilter) []TaskRun {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.snapshot(f)
}
