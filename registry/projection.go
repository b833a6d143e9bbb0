package registry

import (
	"sync"

	"github.com/vinayprograms/beekeeper/eventlog"
)

// Projection is a read-only view of an agent log, safe for concurrent use.
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

// Configs returns the latest version of every live type.
func (p *Projection) Configs() []AgentConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.latestConfigs("")
}

// Agents returns the instances matching the filter.
func (p *Projection) Agents(f *Filter) []Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.agents(f)
}

// Pools returns the stats of every live pool.
func (p *Projection) Pools() []PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st.poolStats()
}
