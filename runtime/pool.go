package runtime

import (
	"context"

	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/registry"
	"github.com/vinayprograms/beekeeper/tasks"
)

// poolAdapter exposes a registry as the manager's agent pool.
type poolAdapter struct {
	reg *registry.Registry
}

var _ tasks.AgentPool = poolAdapter{}

func (p poolAdapter) AcquireAgent(ctx context.Context, kind, typ string, version int) (string, bool, error) {
	k := registry.Kind(kind)
	if !k.Valid() {
		return "", false, errors.NotFound("agent kind " + kind)
	}
	acq, err := p.reg.AcquireAgent(ctx, k, typ, version)
	if err != nil {
		return "", false, err
	}
	if !acq.Acquired() {
		return "", false, nil
	}
	return acq.Agent.ID, true, nil
}

func (p poolAdapter) ReleaseAgent(ctx context.Context, agentID string) error {
	return p.reg.ReleaseAgent(ctx, agentID)
}
