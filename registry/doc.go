// Package registry owns agent configs and their bounded instance pools.
//
// # Overview
//
// An agent config is identified by (kind, type, version). Creating a config
// yields version 1; every update yields the next version and leaves earlier
// versions and their pools in place. Each version has its own pool of at most
// MaxPoolSize instances, identified as kind:type[num]:version. Instances are
// built lazily on first acquisition, or eagerly when AutoPopulatePool is set.
//
// # Basic Usage
//
//	w, _ := eventlog.OpenWriter("data/agents.jsonl")
//	reg := registry.New(w, registry.WithFactory(factory))
//	if err := reg.Restore(ctx); err != nil {
//	    return err
//	}
//
//	_, err := reg.CreateAgentConfig(ctx, registry.AgentConfig{
//	    Kind:        registry.KindOperator,
//	    Type:        "coder",
//	    MaxPoolSize: 2,
//	})
//
//	acq, err := reg.AcquireAgent(ctx, registry.KindOperator, "coder", 0)
//	if err == nil && acq.Acquired() {
//	    defer reg.ReleaseAgent(ctx, acq.Agent.ID)
//	}
//
// A saturated pool is not an error: AcquireAgent returns OutcomeCapacity and
// the caller decides when to try again.
//
// # Persistence
//
// Every mutation is appended to the agent event log first and then folded
// into memory by the same reducer Restore uses, so a restored registry holds
// exactly the state the previous process had. Mutating calls fail with
// NOT_READY until Restore has completed.
//
// # Listeners
//
// Listeners hear about newly registered agent types and freed capacity. They
// are called after the registry lock is released and may call back into the
// registry.
package registry
