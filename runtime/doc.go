// Package runtime wires the agent registry and the task manager into one
// process and drives executions.
//
// The registry and the manager do not know about each other. Runtime
// connects them: the manager listens to the registry for new agent types and
// freed capacity, and acquires agents through an adapter over the registry.
// Started runs are handed to a Strategy, which calls the Executor on its own
// goroutine and reports the result back through the run's hooks.
//
//	rt, err := runtime.New(cfg, runtime.ExecutorFunc(func(ctx context.Context, e runtime.Execution) (string, error) {
//	    e.Update("working")
//	    return callModel(ctx, e.Instance, e.Run.Input)
//	}))
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	if err := rt.Restore(ctx); err != nil {
//	    return err
//	}
//	go rt.Run(ctx)
//
//	run, err := rt.RunInteraction(ctx, tasks.CreateRunRequest{
//	    Kind: tasks.KindOperator,
//	    Type: "review",
//	    Input: diff,
//	}, func(output string) { fmt.Println(output) })
//
// RunInteraction is the only place timeouts are applied. The core never
// times out an execution by itself.
package runtime
