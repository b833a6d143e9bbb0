// Package shutdown stops the beekeeper daemon in ordered phases.
//
// Handlers are grouped by phase. Lower phases run first and handlers in the
// same phase run concurrently. The daemon uses four phases:
//
//	PhaseScheduler  (10)  cancel the scheduler loop, wait for it to return
//	PhaseServers    (20)  stop the metrics HTTP server
//	PhaseSubsystems (30)  close the task manager, runtime and registry
//	PhaseTelemetry  (40)  flush and stop the trace exporter
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.WithLogger(log))
//	coord.RegisterFunc("scheduler", shutdown.PhaseScheduler, stopScheduler)
//	coord.RegisterFunc("runtime", shutdown.PhaseSubsystems, rt.Close)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Shutdown runs once. Later calls return the first result.
package shutdown
