package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/beekeeper/config"
	"github.com/vinayprograms/beekeeper/errors"
	"github.com/vinayprograms/beekeeper/logging"
	"github.com/vinayprograms/beekeeper/runtime"
	"github.com/vinayprograms/beekeeper/shutdown"
	"github.com/vinayprograms/beekeeper/telemetry"
)

func newServeCommand(a *app) *cobra.Command {
	var seedPath string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore state and run the scheduler until SIGINT or SIGTERM",
		Long: `serve restores the agent and task logs, optionally seeds configs, and
runs the scheduler. Runs are executed by the built-in echo executor, which
completes every run with its input. Embed the runtime package to plug in a
real executor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, a.logger, seedPath, shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "seed file with agent and task configs to create at boot")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdown.DefaultTimeout, "deadline for a graceful shutdown")
	return cmd
}

// echoExecutor completes every run with its input.
func echoExecutor(log *logging.Logger) runtime.Executor {
	return runtime.ExecutorFunc(func(ctx context.Context, e runtime.Execution) (string, error) {
		log.Info("execute", map[string]interface{}{
			"run":     e.Run.ID,
			"agent":   e.AgentID,
			"attempt": e.Attempt,
		})
		return e.Run.Input, nil
	})
}

func serve(ctx context.Context, cfg *config.Config, log *logging.Logger, seedPath string, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var seed *config.Seed
	if seedPath != "" {
		var err error
		if seed, err = config.LoadSeed(seedPath); err != nil {
			return err
		}
	}

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		Debug:       cfg.Telemetry.Debug,
	})
	switch {
	case err == telemetry.ErrNoEndpoint:
		log.Debug("tracing disabled")
	case err != nil:
		return errors.Wrap(err, "init telemetry")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.MustNewMetrics(promReg)

	rt, err := runtime.New(cfg, echoExecutor(log.WithComponent("executor")),
		runtime.WithLogger(log),
		runtime.WithMetrics(metrics),
		runtime.WithTracer(telemetry.GetTracer()),
	)
	if err != nil {
		return err
	}
	if err := rt.Restore(ctx); err != nil {
		rt.Close()
		return err
	}
	if err := rt.Seed(ctx, seed); err != nil {
		rt.Close()
		return err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	schedulerDone := make(chan struct{})
	g.Go(func() error {
		defer close(schedulerDone)
		return rt.Run(gctx)
	})

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics listening", map[string]interface{}{"addr": cfg.Metrics.Listen})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(shutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown")),
	)
	coord.RegisterFunc("scheduler", shutdown.PhaseScheduler, func(ctx context.Context) error {
		stopRun()
		select {
		case <-schedulerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if srv != nil {
		coord.RegisterFunc("metrics", shutdown.PhaseServers, srv.Shutdown)
	}
	coord.RegisterFunc("runtime", shutdown.PhaseSubsystems, rt.Shutdown)
	if provider != nil {
		coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	}
	coord.HandleSignals()

	log.Info("beekeeper started", map[string]interface{}{
		"agent_log": cfg.Storage.AgentLogPath(),
		"task_log":  cfg.Storage.TaskLogPath(),
	})

	select {
	case <-coord.Done():
	case <-gctx.Done():
		// A goroutine failed or the parent context ended.
		_ = coord.ShutdownWithTimeout(shutdownTimeout)
	}

	runErr := g.Wait()
	return errors.Join(runErr, coord.Err())
}
