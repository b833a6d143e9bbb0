package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/beekeeper/eventlog"
	"github.com/vinayprograms/beekeeper/registry"
	"github.com/vinayprograms/beekeeper/tasks"
)

// view is a projection that can print itself.
type view interface {
	eventlog.Reducer
	print(w io.Writer, asJSON bool) error
}

type agentView struct {
	*registry.Projection
}

func (v agentView) print(w io.Writer, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]interface{}{
			"configs": v.Configs(),
			"pools":   v.Pools(),
			"agents":  v.Agents(nil),
		})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONFIG\tMAX\tAUTO\tTOOLS")
	for _, c := range v.Configs() {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", c.ID(), c.MaxPoolSize, c.AutoPopulatePool, strings.Join(c.Tools, ","))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "POOL\tSIZE\tACTIVE\tMAX")
	for _, p := range v.Pools() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", p.Config, p.Size, p.Active, p.Max)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tSINCE")
	for _, ag := range v.Agents(nil) {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ag.ID, ag.Status(), formatTime(ag.AcquiredAt))
	}
	return tw.Flush()
}

type taskView struct {
	*tasks.Projection
}

func (v taskView) print(w io.Writer, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]interface{}{
			"configs": v.Configs(),
			"runs":    v.Runs(nil),
		})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONFIG\tAGENT\tMODE\tINTERVAL\tRETRIES")
	for _, c := range v.Configs() {
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\t%d\n", c.ID(), c.AgentKind, c.AgentType, c.ConcurrencyMode, c.Interval(), c.MaxRetries)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "RUN\tKIND\tSTATUS\tAGENT\tDONE\tERRORS\tNEXT")
	for _, r := range v.Runs(nil) {
		agent := r.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.RunKind, r.Status, agent, r.CompletedRuns, r.ErrorCount, formatTime(r.NextRunAt))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newView(which string) (view, error) {
	switch which {
	case "agents":
		return agentView{registry.NewProjection()}, nil
	case "tasks":
		return taskView{tasks.NewProjection()}, nil
	default:
		return nil, fmt.Errorf("unknown log %q (use agents or tasks)", which)
	}
}

func newInspectCommand(a *app) *cobra.Command {
	var follow, asJSON bool
	var path string

	cmd := &cobra.Command{
		Use:       "inspect agents|tasks",
		Short:     "Replay an event log and print the resulting state",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"agents", "tasks"},
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newView(args[0])
			if err != nil {
				return err
			}
			if path == "" {
				if path, err = a.logPath(args[0]); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if !follow {
				return inspectOnce(path, v, out, cmd.ErrOrStderr(), asJSON)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return inspectFollow(ctx, a, path, v, out, asJSON)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	cmd.Flags().StringVar(&path, "log", "", "log file (default from config)")
	return cmd
}

func inspectOnce(path string, v view, out, errOut io.Writer, asJSON bool) error {
	stats, err := eventlog.Replay(path, v, func(line int, err error) {
		fmt.Fprintf(errOut, "warning: %s:%d: %v\n", path, line, err)
	})
	if err != nil {
		return err
	}
	if stats.Skipped > 0 {
		fmt.Fprintf(errOut, "warning: skipped %d of %d lines\n", stats.Skipped, stats.Lines)
	}
	return v.print(out, asJSON)
}

func inspectFollow(ctx context.Context, a *app, path string, v view, out io.Writer, asJSON bool) error {
	tailer := eventlog.NewTailer(path, v, eventlog.WithTailerLogger(a.logger.WithComponent("eventlog")))
	if err := tailer.Start(ctx); err != nil {
		return err
	}
	defer tailer.Stop()
	notes, err := tailer.Watch()
	if err != nil {
		return err
	}

	if err := v.print(out, asJSON); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			switch n.Type {
			case eventlog.NotifyUpdated, eventlog.NotifyReset:
				fmt.Fprintf(out, "\n--- %s ---\n", time.Now().UTC().Format(time.RFC3339))
				if err := v.print(out, asJSON); err != nil {
					return err
				}
			case eventlog.NotifyError:
				a.logger.Warn("skipped line", map[string]interface{}{"line": n.Line, "error": n.Err.Error()})
			}
		}
	}
}
