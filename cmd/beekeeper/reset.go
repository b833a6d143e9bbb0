package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/beekeeper/eventlog"
)

func newResetCommand(a *app) *cobra.Command {
	var force bool
	var path string

	cmd := &cobra.Command{
		Use:   "reset agents|tasks",
		Short: "Truncate an event log to a fresh init marker",
		Long: `reset discards every record of the agent or task log. Stop the daemon
first: a running process keeps its in-memory state and will keep appending.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"agents", "tasks"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to reset the %s log without --force", args[0])
			}
			if path == "" {
				var err error
				if path, err = a.logPath(args[0]); err != nil {
					return err
				}
			}

			w, err := eventlog.OpenWriter(path)
			if err != nil {
				return err
			}
			if err := w.Reset(); err != nil {
				w.Close()
				return err
			}
			segment := w.Segment()
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s (segment %s)\n", path, segment)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
	cmd.Flags().StringVar(&path, "log", "", "log file (default from config)")
	return cmd
}
