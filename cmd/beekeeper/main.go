// Command beekeeper runs the agent registry and task scheduler, and inspects
// or resets their event logs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/beekeeper/config"
	"github.com/vinayprograms/beekeeper/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the state shared by every subcommand.
type app struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "beekeeper",
		Short:         "Agent pool registry and task scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $BEEKEEPER_CONFIG)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config; a missing file is ignored")

	root.AddCommand(
		newServeCommand(a),
		newInspectCommand(a),
		newResetCommand(a),
	)
	return root
}

func (a *app) load() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	if a.configPath == "" {
		a.configPath = os.Getenv(config.EnvPrefix + "CONFIG")
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// stdout belongs to command output.
	a.logger = logging.New()
	a.logger.SetOutput(os.Stderr)
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	a.logger.SetLevel(level)
	return nil
}

// logPath resolves the "agents" or "tasks" argument to a log file.
func (a *app) logPath(which string) (string, error) {
	switch which {
	case "agents":
		return a.cfg.Storage.AgentLogPath(), nil
	case "tasks":
		return a.cfg.Storage.TaskLogPath(), nil
	default:
		return "", fmt.Errorf("unknown log %q (use agents or tasks)", which)
	}
}
