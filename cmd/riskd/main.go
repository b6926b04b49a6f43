package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

type rootOptions struct {
	home     string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "riskd",
		Short: "Score how likely tasks are to miss their deadlines",
		Long: `riskd assesses task risk from deadline pressure, complexity, assignee fit,
dependencies and team communication.

Commands:
  seed     Import users, projects, tasks and comments from YAML
  score    Assess one task
  history  List persisted assessments for a task
  tasks    List tasks with their latest risk summary
  serve    Run the recompute workers and scheduled refresh
  doctor   Run diagnostic checks`,
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.home != "" {
				_ = os.Setenv("TASKRISK_HOME", opts.home)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "Data directory (default: $TASKRISK_HOME or ~/.taskrisk)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newSeedCmd(opts),
		newScoreCmd(opts),
		newHistoryCmd(opts),
		newTasksCmd(opts),
		newServeCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
