package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrisk/internal/risk"
)

type scoreOptions struct {
	force   bool
	async   bool
	jsonOut bool
}

func newScoreCmd(root *rootOptions) *cobra.Command {
	opts := &scoreOptions{}
	cmd := &cobra.Command{
		Use:   "score <task-id>",
		Short: "Assess one task",
		Long: `Assess a task and print the weighted breakdown.

A fresh cached record is returned as is unless --force is given. With --async
the latest stored record is printed right away and a recompute is queued for
the workers started by "riskd serve".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{root: root, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()

			mode := risk.ModeSync
			if opts.async {
				mode = risk.ModeStaleWhileRevalidate
			}
			assessment, err := a.engine.Assess(cmd.Context(), args[0], risk.AssessOptions{Mode: mode, Force: opts.force})
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), assessment)
			}
			newPrinter(cmd.OutOrStdout()).Assessment(assessment)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "Bypass the cache and recompute")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Serve the latest stored record and queue a recompute")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the assessment as JSON")
	return cmd
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "List persisted assessments for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{root: root, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.engine.History(cmd.Context(), args[0], time.Now().Add(-since))
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			newPrinter(cmd.OutOrStdout()).History(args[0], recs)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print records as JSON")
	return cmd
}

func newTasksCmd(root *rootOptions) *cobra.Command {
	var all, jsonOut bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks with their latest risk summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{root: root, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListTasks(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			newPrinter(cmd.OutOrStdout()).Tasks(tasks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include closed tasks")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print tasks as JSON")
	return cmd
}
