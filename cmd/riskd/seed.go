package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrisk/internal/persistence"
)

func newSeedCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Import users, projects, tasks and comments from YAML",
		Long: `Import a YAML fixture in one transaction. Existing rows with the same id are
updated, so a seed file can be re-applied after editing it.

Relative times such as deadline_in: 36h or ago: 2d are resolved against the
current clock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := persistence.ParseSeed(f)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			a, err := newApp(cmd.Context(), appOptions{root: root, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.ImportSeed(cmd.Context(), seed, time.Now().UTC())
			if err != nil {
				return err
			}
			// Cached records for reseeded tasks describe the old rows.
			for _, p := range seed.Projects {
				for _, t := range p.Tasks {
					if err := a.cache.Invalidate(cmd.Context(), t.ID); err != nil {
						a.logger.Warn("cache invalidate failed", "task_id", t.ID, "error", err)
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d users, %d projects, %d tasks, %d dependencies, %d comments\n",
				stats.Users, stats.Projects, stats.Tasks, stats.Dependencies, stats.Comments)
			return nil
		},
	}
}
