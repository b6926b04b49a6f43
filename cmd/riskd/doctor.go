package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/basket/taskrisk/internal/config"
	"github.com/basket/taskrisk/internal/doctor"
)

var errDoctorFailed = errors.New("one or more checks failed")

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// An invalid config is still diagnosed; Load returns what it parsed.
			cfg, _ := config.Load()
			if root.logLevel != "" {
				cfg.LogLevel = root.logLevel
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), diag); err != nil {
					return err
				}
			} else {
				newPrinter(cmd.OutOrStdout()).Diagnosis(diag)
			}
			if diag.Failed() {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}
