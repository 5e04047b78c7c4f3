package main

import (
	"github.com/spf13/cobra"

	"github.com/ematvey/NanoEngineer-1/internal/logging"
)

var (
	logLevel  string
	logFormat string
	logger    *logging.Logger
)

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "minimize",
		Short: "Conjugate gradient minimization of benchmark objectives and structures",
		Long: `minimize runs the line search minimizer on a named benchmark objective
or relaxes a structure described in JSON, reporting forces, energy and
meter readings of the final structure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.NewLogger(&logging.Config{
				Level:  logLevel,
				Format: logFormat,
				Output: "stderr",
			})
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	rootCmd.AddCommand(newRunCmd(), newObjectivesCmd(), newVersionCmd())
	return rootCmd
}
