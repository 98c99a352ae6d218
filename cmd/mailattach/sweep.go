package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove cached attachments past the retention window",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "Override the retention window (e.g. 48h)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	// newApp already runs the regular startup sweep.
	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	retention := a.evictor.Retention()
	if sweepOlderThan > 0 {
		retention = sweepOlderThan
	}
	report := a.evictor.SweepOlderThan(cmd.Context(), retention)

	fmt.Fprintf(cmd.OutOrStdout(),
		"Scanned %d, removed %d (%s), skipped %d in use, %d failed, %d preview dirs cleared\n",
		report.Scanned, report.Removed, formatSize(report.Freed), report.InUse, report.Failed, report.Previews,
	)
	return nil
}
