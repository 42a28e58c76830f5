package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/sealbox/internal/client"
	"github.com/openmined/sealbox/internal/client/sync"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and print what changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := setupLogger(logFilePath(cfg))
			if err != nil {
				return err
			}
			defer closeLog()

			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			report, err := c.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), report)
			if len(report.Failures) > 0 {
				return fmt.Errorf("%d of %d actions failed", len(report.Failures), len(report.Results))
			}
			return nil
		},
	}
}

func printReport(w io.Writer, report *sync.SyncReport) {
	for _, r := range report.Completed {
		fmt.Fprintf(w, "%-16s %s\n", green(r.Outcome), r.Name)
	}
	for _, name := range report.Conflicts {
		fmt.Fprintf(w, "%-16s %s\n", yellow(sync.Conflicted), name)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(w, "%-16s %s: %v\n", red(f.Outcome), f.Name, f.Err)
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(w, "%-16s %s\n", cyan("SKIPPED"), name)
	}

	if !report.HasChanges() {
		fmt.Fprintln(w, "Everything up to date")
	}
	fmt.Fprintf(w, "%d synced, %d conflicts, %d failed in %s (checked %s)\n",
		len(report.Completed), len(report.Conflicts), len(report.Failures),
		report.Duration.Round(time.Millisecond), humanize.Comma(int64(len(report.Results)+report.Adopted)))
}
