package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusVolume string
	statusRunID  string
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent runs and failed exports",
		Long: `Display the run ledger: recent commands per volume with their counts and
outcome, snapshots whose export keeps failing, and scheduled jobs.

Use --volume to show a single volume (namespace/workload/name), --run to
show the exports and restore steps of one run, or --failed to show only
failed exports.`,
		Example: `  rbdbackup status
  rbdbackup status --volume databases/mysql/data-mysql-0 --limit 50
  rbdbackup status --run 3f2a6c1e-5d7b-4b8e-9a41-2c0f1e7d9b55
  rbdbackup status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusVolume, "volume", "", "show only this volume (namespace/workload/name)")
	cmd.Flags().StringVar(&statusRunID, "run", "", "show the details of this run")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed exports")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	log.Debug("status request", "volume", statusVolume, "run", statusRunID, "limit", statusLimit, "failed_only", statusFailed)

	if statusRunID != "" {
		return runDetails(statusRunID)
	}

	if !statusFailed {
		runs, err := globalStore.ListRuns(statusVolume, statusLimit)
		if err != nil {
			return err
		}

		fmt.Println("Recent Runs")
		fmt.Println("===========")
		fmt.Println("")
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
		} else {
			fmt.Printf("%-16s %-16s %-40s %8s %8s %8s %8s %10s %s\n",
				"Started", "Command", "Volume", "Exported", "Removed", "Deleted", "Failed", "Written", "Status")
			fmt.Println(strings.Repeat("-", 130))
			for _, r := range runs {
				fmt.Printf("%-16s %-16s %-40s %8d %8d %8d %8d %10s %s\n",
					r.StartTime.Local().Format("2006-01-02 15:04"),
					r.Command,
					r.Volume,
					r.Exported,
					r.SnapshotsRemoved,
					r.ArchivesDeleted,
					r.Failed,
					humanize.IBytes(uint64(r.BytesWritten)),
					runStatus(r.Status, r.ErrorMessage),
				)
			}
		}
		if statusVolume != "" {
			total, err := globalStore.SumExportedBytes(statusVolume)
			if err != nil {
				return err
			}
			fmt.Printf("\nTotal written for %s: %s\n", statusVolume, humanize.IBytes(uint64(total)))
		}
		fmt.Println("")
	}

	failed, err := globalStore.ListFailedExports(statusVolume)
	if err != nil {
		return err
	}
	fmt.Println("Failed Exports")
	fmt.Println("==============")
	fmt.Println("")
	if len(failed) == 0 {
		fmt.Println("None")
	}
	for _, f := range failed {
		fmt.Printf("%s@%s  retries=%d  last=%s  %s\n",
			f.Volume, f.Snapshot, f.RetryCount, humanize.Time(f.LastFailure), f.Error)
	}
	fmt.Println("")

	if statusFailed {
		return nil
	}

	jobs, err := globalStore.ListJobs()
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		fmt.Println("Scheduled Jobs")
		fmt.Println("==============")
		fmt.Println("")
		for _, j := range jobs {
			fmt.Printf("%-12s %-14s %-10s last=%s next=%s %s\n",
				j.Type, j.CronExpr, j.Status, formatTime(j.LastRun), formatTime(j.NextRun), j.LastError)
		}
		fmt.Println("")
	}

	return nil
}

// runDetails prints one run with its export records and restore steps
func runDetails(id string) error {
	r, err := globalStore.GetRun(id)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n", r.ID)
	fmt.Printf("  Command:  %s\n", r.Command)
	fmt.Printf("  Volume:   %s\n", r.Volume)
	fmt.Printf("  Started:  %s\n", formatTime(r.StartTime))
	fmt.Printf("  Finished: %s\n", formatTime(r.EndTime))
	fmt.Printf("  Status:   %s\n", runStatus(r.Status, r.ErrorMessage))
	fmt.Println("")

	exports, err := globalStore.ListExportRecords(r.ID)
	if err != nil {
		return err
	}
	if len(exports) > 0 {
		fmt.Println("Exports")
		fmt.Println("=======")
		for _, e := range exports {
			state := "OK"
			if !e.Success {
				state = "ERROR: " + e.Error
			}
			fmt.Printf("  %-8s %-48s %10s %8s  %s\n",
				e.Tier, e.File, humanize.IBytes(uint64(e.Size)), e.Duration.Round(time.Second), state)
		}
		fmt.Println("")
	}

	steps, err := globalStore.ListRestoreSteps(r.ID)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		fmt.Println("Restore Steps")
		fmt.Println("=============")
		for _, st := range steps {
			state := "OK"
			if !st.Success {
				state = "ERROR: " + st.Error
			}
			fmt.Printf("  %d. %-7s %-16s %s  %s\n", st.Seq, st.Kind, st.Snapshot, st.File, state)
		}
		fmt.Println("")
	}
	return nil
}

func runStatus(status, msg string) string {
	if msg == "" {
		return status
	}
	return status + ": " + msg
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
