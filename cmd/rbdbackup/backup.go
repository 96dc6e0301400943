package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/engine"
	"github.com/BadgerOps/rbdbackup/internal/retention"
)

var (
	snapshotSel selection

	backupSel          selection
	backupMakeSnapshot bool
	backupType         string

	consolidateSel selection
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create a new snapshot of the selected volumes",
		Long: `Create a snapshot of each selected volume's image, named after the
current time in backup.name_format. A snapshot that already exists is
skipped.`,
		Example: `  rbdbackup snapshot -n databases -w mysql
  rbdbackup snapshot --all-namespaces`,
		RunE: snapshotRun,
	}

	snapshotSel.register(cmd, false, false)

	return cmd
}

func snapshotRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	vols, err := snapshotSel.volumes()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("snapshot operation", "volumes", len(vols))
	var mu sync.Mutex
	created := map[*engine.Volume]string{}
	err = globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		name, err := globalManager.CreateSnapshot(ctx, v)
		if err != nil {
			return err
		}
		mu.Lock()
		created[v] = name
		mu.Unlock()
		return nil
	})

	for _, v := range vols {
		if name, ok := created[v]; ok {
			fmt.Printf("%s@%s\n", v.Describe(), name)
		}
	}
	return err
}

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export backups of the selected volumes",
		Long: `Export every snapshot that has no archive yet. The tier of each snapshot
decides the archive kind: monthly snapshots are exported in full, weekly
snapshots as a diff from the last monthly, daily snapshots as an increment
from the previous snapshot.

Exports of one volume run concurrently, bounded by semaphore.backup. A
failed export is reported and retried by the next run; it never stops the
other exports.`,
		Example: `  rbdbackup backup -n databases -w mysql
  rbdbackup backup --all-namespaces --make-snapshot
  rbdbackup backup -n databases -w mysql -s -t full`,
		RunE: backupRun,
	}

	backupSel.register(cmd, false, false)
	cmd.Flags().BoolVarP(&backupMakeSnapshot, "make-snapshot", "s", false, "create a snapshot before exporting")
	cmd.Flags().StringVarP(&backupType, "type", "t", "", "backup type for the latest snapshot: monthly|full, weekly|diff or daily|inc (default automatic)")

	return cmd
}

func backupRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	opts := engine.BackupOptions{MakeSnapshot: backupMakeSnapshot}
	if backupType != "" {
		tier, err := retention.ParseTier(backupType)
		if err != nil {
			return err
		}
		opts.Tier = tier
	}

	vols, err := backupSel.volumes()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("backup operation", "volumes", len(vols), "make_snapshot", opts.MakeSnapshot, "type", opts.Tier)

	var mu sync.Mutex
	reports := map[*engine.Volume]*engine.BackupReport{}
	err = globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		rep, err := globalManager.Backup(ctx, v, opts)
		mu.Lock()
		reports[v] = rep
		mu.Unlock()
		return err
	})

	totalExported, totalFailed := 0, 0
	var totalBytes int64
	for _, v := range vols {
		rep := reports[v]
		if rep == nil {
			continue
		}
		failed := rep.Failed()
		totalFailed += failed
		totalExported += rep.Exported()

		fmt.Printf("\n%s:\n", v.Describe())
		if rep.Snapshot != "" {
			fmt.Printf("  Snapshot:  %s\n", rep.Snapshot)
		}
		fmt.Printf("  Exported:  %d\n", rep.Exported())
		fmt.Printf("  Failed:    %d\n", failed)
		for _, e := range rep.Exports {
			if e.Success {
				totalBytes += e.Size
				continue
			}
			fmt.Printf("    - %s: %v\n", e.Action.File, e.Error)
		}
	}

	fmt.Println("\n=== BACKUP SUMMARY ===")
	fmt.Printf("Total Exported: %d\n", totalExported)
	fmt.Printf("Total Failed:   %d\n", totalFailed)
	fmt.Printf("Total Written:  %s\n\n", humanize.IBytes(uint64(totalBytes)))
	if !quiet {
		fmt.Print(engine.FormatListing(vols, true))
	}

	if err != nil {
		return err
	}
	if totalFailed > 0 {
		return fmt.Errorf("backup completed with %d failures", totalFailed)
	}
	return nil
}

func newConsolidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Consolidate backup archives and snapshots",
		Long: `Apply the retention policy to the selected volumes: export pending
snapshots, remove live snapshots that are no longer needed, delete archive
files that fell out of their tier's window, and forget snapshots that have
neither a live snapshot nor an archive left.

Archives that a retained snapshot depends on are never deleted.`,
		Example: `  rbdbackup consolidate -n databases -w mysql
  rbdbackup consolidate --all-namespaces`,
		RunE: consolidateRun,
	}

	consolidateSel.register(cmd, false, false)

	return cmd
}

func consolidateRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	vols, err := consolidateSel.volumes()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("consolidate operation", "volumes", len(vols))

	var mu sync.Mutex
	reports := map[*engine.Volume]*engine.ConsolidateReport{}
	err = globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		rep, err := globalManager.Consolidate(ctx, v)
		mu.Lock()
		reports[v] = rep
		mu.Unlock()
		return err
	})

	totalFailed := 0
	for _, v := range vols {
		rep := reports[v]
		if rep == nil {
			continue
		}
		totalFailed += rep.Failed()
		fmt.Printf("\n%s:\n", v.Describe())
		fmt.Printf("  Exported:          %d\n", rep.Exported())
		fmt.Printf("  Snapshots removed: %d\n", len(rep.Removals))
		fmt.Printf("  Archives deleted:  %d\n", len(rep.Deletions))
		fmt.Printf("  Kept for retry:    %d\n", len(rep.Kept))
		fmt.Printf("  Failed:            %d\n", rep.Failed())
		if len(rep.Warnings) > 0 {
			fmt.Printf("  Warnings:          %d\n", len(rep.Warnings))
		}
	}
	fmt.Println()
	if !quiet {
		fmt.Print(engine.FormatListing(vols, true))
	}

	if err != nil {
		return err
	}
	if totalFailed > 0 {
		return fmt.Errorf("consolidation completed with %d failures", totalFailed)
	}
	return nil
}
