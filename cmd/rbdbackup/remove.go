package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/engine"
)

var (
	removeSnapshotSel selection
	removeBackupSel   selection
)

func newRemoveSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-snapshot",
		Short: "Remove live snapshots",
		Long: `Remove live snapshots of the selected volumes. Archive files are left
alone. Selecting a wider level with an --all-* flag selects every snapshot
below it.`,
		Example: `  rbdbackup remove-snapshot -n databases -w mysql -v data-mysql-0 -s 20200119-0000
  rbdbackup remove-snapshot -n databases -w mysql --all-volumes`,
		RunE: removeSnapshotRun,
	}

	removeSnapshotSel.register(cmd, true, true)

	return cmd
}

func removeSnapshotRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	vols, err := removeSnapshotSel.volumes()
	if err != nil {
		return err
	}
	names := removeSnapshotSel.snapshots()

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("remove snapshot operation", "volumes", len(vols), "snapshots", names)
	results, err := runActions(ctx, vols, func(ctx context.Context, v *engine.Volume) ([]engine.ActionResult, error) {
		return globalManager.RemoveSnapshots(ctx, v, names)
	})
	return reportActions("Removed", vols, results, err)
}

func newRemoveBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-backup",
		Short: "Remove backup archives",
		Long: `Delete every backup archive of the selected volumes. Live snapshots are
left alone.`,
		Example: `  rbdbackup remove-backup -n databases -w mysql -v data-mysql-0
  rbdbackup remove-backup -n databases --all-workloads`,
		RunE: removeBackupRun,
	}

	removeBackupSel.register(cmd, true, false)

	return cmd
}

func removeBackupRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	vols, err := removeBackupSel.volumes()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("remove backup operation", "volumes", len(vols))
	results, err := runActions(ctx, vols, globalManager.RemoveArchives)
	return reportActions("Deleted", vols, results, err)
}

// runActions runs fn for each volume and collects the per-volume results.
func runActions(ctx context.Context, vols []*engine.Volume, fn func(ctx context.Context, v *engine.Volume) ([]engine.ActionResult, error)) (map[*engine.Volume][]engine.ActionResult, error) {
	var mu sync.Mutex
	results := map[*engine.Volume][]engine.ActionResult{}
	err := globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		res, err := fn(ctx, v)
		mu.Lock()
		results[v] = res
		mu.Unlock()
		return err
	})
	return results, err
}

func reportActions(verb string, vols []*engine.Volume, results map[*engine.Volume][]engine.ActionResult, err error) error {
	failed := 0
	for _, v := range vols {
		res, ok := results[v]
		if !ok {
			continue
		}
		fmt.Printf("%s:\n", v.Describe())
		if len(res) == 0 {
			fmt.Println("  nothing to do")
		}
		for _, r := range res {
			target := r.Action.Snapshot
			if r.Action.File != "" {
				target = r.Action.File
			}
			if r.Success {
				fmt.Printf("  %s %s\n", verb, target)
			} else {
				failed++
				fmt.Printf("  ERROR %s: %v\n", target, r.Error)
			}
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d removals failed", failed)
	}
	return nil
}
