package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var (
	restoreNamespace string
	restoreWorkload  string
	restoreVolume    string
	restoreSnapshot  string
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a volume's image to a live or exported snapshot",
		Long: `Restore a volume to a snapshot. Archived snapshots of the chain that are
no longer live are imported oldest first, the image is reverted to the
snapshot, and live snapshots newer than it are removed.

The workload must be scaled down before restoring. Steps run one at a
time; the first failure stops the restore and completed steps are not
rolled back.`,
		Example: `  rbdbackup restore -n databases -w mysql -v data-mysql-0 -s 20200119-0000`,
		RunE:    restoreRun,
	}

	cmd.Flags().StringVarP(&restoreNamespace, "namespace", "n", "", "namespace of the volume")
	cmd.Flags().StringVarP(&restoreWorkload, "workload", "w", "", "workload of the volume")
	cmd.Flags().StringVarP(&restoreVolume, "volume", "v", "", "volume claim or image name")
	cmd.Flags().StringVarP(&restoreSnapshot, "snapshot", "s", "", "snapshot to restore")

	return cmd
}

// validateRestoreFlags requires every identifier of the restore target.
func validateRestoreFlags(namespace, workload, volume, snapshot string) error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"namespace", namespace},
		{"workload", workload},
		{"volume", volume},
		{"snapshot", snapshot},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("--%s is required", f.name))
		}
	}
	return errors.Join(errs...)
}

func restoreRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if err := validateRestoreFlags(restoreNamespace, restoreWorkload, restoreVolume, restoreSnapshot); err != nil {
		return err
	}
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	vol, err := globalManager.Find(restoreNamespace, restoreWorkload, restoreVolume)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	log.Info("restore operation", "volume", vol.Describe(), "snapshot", restoreSnapshot)
	rep, err := globalManager.Restore(ctx, vol, restoreSnapshot)
	if rep != nil && rep.Plan != nil {
		fmt.Printf("Restoring %s@%s\n", vol.Describe(), restoreSnapshot)
		for i, step := range rep.Plan.Steps {
			state := "skipped"
			if i < len(rep.Steps) {
				if rep.Steps[i].Success {
					state = "OK"
				} else {
					state = fmt.Sprintf("ERROR: %v", rep.Steps[i].Error)
				}
			}
			fmt.Printf("  %d. %-60s %s\n", i+1, step, state)
		}
	}
	if err != nil {
		return err
	}
	if !rep.Completed() {
		return fmt.Errorf("restore of %s@%s did not complete", vol.Describe(), restoreSnapshot)
	}
	fmt.Println("OK")
	return nil
}
