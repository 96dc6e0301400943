package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/rbdbackup/internal/engine"
)

var (
	searchNamespace string

	listNamespace    string
	listWorkload     string
	listAllSnapshots bool

	duNamespace string
	duWorkload  string
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search for namespaces, workloads, volumes and images",
		Long: `Search the declared volumes with a regular expression matched against
namespace, workload, volume claim and pool/image names. Without a query
every volume is listed.`,
		Example: `  rbdbackup search mysql
  rbdbackup search 'csi-vol-.*' -n databases`,
		Args: cobra.MaximumNArgs(1),
		RunE: searchRun,
	}

	cmd.Flags().StringVarP(&searchNamespace, "namespace", "n", "", "search only in this namespace")

	return cmd
}

func searchRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	log.Debug("searching", "query", query, "namespace", searchNamespace)

	vols := globalManager.Select(engine.Selector{Namespace: searchNamespace})
	hits, err := engine.Search(vols, query)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No volumes found")
		return nil
	}
	fmt.Print(engine.FormatSearch(hits))
	return nil
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List volumes with their snapshots and backups",
		Long: `List namespaces, workloads and volumes with one line per snapshot:

  [tier][name][has:SF][evict:SF][file:size|archive]

has: shows whether the live snapshot (S) and the archive file (F) exist,
evict: what the next consolidation would remove. By default only the chain
of the latest snapshot is listed.`,
		Example: `  rbdbackup ls
  rbdbackup ls -n databases -w mysql --all-snapshots`,
		RunE: listRun,
	}

	cmd.Flags().StringVarP(&listNamespace, "namespace", "n", "", "list only this namespace")
	cmd.Flags().StringVarP(&listWorkload, "workload", "w", "", "list only this workload")
	cmd.Flags().BoolVarP(&listAllSnapshots, "all-snapshots", "a", false, "list every snapshot and backup, not only the latest chain")

	return cmd
}

func listRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	ctx, cancel := commandContext()
	defer cancel()

	vols := globalManager.Select(engine.Selector{Namespace: listNamespace, Workload: listWorkload})
	if len(vols) == 0 {
		fmt.Println("No volumes found")
		return nil
	}
	err := inspectAll(ctx, vols)
	fmt.Print(engine.FormatListing(vols, listAllSnapshots))
	return err
}

// inspectAll loads and consolidates every volume in memory.
func inspectAll(ctx context.Context, vols []*engine.Volume) error {
	return globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		_, err := globalManager.Inspect(ctx, v)
		return err
	})
}

func newDiskUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "du",
		Short: "Report backup disk usage",
		Long: `Report the size of the backup archives per volume and per tier.`,
		Example: `  rbdbackup du
  rbdbackup du -n databases`,
		RunE: diskUsageRun,
	}

	cmd.Flags().StringVarP(&duNamespace, "namespace", "n", "", "report only this namespace")
	cmd.Flags().StringVarP(&duWorkload, "workload", "w", "", "report only this workload")

	return cmd
}

func diskUsageRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("manager not initialized")
	}

	ctx, cancel := commandContext()
	defer cancel()

	vols := globalManager.Select(engine.Selector{Namespace: duNamespace, Workload: duWorkload})
	if len(vols) == 0 {
		fmt.Println("No volumes found")
		return nil
	}
	err := globalManager.ForEachVolume(ctx, vols, func(ctx context.Context, v *engine.Volume) error {
		_, err := globalManager.Load(ctx, v)
		return err
	})

	usages := make([]engine.Usage, 0, len(vols))
	for _, v := range vols {
		if v.History != nil {
			usages = append(usages, engine.VolumeUsage(v))
		}
	}
	fmt.Print(engine.FormatUsage(usages))
	return err
}
