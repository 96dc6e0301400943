package engine

import (
	"context"
	"fmt"

	"github.com/BadgerOps/rbdbackup/internal/retention"
	"github.com/BadgerOps/rbdbackup/internal/store"
)

// ActionResult is the outcome of one removal or deletion.
type ActionResult struct {
	Action  retention.Action
	Success bool
	Error   error
}

// ConsolidateReport is the outcome of a consolidation run on one volume.
type ConsolidateReport struct {
	Volume    *Volume
	RunID     string
	Exports   []ExportResult
	Removals  []ActionResult
	Deletions []ActionResult
	// Kept names evicted live snapshots spared because an export that
	// needs them failed.
	Kept []string
	// Dropped names snapshots committed out of the history.
	Dropped  []string
	Warnings []error
}

// Exported returns the number of successful exports.
func (r *ConsolidateReport) Exported() int { return exported(r.Exports) }

// Failed returns the number of failed exports, removals and deletions.
func (r *ConsolidateReport) Failed() int {
	n := 0
	for _, e := range r.Exports {
		if !e.Success {
			n++
		}
	}
	for _, a := range append(append([]ActionResult(nil), r.Removals...), r.Deletions...) {
		if !a.Success {
			n++
		}
	}
	return n
}

// Consolidate brings a volume to its retained state: pending exports run
// first, then evicted live snapshots are removed, then evicted archives are
// deleted, and finally the history is committed.
func (m *Manager) Consolidate(ctx context.Context, v *Volume) (*ConsolidateReport, error) {
	run := m.startRun("consolidate", v)
	rep, err := m.consolidate(ctx, v, run)
	m.finishRun(run, "consolidate", v, err)
	return rep, err
}

func (m *Manager) consolidate(ctx context.Context, v *Volume, run *store.Run) (*ConsolidateReport, error) {
	rep := &ConsolidateReport{Volume: v, RunID: runID(run)}

	warnings, err := m.Load(ctx, v)
	rep.Warnings = append(rep.Warnings, warnings...)
	if err != nil {
		return rep, err
	}

	res, err := retention.Consolidate(v.History, m.policy)
	if res != nil {
		rep.Warnings = append(rep.Warnings, m.logWarnings(v, res.Warnings)...)
	}
	if err != nil {
		return rep, fmt.Errorf("consolidating %s: %w", v.Describe(), err)
	}

	exports := res.Filter(retention.ActionExport)
	removals := res.Filter(retention.ActionRemoveSnapshot)
	deletions := res.Filter(retention.ActionDeleteArchive)
	m.logger.Info("consolidating",
		"volume", v.Describe(),
		"export", len(exports),
		"evict", len(removals),
		"delete", len(deletions),
	)

	rep.Exports = m.runExports(ctx, v, exports, run)

	// A failed export is retried by the next run; it needs its own live
	// snapshot and its base.
	keep := map[string]bool{}
	for _, r := range rep.Exports {
		if !r.Success {
			keep[r.Action.Snapshot] = true
			if r.Action.Base != "" {
				keep[r.Action.Base] = true
			}
		}
	}

	for _, a := range removals {
		if keep[a.Snapshot] {
			m.logger.Warn("keeping evicted snapshot needed by a failed export", "volume", v.Describe(), "snapshot", a.Snapshot)
			rep.Kept = append(rep.Kept, a.Snapshot)
			continue
		}
		rep.Removals = append(rep.Removals, m.removeSnapshot(ctx, v, a, run))
	}

	for _, a := range deletions {
		rep.Deletions = append(rep.Deletions, m.deleteArchive(v, a, run))
	}

	rep.Dropped = v.History.Commit()
	if len(rep.Dropped) > 0 {
		m.logger.Debug("history committed", "volume", v.Describe(), "dropped", rep.Dropped)
	}
	m.updateUsage(v)
	return rep, nil
}

func (m *Manager) removeSnapshot(ctx context.Context, v *Volume, a retention.Action, run *store.Run) ActionResult {
	err := m.storage.RemoveSnapshot(ctx, v.Image, a.Snapshot)
	m.metrics.ObserveRemoval(v.ID(), err)
	if err != nil {
		m.logger.Error("failed to remove snapshot", "volume", v.Describe(), "snapshot", a.Snapshot, "error", err)
		if run != nil {
			run.Failed++
		}
		return ActionResult{Action: a, Error: err}
	}
	if s, ok := v.History.Find(a.Snapshot); ok {
		s.HasLive = false
	}
	if run != nil {
		run.SnapshotsRemoved++
	}
	return ActionResult{Action: a, Success: true}
}

func (m *Manager) deleteArchive(v *Volume, a retention.Action, run *store.Run) ActionResult {
	err := v.Dir.Remove(a.File)
	m.metrics.ObserveDeletion(v.ID(), err)
	if err != nil {
		m.logger.Error("failed to delete archive", "volume", v.Describe(), "file", a.File, "error", err)
		if run != nil {
			run.Failed++
		}
		return ActionResult{Action: a, Error: err}
	}
	m.logger.Info("archive deleted", "volume", v.Describe(), "file", a.File)
	if s, ok := v.History.Find(a.Snapshot); ok {
		s.HasArchive = false
		s.ArchiveSize = 0
	}
	if run != nil {
		run.ArchivesDeleted++
	}
	return ActionResult{Action: a, Success: true}
}

// RemoveSnapshots removes live snapshots of the volume. An empty name list
// removes every live snapshot. Names that are not live are skipped.
func (m *Manager) RemoveSnapshots(ctx context.Context, v *Volume, names []string) ([]ActionResult, error) {
	run := m.startRun("remove-snapshot", v)
	results, err := m.removeSnapshots(ctx, v, names, run)
	m.finishRun(run, "remove-snapshot", v, err)
	return results, err
}

func (m *Manager) removeSnapshots(ctx context.Context, v *Volume, names []string, run *store.Run) ([]ActionResult, error) {
	if _, err := m.Load(ctx, v); err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, n := range names {
		wanted[n] = true
	}

	var results []ActionResult
	for _, s := range v.History.All() {
		if !s.HasLive || len(wanted) > 0 && !wanted[s.Name] {
			continue
		}
		a := retention.Action{Kind: retention.ActionRemoveSnapshot, Snapshot: s.Name, Tier: s.Tier}
		results = append(results, m.removeSnapshot(ctx, v, a, run))
	}
	if len(results) == 0 {
		m.logger.Info("no snapshots found", "volume", v.Describe())
	}
	v.History.Commit()
	return results, nil
}

// RemoveArchives deletes every archive file of the volume.
func (m *Manager) RemoveArchives(ctx context.Context, v *Volume) ([]ActionResult, error) {
	run := m.startRun("remove-backup", v)
	results, err := m.removeArchives(ctx, v, run)
	m.finishRun(run, "remove-backup", v, err)
	return results, err
}

func (m *Manager) removeArchives(ctx context.Context, v *Volume, run *store.Run) ([]ActionResult, error) {
	if _, err := m.Load(ctx, v); err != nil {
		return nil, err
	}
	var results []ActionResult
	for _, s := range v.History.All() {
		if !s.HasArchive {
			continue
		}
		a := retention.Action{Kind: retention.ActionDeleteArchive, Snapshot: s.Name, Tier: s.Tier, File: s.ArchiveFile}
		results = append(results, m.deleteArchive(v, a, run))
	}
	if len(results) == 0 {
		m.logger.Info("nothing to delete", "volume", v.Describe())
	} else {
		m.logger.Info("deleted backup archives", "volume", v.Describe(), "count", len(results))
	}
	if removed, err := v.Dir.CleanTemp(); err != nil {
		m.logger.Warn("failed to clean temporary files", "volume", v.Describe(), "error", err)
	} else if len(removed) > 0 {
		m.logger.Info("removed temporary files", "volume", v.Describe(), "files", removed)
	}
	v.History.Commit()
	m.updateUsage(v)
	return results, nil
}
