package engine

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/BadgerOps/rbdbackup/internal/retention"
	"github.com/BadgerOps/rbdbackup/internal/store"
)

// BackupOptions controls a backup run.
type BackupOptions struct {
	// MakeSnapshot takes a snapshot before exporting.
	MakeSnapshot bool
	// Tier, when set, is suggested for the latest unexported snapshot.
	Tier retention.Tier
}

// BackupReport is the outcome of a backup run on one volume.
type BackupReport struct {
	Volume *Volume
	RunID  string
	// Snapshot is the snapshot taken by MakeSnapshot, if any.
	Snapshot string
	Exports  []ExportResult
	Warnings []error
}

// Failed returns the number of failed exports.
func (r *BackupReport) Failed() int {
	n := 0
	for _, e := range r.Exports {
		if !e.Success {
			n++
		}
	}
	return n
}

// Exported returns the number of successful exports.
func (r *BackupReport) Exported() int { return exported(r.Exports) }

func exported(results []ExportResult) int {
	n := 0
	for _, e := range results {
		if e.Success {
			n++
		}
	}
	return n
}

// Backup exports every pending snapshot of the volume. Export failures are
// reported per snapshot and never abort sibling exports.
func (m *Manager) Backup(ctx context.Context, v *Volume, opts BackupOptions) (*BackupReport, error) {
	run := m.startRun("backup", v)
	rep, err := m.backup(ctx, v, opts, run)
	m.finishRun(run, "backup", v, err)
	return rep, err
}

func (m *Manager) backup(ctx context.Context, v *Volume, opts BackupOptions, run *store.Run) (*BackupReport, error) {
	rep := &BackupReport{Volume: v, RunID: runID(run)}
	m.logger.Info("backing up volume", "volume", v.Describe())

	if opts.MakeSnapshot {
		name, _, err := m.createSnapshot(ctx, v)
		if err != nil {
			return rep, err
		}
		rep.Snapshot = name
	}

	warnings, err := m.Load(ctx, v)
	rep.Warnings = append(rep.Warnings, warnings...)
	if err != nil {
		return rep, err
	}

	if opts.Tier != retention.TierUnset {
		m.suggestTier(v, opts.Tier)
	}

	res, err := retention.Consolidate(v.History, m.policy)
	if res != nil {
		rep.Warnings = append(rep.Warnings, m.logWarnings(v, res.Warnings)...)
	}
	if err != nil {
		return rep, fmt.Errorf("consolidating %s: %w", v.Describe(), err)
	}

	rep.Exports = m.runExports(ctx, v, res.Filter(retention.ActionExport), run)
	return rep, nil
}

// suggestTier forces a tier on the newest snapshot that has no archive yet.
func (m *Manager) suggestTier(v *Volume, tier retention.Tier) {
	snaps := v.History.All()
	for _, s := range slices.Backward(snaps) {
		if s.HasLive && !s.HasArchive {
			s.Tier = tier
			m.logger.Info("suggesting backup tier", "volume", v.Describe(), "snapshot", s.Name, "tier", tier)
			return
		}
	}
	m.logger.Warn("explicit backup tier given but no unexported snapshot found", "volume", v.Describe(), "tier", tier)
}

func (m *Manager) logWarnings(v *Volume, warnings []error) []error {
	for _, w := range warnings {
		m.logger.Warn("consolidation warning", "volume", v.Describe(), "error", w)
	}
	m.metrics.AddWarnings(v.ID(), len(warnings))
	return warnings
}

// runExports executes export actions through the export pool and applies
// successful results to the history.
func (m *Manager) runExports(ctx context.Context, v *Volume, actions []retention.Action, run *store.Run) []ExportResult {
	if len(actions) == 0 {
		return nil
	}
	_, _, workers := m.limits.Sizes()
	pool := newExportPool(func(ctx context.Context, a retention.Action) (int64, error) {
		return m.exportOne(ctx, v, a)
	}, int(workers), m.logger.With("volume", v.Describe()))

	results := pool.Execute(ctx, actions)
	for _, r := range results {
		m.metrics.ObserveExport(v.ID(), r.Action.Tier.String(), r.Size, r.Duration, r.Error)
		if r.Success {
			if s, ok := v.History.Find(r.Action.Snapshot); ok {
				s.HasArchive = true
				s.ArchiveFile = r.Action.File
				s.ArchiveSize = r.Size
			}
		}
		if run != nil {
			if r.Success {
				run.Exported++
				run.BytesWritten += r.Size
			} else {
				run.Failed++
			}
		}
		m.recordExport(v, run, r)
	}
	return results
}

// exportOne streams one export-diff into its archive file while holding an
// export permit.
func (m *Manager) exportOne(ctx context.Context, v *Volume, a retention.Action) (int64, error) {
	release, err := m.limits.AcquireExport(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if a.Base != "" {
		if base, ok := v.History.Find(a.Base); !ok || !base.HasLive {
			return 0, fmt.Errorf("%w: %s needs %s", ErrBaseEvicted, a.Snapshot, a.Base)
		}
	}

	m.logger.Info("creating backup", "volume", v.Describe(), "file", a.File, "base", a.Base)
	return v.Dir.Write(ctx, a.File, func(w io.Writer) error {
		return m.storage.ExportDiff(ctx, v.Image, a.Snapshot, a.Base, w)
	})
}

func (m *Manager) recordExport(v *Volume, run *store.Run, r ExportResult) {
	if m.store == nil {
		return
	}
	rec := &store.ExportRecord{
		RunID:    runID(run),
		Volume:   v.ID(),
		Snapshot: r.Action.Snapshot,
		Tier:     r.Action.Tier.String(),
		Base:     r.Action.Base,
		File:     r.Action.File,
		Size:     r.Size,
		Duration: r.Duration,
		Success:  r.Success,
		Error:    errString(r.Error),
	}
	if err := m.store.AddExportRecord(rec); err != nil {
		m.logger.Error("failed to record export", "volume", v.Describe(), "snapshot", r.Action.Snapshot, "error", err)
	}

	var err error
	if r.Success {
		err = m.store.ResolveFailedExports(v.ID(), r.Action.Snapshot)
	} else {
		err = m.store.AddFailedExport(&store.FailedExport{Volume: v.ID(), Snapshot: r.Action.Snapshot, Error: errString(r.Error)})
	}
	if err != nil {
		m.logger.Error("failed to update failed exports", "volume", v.Describe(), "snapshot", r.Action.Snapshot, "error", err)
	}
}

// CreateSnapshot takes a snapshot named after the current time. An existing
// snapshot of the same name is left alone and reported with a warning.
func (m *Manager) CreateSnapshot(ctx context.Context, v *Volume) (string, error) {
	run := m.startRun("snapshot", v)
	name, _, err := m.createSnapshot(ctx, v)
	m.finishRun(run, "snapshot", v, err)
	return name, err
}

func (m *Manager) createSnapshot(ctx context.Context, v *Volume) (name string, created bool, err error) {
	name = m.naming.Format(m.now())
	existing, err := m.storage.SnapshotNames(ctx, v.Image)
	if err != nil {
		return name, false, fmt.Errorf("listing snapshots of %s: %w", v.Describe(), err)
	}
	if slices.Contains(existing, name) {
		m.logger.Warn("snapshot already exists, skipping", "volume", v.Describe(), "snapshot", name)
		return name, false, nil
	}
	m.logger.Info("creating snapshot", "volume", v.Describe(), "snapshot", name)
	if err := m.storage.CreateSnapshot(ctx, v.Image, name); err != nil {
		return name, false, err
	}
	return name, true, nil
}
