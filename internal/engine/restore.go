package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BadgerOps/rbdbackup/internal/retention"
	"github.com/BadgerOps/rbdbackup/internal/store"
)

// StepResult is the outcome of one executed restore step.
type StepResult struct {
	Step     retention.Step
	Duration time.Duration
	Success  bool
	Error    error
}

// RestoreReport is the outcome of a restore. Steps holds the executed steps
// only; steps after a failure are not attempted.
type RestoreReport struct {
	Volume *Volume
	RunID  string
	Plan   *retention.RestorePlan
	Steps  []StepResult
}

// Completed reports whether every planned step succeeded.
func (r *RestoreReport) Completed() bool {
	if r.Plan == nil || len(r.Steps) != len(r.Plan.Steps) {
		return false
	}
	for _, s := range r.Steps {
		if !s.Success {
			return false
		}
	}
	return true
}

// Restore reverts the volume's image to target. Preconditions are checked
// before anything is changed; steps then run strictly in order and the first
// failure aborts the rest. Completed steps are not rolled back.
func (m *Manager) Restore(ctx context.Context, v *Volume, target string) (*RestoreReport, error) {
	if v == nil {
		return nil, ErrVolumeNotFound
	}
	if target == "" {
		return nil, fmt.Errorf("%w: snapshot", ErrMissingIdentifier)
	}

	run := m.startRun("restore", v)
	rep, err := m.restore(ctx, v, target, run)
	m.finishRun(run, "restore", v, err)
	return rep, err
}

func (m *Manager) restore(ctx context.Context, v *Volume, target string, run *store.Run) (*RestoreReport, error) {
	rep := &RestoreReport{Volume: v, RunID: runID(run)}

	if _, err := m.Load(ctx, v); err != nil {
		return rep, err
	}
	res, err := retention.Consolidate(v.History, m.policy)
	if res != nil {
		m.logWarnings(v, res.Warnings)
	}
	if err != nil {
		return rep, fmt.Errorf("consolidating %s: %w", v.Describe(), err)
	}

	plan, err := retention.BuildRestorePlan(v.History, target)
	if err != nil {
		return rep, fmt.Errorf("planning restore of %s@%s: %w", v.Describe(), target, err)
	}
	rep.Plan = plan

	m.logger.Info("restoring from backup",
		"volume", v.Describe(),
		"import", names(plan.Imports),
		"revert", plan.Target.Name,
		"remove", names(plan.Successors),
	)

	for i, step := range plan.Steps {
		start := time.Now()
		err := m.runStep(ctx, v, step)
		result := StepResult{Step: step, Duration: time.Since(start), Success: err == nil, Error: err}
		rep.Steps = append(rep.Steps, result)
		m.metrics.ObserveRestoreStep(v.ID(), step.Kind.String(), err)
		m.recordStep(v, run, i+1, result)

		if err != nil {
			m.logger.Error("restore step failed", "volume", v.Describe(), "step", step.String(), "error", err)
			if run != nil {
				run.Failed++
			}
			return rep, fmt.Errorf("restore of %s@%s stopped at %s: %w", v.Describe(), target, step, err)
		}
		m.logger.Info("restore step completed", "volume", v.Describe(), "step", step.String(), "duration", result.Duration)
	}

	v.History.Commit()
	m.logger.Info("restore completed", "volume", v.Describe(), "snapshot", target)
	return rep, nil
}

func (m *Manager) runStep(ctx context.Context, v *Volume, step retention.Step) error {
	switch step.Kind {
	case retention.StepImport:
		r, err := v.Dir.Open(step.File)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := m.storage.ImportDiff(ctx, v.Image, r); err != nil {
			return err
		}
		if s, ok := v.History.Find(step.Snapshot); ok {
			s.HasLive = true
		}
		return nil
	case retention.StepRevert:
		return m.storage.Revert(ctx, v.Image, step.Snapshot)
	case retention.StepRemove:
		if err := m.storage.RemoveSnapshot(ctx, v.Image, step.Snapshot); err != nil {
			return err
		}
		if s, ok := v.History.Find(step.Snapshot); ok {
			s.HasLive = false
		}
		return nil
	default:
		return fmt.Errorf("unknown restore step %s", step.Kind)
	}
}

func (m *Manager) recordStep(v *Volume, run *store.Run, seq int, r StepResult) {
	if m.store == nil || run == nil {
		return
	}
	step := &store.RestoreStep{
		RunID:    run.ID,
		Seq:      seq,
		Kind:     r.Step.Kind.String(),
		Snapshot: r.Step.Snapshot,
		File:     r.Step.File,
		Success:  r.Success,
		Error:    errString(r.Error),
	}
	if err := m.store.AddRestoreStep(step); err != nil {
		m.logger.Error("failed to record restore step", "volume", v.Describe(), "step", r.Step.String(), "error", err)
	}
}

func names(snaps []*retention.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Name
	}
	return out
}
