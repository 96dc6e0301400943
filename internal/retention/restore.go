package retention

import "fmt"

// StepKind is the kind of a restore step.
type StepKind int

const (
	StepImport StepKind = iota
	StepRevert
	StepRemove
)

func (k StepKind) String() string {
	switch k {
	case StepImport:
		return "import"
	case StepRevert:
		return "revert"
	case StepRemove:
		return "remove"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Step is one mutation of a restore plan. File is set for imports.
type Step struct {
	Kind     StepKind
	Snapshot string
	File     string
}

func (s Step) String() string {
	if s.File != "" {
		return fmt.Sprintf("%s %s from %s", s.Kind, s.Snapshot, s.File)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Snapshot)
}

// RestorePlan reverts a volume to Target.
type RestorePlan struct {
	Target *Snapshot
	// Chain is Target and its ancestors, oldest first.
	Chain []*Snapshot
	// Imports are the archive-only members of Chain, oldest first.
	Imports []*Snapshot
	// Successors are the live snapshots newer than Target.
	Successors []*Snapshot
	// Steps runs the imports, the revert and the successor removals in order.
	Steps []Step
}

// BuildRestorePlan computes the steps that bring the image back to target.
// It only reads h.
func BuildRestorePlan(h *History, target string) (*RestorePlan, error) {
	s, ok := h.Find(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, target)
	}
	chain, err := h.Chain(s)
	if err != nil {
		return nil, err
	}

	plan := &RestorePlan{Target: s, Chain: chain}
	for _, c := range chain {
		if c.HasLive {
			continue
		}
		if !c.HasArchive {
			return nil, fmt.Errorf("%w: %s has neither a live snapshot nor an archive", ErrBrokenChain, c.Name)
		}
		plan.Imports = append(plan.Imports, c)
		plan.Steps = append(plan.Steps, Step{Kind: StepImport, Snapshot: c.Name, File: c.ArchiveFile})
	}
	plan.Steps = append(plan.Steps, Step{Kind: StepRevert, Snapshot: s.Name})

	for _, succ := range h.snaps[h.IndexOf(s.Name)+1:] {
		if succ.HasLive {
			plan.Successors = append(plan.Successors, succ)
			plan.Steps = append(plan.Steps, Step{Kind: StepRemove, Snapshot: succ.Name})
		}
	}
	return plan, nil
}
