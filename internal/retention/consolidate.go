package retention

import "fmt"

// ActionKind is the kind of work a consolidation pass asks the caller to do.
type ActionKind int

const (
	ActionExport ActionKind = iota
	ActionRemoveSnapshot
	ActionDeleteArchive
)

func (k ActionKind) String() string {
	switch k {
	case ActionExport:
		return "export"
	case ActionRemoveSnapshot:
		return "remove-snapshot"
	case ActionDeleteArchive:
		return "delete-archive"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one unit of remediation work for a snapshot.
type Action struct {
	Kind     ActionKind
	Snapshot string
	Tier     Tier
	// File is the archive to write or delete.
	File string
	// Base is the diff base of an export, empty for full exports.
	Base string
}

func (a Action) String() string {
	if a.Kind == ActionExport && a.Base != "" {
		return fmt.Sprintf("%s %s (%s from %s)", a.Kind, a.Snapshot, a.Tier, a.Base)
	}
	return fmt.Sprintf("%s %s (%s)", a.Kind, a.Snapshot, a.Tier)
}

// Result is the outcome of one consolidation pass.
type Result struct {
	// Survivors is the timeline without snapshots whose archive is evicted.
	Survivors []*Snapshot
	// Actions lists exports first, then snapshot removals, then archive
	// deletions, each in timeline order.
	Actions []Action
	// Warnings are anomalies that did not stop the pass.
	Warnings []error
}

// Filter returns the actions of the given kind.
func (r *Result) Filter(kind ActionKind) []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Consolidate classifies, evicts and links the snapshots of h in place and
// returns the survivors along with the work needed to reach that state.
// Nothing is dropped from h; callers Commit once removals are confirmed.
func Consolidate(h *History, p Policy) (*Result, error) {
	res := &Result{}
	if h.Len() == 0 {
		return res, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	warnings, err := classify(h.snaps, p)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return res, err
	}
	applyEviction(h.snaps, p)
	resolveDependencies(h.snaps)
	res.Warnings = append(res.Warnings, protectChains(h)...)

	for _, s := range h.snaps {
		if !s.HasArchive {
			s.ArchiveFile = ArchiveFileName(s.Name, s.Tier, s.DependsOn, h.ArchiveExt())
		}
	}

	var removals, deletions []Action
	for _, s := range h.snaps {
		if !s.EvictArchive {
			res.Survivors = append(res.Survivors, s)
		}
		if s.PendingExport() {
			res.Actions = append(res.Actions, Action{Kind: ActionExport, Snapshot: s.Name, Tier: s.Tier, File: s.ArchiveFile, Base: s.DependsOn})
		}
		if s.HasLive && s.EvictLive {
			removals = append(removals, Action{Kind: ActionRemoveSnapshot, Snapshot: s.Name, Tier: s.Tier})
		}
		if s.HasArchive && s.EvictArchive {
			deletions = append(deletions, Action{Kind: ActionDeleteArchive, Snapshot: s.Name, Tier: s.Tier, File: s.ArchiveFile})
		}
	}
	res.Actions = append(res.Actions, removals...)
	res.Actions = append(res.Actions, deletions...)
	return res, nil
}
