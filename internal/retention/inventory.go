package retention

import (
	"fmt"
	"sort"
)

// ArchiveFile is an entry of a volume's archive directory.
type ArchiveFile struct {
	Name string
	Size int64
}

// Discover merges the storage engine's live snapshot names (in native
// order) with the archive directory listing into a history. Anomalies are
// returned as warnings; they never fail discovery.
func (n *Naming) Discover(live []string, files []ArchiveFile) (*History, []error) {
	var warnings []error

	var names []string
	for _, name := range live {
		if n.IsSnapshotName(name) {
			names = append(names, name)
		}
	}
	if !sort.StringsAreSorted(names) {
		warnings = append(warnings, fmt.Errorf("%w: %v", ErrOrdering, names))
	}

	h := &History{ext: n.Ext}
	for _, name := range names {
		ts, err := n.Parse(name)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		if err := h.Add(&Snapshot{Name: name, Timestamp: ts, HasLive: true}); err != nil {
			warnings = append(warnings, err)
		}
	}

	sorted := append([]ArchiveFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, f := range sorted {
		an, err := n.ParseArchive(f.Name)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%w: %v", ErrInvalidArchive, err))
			continue
		}
		ts, err := n.Parse(an.Snapshot)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%w: %v", ErrInvalidArchive, err))
			continue
		}
		s, ok := h.Find(an.Snapshot)
		if ok && s.HasArchive {
			warnings = append(warnings, fmt.Errorf("%w: %s has archives %s and %s", ErrDuplicate, s.Name, s.ArchiveFile, f.Name))
			continue
		}
		if !ok {
			s = &Snapshot{Name: an.Snapshot, Timestamp: ts}
			if err := h.Add(s); err != nil {
				warnings = append(warnings, err)
				continue
			}
		}
		s.HasArchive = true
		s.ArchiveFile = f.Name
		s.ArchiveSize = f.Size
		s.Tier = an.Tier
		if an.Tier != TierMonthly {
			s.DependsOn = an.Base
		}
	}

	for _, s := range h.snaps {
		if _, _, err := h.Base(s); err != nil {
			warnings = append(warnings, err)
		}
	}
	return h, warnings
}
