package retention

// resolveDependencies sets the diff base of every snapshot that has none yet.
// Bases resolved by earlier runs are left untouched.
func resolveDependencies(snaps []*Snapshot) {
	for i, s := range snaps {
		if s.DependsOn != "" {
			continue
		}
		switch s.Tier {
		case TierWeekly:
			for j := i - 1; j >= 0; j-- {
				if snaps[j].Tier == TierMonthly {
					s.DependsOn = snaps[j].Name
					break
				}
			}
		case TierDaily:
			if i == 0 {
				continue
			}
			// previous snapshot, skipping the same calendar day unless
			// nothing else is left
			s.DependsOn = snaps[i-1].Name
			for j := i - 1; j >= 0; j-- {
				if !sameDay(snaps[j].Timestamp, s.Timestamp) {
					s.DependsOn = snaps[j].Name
					break
				}
			}
		}
	}
}

// protectChains clears EvictArchive on every ancestor of a retained
// snapshot. Links to snapshots missing from h are returned and end the walk.
func protectChains(h *History) []error {
	var broken []error
	reported := map[string]bool{}
	for _, s := range h.snaps {
		if s.EvictArchive {
			continue
		}
		seen := map[string]bool{s.Name: true}
		for cur := s; ; {
			base, ok, err := h.Base(cur)
			if err != nil {
				if !reported[cur.Name] {
					reported[cur.Name] = true
					broken = append(broken, err)
				}
				break
			}
			if !ok || seen[base.Name] {
				break
			}
			seen[base.Name] = true
			base.EvictArchive = false
			cur = base
		}
	}
	return broken
}
