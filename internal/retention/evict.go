package retention

// applyEviction sets both eviction flags from each snapshot's position within
// its own tier. Archives beyond the newest Max members are evicted; only the
// newest member of a tier keeps its live snapshot.
func applyEviction(snaps []*Snapshot, p Policy) {
	for _, tier := range Tiers {
		var members []*Snapshot
		for _, s := range snaps {
			if s.Tier == tier {
				members = append(members, s)
			}
		}
		keep := p.Max(tier)
		for i, s := range members {
			s.EvictArchive = i < len(members)-keep
			s.EvictLive = i < len(members)-1
		}
	}
}
