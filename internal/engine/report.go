package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/rbdbackup/internal/retention"
)

// Inspect loads the volume and runs a consolidation pass in memory without
// executing any action, so listings show tiers, links and eviction flags.
func (m *Manager) Inspect(ctx context.Context, v *Volume) (*retention.Result, error) {
	if _, err := m.Load(ctx, v); err != nil {
		return nil, err
	}
	res, err := retention.Consolidate(v.History, m.policy)
	if err != nil {
		return res, fmt.Errorf("consolidating %s: %w", v.Describe(), err)
	}
	return res, nil
}

// FormatListing renders loaded volumes as a namespace/workload/volume tree
// with one consolidation line per snapshot. Unless all is set only the
// chain of the latest snapshot is shown.
func FormatListing(vols []*Volume, all bool) string {
	sorted := append([]*Volume(nil), vols...)
	SortVolumes(sorted)

	var b strings.Builder
	var lastNS, lastWL string
	for _, v := range sorted {
		if v.Namespace != lastNS {
			fmt.Fprintln(&b, v.Namespace)
			lastNS, lastWL = v.Namespace, ""
		}
		if v.Workload != lastWL {
			fmt.Fprintf(&b, "  %s\n", v.Workload)
			lastWL = v.Workload
		}
		fmt.Fprintf(&b, "    %s (%s)\n", v.Name, v.Image)
		for _, s := range listedSnapshots(v, all) {
			fmt.Fprintf(&b, "      %s\n", s.ConsolidationInfo())
		}
	}
	return b.String()
}

func listedSnapshots(v *Volume, all bool) []*retention.Snapshot {
	if v.History == nil {
		return nil
	}
	if all {
		return v.History.All()
	}
	latest := v.History.Latest()
	if latest == nil {
		return nil
	}
	chain, err := v.History.Chain(latest)
	if err != nil {
		return []*retention.Snapshot{latest}
	}
	return chain
}

// Usage is the archive footprint of one volume.
type Usage struct {
	Volume *Volume
	Files  int
	Total  int64
	ByTier map[retention.Tier]int64
}

// VolumeUsage sums the archive sizes of a loaded volume.
func VolumeUsage(v *Volume) Usage {
	u := Usage{Volume: v, ByTier: map[retention.Tier]int64{}}
	if v.History == nil {
		return u
	}
	for _, s := range v.History.All() {
		if !s.HasArchive {
			continue
		}
		u.Files++
		u.Total += s.ArchiveSize
		u.ByTier[s.Tier] += s.ArchiveSize
	}
	return u
}

// FormatUsage renders per-volume and per-tier archive sizes with a total.
func FormatUsage(usages []Usage) string {
	var b strings.Builder
	var total int64
	for _, u := range usages {
		total += u.Total
		fmt.Fprintf(&b, "%-10s %4d files  %s\n", humanize.IBytes(uint64(u.Total)), u.Files, u.Volume.Describe())
		for _, t := range retention.Tiers {
			if size, ok := u.ByTier[t]; ok {
				fmt.Fprintf(&b, "  %-8s %s\n", t, humanize.IBytes(uint64(size)))
			}
		}
	}
	fmt.Fprintf(&b, "%-10s total\n", humanize.IBytes(uint64(total)))
	return b.String()
}

// updateUsage publishes the archive footprint of a volume.
func (m *Manager) updateUsage(v *Volume) {
	u := VolumeUsage(v)
	for _, t := range retention.Tiers {
		m.metrics.SetArchiveBytes(v.ID(), t.String(), u.ByTier[t])
	}
}

// FormatSearch renders search hits one volume per line.
func FormatSearch(hits []SearchHit) string {
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "%s  [%s]\n", h.Volume.Describe(), strings.Join(h.Fields, ","))
	}
	return b.String()
}
