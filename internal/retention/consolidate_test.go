package retention

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func testNaming(t *testing.T) *Naming {
	t.Helper()
	n, err := NewNaming(DefaultLayout, time.UTC)
	if err != nil {
		t.Fatalf("NewNaming: %v", err)
	}
	return n
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dailyHistory returns days consecutive new snapshots starting at start,
// together with any extra snapshots.
func dailyHistory(t *testing.T, start time.Time, days int, extra ...*Snapshot) *History {
	t.Helper()
	n := testNaming(t)
	snaps := append([]*Snapshot(nil), extra...)
	for i := 0; i < days; i++ {
		ts := start.AddDate(0, 0, i)
		snaps = append(snaps, &Snapshot{Name: n.Format(ts), Timestamp: ts, HasLive: true})
	}
	h, err := NewHistory(snaps...)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	return h
}

func tierNamesOf(snaps []*Snapshot, tier Tier) []string {
	var out []string
	for _, s := range snaps {
		if s.Tier == tier {
			out = append(out, s.Name)
		}
	}
	return out
}

// copySnapshots returns a deep copy of the history's snapshots.
func copySnapshots(h *History) []*Snapshot {
	var out []*Snapshot
	for _, s := range h.All() {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

func mustConsolidate(t *testing.T, h *History, p Policy) *Result {
	t.Helper()
	res, err := Consolidate(h, p)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	return res
}

// TestConsolidateEmpty returns an empty result for an empty history
func TestConsolidateEmpty(t *testing.T) {
	h, _ := NewHistory()
	res := mustConsolidate(t, h, DefaultPolicy())
	if len(res.Survivors) != 0 || len(res.Actions) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

// TestConsolidate120Days feeds 120 daily snapshots through the default policy
func TestConsolidate120Days(t *testing.T) {
	h := dailyHistory(t, day(2019, time.October, 10), 120)
	res := mustConsolidate(t, h, DefaultPolicy())

	monthly := tierNamesOf(res.Survivors, TierMonthly)
	wantMonthly := []string{"20191201-0000", "20200101-0000", "20200201-0000"}
	if !reflect.DeepEqual(monthly, wantMonthly) {
		t.Errorf("monthly survivors = %v, want %v", monthly, wantMonthly)
	}

	weekly := tierNamesOf(res.Survivors, TierWeekly)
	wantWeekly := []string{"20200112-0000", "20200119-0000", "20200126-0000", "20200202-0000"}
	if !reflect.DeepEqual(weekly, wantWeekly) {
		t.Errorf("weekly survivors = %v, want %v", weekly, wantWeekly)
	}

	daily := tierNamesOf(res.Survivors, TierDaily)
	wantDaily := []string{
		"20200127-0000", // kept as the base of 20200128
		"20200128-0000", "20200129-0000", "20200130-0000", "20200131-0000",
		"20200203-0000", "20200204-0000", "20200205-0000", "20200206-0000",
	}
	if !reflect.DeepEqual(daily, wantDaily) {
		t.Errorf("daily survivors = %v, want %v", daily, wantDaily)
	}
	if len(daily) < DefaultPolicy().Daily.Max {
		t.Errorf("expected at least %d daily survivors, got %d", DefaultPolicy().Daily.Max, len(daily))
	}

	for _, s := range res.Survivors {
		switch s.Tier {
		case TierMonthly:
			if s.Timestamp.Day() != 1 {
				t.Errorf("monthly survivor %s is not on day 1", s.Name)
			}
		case TierWeekly:
			if s.Timestamp.Weekday() != time.Sunday {
				t.Errorf("weekly survivor %s is not a Sunday", s.Name)
			}
		}
	}

	if got := len(res.Filter(ActionExport)); got != len(res.Survivors) {
		t.Errorf("expected %d exports, got %d", len(res.Survivors), got)
	}
	if got := len(res.Filter(ActionRemoveSnapshot)); got != 117 {
		t.Errorf("expected 117 snapshot removals, got %d", got)
	}
	if got := len(res.Filter(ActionDeleteArchive)); got != 0 {
		t.Errorf("expected no archive deletions, got %d", got)
	}

	for _, name := range []string{"20200201-0000", "20200202-0000", "20200206-0000"} {
		s, _ := h.Find(name)
		if s.EvictLive {
			t.Errorf("expected %s to keep its live snapshot", name)
		}
	}
}

// TestConsolidateBootstrapWeekly elects the first snapshot after a new
// monthly as weekly even when it is not on the anchor weekday
func TestConsolidateBootstrapWeekly(t *testing.T) {
	// 2020-12-01 is a Tuesday
	h := dailyHistory(t, day(2020, time.December, 1), 8)
	res := mustConsolidate(t, h, DefaultPolicy())

	tests := []struct {
		name    string
		tier    Tier
		weekday time.Weekday
		base    string
	}{
		{"20201201-0000", TierMonthly, time.Tuesday, ""},
		{"20201202-0000", TierWeekly, time.Wednesday, "20201201-0000"},
		{"20201203-0000", TierDaily, time.Thursday, "20201202-0000"},
		{"20201206-0000", TierWeekly, time.Sunday, "20201201-0000"},
		{"20201207-0000", TierDaily, time.Monday, "20201206-0000"},
	}
	for _, tt := range tests {
		s, ok := h.Find(tt.name)
		if !ok {
			t.Fatalf("%s missing from history", tt.name)
		}
		if s.Tier != tt.tier || s.Timestamp.Weekday() != tt.weekday || s.DependsOn != tt.base {
			t.Errorf("%s = %s on %s from %q, want %s on %s from %q",
				tt.name, s.Tier, s.Timestamp.Weekday(), s.DependsOn, tt.tier, tt.weekday, tt.base)
		}
	}
	if got := tierNamesOf(res.Survivors, TierWeekly); !reflect.DeepEqual(got, []string{"20201202-0000", "20201206-0000"}) {
		t.Errorf("weekly survivors = %v", got)
	}
}

// TestConsolidateFileNames checks names synthesized for new snapshots
func TestConsolidateFileNames(t *testing.T) {
	h := dailyHistory(t, day(2019, time.October, 10), 120)
	mustConsolidate(t, h, DefaultPolicy())

	tests := []struct {
		name string
		want string
	}{
		{"20200201-0000", "20200201-0000-ful.gz"},
		{"20200202-0000", "20200202-0000-dif-20200201-0000.gz"},
		{"20200126-0000", "20200126-0000-dif-20200101-0000.gz"},
		{"20200127-0000", "20200127-0000-inc-20200126-0000.gz"},
		{"20200203-0000", "20200203-0000-inc-20200202-0000.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := h.Find(tt.name)
			if !ok {
				t.Fatalf("snapshot %s not found", tt.name)
			}
			if s.ArchiveFile != tt.want {
				t.Errorf("ArchiveFile = %q, want %q", s.ArchiveFile, tt.want)
			}
		})
	}
}

// TestConsolidatePreexistingMonthly keeps the original monthly's archive only
// while it is within the monthly window
func TestConsolidatePreexistingMonthly(t *testing.T) {
	tests := []struct {
		name         string
		days         int
		evictArchive bool
	}{
		{"within window", 70, false},
		{"outside window", 120, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := &Snapshot{
				Name:        "20191001-0000",
				Timestamp:   day(2019, time.October, 1),
				Tier:        TierMonthly,
				HasLive:     true,
				HasArchive:  true,
				ArchiveFile: "20191001-0000-ful.gz",
			}
			h := dailyHistory(t, day(2019, time.October, 2), tt.days, orig)
			res := mustConsolidate(t, h, DefaultPolicy())

			if orig.Tier != TierMonthly {
				t.Fatalf("expected original to stay monthly, got %s", orig.Tier)
			}
			if !orig.EvictLive {
				t.Error("expected original live snapshot to be evictable")
			}
			if orig.EvictArchive != tt.evictArchive {
				t.Errorf("EvictArchive = %t, want %t", orig.EvictArchive, tt.evictArchive)
			}
			deleted := false
			for _, a := range res.Filter(ActionDeleteArchive) {
				if a.Snapshot == orig.Name {
					deleted = true
					if a.File != orig.ArchiveFile {
						t.Errorf("delete action file = %q, want %q", a.File, orig.ArchiveFile)
					}
				}
			}
			if deleted != tt.evictArchive {
				t.Errorf("archive deletion planned = %t, want %t", deleted, tt.evictArchive)
			}
		})
	}
}

// TestConsolidateChainIntegrity verifies every survivor's chain survives
func TestConsolidateChainIntegrity(t *testing.T) {
	for _, days := range []int{1, 2, 9, 35, 120, 400} {
		h := dailyHistory(t, day(2019, time.October, 10), days)
		res := mustConsolidate(t, h, DefaultPolicy())
		for _, s := range res.Survivors {
			chain, err := h.Chain(s)
			if err != nil {
				t.Fatalf("days=%d: Chain(%s): %v", days, s.Name, err)
			}
			if chain[0].Tier != TierMonthly {
				t.Errorf("days=%d: chain of %s is rooted at %s tier %s", days, s.Name, chain[0].Name, chain[0].Tier)
			}
			for _, c := range chain {
				if c.EvictArchive {
					t.Errorf("days=%d: %s depends on evicted %s", days, s.Name, c.Name)
				}
			}
		}
	}
}

// TestConsolidateTierCardinality bounds survivors that are not kept as a base
func TestConsolidateTierCardinality(t *testing.T) {
	p := Policy{
		Monthly: MonthlyPolicy{TierPolicy: TierPolicy{Max: 2}},
		Weekly:  WeeklyPolicy{TierPolicy: TierPolicy{Max: 3}, DayOfWeek: time.Wednesday},
		Daily:   TierPolicy{Max: 5},
	}
	h := dailyHistory(t, day(2021, time.March, 3), 200)
	res := mustConsolidate(t, h, p)

	referenced := map[string]bool{}
	for _, s := range res.Survivors {
		if s.DependsOn != "" {
			referenced[s.DependsOn] = true
		}
	}
	for _, tier := range Tiers {
		count := 0
		for _, s := range res.Survivors {
			if s.Tier == tier && !referenced[s.Name] {
				count++
			}
		}
		if count > p.Max(tier) {
			t.Errorf("%s: %d unreferenced survivors exceed max %d", tier, count, p.Max(tier))
		}
	}
	for _, s := range res.Survivors {
		if s.Tier == TierMonthly && s.Timestamp.Day() != 1 {
			t.Errorf("monthly survivor %s is not on day 1", s.Name)
		}
	}
}

// TestConsolidateIdempotent runs consolidation twice without changes
func TestConsolidateIdempotent(t *testing.T) {
	h := dailyHistory(t, day(2019, time.October, 10), 120)
	first := mustConsolidate(t, h, DefaultPolicy())

	before := copySnapshots(h)
	second := mustConsolidate(t, h, DefaultPolicy())
	if !reflect.DeepEqual(before, h.All()) {
		t.Error("second pass over the same history changed snapshots")
	}
	if !reflect.DeepEqual(first.Actions, second.Actions) {
		t.Error("second pass planned different actions")
	}

	var survivors []*Snapshot
	for _, s := range first.Survivors {
		cp := *s
		survivors = append(survivors, &cp)
	}
	sh, err := NewHistory(survivors...)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	want := copySnapshots(sh)
	res := mustConsolidate(t, sh, DefaultPolicy())
	if !reflect.DeepEqual(want, sh.All()) {
		t.Error("consolidating the survivors changed them")
	}
	if len(res.Survivors) != len(first.Survivors) {
		t.Errorf("expected %d survivors, got %d", len(first.Survivors), len(res.Survivors))
	}
}

// TestConsolidateAfterExportAndCommit simulates executing the plan and
// consolidating again the next day
func TestConsolidateAfterExportAndCommit(t *testing.T) {
	h := dailyHistory(t, day(2019, time.October, 10), 120)
	res := mustConsolidate(t, h, DefaultPolicy())

	for _, s := range h.All() {
		if s.PendingExport() {
			s.HasArchive = true
		}
		if s.EvictLive {
			s.HasLive = false
		}
		if s.EvictArchive {
			s.HasArchive = false
		}
	}
	dropped := h.Commit()
	if got, want := h.Len(), len(res.Survivors); got != want {
		t.Fatalf("expected %d snapshots after commit, got %d (dropped %d)", want, got, len(dropped))
	}

	n := testNaming(t)
	next := day(2020, time.February, 7)
	if err := h.Add(&Snapshot{Name: n.Format(next), Timestamp: next, HasLive: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	res2 := mustConsolidate(t, h, DefaultPolicy())

	exports := res2.Filter(ActionExport)
	if len(exports) != 1 || exports[0].Snapshot != "20200207-0000" || exports[0].Base != "20200206-0000" {
		t.Errorf("expected one export of 20200207-0000 from 20200206-0000, got %v", exports)
	}
	removals := res2.Filter(ActionRemoveSnapshot)
	if len(removals) != 1 || removals[0].Snapshot != "20200206-0000" {
		t.Errorf("expected removal of 20200206-0000, got %v", removals)
	}
	// 20200127 and 20200128 fall out of the daily window but remain the
	// base chain of 20200129
	if deletions := res2.Filter(ActionDeleteArchive); len(deletions) != 0 {
		t.Errorf("expected no archive deletions, got %v", deletions)
	}
	for _, name := range []string{"20200127-0000", "20200128-0000"} {
		s, _ := h.Find(name)
		if s.EvictArchive {
			t.Errorf("expected %s to be protected", name)
		}
	}
	for _, w := range res2.Warnings {
		t.Errorf("unexpected warning: %v", w)
	}
}

// TestConsolidateUnclassified fails on archived snapshots without a tier
func TestConsolidateUnclassified(t *testing.T) {
	h, _ := NewHistory(
		&Snapshot{Name: "20200101-0000", Timestamp: day(2020, time.January, 1), HasLive: true},
		&Snapshot{Name: "20200102-0000", Timestamp: day(2020, time.January, 2), HasArchive: true},
	)
	_, err := Consolidate(h, DefaultPolicy())
	if !errors.Is(err, ErrUnclassified) {
		t.Fatalf("expected ErrUnclassified, got %v", err)
	}
}

// TestConsolidateInvalidPolicy rejects a policy before touching the history
func TestConsolidateInvalidPolicy(t *testing.T) {
	h := dailyHistory(t, day(2020, time.January, 1), 3)
	p := DefaultPolicy()
	p.Daily.Max = 0
	if _, err := Consolidate(h, p); err == nil {
		t.Fatal("expected error for daily max 0")
	}
	for _, s := range h.All() {
		if s.Tier != TierUnset {
			t.Errorf("expected %s to stay unclassified, got %s", s.Name, s.Tier)
		}
	}
}

// TestConsolidateBrokenChain reports a base missing from the history
func TestConsolidateBrokenChain(t *testing.T) {
	h, _ := NewHistory(
		&Snapshot{Name: "20200101-0000", Timestamp: day(2020, time.January, 1), Tier: TierMonthly, HasArchive: true, ArchiveFile: "20200101-0000-ful.gz"},
		&Snapshot{Name: "20200103-0000", Timestamp: day(2020, time.January, 3), Tier: TierDaily, HasArchive: true, ArchiveFile: "20200103-0000-inc-20200102-0000.gz", DependsOn: "20200102-0000"},
	)
	res := mustConsolidate(t, h, DefaultPolicy())
	found := false
	for _, w := range res.Warnings {
		if errors.Is(w, ErrBrokenChain) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ErrBrokenChain warning, got %v", res.Warnings)
	}
}
