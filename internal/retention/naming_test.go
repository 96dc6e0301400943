package retention

import (
	"errors"
	"testing"
	"time"
)

func TestNamingRoundTrip(t *testing.T) {
	n := testNaming(t)
	ts := at(2020, time.March, 7, 13, 45)
	name := n.Format(ts)
	if name != "20200307-1345" {
		t.Fatalf("Format = %q, want 20200307-1345", name)
	}
	got, err := n.Parse(name)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("Parse = %v, want %v", got, ts)
	}
	for _, bad := range []string{"manual", "20200307", "20200307-1345x", "2020030x-1345"} {
		if n.IsSnapshotName(bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestNewNamingRejectsNonNumeric(t *testing.T) {
	if _, err := NewNaming("Jan 2 2006", time.UTC); err == nil {
		t.Fatal("expected error for non-numeric layout")
	}
}

func TestParseArchive(t *testing.T) {
	n := testNaming(t)
	tests := []struct {
		file    string
		want    ArchiveName
		wantErr bool
	}{
		{file: "20200101-0000-ful.gz", want: ArchiveName{Snapshot: "20200101-0000", Tier: TierMonthly, Ext: ".gz"}},
		{file: "20200105-0000-dif-20200101-0000.zst", want: ArchiveName{Snapshot: "20200105-0000", Tier: TierWeekly, Base: "20200101-0000", Ext: ".zst"}},
		{file: "20200106-0000-inc-20200105-0000.xz", want: ArchiveName{Snapshot: "20200106-0000", Tier: TierDaily, Base: "20200105-0000", Ext: ".xz"}},
		{file: "20200106-0000-inc-20200105-0000.bz2", wantErr: true},
		{file: "20200106-0000.gz", wantErr: true},
		{file: "20200106-0000-xyz.gz", wantErr: true},
		{file: "20200106-0000-inc-20200105-0000.gz.tmp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			got, err := n.ParseArchive(tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseArchive error = %v, wantErr %t", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseArchive = %+v, want %+v", got, tt.want)
			}
			if !tt.wantErr {
				if name := ArchiveFileName(got.Snapshot, got.Tier, got.Base, got.Ext); name != tt.file {
					t.Errorf("ArchiveFileName = %q, want %q", name, tt.file)
				}
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	tests := map[string]Tier{
		"monthly": TierMonthly, "full": TierMonthly, "FUL": TierMonthly,
		"weekly": TierWeekly, "diff": TierWeekly,
		"daily": TierDaily, "inc": TierDaily,
	}
	for in, want := range tests {
		got, err := ParseTier(in)
		if err != nil || got != want {
			t.Errorf("ParseTier(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseTier("hourly"); err == nil {
		t.Error("expected error for hourly")
	}
}

// TestDiscover merges live snapshots and archive files
func TestDiscover(t *testing.T) {
	n := testNaming(t)
	live := []string{"manual-before-upgrade", "20200112-0000", "20200113-0000"}
	files := []ArchiveFile{
		{Name: "20200113-0000-inc-20200112-0000.gz", Size: 2048},
		{Name: "20200101-0000-ful.gz", Size: 1 << 30},
		{Name: "20200112-0000-dif-20200101-0000.gz", Size: 4096},
		{Name: "notes.gz", Size: 1},
	}
	h, warnings := n.Discover(live, files)

	if h.Len() != 3 {
		t.Fatalf("expected 3 snapshots, got %d", h.Len())
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], ErrInvalidArchive) {
		t.Errorf("expected one ErrInvalidArchive warning, got %v", warnings)
	}

	tests := []struct {
		name      string
		state     string
		tier      Tier
		dependsOn string
		size      int64
	}{
		{"20200101-0000", "archived", TierMonthly, "", 1 << 30},
		{"20200112-0000", "exported", TierWeekly, "20200101-0000", 4096},
		{"20200113-0000", "exported", TierDaily, "20200112-0000", 2048},
	}
	for i, tt := range tests {
		s := h.All()[i]
		if s.Name != tt.name {
			t.Fatalf("snapshot %d = %s, want %s", i, s.Name, tt.name)
		}
		if s.State() != tt.state || s.Tier != tt.tier || s.DependsOn != tt.dependsOn || s.ArchiveSize != tt.size {
			t.Errorf("%s: got state=%s tier=%s dependsOn=%q size=%d", s.Name, s.State(), s.Tier, s.DependsOn, s.ArchiveSize)
		}
	}
}

// TestDiscoverWarnings reports ordering, duplicates and broken links
func TestDiscoverWarnings(t *testing.T) {
	n := testNaming(t)
	live := []string{"20200113-0000", "20200112-0000"}
	files := []ArchiveFile{
		{Name: "20200113-0000-inc-20200112-0000.gz"},
		{Name: "20200113-0000-inc-20200111-0000.gz"},
		{Name: "20200114-0000-inc-20200110-0000.gz"},
	}
	_, warnings := n.Discover(live, files)

	for _, want := range []error{ErrOrdering, ErrDuplicate, ErrBrokenChain} {
		found := false
		for _, w := range warnings {
			if errors.Is(w, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %v among %v", want, warnings)
		}
	}
}

func TestConsolidationInfo(t *testing.T) {
	s := &Snapshot{
		Name:         "20200113-0000",
		Tier:         TierDaily,
		HasLive:      true,
		HasArchive:   true,
		ArchiveFile:  "20200113-0000-inc-20200112-0000.gz",
		ArchiveSize:  2048,
		EvictLive:    true,
		EvictArchive: false,
	}
	want := "[D][20200113-0000][has:SF][evict:S-][file:2.0 KiB|20200113-0000-inc-20200112-0000.gz]"
	if got := s.ConsolidationInfo(); got != want {
		t.Errorf("ConsolidationInfo = %q, want %q", got, want)
	}

	gone := &Snapshot{Name: "20200101-0000", Tier: TierMonthly, EvictLive: true, EvictArchive: true}
	if got, want := gone.ConsolidationInfo(), "[M][20200101-0000][has:--][evict:--][file:NA|]"; got != want {
		t.Errorf("ConsolidationInfo = %q, want %q", got, want)
	}
}
