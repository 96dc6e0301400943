package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

// TestNewReopen runs migrations once per database file
func TestNewReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	run := &Run{Command: "backup", Volume: "rook-ceph/mysql/data-mysql-0", StartTime: time.Now()}
	if err := first.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	second, err := New(path, logger)
	if err != nil {
		t.Fatalf("reopening failed: %v", err)
	}
	defer second.Close()

	var version int
	if err := second.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("reading schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected schema version 2, got %d", version)
	}
	if _, err := second.GetRun(run.ID); err != nil {
		t.Errorf("expected run to survive reopen: %v", err)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

// ============================================================================
// Run Tests
// ============================================================================

func TestCreateRun(t *testing.T) {
	store := newTestStore(t)

	run := &Run{
		Command:   "backup",
		Volume:    "rook-ceph/mysql/data-mysql-0",
		StartTime: time.Now(),
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	if len(run.ID) != 36 {
		t.Errorf("Expected UUID run ID, got %q", run.ID)
	}
	if run.Status != "running" {
		t.Errorf("Expected default status running, got %q", run.Status)
	}

	retrieved, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if retrieved.Command != "backup" || retrieved.Volume != run.Volume {
		t.Errorf("Run mismatch: got %+v", retrieved)
	}
}

func TestUpdateRun(t *testing.T) {
	store := newTestStore(t)

	run := &Run{Command: "consolidate", Volume: "rook-ceph/mysql/data-mysql-0", StartTime: time.Now()}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	run.EndTime = time.Now()
	run.Exported = 3
	run.SnapshotsRemoved = 2
	run.ArchivesDeleted = 1
	run.Failed = 1
	run.BytesWritten = 1 << 20
	run.Status = "partial"
	run.ErrorMessage = "1 export failed"
	if err := store.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	retrieved, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if retrieved.Exported != 3 || retrieved.SnapshotsRemoved != 2 || retrieved.ArchivesDeleted != 1 {
		t.Errorf("Counters mismatch: got %+v", retrieved)
	}
	if retrieved.BytesWritten != 1<<20 {
		t.Errorf("BytesWritten mismatch: got %d", retrieved.BytesWritten)
	}
	if retrieved.Status != "partial" || retrieved.ErrorMessage != "1 export failed" {
		t.Errorf("Status mismatch: got %q / %q", retrieved.Status, retrieved.ErrorMessage)
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateRun(&Run{ID: "missing", Command: "backup", StartTime: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, vol := range []string{"ns/a/v1", "ns/b/v2", "ns/a/v1"} {
		run := &Run{Command: "backup", Volume: vol, StartTime: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateRun(run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
	}

	all, err := store.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(all))
	}
	if !all[0].StartTime.After(all[1].StartTime) {
		t.Error("Expected newest run first")
	}

	filtered, err := store.ListRuns("ns/a/v1", 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("Expected 2 runs for ns/a/v1, got %d", len(filtered))
	}

	limited, err := store.ListRuns("", 1)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 run with limit, got %d", len(limited))
	}
}

// ============================================================================
// ExportRecord Tests
// ============================================================================

func TestExportRecords(t *testing.T) {
	store := newTestStore(t)

	run := &Run{Command: "backup", Volume: "ns/app/data", StartTime: time.Now()}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	records := []*ExportRecord{
		{RunID: run.ID, Volume: run.Volume, Snapshot: "20200101-0000", Tier: "monthly", File: "20200101-0000-ful.gz", Size: 4096, Duration: 1500 * time.Millisecond, Success: true},
		{RunID: run.ID, Volume: run.Volume, Snapshot: "20200102-0000", Tier: "weekly", Base: "20200101-0000", File: "20200102-0000-dif-20200101-0000.gz", Error: "exit status 1"},
	}
	for _, rec := range records {
		if err := store.AddExportRecord(rec); err != nil {
			t.Fatalf("AddExportRecord() failed: %v", err)
		}
		if rec.ID == 0 {
			t.Error("Expected ID to be set")
		}
	}

	got, err := store.ListExportRecords(run.ID)
	if err != nil {
		t.Fatalf("ListExportRecords() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].Duration != 1500*time.Millisecond || !got[0].Success {
		t.Errorf("First record mismatch: %+v", got[0])
	}
	if got[1].Base != "20200101-0000" || got[1].Success || got[1].Error != "exit status 1" {
		t.Errorf("Second record mismatch: %+v", got[1])
	}

	total, err := store.SumExportedBytes(run.Volume)
	if err != nil {
		t.Fatalf("SumExportedBytes() failed: %v", err)
	}
	if total != 4096 {
		t.Errorf("Expected 4096 exported bytes, got %d", total)
	}
}

// ============================================================================
// RestoreStep Tests
// ============================================================================

func TestRestoreSteps(t *testing.T) {
	store := newTestStore(t)

	run := &Run{Command: "restore", Volume: "ns/app/data", StartTime: time.Now()}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	steps := []*RestoreStep{
		{RunID: run.ID, Seq: 2, Kind: "revert", Snapshot: "20200105-0000", Error: "image busy"},
		{RunID: run.ID, Seq: 1, Kind: "import", Snapshot: "20200101-0000", File: "20200101-0000-ful.gz", Success: true},
	}
	for _, step := range steps {
		if err := store.AddRestoreStep(step); err != nil {
			t.Fatalf("AddRestoreStep() failed: %v", err)
		}
	}

	got, err := store.ListRestoreSteps(run.ID)
	if err != nil {
		t.Fatalf("ListRestoreSteps() failed: %v", err)
	}
	if len(got) != 2 || got[0].Kind != "import" || got[1].Kind != "revert" {
		t.Fatalf("Expected import then revert, got %+v", got)
	}
	if got[1].Success || got[1].Error != "image busy" {
		t.Errorf("Revert step mismatch: %+v", got[1])
	}
}

// ============================================================================
// FailedExport Tests
// ============================================================================

func TestFailedExports(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		rec := &FailedExport{Volume: "ns/app/data", Snapshot: "20200102-0000", Error: "export-diff failed"}
		if err := store.AddFailedExport(rec); err != nil {
			t.Fatalf("AddFailedExport() failed: %v", err)
		}
	}
	if err := store.AddFailedExport(&FailedExport{Volume: "ns/other/data", Snapshot: "20200102-0000", Error: "timeout"}); err != nil {
		t.Fatalf("AddFailedExport() failed: %v", err)
	}

	got, err := store.ListFailedExports("ns/app/data")
	if err != nil {
		t.Fatalf("ListFailedExports() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected one record per snapshot, got %d", len(got))
	}
	if got[0].RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", got[0].RetryCount)
	}

	if err := store.ResolveFailedExports("ns/app/data", "20200102-0000"); err != nil {
		t.Fatalf("ResolveFailedExports() failed: %v", err)
	}
	all, err := store.ListFailedExports("")
	if err != nil {
		t.Fatalf("ListFailedExports() failed: %v", err)
	}
	if len(all) != 1 || all[0].Volume != "ns/other/data" {
		t.Errorf("Expected only the other volume unresolved, got %+v", all)
	}
}

// ============================================================================
// Job Tests
// ============================================================================

func TestUpsertJob(t *testing.T) {
	store := newTestStore(t)

	job := &Job{Type: "backup", CronExpr: "0 1 * * *", Status: "scheduled", NextRun: time.Now().Add(time.Hour)}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}
	firstID := job.ID
	if firstID == 0 {
		t.Fatal("Expected ID to be set")
	}

	job.Status = "failed"
	job.LastRun = time.Now()
	job.LastError = "2 volumes failed"
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}
	if job.ID != firstID {
		t.Errorf("Expected same job ID %d, got %d", firstID, job.ID)
	}

	consolidate := &Job{Type: "consolidate", CronExpr: "0 3 * * *", Status: "scheduled", NextRun: time.Now().Add(3 * time.Hour)}
	if err := store.UpsertJob(consolidate); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}

	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs() failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Type != "backup" || jobs[0].Status != "failed" || jobs[0].LastError != "2 volumes failed" {
		t.Errorf("Backup job mismatch: %+v", jobs[0])
	}
}
