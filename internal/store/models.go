package store

import "time"

// Run records one command executed against one volume
type Run struct {
	ID               string
	Command          string // "backup", "consolidate", "restore", "snapshot", "remove-snapshot", "remove-backup"
	Volume           string
	StartTime        time.Time
	EndTime          time.Time
	Exported         int
	SnapshotsRemoved int
	ArchivesDeleted  int
	Failed           int
	BytesWritten     int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// ExportRecord tracks one export attempt
type ExportRecord struct {
	ID        int64
	RunID     string
	Volume    string
	Snapshot  string
	Tier      string
	Base      string
	File      string
	Size      int64
	Duration  time.Duration
	Success   bool
	Error     string
	CreatedAt time.Time
}

// RestoreStep tracks one executed step of a restore plan
type RestoreStep struct {
	ID        int64
	RunID     string
	Seq       int
	Kind      string // "import", "revert", "remove"
	Snapshot  string
	File      string
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Job is the state of a scheduled command
type Job struct {
	ID        int64
	Type      string // "backup", "consolidate"
	CronExpr  string
	Status    string // "scheduled", "running", "completed", "failed"
	LastRun   time.Time
	NextRun   time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FailedExport is a snapshot whose export keeps failing
type FailedExport struct {
	ID           int64
	Volume       string
	Snapshot     string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
