package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence of the run ledger
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases exist per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run, assigning a UUID when ID is empty
func (s *Store) CreateRun(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = "running"
	}

	const query = `
		INSERT INTO runs (
			id, command, volume, start_time, end_time, exported, snapshots_removed,
			archives_deleted, failed, bytes_written, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.Command, run.Volume, run.StartTime, run.EndTime, run.Exported,
		run.SnapshotsRemoved, run.ArchivesDeleted, run.Failed, run.BytesWritten,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			command = ?, volume = ?, start_time = ?, end_time = ?, exported = ?,
			snapshots_removed = ?, archives_deleted = ?, failed = ?, bytes_written = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Command, run.Volume, run.StartTime, run.EndTime, run.Exported,
		run.SnapshotsRemoved, run.ArchivesDeleted, run.Failed, run.BytesWritten,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `
	id, command, volume, start_time, end_time, exported, snapshots_removed,
	archives_deleted, failed, bytes_written, status, error_message
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID, &run.Command, &run.Volume, &run.StartTime, &run.EndTime,
		&run.Exported, &run.SnapshotsRemoved, &run.ArchivesDeleted, &run.Failed,
		&run.BytesWritten, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves Runs newest first, optionally filtered by volume
func (s *Store) ListRuns(volume string, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []interface{}

	if volume != "" {
		query += " WHERE volume = ?"
		args = append(args, volume)
	}

	query += " ORDER BY start_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// ExportRecord Operations
// ============================================================================

// AddExportRecord inserts an ExportRecord and sets its ID
func (s *Store) AddExportRecord(rec *ExportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO export_records (
			run_id, volume, snapshot, tier, base, file, size, duration_ms, success, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		rec.RunID, rec.Volume, rec.Snapshot, rec.Tier, rec.Base, rec.File, rec.Size,
		rec.Duration.Milliseconds(), rec.Success, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert export record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListExportRecords retrieves the ExportRecords of a run in insertion order
func (s *Store) ListExportRecords(runID string) ([]ExportRecord, error) {
	const query = `
		SELECT id, run_id, volume, snapshot, tier, base, file, size, duration_ms, success, error, created_at
		FROM export_records WHERE run_id = ? ORDER BY id ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query export records: %w", err)
	}
	defer rows.Close()

	var records []ExportRecord
	for rows.Next() {
		rec := ExportRecord{}
		var durationMS int64
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Volume, &rec.Snapshot, &rec.Tier, &rec.Base, &rec.File,
			&rec.Size, &durationMS, &rec.Success, &rec.Error, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export record: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export records: %w", err)
	}

	return records, nil
}

// SumExportedBytes returns the bytes written by successful exports of a volume
func (s *Store) SumExportedBytes(volume string) (int64, error) {
	var total int64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(size), 0) FROM export_records WHERE volume = ? AND success = 1",
		volume,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum exported bytes: %w", err)
	}
	return total, nil
}

// ============================================================================
// RestoreStep Operations
// ============================================================================

// AddRestoreStep inserts a RestoreStep and sets its ID
func (s *Store) AddRestoreStep(step *RestoreStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO restore_steps (run_id, seq, kind, snapshot, file, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		step.RunID, step.Seq, step.Kind, step.Snapshot, step.File, step.Success, step.Error, step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert restore step: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	step.ID = id
	return nil
}

// ListRestoreSteps retrieves the steps of a restore run in execution order
func (s *Store) ListRestoreSteps(runID string) ([]RestoreStep, error) {
	const query = `
		SELECT id, run_id, seq, kind, snapshot, file, success, error, created_at
		FROM restore_steps WHERE run_id = ? ORDER BY seq ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query restore steps: %w", err)
	}
	defer rows.Close()

	var steps []RestoreStep
	for rows.Next() {
		step := RestoreStep{}
		err := rows.Scan(
			&step.ID, &step.RunID, &step.Seq, &step.Kind, &step.Snapshot, &step.File,
			&step.Success, &step.Error, &step.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan restore step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating restore steps: %w", err)
	}

	return steps, nil
}

// ============================================================================
// FailedExport Operations
// ============================================================================

// AddFailedExport records a failed export. An unresolved record for the
// same volume and snapshot has its retry count incremented instead.
func (s *Store) AddFailedExport(rec *FailedExport) error {
	now := time.Now()
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = now
	}
	if rec.LastFailure.IsZero() {
		rec.LastFailure = now
	}

	const updateQuery = `
		UPDATE failed_exports
		SET error = ?, retry_count = retry_count + 1, last_failure = ?
		WHERE volume = ? AND snapshot = ? AND resolved = 0
	`

	result, err := s.db.Exec(updateQuery, rec.Error, rec.LastFailure, rec.Volume, rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to update failed export: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_exports (
			volume, snapshot, error, retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.Volume, rec.Snapshot, rec.Error, rec.RetryCount, rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed export: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ResolveFailedExports marks the unresolved failures of a snapshot resolved
func (s *Store) ResolveFailedExports(volume, snapshot string) error {
	_, err := s.db.Exec(
		"UPDATE failed_exports SET resolved = 1 WHERE volume = ? AND snapshot = ? AND resolved = 0",
		volume, snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve failed exports: %w", err)
	}
	return nil
}

// ListFailedExports retrieves unresolved failures, optionally for one volume
func (s *Store) ListFailedExports(volume string) ([]FailedExport, error) {
	query := `
		SELECT id, volume, snapshot, error, retry_count, first_failure, last_failure, resolved
		FROM failed_exports WHERE resolved = 0
	`
	var args []interface{}
	if volume != "" {
		query += " AND volume = ?"
		args = append(args, volume)
	}
	query += " ORDER BY last_failure DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed exports: %w", err)
	}
	defer rows.Close()

	var records []FailedExport
	for rows.Next() {
		rec := FailedExport{}
		err := rows.Scan(
			&rec.ID, &rec.Volume, &rec.Snapshot, &rec.Error, &rec.RetryCount,
			&rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed export: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed exports: %w", err)
	}

	return records, nil
}

// ============================================================================
// Job Operations
// ============================================================================

// UpsertJob inserts or updates the Job of the same type and sets its ID
func (s *Store) UpsertJob(job *Job) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	const query = `
		INSERT INTO jobs (type, cron_expr, status, last_run, next_run, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			status = excluded.status,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(
		query,
		job.Type, job.CronExpr, job.Status, job.LastRun, job.NextRun, job.LastError,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	if err := s.db.QueryRow("SELECT id FROM jobs WHERE type = ?", job.Type).Scan(&job.ID); err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}
	return nil
}

// ListJobs retrieves Jobs ordered by next run
func (s *Store) ListJobs() ([]Job, error) {
	const query = `
		SELECT id, type, cron_expr, status, last_run, next_run, last_error, created_at, updated_at
		FROM jobs ORDER BY next_run ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job := Job{}
		err := rows.Scan(
			&job.ID, &job.Type, &job.CronExpr, &job.Status, &job.LastRun, &job.NextRun,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
