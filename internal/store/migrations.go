package store

import (
	"fmt"
)

// migration is one forward-only schema change
type migration struct {
	version int
	name    string
	sql     string
}

// schema lists the ledger migrations in version order
var schema = []migration{
	{
		version: 1,
		name:    "runs, exports and jobs",
		sql: `
			CREATE TABLE runs (
				id TEXT PRIMARY KEY,
				command TEXT NOT NULL,
				volume TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				end_time DATETIME,
				exported INTEGER DEFAULT 0,
				snapshots_removed INTEGER DEFAULT 0,
				archives_deleted INTEGER DEFAULT 0,
				failed INTEGER DEFAULT 0,
				bytes_written INTEGER DEFAULT 0,
				status TEXT DEFAULT 'running',
				error_message TEXT
			);

			CREATE INDEX idx_runs_volume ON runs(volume, start_time);

			CREATE TABLE export_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES runs(id),
				volume TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				tier TEXT NOT NULL,
				base TEXT,
				file TEXT NOT NULL,
				size INTEGER DEFAULT 0,
				duration_ms INTEGER DEFAULT 0,
				success BOOLEAN DEFAULT 0,
				error TEXT,
				created_at DATETIME NOT NULL
			);

			CREATE INDEX idx_export_records_run ON export_records(run_id);

			CREATE TABLE jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL UNIQUE,
				cron_expr TEXT,
				status TEXT DEFAULT 'scheduled',
				last_run DATETIME,
				next_run DATETIME,
				last_error TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 2,
		name:    "restore steps and failed exports",
		sql: `
			CREATE TABLE restore_steps (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES runs(id),
				seq INTEGER NOT NULL,
				kind TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				file TEXT,
				success BOOLEAN DEFAULT 0,
				error TEXT,
				created_at DATETIME NOT NULL
			);

			CREATE TABLE failed_exports (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				volume TEXT NOT NULL,
				snapshot TEXT NOT NULL,
				error TEXT,
				retry_count INTEGER DEFAULT 0,
				first_failure DATETIME NOT NULL,
				last_failure DATETIME NOT NULL,
				resolved BOOLEAN DEFAULT 0
			);

			CREATE INDEX idx_failed_exports_snapshot ON failed_exports(volume, snapshot, resolved);
		`,
	},
}

// migrate brings the database up to the latest schema version
func (s *Store) migrate() error {
	const versionTable = `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(versionTable); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	s.logger.Debug("ledger schema", "version", current, "latest", schema[len(schema)-1].version)

	for _, m := range schema {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied ledger migration", "version", m.version, "name", m.name)
	}
	return nil
}

// apply runs one migration and records its version in the same transaction
func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}
