package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration upgrades the schema to ToVersion. Migrations are additive
// only: they create collections and indexes, never destroy data. Each
// runs inside a transaction together with the user_version bump, so a
// crash mid-upgrade leaves the previous version intact.
type migration struct {
	ToVersion int
	Apply     func(tx *sql.Tx) error
}

// migrations is the ordered registry applied at open. A version bump
// whose function only creates new tables is a no-op for existing data.
var migrations = []migration{
	{
		ToVersion: 1,
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS jobs (
				id INTEGER PRIMARY KEY,
				title TEXT NOT NULL,
				company TEXT NOT NULL,
				location TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				match_score INTEGER,
				source TEXT NOT NULL DEFAULT 'manual',
				jd_markdown TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				applied_at INTEGER,
				starred INTEGER NOT NULL DEFAULT 0,
				synced_at INTEGER
			);
			CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

			CREATE TABLE IF NOT EXISTS resumes (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				is_default INTEGER NOT NULL DEFAULT 0,
				use_count INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT '',
				parse_status TEXT NOT NULL DEFAULT 'success',
				parse_errors TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				synced_at INTEGER
			);

			CREATE TABLE IF NOT EXISTS tailored_resumes (
				id INTEGER PRIMARY KEY,
				job_id INTEGER NOT NULL,
				resume_id INTEGER NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				suggestions_json TEXT NOT NULL DEFAULT '[]',
				version INTEGER NOT NULL DEFAULT 1,
				is_new INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				synced_at INTEGER
			);
			CREATE INDEX IF NOT EXISTS idx_tailored_job ON tailored_resumes(job_id);

			CREATE TABLE IF NOT EXISTS action_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				retry_count INTEGER NOT NULL DEFAULT 0
			);`)
			return err
		},
	},
	{
		ToVersion: 2,
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS cache_metadata (
				key TEXT PRIMARY KEY,
				last_fetched_at INTEGER NOT NULL
			);`)
			return err
		},
	},
	{
		ToVersion: 3,
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS chat_snapshots (
				conversation_id TEXT PRIMARY KEY,
				transcript_json TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);`)
			return err
		},
	},
}

// runMigrations applies every registered migration above the database's
// current user_version, in order.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.ToVersion <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration to v%d: %w", m.ToVersion, err)
		}

		if err := m.Apply(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration to v%d: %w", m.ToVersion, err)
		}
		// PRAGMA does not support placeholders.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.ToVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version to v%d: %w", m.ToVersion, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration to v%d: %w", m.ToVersion, err)
		}

		logger.Info("schema migrated", "from", current, "to", m.ToVersion)
		current = m.ToVersion
	}

	return nil
}
