package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                    UUID PRIMARY KEY,
		workflow_id           UUID NOT NULL,
		status                TEXT NOT NULL,
		dependencies          JSONB NOT NULL DEFAULT '[]',
		original_dependencies JSONB NOT NULL DEFAULT '[]',
		runtime               TEXT NOT NULL DEFAULT '',
		type                  TEXT NOT NULL DEFAULT '',
		provider              TEXT NOT NULL DEFAULT '',
		scenario              TEXT NOT NULL DEFAULT '',
		language              TEXT NOT NULL DEFAULT '',
		request               JSONB,
		input                 JSONB,
		result                JSONB,
		scripts               JSONB,
		metadata              JSONB,
		created               TIMESTAMPTZ NOT NULL,
		updated               TIMESTAMPTZ NOT NULL,
		concurrency_token     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_workflow_id ON jobs (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_updated ON jobs (updated)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_created ON jobs (created)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                    TEXT PRIMARY KEY,
		workflow_id           TEXT NOT NULL,
		status                TEXT NOT NULL,
		dependencies          TEXT NOT NULL DEFAULT '[]',
		original_dependencies TEXT NOT NULL DEFAULT '[]',
		runtime               TEXT NOT NULL DEFAULT '',
		type                  TEXT NOT NULL DEFAULT '',
		provider              TEXT NOT NULL DEFAULT '',
		scenario              TEXT NOT NULL DEFAULT '',
		language              TEXT NOT NULL DEFAULT '',
		request               TEXT,
		input                 TEXT,
		result                TEXT,
		scripts               TEXT,
		metadata              TEXT,
		created               DATETIME NOT NULL,
		updated               DATETIME NOT NULL,
		concurrency_token     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_workflow_id ON jobs (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_updated ON jobs (updated)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_created ON jobs (created)`,
}

// Migrate creates the jobs table and its indexes for the driver of db
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var statements []string
	switch db.DriverName() {
	case "postgres":
		statements = postgresSchema
	case "sqlite3":
		statements = sqliteSchema
	default:
		return fmt.Errorf("no schema for database driver %q", db.DriverName())
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
