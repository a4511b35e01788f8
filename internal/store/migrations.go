package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all cyclecast tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS suite_runs (
		id         TEXT PRIMARY KEY,
		suite      TEXT NOT NULL,
		started_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_suite_runs_suite ON suite_runs(suite, started_at)`,

	// One row per journaled change; broadcast holds the encoded tree.
	`CREATE TABLE IF NOT EXISTS broadcast_settings (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id    TEXT NOT NULL REFERENCES suite_runs(id),
		timestamp TEXT NOT NULL,
		broadcast BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_broadcast_settings_run ON broadcast_settings(run_id, id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "broadcast_settings",
		column:   "codec_version",
		alterSQL: "ALTER TABLE broadcast_settings ADD COLUMN codec_version TEXT NOT NULL DEFAULT '1'",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
