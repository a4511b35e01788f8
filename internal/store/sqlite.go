package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/cyclecast/internal/broadcast"
	"github.com/me/cyclecast/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Suite runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.SuiteRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "suite_runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suite_runs (id, suite, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Suite, run.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert suite run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.SuiteRun, error) {
	s.logger.Debug("sql", "op", "select", "table", "suite_runs", "id", id)
	return s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, suite, started_at FROM suite_runs WHERE id = ?`, id))
}

// LatestRun returns the most recently started run of suite, or nil if the
// suite has never run.
func (s *SQLiteStore) LatestRun(ctx context.Context, suite string) (*model.SuiteRun, error) {
	s.logger.Debug("sql", "op", "select_latest", "table", "suite_runs", "suite", suite)
	return s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, suite, started_at FROM suite_runs WHERE suite = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`, suite))
}

func (s *SQLiteStore) scanRun(row *sql.Row) (*model.SuiteRun, error) {
	var run model.SuiteRun
	var startedAt string
	err := row.Scan(&run.ID, &run.Suite, &startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	return &run, nil
}

// --- Broadcast change records ---

// RecordChanges appends records for runID in a single transaction.
func (s *SQLiteStore) RecordChanges(ctx context.Context, runID string, records []model.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "insert", "table", "broadcast_settings", "run_id", runID, "count", len(records))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO broadcast_settings (run_id, timestamp, broadcast, codec_version) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			runID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Snapshot, broadcast.CodecVersion,
		); err != nil {
			return fmt.Errorf("insert broadcast change: %w", err)
		}
	}
	return tx.Commit()
}

// ListChanges returns the records of runID, oldest first, and the total count.
func (s *SQLiteStore) ListChanges(ctx context.Context, runID string, opts model.ListOptions) ([]*model.StoredChange, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "broadcast_settings", "run_id", runID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcast_settings WHERE run_id = ?`, runID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, timestamp, broadcast FROM broadcast_settings
		 WHERE run_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		runID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var changes []*model.StoredChange
	for rows.Next() {
		var c model.StoredChange
		var ts string
		if err := rows.Scan(&c.ID, &c.RunID, &ts, &c.Snapshot); err != nil {
			return nil, 0, err
		}
		c.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		changes = append(changes, &c)
	}
	return changes, total, rows.Err()
}

// LatestSnapshot returns the most recent snapshot recorded for runID, or nil
// if none was recorded.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, runID string) ([]byte, error) {
	s.logger.Debug("sql", "op", "select_latest", "table", "broadcast_settings", "run_id", runID)

	var snap []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT broadcast FROM broadcast_settings WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}
