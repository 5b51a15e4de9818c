// Package repository persists run records and archive entries in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

// ErrDuplicate is returned when an archive entry for the run already exists.
var ErrDuplicate = errors.New("archive entry already exists")

// SQLiteStore stores runs and archive entries using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every new connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			dataset_id TEXT,
			features TEXT,
			run_dir TEXT,
			pid INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			exit TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE TABLE IF NOT EXISTS archive_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			features TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME NOT NULL,
			completed_at DATETIME,
			output_path TEXT,
			log_path TEXT,
			final_state TEXT NOT NULL,
			exit TEXT,
			metrics TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_ended ON archive_entries(ended_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.RunRecord) error {
	features, err := marshalNullable(run.Features, len(run.Features) > 0)
	if err != nil {
		return err
	}
	exit, err := marshalNullable(run.Exit, run.Exit != nil)
	if err != nil {
		return err
	}
	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, state, dataset_id, features, run_dir, pid, started_at, ended_at, exit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   state = excluded.state, pid = excluded.pid, ended_at = excluded.ended_at, exit = excluded.exit`,
		run.RunID, run.State, nullString(run.DatasetID), features, nullString(run.RunDir), run.PID,
		run.StartedAt.UTC(), endedAt, exit)
	return err
}

// GetRun returns the run or nil when it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var datasetID, features, runDir, exit sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, state, dataset_id, features, run_dir, pid, started_at, ended_at, exit FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.State, &datasetID, &features, &runDir, &run.PID, &run.StartedAt, &endedAt, &exit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.DatasetID = datasetID.String
	run.RunDir = runDir.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if err := unmarshalNullable(features, &run.Features); err != nil {
		return nil, err
	}
	if exit.Valid {
		run.Exit = &domain.ExitOutcome{}
		if err := json.Unmarshal([]byte(exit.String), run.Exit); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

// FailInterruptedRuns marks runs left active by a previous process as FAILED.
// It returns how many were updated.
func (s *SQLiteStore) FailInterruptedRuns(ctx context.Context, reason string) (int64, error) {
	exit, _ := json.Marshal(domain.ExitOutcome{Code: -1, Error: reason})
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, pid = 0, ended_at = ?, exit = ? WHERE state IN (?, ?, ?)`,
		domain.RunStateFailed, time.Now().UTC(), string(exit),
		domain.RunStateStarting, domain.RunStateRunning, domain.RunStateStopping)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateArchiveEntry appends an entry. A second entry for the same run fails
// with ErrDuplicate.
func (s *SQLiteStore) CreateArchiveEntry(ctx context.Context, entry *domain.ArchiveEntry) error {
	features, err := marshalNullable(entry.Features, len(entry.Features) > 0)
	if err != nil {
		return err
	}
	final, err := json.Marshal(entry.Final)
	if err != nil {
		return err
	}
	exit, err := marshalNullable(entry.Exit, entry.Exit != nil)
	if err != nil {
		return err
	}
	metrics, err := marshalNullable(entry.Metrics, entry.Metrics != nil)
	if err != nil {
		return err
	}
	var completedAt sql.NullTime
	if entry.CompletedAt != nil {
		completedAt = sql.NullTime{Time: entry.CompletedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archive_entries (run_id, status, features, started_at, ended_at, completed_at, output_path, log_path, final_state, exit, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Status, features, entry.StartedAt.UTC(), entry.EndedAt.UTC(), completedAt,
		nullStringPtr(entry.OutputPath), nullStringPtr(entry.LogPath), string(final), exit, metrics)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicate, entry.RunID)
	}
	return err
}

const archiveColumns = `run_id, status, features, started_at, ended_at, completed_at, output_path, log_path, final_state, exit, metrics`

// GetArchiveEntry returns the entry for runID or nil when absent.
func (s *SQLiteStore) GetArchiveEntry(ctx context.Context, runID string) (*domain.ArchiveEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+archiveColumns+` FROM archive_entries WHERE run_id = ?`, runID)
	entry, err := scanArchiveEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListArchiveEntries returns entries most recent first by end time.
func (s *SQLiteStore) ListArchiveEntries(ctx context.Context, limit int) ([]domain.ArchiveEntry, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_entries ORDER BY ended_at DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ArchiveEntry
	for rows.Next() {
		entry, err := scanArchiveEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchiveEntry(row scanner) (*domain.ArchiveEntry, error) {
	var entry domain.ArchiveEntry
	var features, outputPath, logPath, exit, metrics sql.NullString
	var final string
	var completedAt sql.NullTime
	if err := row.Scan(&entry.RunID, &entry.Status, &features, &entry.StartedAt, &entry.EndedAt, &completedAt,
		&outputPath, &logPath, &final, &exit, &metrics); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		entry.CompletedAt = &completedAt.Time
	}
	if outputPath.Valid {
		entry.OutputPath = &outputPath.String
	}
	if logPath.Valid {
		entry.LogPath = &logPath.String
	}
	if err := unmarshalNullable(features, &entry.Features); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(final), &entry.Final); err != nil {
		return nil, err
	}
	if exit.Valid {
		entry.Exit = &domain.ExitOutcome{}
		if err := json.Unmarshal([]byte(exit.String), entry.Exit); err != nil {
			return nil, err
		}
	}
	if metrics.Valid {
		entry.Metrics = &domain.OutputMetrics{}
		if err := json.Unmarshal([]byte(metrics.String), entry.Metrics); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
