// Package history keeps the deployment audit log in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hookrelay/internal/security"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const timeLayout = time.RFC3339Nano

// History manages deployment history in SQLite
type History struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*History, error) {
	if dbPath != MemoryPath {
		// Create the file up front so it gets restrictive permissions.
		f, err := security.OpenAppendFile(dbPath, security.PermDBFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		f.Close()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			delivery_id TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER,
			commit_sha TEXT,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_repo_id
		ON deployments(repo, id DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Record inserts r and returns its ID. A zero StartedAt is set to now;
// CompletedAt defaults to now as well.
func (h *History) Record(ctx context.Context, r *Record) (int64, error) {
	now := time.Now().UTC()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	completed := now
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC()
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO deployments
		(repo, branch, ref, status, version, delivery_id, started_at,
		 completed_at, duration_ms, commit_sha, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.Repo,
		r.Branch,
		r.Ref,
		r.Status,
		r.Version,
		r.DeliveryID,
		r.StartedAt.UTC().Format(timeLayout),
		completed.Format(timeLayout),
		r.DurationMs,
		r.Commit,
		r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	r.ID = id

	return id, nil
}

const selectColumns = `
	SELECT id, repo, branch, ref, status, version, delivery_id, started_at,
	       completed_at, duration_ms, commit_sha, error_message
	FROM deployments`

// Latest returns the most recent record for a repository, or nil.
func (h *History) Latest(ctx context.Context, repo string) (*Record, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+`
		WHERE repo = ?
		ORDER BY id DESC
		LIMIT 1
	`, repo)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest deployment: %w", err)
	}

	return record, nil
}

// Recent returns up to limit records for a repository, newest first.
func (h *History) Recent(ctx context.Context, repo string, limit int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE repo = ?
		ORDER BY id DESC
		LIMIT ?
	`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	return collect(rows)
}

// LatestPerRepo returns the newest record of every repository that has one.
func (h *History) LatestPerRepo(ctx context.Context) (map[string]*Record, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE id IN (SELECT MAX(id) FROM deployments GROUP BY repo)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repository status: %w", err)
	}

	records, err := collect(rows)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*Record, len(records))
	for i := range records {
		result[records[i].Repo] = &records[i]
	}
	return result, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var record Record
	var startedAt string
	var completedAt sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Repo,
		&record.Branch,
		&record.Ref,
		&record.Status,
		&record.Version,
		&record.DeliveryID,
		&startedAt,
		&completedAt,
		&record.DurationMs,
		&record.Commit,
		&record.Error,
	)
	if err != nil {
		return nil, err
	}

	record.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}

	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &t
	}

	return &record, nil
}
