// Package store records acquisition sessions and their baseline tables in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/sample"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    port TEXT NOT NULL,
    "rows" INTEGER NOT NULL,
    cols INTEGER NOT NULL,
    finished_at INTEGER,
    samples INTEGER NOT NULL DEFAULT 0,
    frames INTEGER NOT NULL DEFAULT 0,
    lost INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS baselines (
    session_id TEXT NOT NULL REFERENCES sessions(id),
    "row" INTEGER NOT NULL,
    col INTEGER NOT NULL,
    c0 REAL NOT NULL,
    samples INTEGER NOT NULL,
    stddev REAL NOT NULL,
    PRIMARY KEY (session_id, "row", col)
);`

// Session is one acquisition run.
type Session struct {
	ID         string
	StartedAt  time.Time
	Port       string
	Rows       int
	Cols       int
	FinishedAt time.Time // Zero while the session is running
	Samples    uint64
	Frames     uint64
	Lost       uint64
}

// Summary holds the counters written when a session ends.
type Summary struct {
	Samples uint64
	Frames  uint64
	Lost    uint64
}

// Store is a SQLite-backed session store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session and returns it.
func (s *Store) StartSession(ctx context.Context, port string, rows, cols int, startedAt time.Time) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
		Port:      port,
		Rows:      rows,
		Cols:      cols,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, port, "rows", cols) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, startedAt.UnixNano(), port, rows, cols)
	if err != nil {
		return Session{}, fmt.Errorf("store: start session: %w", err)
	}
	return sess, nil
}

// FinishSession stores the end time and counters of a session.
func (s *Store) FinishSession(ctx context.Context, id string, finishedAt time.Time, sum Summary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, samples = ?, frames = ?, lost = ? WHERE id = ?`,
		finishedAt.UnixNano(), int64(sum.Samples), int64(sum.Frames), int64(sum.Lost), id)
	if err != nil {
		return fmt.Errorf("store: finish session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: finish session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveBaselines replaces the baseline table of a session.
func (s *Store) SaveBaselines(ctx context.Context, id string, reports []calibration.NodeReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baselines WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("store: clear baselines: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO baselines (session_id, "row", col, c0, samples, stddev) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare baselines: %w", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		if _, err := stmt.ExecContext(ctx, id, r.Key.Row, r.Key.Col, r.C0, r.Samples, r.StdDev); err != nil {
			return fmt.Errorf("store: insert baseline %s: %w", r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit baselines: %w", err)
	}
	return nil
}

// Baselines returns the stored C0 table of a session.
func (s *Store) Baselines(ctx context.Context, id string) (calibration.Table, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT "row", col, c0 FROM baselines WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query baselines: %w", err)
	}
	defer rows.Close()

	table := make(calibration.Table)
	for rows.Next() {
		var r, c uint32
		var c0 float64
		if err := rows.Scan(&r, &c, &c0); err != nil {
			return nil, fmt.Errorf("store: scan baseline: %w", err)
		}
		table[sample.Key(r, c)] = c0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read baselines: %w", err)
	}
	return table, nil
}

// Session returns one session.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: session %s: %w", id, err)
	}
	return sess, nil
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read sessions: %w", err)
	}
	return out, nil
}

const sessionColumns = `id, started_at, port, "rows", cols, finished_at, samples, frames, lost`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess     Session
		started  int64
		finished sql.NullInt64
		samples  int64
		frames   int64
		lost     int64
	)
	if err := sc.Scan(&sess.ID, &started, &sess.Port, &sess.Rows, &sess.Cols, &finished, &samples, &frames, &lost); err != nil {
		return Session{}, err
	}
	sess.StartedAt = time.Unix(0, started)
	if finished.Valid {
		sess.FinishedAt = time.Unix(0, finished.Int64)
	}
	sess.Samples = uint64(samples)
	sess.Frames = uint64(frames)
	sess.Lost = uint64(lost)
	return sess, nil
}
