// Package state keeps a SQLite ledger of update passes and installed packages.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Pass outcomes
const (
	OutcomeRunning = "running"
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// ErrNotFound is returned when a pass id is unknown
var ErrNotFound = errors.New("not found")

// Pass is one row of the passes table
type Pass struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Platform   string    `json:"platform"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Packages   int       `json:"packages"`
}

// Package is one installed package file
type Package struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	MIME        string    `json:"mime"`
	PassID      string    `json:"pass_id"`
	InstalledAt time.Time `json:"installed_at"`
}

// Store wraps an sql.DB holding the ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Pragmas: busy timeout and WAL so a reader never blocks a running pass.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DefaultPath returns the ledger location inside dir
func DefaultPath(dir string) string {
	return filepath.Join(dir, "ledger.db")
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS passes (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    platform TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    outcome TEXT NOT NULL,
    error TEXT,
    packages INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);
CREATE TABLE IF NOT EXISTS packages (
    name TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    hash TEXT NOT NULL,
    mime TEXT,
    pass_id TEXT,
    installed_at INTEGER NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// BeginPass inserts a running pass.
func (s *Store) BeginPass(ctx context.Context, p Pass) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passes(id, version, platform, started_at, outcome) VALUES(?, ?, ?, ?, ?)`,
		p.ID, p.Version, p.Platform, p.StartedAt.UnixMilli(), OutcomeRunning)
	return err
}

// FinishPass records the outcome of a pass started with BeginPass.
func (s *Store) FinishPass(ctx context.Context, p Pass) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passes SET finished_at = ?, outcome = ?, error = ?, packages = ? WHERE id = ?`,
		p.FinishedAt.UnixMilli(), p.Outcome, nullString(p.Error), p.Packages, p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pass %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetPass returns a single pass by id.
func (s *Store) GetPass(ctx context.Context, id string) (Pass, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, platform, started_at, finished_at, outcome, error, packages FROM passes WHERE id = ?`, id)
	p, err := scanPass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pass{}, fmt.Errorf("pass %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListPasses returns the most recent passes first. limit <= 0 returns all.
func (s *Store) ListPasses(ctx context.Context, limit int) ([]Pass, error) {
	query := `SELECT id, version, platform, started_at, finished_at, outcome, error, packages FROM passes ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordInstalled upserts an installed package.
func (s *Store) RecordInstalled(ctx context.Context, p Package) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO packages(name, size, hash, mime, pass_id, installed_at) VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET size = excluded.size, hash = excluded.hash, mime = excluded.mime,
    pass_id = excluded.pass_id, installed_at = excluded.installed_at`,
		p.Name, p.Size, p.Hash, nullString(p.MIME), nullString(p.PassID), p.InstalledAt.UnixMilli())
	return err
}

// Installed returns every recorded package ordered by name.
func (s *Store) Installed(ctx context.Context) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, size, hash, mime, pass_id, installed_at FROM packages ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var p Package
		var mime, passID sql.NullString
		var installedAt int64
		if err := rows.Scan(&p.Name, &p.Size, &p.Hash, &mime, &passID, &installedAt); err != nil {
			return nil, err
		}
		p.MIME = mime.String
		p.PassID = passID.String
		p.InstalledAt = time.UnixMilli(installedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPass(row scanner) (Pass, error) {
	var p Pass
	var startedAt int64
	var finishedAt sql.NullInt64
	var errMsg sql.NullString
	if err := row.Scan(&p.ID, &p.Version, &p.Platform, &startedAt, &finishedAt, &p.Outcome, &errMsg, &p.Packages); err != nil {
		return Pass{}, err
	}
	p.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		p.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	p.Error = errMsg.String
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
