// Package store keeps a SQLite ledger of fitting runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Run describes one completed run
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Root       string
	PET        string
	Model      string
	VoxelDelay bool
	Voxels     int
	Failed     int

	// Values holds the labelled whole-brain estimates
	Values map[string]float64
}

// Store wraps SQLite access for the run ledger
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger and applies migrations
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			root TEXT NOT NULL,
			pet TEXT NOT NULL,
			model TEXT NOT NULL,
			voxel_delay INTEGER NOT NULL,
			voxels INTEGER NOT NULL,
			failed INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_values (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun stores a run and its whole-brain values, assigning a new id
// when the run has none
func (s *Store) InsertRun(ctx context.Context, run Run) (id string, err error) {
	id = run.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, root, pet, model, voxel_delay, voxels, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		run.StartedAt.Format(time.RFC3339Nano),
		run.FinishedAt.Format(time.RFC3339Nano),
		run.Root,
		run.PET,
		run.Model,
		run.VoxelDelay,
		run.Voxels,
		run.Failed,
	)
	if err != nil {
		return "", err
	}

	if len(run.Values) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_values (run_id, name, value) VALUES (?, ?, ?)`)
		if err != nil {
			return "", err
		}
		defer stmt.Close()

		names := make([]string, 0, len(run.Values))
		for name := range run.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := stmt.ExecContext(ctx, id, name, run.Values[name]); err != nil {
				return "", err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// ListRuns returns the most recent runs, newest first, with their values
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, root, pet, model, voxel_delay, voxels, failed
		 FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Root, &r.PET, &r.Model, &r.VoxelDelay, &r.Voxels, &r.Failed); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Values, err = s.values(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) values(ctx context.Context, id string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM run_values WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]float64)
	for rows.Next() {
		var (
			name  string
			value float64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, rows.Err()
}
