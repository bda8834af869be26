package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

// Simulation run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Store wraps SQLite access for fetch and simulation run history.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetch_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			view TEXT,
			generation INTEGER,
			source TEXT,
			items INTEGER,
			error TEXT,
			applied INTEGER,
			duration_ms INTEGER,
			finished_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_runs_finished ON fetch_runs(finished_at);`,
		`CREATE TABLE IF NOT EXISTS simulation_runs (
			id TEXT PRIMARY KEY,
			scenario TEXT,
			num_calls INTEGER,
			status TEXT,
			generated INTEGER,
			message TEXT,
			error TEXT,
			samples_json TEXT,
			created_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// FetchRun is one completed record-store scan.
type FetchRun struct {
	ID         int64     `json:"id"`
	View       string    `json:"view"`
	Generation uint64    `json:"generation"`
	Source     string    `json:"source"`
	Items      int       `json:"items"`
	Error      *string   `json:"error"`
	Applied    bool      `json:"applied"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Store) RecordFetch(ctx context.Context, r FetchRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO fetch_runs(view, generation, source, items, error, applied, duration_ms, finished_at) VALUES(?,?,?,?,?,?,?,?)`,
		r.View, int64(r.Generation), r.Source, r.Items, r.Error, r.Applied, r.DurationMS, r.FinishedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListFetchRuns(ctx context.Context, limit int) ([]FetchRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, view, generation, source, items, error, applied, duration_ms, finished_at FROM fetch_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []FetchRun{}
	for rows.Next() {
		var r FetchRun
		var gen int64
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.View, &gen, &r.Source, &r.Items, &errMsg, &r.Applied, &r.DurationMS, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Generation = uint64(gen)
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PruneFetchRuns drops fetch history older than cutoff.
func (s *Store) PruneFetchRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fetch_runs WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SimulationRun is one request to the call generator.
type SimulationRun struct {
	ID         string          `json:"id"`
	Scenario   string          `json:"scenario"`
	NumCalls   int             `json:"num_calls"`
	Status     string          `json:"status"`
	Generated  int             `json:"generated"`
	Message    string          `json:"message"`
	Error      *string         `json:"error"`
	Samples    json.RawMessage `json:"samples,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
}

func (s *Store) InsertSimulationRun(ctx context.Context, r SimulationRun) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO simulation_runs(id, scenario, num_calls, status, generated, message, created_at) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Scenario, r.NumCalls, r.Status, r.Generated, r.Message, r.CreatedAt)
	return err
}

func (s *Store) MarkSimulationStarted(ctx context.Context, id string, ts time.Time) error {
	return s.updateRun(ctx, `UPDATE simulation_runs SET status=?, started_at=? WHERE id=?`, StatusRunning, ts, id)
}

// FinishSimulationRun stores the outcome of a run.
func (s *Store) FinishSimulationRun(ctx context.Context, id, status string, generated int, message string, errMsg *string, samples json.RawMessage, ts time.Time) error {
	var samplesText *string
	if len(samples) > 0 {
		v := string(samples)
		samplesText = &v
	}
	return s.updateRun(ctx, `UPDATE simulation_runs SET status=?, generated=?, message=?, error=?, samples_json=?, finished_at=? WHERE id=?`,
		status, generated, message, errMsg, samplesText, ts, id)
}

// MarkSimulationStopped records a local stop; a finished run keeps its outcome.
func (s *Store) MarkSimulationStopped(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE simulation_runs SET status=? WHERE id=? AND status IN (?, ?)`, StatusStopped, id, StatusQueued, StatusRunning)
	return err
}

func (s *Store) updateRun(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("simulation run %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}

func (s *Store) GetSimulationRun(ctx context.Context, id string) (SimulationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, scenario, num_calls, status, generated, message, error, samples_json, created_at, started_at, finished_at FROM simulation_runs WHERE id=?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SimulationRun{}, fmt.Errorf("simulation run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *Store) ListSimulationRuns(ctx context.Context, limit int) ([]SimulationRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, scenario, num_calls, status, generated, message, error, samples_json, created_at, started_at, finished_at FROM simulation_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []SimulationRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (SimulationRun, error) {
	var r SimulationRun
	var errMsg, samples sql.NullString
	var started, finished sql.NullTime
	if err := sc.Scan(&r.ID, &r.Scenario, &r.NumCalls, &r.Status, &r.Generated, &r.Message, &errMsg, &samples, &r.CreatedAt, &started, &finished); err != nil {
		return SimulationRun{}, err
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if samples.Valid && samples.String != "" {
		r.Samples = json.RawMessage(samples.String)
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
