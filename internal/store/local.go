// Package store persists the run ledger: one row per healing attempt and
// one row per performance sample, in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"e2eheal/internal/logging"

	_ "modernc.org/sqlite"
)

// HealingAttempt is one final-failure handling, healed or skipped.
type HealingAttempt struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	TestID        string    `json:"test_id"`
	TestName      string    `json:"test_name"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Model         string    `json:"model,omitempty"`
	Confidence    float64   `json:"confidence"`
	Strategy      string    `json:"strategy,omitempty"`
	ReportPath    string    `json:"report_path,omitempty"`
	CandidatePath string    `json:"candidate_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Healing outcomes.
const (
	OutcomeHealed  = "healed"
	OutcomeSkipped = "skipped"
)

// PerfSample is one metric of one measured page state.
type PerfSample struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// LocalStore is the SQLite-backed ledger.
type LocalStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewLocalStore opens (or creates) the ledger at path.
func NewLocalStore(path string) (*LocalStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Ledger opened at %s", path)
	return s, nil
}

func (s *LocalStore) initialize() error {
	healingTable := `
	CREATE TABLE IF NOT EXISTS healing_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		test_name TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		model TEXT,
		confidence REAL DEFAULT 0,
		strategy TEXT,
		report_path TEXT,
		candidate_path TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_healing_test ON healing_attempts(test_id);
	CREATE INDEX IF NOT EXISTS idx_healing_run ON healing_attempts(run_id);
	`

	perfTable := `
	CREATE TABLE IF NOT EXISTS perf_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		url TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_perf_url_metric ON perf_samples(url, metric);
	`

	for _, table := range []string{healingTable, perfTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Path returns the database path.
func (s *LocalStore) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// ========== Healing attempts ==========

// RecordHealing appends one healing attempt.
func (s *LocalStore) RecordHealing(ctx context.Context, a HealingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO healing_attempts
		(run_id, test_id, test_name, outcome, reason, model, confidence, strategy, report_path, candidate_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.TestID, a.TestName, a.Outcome, a.Reason, a.Model, a.Confidence,
		a.Strategy, a.ReportPath, a.CandidatePath, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record healing attempt: %w", err)
	}
	return nil
}

// ListHealing returns the most recent attempts, newest first. A limit of
// zero or less returns all rows.
func (s *LocalStore) ListHealing(ctx context.Context, limit int) ([]HealingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, run_id, test_id, test_name, outcome, reason, model, confidence,
		strategy, report_path, candidate_path, created_at
		FROM healing_attempts ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query healing attempts: %w", err)
	}
	defer rows.Close()

	var out []HealingAttempt
	for rows.Next() {
		var a HealingAttempt
		var name, reason, model, strategy, report, candidate sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.TestID, &name, &a.Outcome, &reason, &model,
			&a.Confidence, &strategy, &report, &candidate, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan healing attempt: %w", err)
		}
		a.TestName = name.String
		a.Reason = reason.String
		a.Model = model.String
		a.Strategy = strategy.String
		a.ReportPath = report.String
		a.CandidatePath = candidate.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ========== Performance samples ==========

// RecordPerf appends a batch of samples in one transaction.
func (s *LocalStore) RecordPerf(ctx context.Context, samples []PerfSample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO perf_samples (run_id, url, metric, value, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, p := range samples {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.RunID, p.URL, p.Metric, p.Value, p.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to record perf sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit perf samples: %w", err)
	}
	logging.StoreDebug("Recorded %d perf samples", len(samples))
	return nil
}

// PerfBaseline returns the mean of every recorded value of metric for url.
// ok is false when no sample exists.
func (s *LocalStore) PerfBaseline(ctx context.Context, url, metric string) (mean float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg sql.NullFloat64
	row := s.db.QueryRowContext(ctx,
		`SELECT AVG(value) FROM perf_samples WHERE url = ? AND metric = ?`, url, metric)
	if err := row.Scan(&avg); err != nil {
		return 0, false, fmt.Errorf("failed to query baseline: %w", err)
	}
	return avg.Float64, avg.Valid, nil
}

// GetStats returns row counts per table.
func (s *LocalStore) GetStats(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int64)
	for _, table := range []string{"healing_attempts", "perf_samples"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
