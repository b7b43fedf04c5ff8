package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Analysis statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when no analysis has the requested id.
var ErrNotFound = errors.New("analysis not found")

// Analysis is one row of the analyses table.
type Analysis struct {
	ID             string          `json:"analysis_id"`
	Status         string          `json:"status"`
	PolicyName     string          `json:"policy_name,omitempty"`
	InputURI       string          `json:"input_uri"`
	EvidencePrefix string          `json:"evidence_prefix,omitempty"`
	Result         json.RawMessage `json:"result_json,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Finished reports whether the analysis reached a terminal status.
func (a Analysis) Finished() bool {
	return a.Status == StatusDone || a.Status == StatusFailed
}

// Store manages the PostgreSQL pool behind analysis job state. It is safe
// for concurrent use by the API handlers and queue workers.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the analyses table and its indexes if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS analyses (
			analysis_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'queued'
				CHECK (status IN ('queued', 'running', 'done', 'failed')),
			policy_name TEXT,
			input_uri TEXT NOT NULL,
			evidence_prefix TEXT,
			result_json JSONB,
			error_code TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses (created_at);
		CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses (status);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

const columns = `analysis_id, status, COALESCE(policy_name, ''), input_uri, COALESCE(evidence_prefix, ''),
	result_json, COALESCE(error_code, ''), COALESCE(error_message, ''), created_at, started_at, finished_at`

func scan(row pgx.Row) (Analysis, error) {
	var a Analysis
	var result []byte
	err := row.Scan(&a.ID, &a.Status, &a.PolicyName, &a.InputURI, &a.EvidencePrefix,
		&result, &a.ErrorCode, &a.ErrorMessage, &a.CreatedAt, &a.StartedAt, &a.FinishedAt)
	if len(result) > 0 {
		a.Result = json.RawMessage(result)
	}
	return a, err
}

// CreateAnalysis inserts a queued analysis.
func (s *Store) CreateAnalysis(ctx context.Context, id, inputURI, policyName, evidencePrefix string) (Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO analyses (analysis_id, status, policy_name, input_uri, evidence_prefix)
		VALUES ($1, 'queued', NULLIF($2, ''), $3, NULLIF($4, ''))
		RETURNING `+columns, id, policyName, inputURI, evidencePrefix)
	return scan(row)
}

// MarkRunning moves a queued analysis to running. It reports false when the
// analysis had already finished, so a redelivered job is not run twice.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = 'running', started_at = NOW()
		WHERE analysis_id = $1 AND status NOT IN ('done', 'failed')
	`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAnalysis(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CompleteAnalysis stores the result and marks the analysis done.
func (s *Store) CompleteAnalysis(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return s.finish(ctx, id, StatusDone, raw, "", "")
}

// FailAnalysis marks the analysis failed. result may be nil.
func (s *Store) FailAnalysis(ctx context.Context, id, code, message string, result any) error {
	var raw []byte
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}
	return s.finish(ctx, id, StatusFailed, raw, code, message)
}

func (s *Store) finish(ctx context.Context, id, status string, result []byte, code, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses
		SET status = $2, result_json = $3, error_code = NULLIF($4, ''), error_message = NULLIF($5, ''), finished_at = NOW()
		WHERE analysis_id = $1
	`, id, status, result, code, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAnalysis fetches one analysis.
func (s *Store) GetAnalysis(ctx context.Context, id string) (Analysis, error) {
	a, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM analyses WHERE analysis_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Analysis{}, ErrNotFound
	}
	return a, err
}

// ListAnalyses returns the most recent analyses first.
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM analyses ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []Analysis{}
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// FailStuck marks analyses left running longer than maxAge (e.g. by a killed
// worker) as failed, and returns how many it touched.
func (s *Store) FailStuck(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses
		SET status = 'failed', error_code = 'WORKER_LOST', error_message = 'worker stopped before finishing', finished_at = NOW()
		WHERE status = 'running' AND started_at < NOW() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS analyses CASCADE;`)
	return err
}
