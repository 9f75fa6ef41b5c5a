package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the llm_usage table when it does not exist.
const Schema = `
	CREATE TABLE IF NOT EXISTS llm_usage (
		id            UUID PRIMARY KEY,
		request_id    TEXT NOT NULL,
		backend       TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		shape         TEXT NOT NULL DEFAULT '',
		streamed      BOOLEAN NOT NULL DEFAULT FALSE,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    BIGINT NOT NULL DEFAULT 0,
		outcome       TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS llm_usage_backend_created_at ON llm_usage (backend, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create llm_usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO llm_usage (id, request_id, backend, provider, model, shape, streamed, input_tokens, output_tokens, latency_ms, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.Backend, rec.Provider, rec.Model, rec.Shape, rec.Streamed,
		rec.InputTokens, rec.OutputTokens, rec.LatencyMs, rec.Outcome, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByBackend(ctx context.Context, backend string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, request_id, backend, provider, model, shape, streamed, input_tokens, output_tokens, latency_ms, outcome, created_at
		FROM llm_usage
		WHERE backend = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, backend, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Backend, &r.Provider, &r.Model, &r.Shape, &r.Streamed,
			&r.InputTokens, &r.OutputTokens, &r.LatencyMs, &r.Outcome, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetSummaryByBackend(ctx context.Context, backend string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE outcome <> 'ok'),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0)
		FROM llm_usage
		WHERE backend = $1 AND created_at BETWEEN $2 AND $3
	`
	sum := &Summary{Backend: backend}
	err := s.db.QueryRow(ctx, query, backend, from, to).Scan(&sum.Requests, &sum.Failures, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return sum, nil
}
