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

// PostgresStore persists records in Postgres. First-write-wins is enforced by
// the primary key plus ON CONFLICT DO NOTHING, so concurrent saves of the
// same run ID cannot race.
//
// Schema:
//
//	CREATE TABLE estimate_runs (
//	  run_id     UUID PRIMARY KEY,
//	  dataset    TEXT NOT NULL,
//	  kind       TEXT NOT NULL,
//	  record     JSONB NOT NULL,
//	  created_at TIMESTAMPTZ DEFAULT NOW()
//	);
//	CREATE INDEX idx_estimate_runs_dataset ON estimate_runs(dataset);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings within a bounded timeout.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	query := `
		INSERT INTO estimate_runs (run_id, dataset, kind, record, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query, rec.RunID, rec.Dataset, rec.Kind, data, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*Record, error) {
	query := `SELECT record FROM estimate_runs WHERE run_id = $1`

	var data []byte
	err := p.pool.QueryRow(ctx, query, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) List(ctx context.Context, dataset string) ([]*Record, error) {
	query := `SELECT record FROM estimate_runs WHERE ($1 = '' OR dataset = $1) ORDER BY created_at`

	rows, err := p.pool.Query(ctx, query, dataset)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
