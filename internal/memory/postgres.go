package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresBackend persists records in PostgreSQL for deployments where the
// assistant's memory should live next to the rest of the infrastructure.
type postgresBackend struct {
	pool *pgxpool.Pool
}

func newPostgresBackend(ctx context.Context, databaseURL string) (*postgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresBackend{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			embedding BYTEA NOT NULL,
			source_turn_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_subject ON memory_records (subject);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (b *postgresBackend) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id, subject, content, category, confidence, embedding, source_turn_id, created_at, updated_at
		 FROM memory_records`)
	if err != nil {
		return nil, fmt.Errorf("load memory records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			category string
			blob     []byte
		)
		if err := rows.Scan(&r.ID, &r.Subject, &r.Content, &category, &r.Confidence, &blob, &r.SourceTurnID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		r.Category = ParseCategory(category)
		if r.Embedding, err = decodeVector(blob); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

func (b *postgresBackend) Save(ctx context.Context, r Record) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO memory_records (id, subject, content, category, confidence, embedding, source_turn_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			subject = EXCLUDED.subject,
			content = EXCLUDED.content,
			category = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			embedding = EXCLUDED.embedding,
			source_turn_id = EXCLUDED.source_turn_id,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Subject, r.Content, string(r.Category), r.Confidence,
		encodeVector(r.Embedding), r.SourceTurnID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", r.ID, err)
	}
	return nil
}

func (b *postgresBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
