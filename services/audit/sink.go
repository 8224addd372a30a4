package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"lensboard/pkg/db"
)

const maxRecent = 500

// PostgresSink writes entries to the audit table created by the shared
// migrations.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink wraps an open pool.
func NewPostgresSink(pool *pgxpool.Pool) (*PostgresSink, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = db.Exec(ctx, s.pool, `
INSERT INTO audit (actor, action, obj, details, at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, e.Actor, e.Action, e.Obj, details, e.At)
	return err
}

// Recent returns the newest entries, optionally restricted to one object.
func (s *PostgresSink) Recent(ctx context.Context, obj string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	var out []Entry
	err := db.Select(ctx, s.pool, &out, `
SELECT actor, action, obj, details, at
FROM audit
WHERE $1::text = '' OR obj = $1::text
ORDER BY at DESC, id DESC
LIMIT $2
`, obj, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the database connection.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.pool)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRecent {
		return maxRecent
	}
	return limit
}
