package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"lensboard/pkg/artifact"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	domain        TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	title         TEXT NOT NULL,
	data          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '[]',
	version       INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_collection ON artifacts(domain, artifact_type, seq);`

const sqliteColumns = `id, domain, artifact_type, title, data, status, tags, version, created_at, updated_at`

// SQLiteRepository stores collections in an embedded SQLite database.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the database at path. Use ":memory:"
// for a throwaway database.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteRepository) List(ctx context.Context, key artifact.Key) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM artifacts WHERE domain = ? AND artifact_type = ? ORDER BY seq`,
		key.Domain, key.Type,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteRepository) Find(ctx context.Context, domain, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM artifacts WHERE domain = ? AND id = ?`, domain, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(id)
	}
	return rec, err
}

func (s *SQLiteRepository) Create(ctx context.Context, key artifact.Key, in NewArtifact) (Record, error) {
	rec := newRecord(key, in, s.now())
	data, tags, err := encodeColumns(rec)
	if err != nil {
		return Record{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Domain, rec.Type, rec.Title, data, rec.Meta.Status, tags, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert artifact: %w", err)
	}
	return rec, nil
}

func (s *SQLiteRepository) Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (Record, Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLite(tx.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM artifacts WHERE domain = ? AND artifact_type = ? AND id = ?`,
		key.Domain, key.Type, req.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, Record{}, notFound(req.ID)
	}
	if err != nil {
		return Record{}, Record{}, err
	}

	next, err := nextRecord(cur, req, s.now())
	if err != nil {
		return Record{}, Record{}, err
	}
	data, tags, err := encodeColumns(next)
	if err != nil {
		return Record{}, Record{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET title = ?, data = ?, status = ?, tags = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.Title, data, next.Meta.Status, tags, next.Version, formatTime(next.UpdatedAt),
		req.ID, cur.Version,
	)
	if err != nil {
		return Record{}, Record{}, fmt.Errorf("update artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, Record{}, conflictFor(cur, req.ExpectedVersion)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, Record{}, err
	}
	return cur, next, nil
}

func (s *SQLiteRepository) Delete(ctx context.Context, key artifact.Key, id string) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSQLite(tx.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM artifacts WHERE domain = ? AND artifact_type = ? AND id = ?`,
		key.Domain, key.Type, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return Record{}, fmt.Errorf("delete artifact: %w", err)
	}
	return cur, tx.Commit()
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Record, error) {
	var (
		rec                  Record
		data, tags           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.Domain, &rec.Type, &rec.Title, &data, &rec.Meta.Status, &tags,
		&rec.Version, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return Record{}, fmt.Errorf("decode %s data: %w", rec.ID, err)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	if err := json.Unmarshal([]byte(tags), &rec.Meta.Tags); err != nil {
		return Record{}, fmt.Errorf("decode %s tags: %w", rec.ID, err)
	}
	if len(rec.Meta.Tags) == 0 {
		rec.Meta.Tags = nil
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, fmt.Errorf("decode %s created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Record{}, fmt.Errorf("decode %s updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeColumns(rec Record) (string, string, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return "", "", fmt.Errorf("encode data: %w", err)
	}
	tags := rec.Meta.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), string(encodedTags), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
