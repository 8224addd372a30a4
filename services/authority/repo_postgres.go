package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"lensboard/pkg/artifact"
	"lensboard/pkg/db"
)

const pgColumns = `id, domain, artifact_type, title, data, status, tags, version, created_at, updated_at`

// PostgresRepository stores collections in postgres. Reads go through
// pgxscan, inserts and deletes through gorm, and the versioned update is a
// single conditional statement so concurrent writers cannot both win.
type PostgresRepository struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
	now  func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to dsn and runs the schema migrations.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	orm, err := db.Gorm(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &PostgresRepository{pool: pool, orm: orm, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Ping checks the pool.
func (p *PostgresRepository) Ping(ctx context.Context) error {
	return db.Ping(ctx, p.pool)
}

func (p *PostgresRepository) List(ctx context.Context, key artifact.Key) ([]Record, error) {
	var models []artifactModel
	err := db.Select(ctx, p.pool, &models,
		`SELECT `+pgColumns+` FROM artifacts WHERE domain = $1 AND artifact_type = $2 ORDER BY created_at, id`,
		key.Domain, key.Type)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	out := make([]Record, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRecord())
	}
	return out, nil
}

func (p *PostgresRepository) Find(ctx context.Context, domain, id string) (Record, error) {
	var m artifactModel
	err := db.Get(ctx, p.pool, &m,
		`SELECT `+pgColumns+` FROM artifacts WHERE domain = $1 AND id = $2`, domain, id)
	if db.IsNoRows(err) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, err
	}
	return m.toRecord(), nil
}

func (p *PostgresRepository) Create(ctx context.Context, key artifact.Key, in NewArtifact) (Record, error) {
	rec := newRecord(key, in, p.now())
	model := modelFromRecord(rec)

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return Record{}, fmt.Errorf("insert artifact: %w", err)
	}
	return rec, nil
}

func (p *PostgresRepository) Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (Record, Record, error) {
	cur, err := p.get(ctx, key, req.ID)
	if err != nil {
		return Record{}, Record{}, err
	}
	next, err := nextRecord(cur, req, p.now())
	if err != nil {
		return Record{}, Record{}, err
	}

	model := modelFromRecord(next)
	tag, err := db.Exec(ctx, p.pool,
		`UPDATE artifacts SET title = $1, data = $2, status = $3, tags = $4, version = $5, updated_at = $6
		 WHERE id = $7 AND version = $8`,
		model.Title, model.Data, model.Status, model.Tags, model.Version, model.UpdatedAt,
		req.ID, cur.Version)
	if err != nil {
		return Record{}, Record{}, fmt.Errorf("update artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another writer got there first; report what it left behind.
		latest, err := p.get(ctx, key, req.ID)
		if err != nil {
			return Record{}, Record{}, err
		}
		return Record{}, Record{}, conflictFor(latest, req.ExpectedVersion)
	}
	return cur, next, nil
}

func (p *PostgresRepository) Delete(ctx context.Context, key artifact.Key, id string) (Record, error) {
	cur, err := p.get(ctx, key, id)
	if err != nil {
		return Record{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	res := p.orm.WithContext(ctx).
		Where("domain = ? AND artifact_type = ?", key.Domain, key.Type).
		Delete(&artifactModel{ID: id})
	if res.Error != nil {
		return Record{}, fmt.Errorf("delete artifact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Record{}, notFound(id)
	}
	return cur, nil
}

func (p *PostgresRepository) Close() error {
	err := db.CloseGorm(p.orm)
	p.pool.Close()
	return err
}

func (p *PostgresRepository) get(ctx context.Context, key artifact.Key, id string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var m artifactModel
	err := p.orm.WithContext(ctx).
		Where("id = ? AND domain = ? AND artifact_type = ?", id, key.Domain, key.Type).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, err
	}
	return m.toRecord(), nil
}
