package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Artifact struct {
	ID           string                      `gorm:"type:text;primaryKey"`
	Domain       string                      `gorm:"type:text;not null;index:idx_artifacts_collection,priority:1"`
	ArtifactType string                      `gorm:"type:text;not null;index:idx_artifacts_collection,priority:2"`
	Title        string                      `gorm:"type:text;not null"`
	Data         datatypes.JSONMap           `gorm:"type:jsonb"`
	Status       string                      `gorm:"type:text"`
	Tags         datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Version      int64                       `gorm:"not null;default:1"`
	CreatedAt    time.Time                   `gorm:"type:timestamptz;not null;default:now();index:idx_artifacts_collection,priority:3"`
	UpdatedAt    time.Time                   `gorm:"type:timestamptz;not null;default:now()"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Artifact{},
		&Audit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Artifact{},
	)
}
