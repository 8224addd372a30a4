package authority

import (
	"time"

	"gorm.io/datatypes"

	"lensboard/pkg/artifact"
)

type artifactModel struct {
	ID           string                      `gorm:"type:text;primaryKey" db:"id"`
	Domain       string                      `gorm:"type:text;not null" db:"domain"`
	ArtifactType string                      `gorm:"type:text;not null" db:"artifact_type"`
	Title        string                      `gorm:"type:text;not null" db:"title"`
	Data         datatypes.JSONMap           `gorm:"type:jsonb" db:"data"`
	Status       string                      `gorm:"type:text" db:"status"`
	Tags         datatypes.JSONSlice[string] `gorm:"type:jsonb" db:"tags"`
	Version      int64                       `gorm:"not null" db:"version"`
	CreatedAt    time.Time                   `gorm:"type:timestamptz;not null" db:"created_at"`
	UpdatedAt    time.Time                   `gorm:"type:timestamptz;not null" db:"updated_at"`
}

func (artifactModel) TableName() string { return "artifacts" }

func modelFromRecord(r Record) artifactModel {
	return artifactModel{
		ID:           r.ID,
		Domain:       r.Domain,
		ArtifactType: r.Type,
		Title:        r.Title,
		Data:         datatypes.JSONMap(r.Data),
		Status:       r.Meta.Status,
		Tags:         datatypes.JSONSlice[string](r.Meta.Tags),
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (m artifactModel) toRecord() Record {
	data := map[string]any(m.Data)
	if data == nil {
		data = map[string]any{}
	}
	var tags []string
	if len(m.Tags) > 0 {
		tags = []string(m.Tags)
	}
	return Record{
		ID:        m.ID,
		Domain:    m.Domain,
		Type:      m.ArtifactType,
		Title:     m.Title,
		Data:      data,
		Meta:      artifact.Meta{Status: m.Status, Tags: tags},
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
		Version:   m.Version,
	}
}
