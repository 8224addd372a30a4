package authority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lensboard/pkg/artifact"
)

// Record is an artifact as the authority stores it: the payload is an open
// JSON object.
type Record = artifact.Artifact[map[string]any]

// NewArtifact is a validated create request.
type NewArtifact struct {
	Title string
	Data  map[string]any
	Meta  artifact.Meta
}

// Repository persists artifact collections. Implementations must assign
// version 1 on create, increment the version on every accepted update and
// reject updates whose expected version is stale with *artifact.ConflictError.
type Repository interface {
	List(ctx context.Context, key artifact.Key) ([]Record, error)
	// Find looks an artifact up by id within a domain, whatever its type.
	Find(ctx context.Context, domain, id string) (Record, error)
	Create(ctx context.Context, key artifact.Key, in NewArtifact) (Record, error)
	// Update returns the record before and after the change.
	Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (Record, Record, error)
	// Delete returns the removed record.
	Delete(ctx context.Context, key artifact.Key, id string) (Record, error)
	Close() error
}

func newRecord(key artifact.Key, in NewArtifact, now time.Time) Record {
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	return Record{
		ID:        uuid.NewString(),
		Domain:    key.Domain,
		Type:      key.Type,
		Title:     in.Title,
		Data:      data,
		Meta:      in.Meta.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// nextRecord applies req to cur. It is shared by every backend so merge and
// version rules stay identical.
func nextRecord(cur Record, req artifact.UpdateRequest, now time.Time) (Record, error) {
	if req.ExpectedVersion != cur.Version {
		return Record{}, conflictFor(cur, req.ExpectedVersion)
	}

	next := cur
	next.Data = artifact.MergeFields(cur.Data, req.Data)
	next.Meta = cur.Meta.Clone()
	if req.Title != nil {
		next.Title = strings.TrimSpace(*req.Title)
	}
	if req.Meta != nil {
		next.Meta = req.Meta.Clone()
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
	}
	return next, nil
}

func conflictFor(cur Record, expected int64) error {
	raw, err := artifact.Encode(cur)
	if err != nil {
		return fmt.Errorf("encode current %s: %w", cur.ID, err)
	}
	return &artifact.ConflictError{ID: cur.ID, Expected: expected, Current: raw}
}

func notFound(id string) error {
	return fmt.Errorf("artifact %s: %w", id, artifact.ErrNotFound)
}
