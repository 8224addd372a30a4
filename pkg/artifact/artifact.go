// Package artifact defines the typed records shared by every lens, the wire
// shapes exchanged with the authority, and the helpers used to convert between
// the opaque wire payload and a collection's own data type.
package artifact

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const provisionalPrefix = "tmp-"

// Meta carries the coarse categorisation of an artifact. The store never
// interprets these values.
type Meta struct {
	Status string   `json:"status,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Clone returns a copy of m that shares no memory with it.
func (m Meta) Clone() Meta {
	return Meta{Status: m.Status, Tags: slices.Clone(m.Tags)}
}

// HasTag reports whether tag is present in the tag list.
func (m Meta) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Artifact is one record of a (domain, artifactType) collection.
type Artifact[T any] struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Type      string    `json:"artifactType"`
	Title     string    `json:"title"`
	Data      T         `json:"data"`
	Meta      Meta      `json:"meta"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// Key returns the collection the artifact belongs to.
func (a Artifact[T]) Key() Key {
	return Key{Domain: a.Domain, Type: a.Type}
}

// Raw is the wire representation of an artifact whose payload has not been
// decoded into a collection type.
type Raw = Artifact[json.RawMessage]

// Key identifies a collection.
type Key struct {
	Domain string
	Type   string
}

// NewKey trims and validates the pair.
func NewKey(domain, artifactType string) (Key, error) {
	k := Key{Domain: strings.TrimSpace(domain), Type: strings.TrimSpace(artifactType)}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate ensures both halves of the key are present.
func (k Key) Validate() error {
	if k.Domain == "" || k.Type == "" {
		return fmt.Errorf("%w: domain and artifact type are required", ErrInvalid)
	}
	if strings.Contains(k.Domain, "/") || strings.Contains(k.Type, "/") {
		return fmt.Errorf("%w: key %q must not contain '/'", ErrInvalid, k.String())
	}
	return nil
}

func (k Key) String() string {
	return k.Domain + "/" + k.Type
}

// Seed is fallback data written through the create path when a collection is
// empty on first load.
type Seed[T any] struct {
	Title string `json:"title" yaml:"title"`
	Data  T      `json:"data" yaml:"data"`
	Meta  *Meta  `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Draft is the caller supplied part of a new artifact.
type Draft[T any] struct {
	Title string
	Data  T
	Meta  *Meta
}

// Patch is a partial update. Data keys are shallow-merged onto the existing
// payload; Meta replaces the existing meta when non-nil.
type Patch struct {
	Title *string
	Data  map[string]any
	Meta  *Meta
}

// IsZero reports whether the patch would change nothing.
func (p Patch) IsZero() bool {
	return p.Title == nil && len(p.Data) == 0 && p.Meta == nil
}

// ProvisionalID returns a client-side temporary identifier.
func ProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was produced by ProvisionalID.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Decode converts a wire artifact into one carrying a typed payload.
func Decode[T any](raw Raw) (Artifact[T], error) {
	out := Artifact[T]{
		ID:        raw.ID,
		Domain:    raw.Domain,
		Type:      raw.Type,
		Title:     raw.Title,
		Meta:      raw.Meta.Clone(),
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
		Version:   raw.Version,
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
			return Artifact[T]{}, fmt.Errorf("decode %s data: %w", raw.ID, err)
		}
	}
	return out, nil
}

// Encode converts a typed artifact into its wire form.
func Encode[T any](a Artifact[T]) (Raw, error) {
	data, err := json.Marshal(a.Data)
	if err != nil {
		return Raw{}, fmt.Errorf("encode %s data: %w", a.ID, err)
	}
	return Raw{
		ID:        a.ID,
		Domain:    a.Domain,
		Type:      a.Type,
		Title:     a.Title,
		Data:      data,
		Meta:      a.Meta.Clone(),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
		Version:   a.Version,
	}, nil
}
