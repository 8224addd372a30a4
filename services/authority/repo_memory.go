package authority

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"lensboard/pkg/artifact"
)

// MemoryRepository keeps collections in process. Order is creation order.
type MemoryRepository struct {
	mu      sync.RWMutex
	order   map[artifact.Key][]string
	records map[string]Record
	now     func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		order:   make(map[artifact.Key][]string),
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) List(_ context.Context, key artifact.Key) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[key]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRecord(m.records[id]))
	}
	return out, nil
}

func (m *MemoryRepository) Find(_ context.Context, domain, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok || rec.Domain != domain {
		return Record{}, notFound(id)
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) Create(_ context.Context, key artifact.Key, in NewArtifact) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := newRecord(key, in, m.now())
	m.records[rec.ID] = rec
	m.order[key] = append(m.order[key], rec.ID)
	return copyRecord(rec), nil
}

func (m *MemoryRepository) Update(_ context.Context, key artifact.Key, req artifact.UpdateRequest) (Record, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[req.ID]
	if !ok || cur.Key() != key {
		return Record{}, Record{}, notFound(req.ID)
	}
	next, err := nextRecord(cur, req, m.now())
	if err != nil {
		return Record{}, Record{}, err
	}
	m.records[req.ID] = next
	return copyRecord(cur), copyRecord(next), nil
}

func (m *MemoryRepository) Delete(_ context.Context, key artifact.Key, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok || cur.Key() != key {
		return Record{}, notFound(id)
	}
	delete(m.records, id)
	m.order[key] = slices.DeleteFunc(m.order[key], func(o string) bool { return o == id })
	return cur, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func copyRecord(r Record) Record {
	r.Data = maps.Clone(r.Data)
	r.Meta = r.Meta.Clone()
	return r
}
