package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lensboard/pkg/artifact"
)

type asset struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

var assetKey = artifact.Key{Domain: "finance", Type: "asset"}

// gate is one held authority answer; closing release lets it through.
type gate struct {
	op      string
	id      string
	release chan struct{}
}

// fakeAuthority is an in-memory authority whose answers can be failed or held
// so tests can reorder them.
type fakeAuthority struct {
	mu       sync.Mutex
	lists    map[string][]artifact.Raw
	next     int
	calls    map[string]int
	failNext map[string]error
	garble   map[string]bool
	hold     map[string]bool
	held     chan gate
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		lists:    make(map[string][]artifact.Raw),
		calls:    make(map[string]int),
		failNext: make(map[string]error),
		garble:   make(map[string]bool),
		hold:     make(map[string]bool),
		held:     make(chan gate, 16),
	}
}

func (f *fakeAuthority) holdOp(op string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold[op] = on
}

func (f *fakeAuthority) failOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// garbleOp makes the next answer for op undecodable while the stored copy
// stays intact, as if the change committed but the reply was mangled.
func (f *fakeAuthority) garbleOp(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.garble[op] = true
}

func (f *fakeAuthority) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// put stores an artifact directly, as another client would.
func (f *fakeAuthority) put(key artifact.Key, title string, data any) artifact.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := f.newRawLocked(key, title, mustJSON(data), nil)
	f.lists[key.String()] = append(f.lists[key.String()], raw)
	return raw
}

// bump applies a patch directly, as another client would.
func (f *fakeAuthority) bump(key artifact.Key, id string, patch map[string]any) artifact.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key.String()]
	for i := range list {
		if list[i].ID == id {
			list[i] = applyRaw(list[i], artifact.UpdateRequest{Data: patch})
			return list[i]
		}
	}
	panic("bump: unknown id " + id)
}

// drop deletes an artifact directly, as another client would.
func (f *fakeAuthority) drop(key artifact.Key, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key.String()] = removeRaw(f.lists[key.String()], id)
}

func (f *fakeAuthority) version(key artifact.Key, id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, raw := range f.lists[key.String()] {
		if raw.ID == id {
			return raw.Version
		}
	}
	return 0
}

func (f *fakeAuthority) List(ctx context.Context, key artifact.Key) ([]artifact.Raw, error) {
	f.mu.Lock()
	f.calls["list"]++
	err := f.takeFailLocked("list")
	out := append([]artifact.Raw(nil), f.lists[key.String()]...)
	hold := f.hold["list"]
	f.mu.Unlock()

	f.wait(ctx, hold, "list", "")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAuthority) Create(ctx context.Context, key artifact.Key, req artifact.CreateRequest) (artifact.Raw, error) {
	f.mu.Lock()
	f.calls["create"]++
	err := f.takeFailLocked("create")
	var raw artifact.Raw
	if err == nil {
		raw = f.newRawLocked(key, req.Title, req.Data, req.Meta)
		f.lists[key.String()] = append(f.lists[key.String()], raw)
		raw = f.garbleLocked("create", raw)
	}
	hold := f.hold["create"]
	f.mu.Unlock()

	f.wait(ctx, hold, "create", raw.ID)
	return raw, err
}

func (f *fakeAuthority) Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (artifact.Raw, error) {
	f.mu.Lock()
	f.calls["update"]++
	err := f.takeFailLocked("update")
	var raw artifact.Raw
	if err == nil {
		err = fmt.Errorf("artifact %s: %w", req.ID, artifact.ErrNotFound)
		list := f.lists[key.String()]
		for i := range list {
			if list[i].ID != req.ID {
				continue
			}
			if list[i].Version != req.ExpectedVersion {
				err = &artifact.ConflictError{ID: req.ID, Expected: req.ExpectedVersion, Current: list[i]}
				break
			}
			list[i] = applyRaw(list[i], req)
			raw, err = f.garbleLocked("update", list[i]), nil
			break
		}
	}
	hold := f.hold["update"]
	f.mu.Unlock()

	f.wait(ctx, hold, "update", req.ID)
	return raw, err
}

func (f *fakeAuthority) Delete(ctx context.Context, key artifact.Key, id string) error {
	f.mu.Lock()
	f.calls["delete"]++
	err := f.takeFailLocked("delete")
	if err == nil {
		before := len(f.lists[key.String()])
		f.lists[key.String()] = removeRaw(f.lists[key.String()], id)
		if len(f.lists[key.String()]) == before {
			err = fmt.Errorf("artifact %s: %w", id, artifact.ErrNotFound)
		}
	}
	hold := f.hold["delete"]
	f.mu.Unlock()

	f.wait(ctx, hold, "delete", id)
	return err
}

func (f *fakeAuthority) Invoke(ctx context.Context, req artifact.ActionRequest) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeAuthority) garbleLocked(op string, raw artifact.Raw) artifact.Raw {
	if !f.garble[op] {
		return raw
	}
	delete(f.garble, op)
	raw.Data = json.RawMessage(`{"price":"not a number"}`)
	return raw
}

func (f *fakeAuthority) takeFailLocked(op string) error {
	err := f.failNext[op]
	delete(f.failNext, op)
	return err
}

func (f *fakeAuthority) wait(ctx context.Context, hold bool, op, id string) {
	if !hold {
		return
	}
	g := gate{op: op, id: id, release: make(chan struct{})}
	f.held <- g
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (f *fakeAuthority) newRawLocked(key artifact.Key, title string, data json.RawMessage, meta *artifact.Meta) artifact.Raw {
	f.next++
	now := time.Now().UTC()
	raw := artifact.Raw{
		ID:        fmt.Sprintf("a%d", f.next),
		Domain:    key.Domain,
		Type:      key.Type,
		Title:     title,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if meta != nil {
		raw.Meta = meta.Clone()
	}
	return raw
}

func applyRaw(raw artifact.Raw, req artifact.UpdateRequest) artifact.Raw {
	current, err := artifact.ObjectData(raw.Data)
	if err != nil {
		panic(err)
	}
	raw.Data = mustJSON(artifact.MergeFields(current, req.Data))
	if req.Title != nil {
		raw.Title = *req.Title
	}
	if req.Meta != nil {
		raw.Meta = req.Meta.Clone()
	}
	raw.Version++
	raw.UpdatedAt = time.Now().UTC()
	return raw
}

func removeRaw(list []artifact.Raw, id string) []artifact.Raw {
	out := list[:0:0]
	for _, raw := range list {
		if raw.ID != id {
			out = append(out, raw)
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
