package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lensboard/pkg/artifact"
	"lensboard/pkg/transport"
)

// State is a snapshot of a collection as a lens renders it.
type State[T any] struct {
	Key     artifact.Key
	Items   []artifact.Artifact[T]
	Loading bool
	Loaded  bool
	Err     error
}

// IsError reports whether the last load failed.
func (s State[T]) IsError() bool {
	return s.Err != nil
}

// Collection is the locally cached view of one (domain, artifactType) pair.
// It is safe for concurrent use. Payload values handed out by a collection
// must be treated as read-only.
type Collection[T any] struct {
	key       artifact.Key
	coord     *Coordinator
	transport transport.Transport
	logger    zerolog.Logger

	// notifyMu serialises listener delivery so every listener observes
	// snapshots in the order they were taken.
	notifyMu sync.Mutex

	mu           sync.Mutex
	order        []string
	entries      map[string]entry[T]
	removed      map[string]struct{}
	clock        uint64
	seq          uint64
	loading      int
	loaded       bool
	seeded       bool
	loadErr      error
	listeners    map[uint64]func(State[T])
	nextListener uint64
}

func newCollection[T any](c *Coordinator, key artifact.Key) *Collection[T] {
	return &Collection[T]{
		key:       key,
		coord:     c,
		transport: c.transport,
		logger:    c.logger.With().Str("collection", key.String()).Logger(),
		entries:   make(map[string]entry[T]),
		removed:   make(map[string]struct{}),
		listeners: make(map[uint64]func(State[T])),
	}
}

// Key returns the collection key.
func (c *Collection[T]) Key() artifact.Key {
	return c.key
}

// State returns the current snapshot.
func (c *Collection[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Items returns the visible artifacts in display order.
func (c *Collection[T]) Items() []artifact.Artifact[T] {
	return c.State().Items
}

// Get returns the visible artifact with the given id.
func (c *Collection[T]) Get(id string) (artifact.Artifact[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return artifact.Artifact[T]{}, false
	}
	return visible(e)
}

// Subscribe registers fn to receive a snapshot after every change. Listeners
// run outside the collection lock but must not mutate the collection
// synchronously. The returned function is idempotent.
func (c *Collection[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	c.coord.retain(c)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
			c.coord.release(c)
		})
	}
}

// Hold keeps the collection alive without listening to it, for callers that
// keep the pointer beyond the retention period. The returned function is
// idempotent.
func (c *Collection[T]) Hold() (release func()) {
	c.coord.retain(c)

	var once sync.Once
	return func() {
		once.Do(func() { c.coord.release(c) })
	}
}

// Load fetches the collection from the authority. On the first successful
// load of an empty collection the seeds are written, in order, through the
// normal create path. Concurrent loads of the same collection share one
// round-trip.
func (c *Collection[T]) Load(ctx context.Context, seeds ...artifact.Seed[T]) error {
	return c.load(ctx, "load", seeds)
}

// Refetch reloads the collection without ever seeding it.
func (c *Collection[T]) Refetch(ctx context.Context) error {
	return c.load(ctx, "refetch", nil)
}

func (c *Collection[T]) load(ctx context.Context, kind string, seeds []artifact.Seed[T]) error {
	flight := c.key.String() + "#" + kind
	_, err, shared := c.coord.loads.Do(flight, func() (any, error) {
		return nil, c.fetch(ctx, seeds)
	})
	if shared {
		c.logger.Debug().Str("kind", kind).Msg("joined in-flight load")
	}
	return err
}

func (c *Collection[T]) fetch(ctx context.Context, seeds []artifact.Seed[T]) error {
	c.mu.Lock()
	c.loading++
	start := c.clock
	c.mu.Unlock()
	c.notify()

	raws, err := c.transport.List(ctx, c.key)
	var items []artifact.Artifact[T]
	if err == nil {
		items, err = decodeAll[T](raws)
	}

	c.mu.Lock()
	c.loading--
	if err != nil {
		c.loadErr = err
		c.mu.Unlock()
		c.notify()
		loadsTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Msg("load failed")
		return fmt.Errorf("load %s: %w", c.key, err)
	}

	c.mergeLocked(items, start)
	c.loaded = true
	c.loadErr = nil
	seed := !c.seeded && len(items) == 0 && len(seeds) > 0
	c.seeded = true
	c.mu.Unlock()
	c.notify()
	loadsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().Int("items", len(items)).Msg("collection loaded")

	if !seed {
		return nil
	}
	return c.seed(ctx, seeds)
}

func (c *Collection[T]) seed(ctx context.Context, seeds []artifact.Seed[T]) error {
	c.logger.Info().Int("seeds", len(seeds)).Msg("seeding empty collection")
	for i, s := range seeds {
		draft := artifact.Draft[T]{Title: s.Title, Data: s.Data, Meta: s.Meta}
		if _, err := c.Create(ctx, draft); err != nil {
			// A later load may retry while the collection is still empty.
			c.mu.Lock()
			c.seeded = false
			c.mu.Unlock()
			return fmt.Errorf("seed %s entry %d (%q): %w", c.key, i, s.Title, err)
		}
	}
	return nil
}

// mergeLocked reconciles an authority listing with local state. Authority
// order comes first, then entries the listing does not know about yet.
func (c *Collection[T]) mergeLocked(items []artifact.Artifact[T], start uint64) {
	seen := make(map[string]struct{}, len(items))
	order := make([]string, 0, len(items)+len(c.order))

	for i := range items {
		srv := items[i]
		if _, gone := c.removed[srv.ID]; gone {
			continue
		}
		if _, dup := seen[srv.ID]; dup {
			continue
		}
		seen[srv.ID] = struct{}{}
		order = append(order, srv.ID)

		e, ok := c.entries[srv.ID]
		if !ok {
			c.entries[srv.ID] = entry[T]{base: &srv, stamp: c.tick()}
			continue
		}
		if e.base == nil || srv.Version > e.base.Version {
			e.base = &srv
			e.stamp = c.tick()
			c.entries[srv.ID] = e
		}
	}

	for _, id := range c.order {
		if _, ok := seen[id]; ok {
			continue
		}
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		// Keep in-flight work and anything confirmed after the listing was
		// requested; the authority simply had not seen it yet.
		if len(e.pending) > 0 || e.stamp > start {
			order = append(order, id)
			continue
		}
		delete(c.entries, id)
	}
	c.order = order
}

// Create inserts a provisional artifact immediately and replaces it with the
// authority's copy once confirmed, in the same position.
func (c *Collection[T]) Create(ctx context.Context, d artifact.Draft[T]) (artifact.Artifact[T], error) {
	var zero artifact.Artifact[T]

	data, err := json.Marshal(d.Data)
	if err != nil {
		return zero, fmt.Errorf("create in %s: encode data: %w", c.key, err)
	}
	if _, err := artifact.ObjectData(data); err != nil {
		return zero, fmt.Errorf("create in %s: %w", c.key, err)
	}

	now := time.Now().UTC()
	draft := artifact.Artifact[T]{
		ID:        artifact.ProvisionalID(),
		Domain:    c.key.Domain,
		Type:      c.key.Type,
		Title:     d.Title,
		Data:      d.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var meta *artifact.Meta
	if d.Meta != nil {
		m := d.Meta.Clone()
		draft.Meta = m
		meta = &m
	}
	req := artifact.CreateRequest{Title: d.Title, Data: data, Meta: meta}

	c.mu.Lock()
	seq := c.nextSeq()
	c.entries[draft.ID] = entry[T]{draft: &draft, pending: []mutation{{seq: seq, op: OpCreate}}}
	c.order = append(c.order, draft.ID)
	c.mu.Unlock()
	c.changed()

	raw, err := c.transport.Create(ctx, c.key, req)
	if err != nil {
		c.finish(draft.ID, seq, OpCreate, outcome[T]{phase: RolledBack})
		return zero, fmt.Errorf("create in %s: %w", c.key, err)
	}
	created, err := artifact.Decode[T](raw)
	if err != nil {
		// The authority holds the new artifact; pick it up from a fresh listing.
		c.finish(draft.ID, seq, OpCreate, outcome[T]{phase: RolledBack})
		c.resync(ctx, "create_answer")
		return zero, fmt.Errorf("create in %s: %w: %w", c.key, ErrUnreadable, err)
	}

	c.mu.Lock()
	c.settleLocked(draft.ID, seq, OpCreate, outcome[T]{phase: Committed, server: &created})
	c.rekeyLocked(draft.ID, created.ID)
	c.mu.Unlock()
	c.changed()
	c.record(draft.ID, OpCreate, Committed)
	return created, nil
}

// Update applies p optimistically and sends it with the version the caller
// last saw plus the updates it still has in flight for id.
func (c *Collection[T]) Update(ctx context.Context, id string, p artifact.Patch) (artifact.Artifact[T], error) {
	var zero artifact.Artifact[T]
	if artifact.IsProvisional(id) {
		return zero, fmt.Errorf("update %s in %s: %w", id, c.key, artifact.ErrProvisional)
	}
	p = clonePatch(p)

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.removing() {
		c.mu.Unlock()
		return zero, fmt.Errorf("update %s in %s: %w", id, c.key, artifact.ErrNotFound)
	}
	if e.base == nil {
		c.mu.Unlock()
		return zero, fmt.Errorf("update %s in %s: %w", id, c.key, artifact.ErrProvisional)
	}
	if cur, ok := visible(e); ok {
		if _, err := artifact.ApplyPatch(cur, p); err != nil {
			c.mu.Unlock()
			return zero, fmt.Errorf("update %s in %s: %w", id, c.key, err)
		}
	}
	seq := c.nextSeq()
	req := artifact.UpdateRequest{
		ID:              id,
		Title:           p.Title,
		Data:            p.Data,
		Meta:            p.Meta,
		ExpectedVersion: e.base.Version + int64(e.pendingCount(OpUpdate)),
	}
	c.entries[id] = e.withPending(mutation{seq: seq, op: OpUpdate, patch: p})
	c.mu.Unlock()
	c.changed()

	raw, err := c.transport.Update(ctx, c.key, req)
	if err == nil {
		updated, derr := artifact.Decode[T](raw)
		if derr == nil {
			c.finish(id, seq, OpUpdate, outcome[T]{phase: Committed, server: &updated})
			return updated, nil
		}
		// Committed remotely at a version we cannot see; reread it.
		c.finish(id, seq, OpUpdate, outcome[T]{phase: RolledBack})
		c.resync(ctx, "update_answer")
		return zero, fmt.Errorf("update %s in %s: %w: %w", id, c.key, ErrUnreadable, derr)
	}

	var conflict *artifact.ConflictError
	if errors.As(err, &conflict) {
		out := outcome[T]{phase: Conflicted}
		if conflict.Current.ID == id {
			if current, derr := artifact.Decode[T](conflict.Current); derr == nil {
				out.server = &current
			}
		}
		c.finish(id, seq, OpUpdate, out)
		if out.server == nil {
			c.resync(ctx, "conflict_without_current")
		}
		return zero, fmt.Errorf("update %s in %s: %w", id, c.key, err)
	}

	c.finish(id, seq, OpUpdate, outcome[T]{phase: RolledBack})
	if errors.Is(err, artifact.ErrNotFound) {
		c.dropIfIdle(id)
	}
	return zero, fmt.Errorf("update %s in %s: %w", id, c.key, err)
}

// Remove hides id immediately and deletes it once the authority agrees. An
// authority that no longer knows the id counts as success. On failure the
// artifact reappears where it was.
func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	if artifact.IsProvisional(id) {
		return fmt.Errorf("remove %s in %s: %w", id, c.key, artifact.ErrProvisional)
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.removing() {
		c.mu.Unlock()
		return fmt.Errorf("remove %s in %s: %w", id, c.key, artifact.ErrNotFound)
	}
	if e.base == nil {
		c.mu.Unlock()
		return fmt.Errorf("remove %s in %s: %w", id, c.key, artifact.ErrProvisional)
	}
	seq := c.nextSeq()
	c.entries[id] = e.withPending(mutation{seq: seq, op: OpRemove})
	c.mu.Unlock()
	c.changed()

	err := c.transport.Delete(ctx, c.key, id)
	if err != nil && !errors.Is(err, artifact.ErrNotFound) {
		c.finish(id, seq, OpRemove, outcome[T]{phase: RolledBack})
		return fmt.Errorf("remove %s in %s: %w", id, c.key, err)
	}
	c.finish(id, seq, OpRemove, outcome[T]{phase: Committed})
	return nil
}

// resync rereads the collection when an authority answer could not be
// applied locally. It bypasses the shared load so the listing is requested
// after the answer arrived.
func (c *Collection[T]) resync(ctx context.Context, reason string) {
	resyncsTotal.WithLabelValues(reason).Inc()
	if err := c.fetch(ctx, nil); err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("resync failed")
	}
}

func (c *Collection[T]) finish(id string, seq uint64, op Op, out outcome[T]) {
	c.mu.Lock()
	c.settleLocked(id, seq, op, out)
	c.mu.Unlock()
	c.changed()
	c.record(id, op, out.phase)
}

func (c *Collection[T]) settleLocked(id string, seq uint64, op Op, out outcome[T]) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	next, keep := settle(e, seq, out, c.tick())
	if keep {
		c.entries[id] = next
		return
	}
	delete(c.entries, id)
	c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
	if op == OpRemove && out.phase == Committed {
		c.removed[id] = struct{}{}
	}
}

// rekeyLocked moves a confirmed create from its provisional id to the
// authority id, keeping the provisional position.
func (c *Collection[T]) rekeyLocked(from, to string) {
	e, ok := c.entries[from]
	if !ok || from == to {
		return
	}
	delete(c.entries, from)
	if existing, ok := c.entries[to]; ok && existing.base != nil && (e.base == nil || existing.base.Version > e.base.Version) {
		e.base = existing.base
		e.pending = append(e.pending, existing.pending...)
	}
	c.entries[to] = e

	order := make([]string, 0, len(c.order))
	for _, id := range c.order {
		switch id {
		case to:
			continue
		case from:
			order = append(order, to)
		default:
			order = append(order, id)
		}
	}
	c.order = order
}

func (c *Collection[T]) dropIfIdle(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && len(e.pending) == 0 {
		delete(c.entries, id)
		c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
	}
	c.mu.Unlock()
	if ok {
		c.changed()
	}
}

func (c *Collection[T]) record(id string, op Op, phase Phase) {
	mutationsTotal.WithLabelValues(op.String(), phase.String()).Inc()
	switch phase {
	case RolledBack:
		c.logger.Warn().Str("id", id).Str("op", op.String()).Msg("mutation rolled back")
	case Conflicted:
		c.logger.Warn().Str("id", id).Str("op", op.String()).Msg("mutation conflicted, authority copy installed")
	default:
		c.logger.Debug().Str("id", id).Str("op", op.String()).Str("phase", phase.String()).Msg("mutation settled")
	}
}

func (c *Collection[T]) changed() {
	c.notify()
	c.coord.touch(c)
}

func (c *Collection[T]) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	state := c.stateLocked()
	ids := slices.Sorted(maps.Keys(c.listeners))
	fns := make([]func(State[T]), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (c *Collection[T]) stateLocked() State[T] {
	items := make([]artifact.Artifact[T], 0, len(c.order))
	for _, id := range c.order {
		if a, ok := visible(c.entries[id]); ok {
			items = append(items, a)
		}
	}
	return State[T]{
		Key:     c.key,
		Items:   items,
		Loading: c.loading > 0,
		Loaded:  c.loaded,
		Err:     c.loadErr,
	}
}

func (c *Collection[T]) cacheKey() string {
	return c.key.String()
}

func (c *Collection[T]) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading > 0 {
		return true
	}
	for _, e := range c.entries {
		if len(e.pending) > 0 {
			return true
		}
	}
	return false
}

func (c *Collection[T]) tick() uint64 {
	c.clock++
	return c.clock
}

func (c *Collection[T]) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func decodeAll[T any](raws []artifact.Raw) ([]artifact.Artifact[T], error) {
	out := make([]artifact.Artifact[T], 0, len(raws))
	for _, raw := range raws {
		a, err := artifact.Decode[T](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func clonePatch(p artifact.Patch) artifact.Patch {
	out := artifact.Patch{Data: maps.Clone(p.Data)}
	if p.Title != nil {
		title := *p.Title
		out.Title = &title
	}
	if p.Meta != nil {
		m := p.Meta.Clone()
		out.Meta = &m
	}
	return out
}
