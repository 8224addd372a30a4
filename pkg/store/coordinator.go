// Package store keeps a locally cached, optimistically mutated view of artifact
// collections in sync with the authority.
//
// A Coordinator owns every open collection, keyed by (domain, artifactType).
// Collections with subscribers or in-flight mutations stay pinned; idle ones
// are kept for a retention period and then evicted.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lensboard/pkg/artifact"
	"lensboard/pkg/transport"
)

const (
	// DefaultRetention is how long an idle collection stays cached.
	DefaultRetention       = 5 * time.Minute
	defaultCleanupInterval = time.Minute
)

// ErrTypeMismatch is returned when a key is opened with a payload type that
// differs from the one it was first opened with.
var ErrTypeMismatch = errors.New("collection already open with a different payload type")

// ErrUnreadable is returned when the authority accepted a change but its answer
// could not be decoded. The collection has been reread by the time it is seen.
var ErrUnreadable = errors.New("authority accepted the change but its answer could not be decoded")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used by the coordinator and its collections.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithRetention sets how long idle collections are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// tracked is the non-generic view the coordinator has of a collection.
type tracked interface {
	cacheKey() string
	busy() bool
}

// Coordinator is the process-wide owner of collection state.
type Coordinator struct {
	transport transport.Transport
	logger    zerolog.Logger
	retention time.Duration

	cache *gocache.Cache
	loads singleflight.Group

	mu   sync.Mutex
	refs map[string]int
}

// NewCoordinator creates a coordinator that reaches the authority through t.
func NewCoordinator(t transport.Transport, opts ...Option) (*Coordinator, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}

	c := &Coordinator{
		transport: t,
		logger:    zerolog.Nop(),
		retention: DefaultRetention,
		refs:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}

	cleanup := defaultCleanupInterval
	if c.retention < cleanup {
		cleanup = c.retention
	}
	c.cache = gocache.New(gocache.NoExpiration, cleanup)
	c.cache.OnEvicted(func(key string, _ any) {
		c.logger.Debug().Str("collection", key).Msg("idle collection evicted")
	})
	return c, nil
}

// Open returns the shared collection for key, creating it on first use.
// Opening does not count as a reference: a collection with no subscription,
// no hold and nothing in flight is dropped once the retention period passes,
// and a later Open builds a fresh one. Callers that keep the returned pointer
// must Subscribe or Hold.
func Open[T any](c *Coordinator, key artifact.Key) (*Collection[T], error) {
	if c == nil {
		return nil, errors.New("nil coordinator")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.cache.Get(key.String()); ok {
		coll, ok := v.(*Collection[T])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, key)
		}
		c.pinLocked(coll)
		return coll, nil
	}

	coll := newCollection[T](c, key)
	c.pinLocked(coll)
	c.logger.Debug().Str("collection", key.String()).Msg("collection opened")
	return coll, nil
}

// Cached reports whether a live collection exists for key.
func (c *Coordinator) Cached(key artifact.Key) bool {
	_, ok := c.cache.Get(key.String())
	return ok
}

// Subscribers returns the number of live subscriptions and holds for key.
func (c *Coordinator) Subscribers(key artifact.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[key.String()]
}

// EvictIdle drops every collection with no subscribers and no in-flight
// mutations immediately.
func (c *Coordinator) EvictIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, item := range c.cache.Items() {
		t, ok := item.Object.(tracked)
		if !ok || c.refs[k] > 0 || t.busy() {
			continue
		}
		c.cache.Delete(k)
		evicted++
	}
	return evicted
}

func (c *Coordinator) retain(t tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[t.cacheKey()]++
	c.pinLocked(t)
}

func (c *Coordinator) release(t tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := t.cacheKey()
	if c.refs[k] > 0 {
		c.refs[k]--
	}
	if c.refs[k] == 0 {
		delete(c.refs, k)
	}
	c.pinLocked(t)
}

func (c *Coordinator) touch(t tracked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinLocked(t)
}

// pinLocked refreshes the cache expiration of t. A collection that was
// replaced after eviction is left alone.
func (c *Coordinator) pinLocked(t tracked) {
	k := t.cacheKey()
	if cur, ok := c.cache.Get(k); ok && cur != t {
		return
	}
	expiration := c.retention
	if c.refs[k] > 0 || t.busy() {
		expiration = gocache.NoExpiration
	}
	c.cache.Set(k, t, expiration)
}
