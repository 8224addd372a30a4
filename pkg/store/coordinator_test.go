package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lensboard/pkg/artifact"
)

func TestNewCoordinatorRequiresTransport(t *testing.T) {
	_, err := NewCoordinator(nil)
	require.Error(t, err)
}

func TestOpenSharesCollectionPerKey(t *testing.T) {
	coord, err := NewCoordinator(newFakeAuthority())
	require.NoError(t, err)

	a, err := Open[asset](coord, assetKey)
	require.NoError(t, err)
	b, err := Open[asset](coord, assetKey)
	require.NoError(t, err)
	require.Same(t, a, b)

	other, err := Open[asset](coord, artifact.Key{Domain: "finance", Type: "trade"})
	require.NoError(t, err)
	require.NotSame(t, a, other)
}

func TestOpenRejectsDifferentPayloadType(t *testing.T) {
	coord, err := NewCoordinator(newFakeAuthority())
	require.NoError(t, err)

	_, err = Open[asset](coord, assetKey)
	require.NoError(t, err)
	_, err = Open[map[string]any](coord, assetKey)
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Open[asset](coord, artifact.Key{Domain: "finance"})
	require.ErrorIs(t, err, artifact.ErrInvalid)
}

func TestSubscribedCollectionsSurviveEviction(t *testing.T) {
	coord, err := NewCoordinator(newFakeAuthority())
	require.NoError(t, err)
	coll, err := Open[asset](coord, assetKey)
	require.NoError(t, err)

	unsubscribe := coll.Subscribe(func(State[asset]) {})
	require.Equal(t, 0, coord.EvictIdle())
	require.True(t, coord.Cached(assetKey))

	unsubscribe()
	require.Equal(t, 1, coord.EvictIdle())
	require.False(t, coord.Cached(assetKey))

	fresh, err := Open[asset](coord, assetKey)
	require.NoError(t, err)
	require.NotSame(t, coll, fresh)
}

func TestPendingMutationsPinCollection(t *testing.T) {
	f := newFakeAuthority()
	coord, coll := newTestCollection(t, f)

	f.holdOp("create", true)
	done := make(chan error, 1)
	go func() {
		_, err := coll.Create(context.Background(), artifact.Draft[asset]{Title: "BTC"})
		done <- err
	}()
	g := nextGate(t, f, "create")
	require.Equal(t, 0, coord.EvictIdle())

	close(g.release)
	require.NoError(t, <-done)
	require.Equal(t, 1, coord.EvictIdle())
}

func TestIdleCollectionsExpire(t *testing.T) {
	coord, err := NewCoordinator(newFakeAuthority(), WithRetention(20*time.Millisecond))
	require.NoError(t, err)
	_, err = Open[asset](coord, assetKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !coord.Cached(assetKey)
	}, time.Second, 10*time.Millisecond)
}

func TestHeldCollectionSurvivesEviction(t *testing.T) {
	coord, err := NewCoordinator(newFakeAuthority(), WithRetention(20*time.Millisecond))
	require.NoError(t, err)
	coll, err := Open[asset](coord, assetKey)
	require.NoError(t, err)

	release := coll.Hold()
	require.Equal(t, 1, coord.Subscribers(assetKey))
	require.Equal(t, 0, coord.EvictIdle())
	time.Sleep(60 * time.Millisecond)
	require.True(t, coord.Cached(assetKey))

	again, err := Open[asset](coord, assetKey)
	require.NoError(t, err)
	require.Same(t, coll, again)

	release()
	release()
	require.Equal(t, 0, coord.Subscribers(assetKey))
	require.Equal(t, 1, coord.EvictIdle())
	require.False(t, coord.Cached(assetKey))
}
