package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"lensboard/pkg/artifact"
)

func TestSettleKeepsHighestVersionInAnyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "updates")
		start := rapid.Int64Range(1, 100).Draw(t, "base")

		e := entry[asset]{base: &artifact.Artifact[asset]{ID: "a1", Version: start}}
		for i := 1; i <= n; i++ {
			e = e.withPending(mutation{seq: uint64(i), op: OpUpdate})
		}

		answers := rapid.Permutation(seqRange(n)).Draw(t, "answer order")
		want := start
		for _, seq := range answers {
			srv := artifact.Artifact[asset]{ID: "a1", Version: start + int64(seq)}
			phase := rapid.SampledFrom([]Phase{Committed, Conflicted, RolledBack}).Draw(t, "phase")
			out := outcome[asset]{phase: phase}
			if phase != RolledBack {
				out.server = &srv
				want = max(want, srv.Version)
			}
			var keep bool
			prev := e.base.Version
			e, keep = settle(e, uint64(seq), out, 1)
			if !keep {
				t.Fatalf("entry dropped after settling update %d", seq)
			}
			if e.base.Version < prev {
				t.Fatalf("version went backwards: %d -> %d", prev, e.base.Version)
			}
		}
		if e.base.Version != want {
			t.Fatalf("final version %d, want %d", e.base.Version, want)
		}
		if len(e.pending) != 0 {
			t.Fatalf("pending left after all answers: %d", len(e.pending))
		}
	})
}

func seqRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestSettleCommittedRemoveDropsEntry(t *testing.T) {
	e := entry[asset]{base: &artifact.Artifact[asset]{ID: "a1", Version: 2}}
	e = e.withPending(mutation{seq: 1, op: OpRemove})

	_, ok := visible(e)
	require.False(t, ok)

	_, keep := settle(e, 1, outcome[asset]{phase: Committed}, 1)
	require.False(t, keep)
}

func TestSettleRolledBackRemoveRestores(t *testing.T) {
	e := entry[asset]{base: &artifact.Artifact[asset]{ID: "a1", Title: "BTC", Version: 2}}
	e = e.withPending(mutation{seq: 1, op: OpRemove})

	next, keep := settle(e, 1, outcome[asset]{phase: RolledBack}, 1)
	require.True(t, keep)
	got, ok := visible(next)
	require.True(t, ok)
	require.Equal(t, "BTC", got.Title)
}

func TestSettleRolledBackCreateDropsDraft(t *testing.T) {
	e := entry[asset]{draft: &artifact.Artifact[asset]{ID: artifact.ProvisionalID()}}
	e = e.withPending(mutation{seq: 1, op: OpCreate})

	_, keep := settle(e, 1, outcome[asset]{phase: RolledBack}, 1)
	require.False(t, keep)
}

func TestVisibleReplaysPendingPatches(t *testing.T) {
	title := "Bitcoin"
	e := entry[asset]{base: &artifact.Artifact[asset]{ID: "a1", Title: "BTC", Data: asset{Symbol: "BTC", Price: 1}, Version: 1}}
	e = e.withPending(mutation{seq: 1, op: OpUpdate, patch: artifact.Patch{Data: map[string]any{"price": 2}}})
	e = e.withPending(mutation{seq: 2, op: OpUpdate, patch: artifact.Patch{Title: &title}})

	got, ok := visible(e)
	require.True(t, ok)
	require.Equal(t, "Bitcoin", got.Title)
	require.Equal(t, float64(2), got.Data.Price)
	require.Equal(t, "BTC", got.Data.Symbol)
	require.Equal(t, 2, e.pendingCount(OpUpdate))
}
