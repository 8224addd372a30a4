package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type holding struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty,omitempty"`
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		typ     string
		want    Key
		wantErr bool
	}{
		{name: "trimmed", domain: " finance ", typ: "asset", want: Key{Domain: "finance", Type: "asset"}},
		{name: "missing type", domain: "finance", wantErr: true},
		{name: "slash", domain: "food", typ: "Recipe/1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewKey(tt.domain, tt.typ)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, "finance/asset", got.String())
		})
	}
}

func TestDecodeTypedPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw := Raw{
		ID:        "a1",
		Domain:    "finance",
		Type:      "asset",
		Title:     "BTC",
		Data:      json.RawMessage(`{"symbol":"BTC","price":67500}`),
		Meta:      Meta{Status: "active", Tags: []string{"crypto"}},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	got, err := Decode[holding](raw)
	require.NoError(t, err)
	require.Equal(t, holding{Symbol: "BTC", Price: 67500}, got.Data)
	require.Equal(t, Key{Domain: "finance", Type: "asset"}, got.Key())

	got.Meta.Tags[0] = "mutated"
	require.Equal(t, "crypto", raw.Meta.Tags[0], "decoded meta must not alias the wire copy")

	_, err = Decode[holding](Raw{ID: "bad", Data: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
}

func TestMergeDataStruct(t *testing.T) {
	current := holding{Symbol: "ETH", Price: 3100, Qty: 2}

	merged, err := MergeData(current, map[string]any{"price": 3200.5})
	require.NoError(t, err)
	require.Equal(t, holding{Symbol: "ETH", Price: 3200.5, Qty: 2}, merged)
	require.Equal(t, 3100.0, current.Price)

	_, err = MergeData(current, map[string]any{"price": "not a number"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestMergeDataMap(t *testing.T) {
	current := map[string]any{"sets": 3.0, "reps": 8.0}

	merged, err := MergeData(current, map[string]any{"reps": 10})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sets": 3.0, "reps": 10.0}, merged)
	require.Equal(t, 8.0, current["reps"])

	fromNil, err := MergeData[map[string]any](nil, map[string]any{"reps": 5})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"reps": 5.0}, fromNil)
}

func TestApplyPatch(t *testing.T) {
	title := "Bitcoin"
	base := Artifact[holding]{
		ID:      "a1",
		Title:   "BTC",
		Data:    holding{Symbol: "BTC", Price: 67500},
		Meta:    Meta{Status: "active", Tags: []string{"crypto"}},
		Version: 4,
	}

	got, err := ApplyPatch(base, Patch{
		Title: &title,
		Data:  map[string]any{"price": 68000},
		Meta:  &Meta{Status: "flagged"},
	})
	require.NoError(t, err)
	require.Equal(t, "Bitcoin", got.Title)
	require.Equal(t, 68000.0, got.Data.Price)
	require.Equal(t, Meta{Status: "flagged"}, got.Meta)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, "BTC", base.Title)
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("update a1: %w", &ConflictError{ID: "a1", Expected: 2, Current: Raw{ID: "a1", Version: 5}})
	require.ErrorIs(t, err, ErrConflict)
	require.False(t, errors.Is(err, ErrNotFound))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(5), conflict.Current.Version)
}

func TestObjectData(t *testing.T) {
	got, err := ObjectData(nil)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = ObjectData(json.RawMessage(`{"price": 1}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"price": 1.0}, got)

	_, err = ObjectData(json.RawMessage(`"text"`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestProvisionalID(t *testing.T) {
	id := ProvisionalID()
	require.True(t, IsProvisional(id))
	require.NotEqual(t, id, ProvisionalID())
	require.False(t, IsProvisional("3f1c0a52-8a1d-4f7e-9a6b-3a0cbb1d2e10"))
}
