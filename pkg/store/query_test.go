package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lensboard/pkg/artifact"
)

func TestQuery(t *testing.T) {
	items := []artifact.Artifact[asset]{
		{ID: "a1", Title: "Bitcoin", Data: asset{Symbol: "BTC", Price: 67500}, Meta: artifact.Meta{Status: "active", Tags: []string{"crypto", "large"}}},
		{ID: "a2", Title: "Ether", Data: asset{Symbol: "ETH", Price: 3200}, Meta: artifact.Meta{Status: "watch", Tags: []string{"crypto"}}},
		{ID: "a3", Title: "Gold", Data: asset{Symbol: "XAU", Price: 2400}, Meta: artifact.Meta{Status: "active"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "empty filter", filter: Filter{}, want: []string{"a1", "a2", "a3"}},
		{name: "title text", filter: Filter{Text: "gold"}, want: []string{"a3"}},
		{name: "payload text", filter: Filter{Text: "eth"}, want: []string{"a2"}},
		{name: "payload number", filter: Filter{Text: "67500"}, want: []string{"a1"}},
		{name: "status", filter: Filter{Status: "ACTIVE"}, want: []string{"a1", "a3"}},
		{name: "all tags", filter: Filter{Tags: []string{"crypto", "large"}}, want: []string{"a1"}},
		{name: "combined", filter: Filter{Status: "watch", Text: "ether"}, want: []string{"a2"}},
		{name: "no match", filter: Filter{Text: "doge"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Query(items, tt.filter)
			ids := make([]string, 0, len(got))
			for _, it := range got {
				ids = append(ids, it.ID)
			}
			require.Equal(t, tt.want, ids)
		})
	}
}
