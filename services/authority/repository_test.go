package authority

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lensboard/pkg/artifact"
)

var vehicles = artifact.Key{Domain: "logistics", Type: "vehicle"}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLiteRepository(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func TestRepositoryContract(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			truck, err := repo.Create(ctx, vehicles, NewArtifact{
				Title: "Truck 7",
				Data:  map[string]any{"mileage": float64(1000), "nextServiceMileage": float64(5000)},
				Meta:  artifact.Meta{Status: "active", Tags: []string{"north"}},
			})
			require.NoError(t, err)
			require.NotEmpty(t, truck.ID)
			require.Equal(t, int64(1), truck.Version)

			van, err := repo.Create(ctx, vehicles, NewArtifact{Title: "Van 2"})
			require.NoError(t, err)

			_, err = repo.Create(ctx, artifact.Key{Domain: "logistics", Type: "route"}, NewArtifact{Title: "Route A"})
			require.NoError(t, err)

			items, err := repo.List(ctx, vehicles)
			require.NoError(t, err)
			require.Len(t, items, 2)
			require.Equal(t, truck.ID, items[0].ID)
			require.Equal(t, van.ID, items[1].ID)
			require.Equal(t, []string{"north"}, items[0].Meta.Tags)
			require.Nil(t, items[1].Meta.Tags)

			found, err := repo.Find(ctx, "logistics", truck.ID)
			require.NoError(t, err)
			require.Equal(t, "Truck 7", found.Title)

			_, err = repo.Find(ctx, "fitness", truck.ID)
			require.ErrorIs(t, err, artifact.ErrNotFound)

			before, after, err := repo.Update(ctx, vehicles, artifact.UpdateRequest{
				ID:              truck.ID,
				Data:            map[string]any{"mileage": float64(5200)},
				ExpectedVersion: 1,
			})
			require.NoError(t, err)
			require.Equal(t, int64(1), before.Version)
			require.Equal(t, int64(2), after.Version)
			require.Equal(t, float64(5200), after.Data["mileage"])
			require.Equal(t, float64(5000), after.Data["nextServiceMileage"])
			require.True(t, after.UpdatedAt.After(before.UpdatedAt))

			_, _, err = repo.Update(ctx, vehicles, artifact.UpdateRequest{
				ID:              truck.ID,
				Data:            map[string]any{"mileage": float64(1)},
				ExpectedVersion: 1,
			})
			var conflict *artifact.ConflictError
			require.True(t, errors.As(err, &conflict))
			require.Equal(t, int64(2), conflict.Current.Version)
			require.ErrorIs(t, err, artifact.ErrConflict)

			_, _, err = repo.Update(ctx, vehicles, artifact.UpdateRequest{ID: "missing", ExpectedVersion: 1})
			require.ErrorIs(t, err, artifact.ErrNotFound)

			removed, err := repo.Delete(ctx, vehicles, van.ID)
			require.NoError(t, err)
			require.Equal(t, van.ID, removed.ID)

			_, err = repo.Delete(ctx, vehicles, van.ID)
			require.ErrorIs(t, err, artifact.ErrNotFound)

			items, err = repo.List(ctx, vehicles)
			require.NoError(t, err)
			require.Len(t, items, 1)
		})
	}
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rec, err := repo.Create(ctx, vehicles, NewArtifact{Title: "Truck", Data: map[string]any{"mileage": float64(1)}})
	require.NoError(t, err)
	rec.Data["mileage"] = float64(99)

	items, err := repo.List(ctx, vehicles)
	require.NoError(t, err)
	require.Equal(t, float64(1), items[0].Data["mileage"])
}
