// Package transport is the remote boundary between the client-side store and
// the artifact authority.
package transport

import (
	"context"
	"encoding/json"

	"lensboard/pkg/artifact"
)

// Transport performs the round-trips the store and the action runner depend on.
// Update returns *artifact.ConflictError when the expected version is stale and
// errors matching artifact.ErrNotFound for unknown ids.
type Transport interface {
	List(ctx context.Context, key artifact.Key) ([]artifact.Raw, error)
	Create(ctx context.Context, key artifact.Key, req artifact.CreateRequest) (artifact.Raw, error)
	Update(ctx context.Context, key artifact.Key, req artifact.UpdateRequest) (artifact.Raw, error)
	Delete(ctx context.Context, key artifact.Key, id string) error
	Invoker
}

// Invoker runs named actions. It is the only part of the boundary the action
// runner needs.
type Invoker interface {
	Invoke(ctx context.Context, req artifact.ActionRequest) (json.RawMessage, error)
}
