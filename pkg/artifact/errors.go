package artifact

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an artifact id is unknown to its collection.
	ErrNotFound = errors.New("artifact not found")
	// ErrConflict is matched by every version conflict.
	ErrConflict = errors.New("artifact version conflict")
	// ErrProvisional is returned when a mutation targets an artifact whose
	// creation has not been confirmed yet.
	ErrProvisional = errors.New("artifact is still being created")
	// ErrInvalid marks malformed input.
	ErrInvalid = errors.New("invalid artifact request")
)

// ConflictError reports that an update carried a stale expected version. Current
// is the authority's copy at the time of rejection.
type ConflictError struct {
	ID       string
	Expected int64
	Current  Raw
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("artifact %s: expected version %d, current version %d", e.ID, e.Expected, e.Current.Version)
}

// Is makes errors.Is(err, ErrConflict) hold for every ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
