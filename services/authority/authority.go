// Package authority is the reference server for the lens artifact API: it
// owns artifact ids and versions, runs named actions and publishes change
// events.
package authority

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 30 * time.Second
	presignURLExpiry      = 15 * time.Minute
)

// Publisher emits events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ObjectStore receives collection exports. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Store holds the external dependencies of the API. Bus and S3 are optional.
type Store struct {
	Repo Repository
	Bus  Publisher
	S3   ObjectStore
}

// Options controls HTTP behaviour.
type Options struct {
	ExportBucket string
	// ExportRecipient, when set, encrypts every export before upload.
	ExportRecipient *age.X25519Recipient
	AllowedOrigins  []string
	// RateLimit is requests per minute per client IP; zero disables limiting.
	RateLimit      int
	RequestTimeout time.Duration
	Logger         zerolog.Logger
	// Middleware wraps the whole router, typically telemetry.Middleware.
	Middleware func(http.Handler) http.Handler
	// Ready backs /readyz when set.
	Ready func(context.Context) error
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store   *Store
	actions *ActionRegistry
	opts    Options
	logger  zerolog.Logger
}

// New validates the dependencies and applies defaults.
func New(store *Store, actions *ActionRegistry, opts Options) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Repo == nil {
		return nil, errors.New("store repository is required")
	}
	if actions == nil {
		actions = NewActionRegistry()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	return &API{
		store:   store,
		actions: actions,
		opts:    opts,
		logger:  opts.Logger,
	}, nil
}
