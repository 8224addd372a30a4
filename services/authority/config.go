package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/sethvargo/go-envconfig"

	"lensboard/pkg/s3"
)

// Backends accepted by LENS_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration for the authority service.
type Config struct {
	Addr           string        `env:"LENS_ADDR,default=:8080"`
	Backend        string        `env:"LENS_BACKEND,default=memory"`
	SQLitePath     string        `env:"LENS_SQLITE_PATH,default=lens.db"`
	DBDSN          string        `env:"LENS_DB_DSN"`
	NATSURL        string        `env:"LENS_NATS_URL"`
	ExportBucket   string        `env:"LENS_EXPORT_BUCKET"`
	ExportAgeKey   string        `env:"LENS_EXPORT_AGE_RECIPIENT"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string      `env:"LENS_CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int           `env:"LENS_RATE_LIMIT,default=600"`
	RequestTimeout time.Duration `env:"LENS_REQUEST_TIMEOUT,default=30s"`
	LogLevel       string        `env:"LENS_LOG_LEVEL,default=info"`
	S3             s3.Config
}

// Load returns a Config populated from the process environment.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

// LoadFrom returns a Config populated from env, for tests and embedding.
func LoadFrom(ctx context.Context, env map[string]string) (Config, error) {
	return load(ctx, envconfig.MapLookuper(env))
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("LENS_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return errors.New("LENS_DB_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown LENS_BACKEND %q", c.Backend)
	}
	if c.ExportBucket != "" && !c.S3.Enabled() {
		return errors.New("LENS_EXPORT_BUCKET requires S3_ENDPOINT")
	}
	if c.ExportAgeKey != "" {
		if c.ExportBucket == "" {
			return errors.New("LENS_EXPORT_AGE_RECIPIENT requires LENS_EXPORT_BUCKET")
		}
		if _, err := ParseExportRecipient(c.ExportAgeKey); err != nil {
			return fmt.Errorf("parse LENS_EXPORT_AGE_RECIPIENT: %w", err)
		}
	}
	if c.RateLimit < 0 {
		return errors.New("LENS_RATE_LIMIT must not be negative")
	}
	return nil
}

// ExportRecipient returns the configured export recipient, or nil when exports
// are stored unencrypted.
func (c Config) ExportRecipient() (*age.X25519Recipient, error) {
	if c.ExportAgeKey == "" {
		return nil, nil
	}
	return ParseExportRecipient(c.ExportAgeKey)
}

// OpenRepository builds the repository selected by the configuration.
func OpenRepository(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteRepository(ctx, cfg.SQLitePath)
	case BackendPostgres:
		return NewPostgresRepository(ctx, cfg.DBDSN)
	default:
		return NewMemoryRepository(), nil
	}
}
