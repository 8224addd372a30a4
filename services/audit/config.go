package audit

import (
	"context"
	"errors"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the audit service.
type Config struct {
	Addr         string `env:"AUDIT_ADDR,default=:8081"`
	NATSURL      string `env:"AUDIT_NATS_URL,default=nats://localhost:4222"`
	DBDSN        string `env:"AUDIT_DB_DSN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"AUDIT_LOG_LEVEL,default=info"`
}

// Load reads the configuration from lookuper.
func Load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if cfg.DBDSN == "" {
		return Config{}, errors.New("AUDIT_DB_DSN is required")
	}
	if cfg.NATSURL == "" {
		return Config{}, errors.New("AUDIT_NATS_URL is required")
	}
	return cfg, nil
}
