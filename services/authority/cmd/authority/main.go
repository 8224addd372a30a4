package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"lensboard/pkg/bus"
	"lensboard/pkg/s3"
	"lensboard/pkg/telemetry"
	"lensboard/services/authority"
)

func main() {
	if err := run("authority"); err != nil {
		log.Fatal().Err(err).Msg("authority exited")
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := authority.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	repo, err := authority.OpenRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s repository: %w", cfg.Backend, err)
	}
	defer repo.Close()

	store := &authority.Store{Repo: repo}
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		store.Bus = b
	}
	if cfg.S3.Enabled() {
		client, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		store.S3 = client
	}

	recipient, err := cfg.ExportRecipient()
	if err != nil {
		return fmt.Errorf("export recipient: %w", err)
	}

	api, err := authority.New(store, authority.NewActionRegistry(), authority.Options{
		ExportBucket:    cfg.ExportBucket,
		ExportRecipient: recipient,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimit:       cfg.RateLimit,
		RequestTimeout:  cfg.RequestTimeout,
		Logger:          logger,
		Middleware:      middleware,
		Ready:           readiness(repo, store),
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	handler, err := api.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("backend", cfg.Backend).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func readiness(repo authority.Repository, store *authority.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if p, ok := repo.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if b, ok := store.Bus.(*bus.Bus); ok && !b.Connected() {
			return errors.New("nats disconnected")
		}
		return nil
	}
}
