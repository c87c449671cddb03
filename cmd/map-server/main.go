package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/config"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/replay"
	"github.com/gameontext/gameon-map-sub000/internal/secrets"
	"github.com/gameontext/gameon-map-sub000/internal/server"
	"github.com/gameontext/gameon-map-sub000/internal/signing"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/storage/memory"
	"github.com/gameontext/gameon-map-sub000/internal/storage/postgres"
	"github.com/gameontext/gameon-map-sub000/internal/storage/sqlite"
	"github.com/gameontext/gameon-map-sub000/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		config.Exitf("map-server: %v", err)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		config.Exitf("map-server: %v", err)
	}
}

func run(ctx context.Context, cfg config.Server, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := secretSource(cfg)
	if err != nil {
		return err
	}
	resolver := secrets.NewResolver(source, secrets.Options{TTL: cfg.SecretTTL, Logger: logger})

	cache := replay.New(replay.Options{SweepEvery: cfg.ReplaySweepEvery, Logger: logger})
	defer cache.Close()

	verifier := signing.NewVerifier(resolver, cache, signing.VerifierOptions{
		Window: cfg.SignatureWindow,
		Logger: logger,
	})

	publisher, closePublisher, err := eventPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()
	emitter := events.NewAsync(publisher, 5*time.Second, logger)
	defer emitter.Wait()

	alloc := lattice.New(store, lattice.Options{
		ClaimAttempts:   cfg.ClaimAttempts,
		ClaimBackoff:    cfg.ClaimBackoff,
		ClaimBackoffMax: cfg.ClaimBackoffMax,
		Logger:          logger,
		Events:          emitter,
	})
	if err := alloc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap lattice: %w", err)
	}

	api := server.New(alloc, verifier, access.NewPolicy(cfg.SystemID, cfg.SweepID), server.Options{
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("map-server listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("map-server shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openStore(ctx context.Context, cfg config.Server, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("create db dir %s: %w", dir, err)
			}
		}
		st, err := sqlite.Open(ctx, cfg.DBPath, sqlite.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.PostgresURL, postgres.Options{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	case config.DriverMemory:
		logger.Warn("using the in-memory store; sites are lost on exit")
		return memory.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// secretSource chains the static secrets (system, sweep and the secrets
// file) ahead of the player service.
func secretSource(cfg config.Server) (secrets.Source, error) {
	static := secrets.Static{}
	if cfg.SecretsFile != "" {
		fromFile, err := secrets.LoadFile(cfg.SecretsFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(static, fromFile)
	}
	if cfg.SystemSecret != "" {
		static[cfg.SystemID] = cfg.SystemSecret
	}
	if cfg.SweepID != "" && cfg.SweepSecret != "" {
		static[cfg.SweepID] = cfg.SweepSecret
	}

	chain := secrets.Chain{static}
	if cfg.PlayerURL != "" {
		chain = append(chain, &secrets.PlayerSource{
			BaseURL:  cfg.PlayerURL,
			SystemID: cfg.SystemID,
			Key:      []byte(cfg.PlayerJWTKey),
		})
	}
	return chain, nil
}

func eventPublisher(ctx context.Context, cfg config.Server, logger *slog.Logger) (events.Publisher, func(), error) {
	if cfg.RedisURL == "" {
		return events.LogPublisher{Logger: logger}, func() {}, nil
	}
	pub, err := events.OpenRedis(ctx, cfg.RedisURL, cfg.EventChannel)
	if err != nil {
		return nil, nil, fmt.Errorf("open redis: %w", err)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}, nil
}
