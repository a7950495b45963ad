package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdescrow/config"
	"crowdescrow/core/state"
	"crowdescrow/native/pool"
	"crowdescrow/observability/logging"
	telemetry "crowdescrow/observability/otel"
	"crowdescrow/services/escrowd"
	"crowdescrow/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./escrowd.toml", "path to the daemon configuration file (.toml or .yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.Setup("escrowd", cfg.Environment, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.CampaignDBPath())
	if err != nil {
		return fmt.Errorf("open campaign store: %w", err)
	}
	defer db.Close()

	store, err := escrowd.NewSQLiteStore(cfg.SQLitePath())
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	storeTimeout := time.Duration(cfg.HTTP.StoreTimeout) * time.Second
	settler := escrowd.NewOutboxSettler(store, storeTimeout, logger)
	poolEngine, err := pool.New(pool.Config{Cap: cfg.Pool.Cap, Destination: cfg.Pool.Destination}, settler)
	if err != nil {
		return fmt.Errorf("configure pool: %w", err)
	}

	server, err := escrowd.NewServer(escrowd.Options{
		Campaigns:     state.NewManager(db),
		Pool:          poolEngine,
		Store:         store,
		Authenticator: escrowd.NewAuthenticator(cfg.Auth.HMACSecret, cfg.Auth.Issuer, cfg.Auth.Audience, logger),
		RateLimiter:   escrowd.NewRateLimiter(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst, cfg.HTTP.TrustProxyHeaders),
		Logger:        logger,
		StoreTimeout:  storeTimeout,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadHeaderTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("address", cfg.ListenAddress),
			slog.Uint64("poolCap", cfg.Pool.Cap))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
