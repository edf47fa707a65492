package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hack-ink/jwks-cache/internal/config"
	"github.com/hack-ink/jwks-cache/internal/httpapi"
	"github.com/hack-ink/jwks-cache/internal/jwkscache"
	"github.com/hack-ink/jwks-cache/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JWKS cache admin/resolve HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	persistence, err := buildPersistence(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("building persistence backend: %w", err)
	}

	telemetry := jwkscache.InstallTelemetry(prometheus.DefaultRegisterer)

	defaults := cfg.Defaults.ToDefaults()
	registry := jwkscache.NewRegistry(defaults, defaults.RequireHTTPS, defaults.AllowedDomains, persistence, telemetry)

	ctx := context.Background()
	for _, rc := range cfg.Registrations {
		reg := rc.ToRegistration()
		if err := registry.Register(ctx, reg); err != nil {
			return fmt.Errorf("registering tenant=%q provider=%q: %w", reg.TenantID, reg.ProviderID, err)
		}
		log.Info("registered provider", "tenant", reg.TenantID, "provider", reg.ProviderID, "jwks_url", reg.JWKSURL)
	}

	api := httpapi.NewAPI(registry, log, prometheus.DefaultRegisterer)
	router := httpapi.NewRouter(api)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		registry.Close()
		return err
	case <-quit:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer persistCancel()
	if err := registry.PersistAll(persistCtx); err != nil {
		log.Warn("final persistence flush failed", "error", err)
	}

	registry.Close()
	log.Info("server exited")
	return nil
}

func buildPersistence(cfg config.PersistenceConfig) (jwkscache.PersistenceBackend, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		return jwkscache.NewRedisPersistence(client, cfg.Redis.Namespace), nil
	case "none", "":
		return jwkscache.NoopPersistence{}, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
