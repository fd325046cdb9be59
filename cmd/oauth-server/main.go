// Command oauth-server runs the grant engine behind a token endpoint.
//
// Clients, scopes, users and enabled grants come from a YAML file:
//
//	oauth-server -config config.yaml -env .env
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	oauth "github.com/giantswarm/oauth2-engine"
	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/internal/config"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/server"
	"github.com/giantswarm/oauth2-engine/storage"
	"github.com/giantswarm/oauth2-engine/storage/memory"
	"github.com/giantswarm/oauth2-engine/storage/valkey"
)

var version = "dev"

// store is what the server needs from a backend, plus seeding
type store interface {
	storage.ClientStore
	storage.ScopeStore
	storage.SessionStore
	SaveClient(ctx context.Context, reg storage.ClientRegistration) error
	SaveScope(ctx context.Context, scope, name, description string) (int64, error)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	envFile := flag.String("env", ".env", "optional .env file used to expand ${VAR} in the configuration")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "oauth-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oauth-server",
		ServiceVersion:  version,
		Enabled:         cfg.Metrics.Enabled,
		MetricsExporter: metricsExporter(cfg.Metrics.Enabled),
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Shutdown(ctx)
	}()

	st, closeStore, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	if err := seed(ctx, st, cfg); err != nil {
		return err
	}

	users := memory.NewUsers()
	for _, u := range cfg.Users {
		if err := users.Add(u.Username, u.Password, u.ID); err != nil {
			return fmt.Errorf("add user %s: %w", u.Username, err)
		}
	}

	auditor := security.NewAuditor(logger, cfg.Audit)
	auditor.SetInstrumentation(inst)

	srv, err := server.New(st, st, st, cfg.ServerConfig(),
		server.WithLogger(logger),
		server.WithAuditor(auditor),
		server.WithInstrumentation(inst),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	for _, g := range cfg.BuildGrants(users.Verify) {
		if err := srv.RegisterGrant(g); err != nil {
			return fmt.Errorf("register grant %s: %w", g.Identifier(), err)
		}
	}
	logger.Info("Grants registered", "grant_types", srv.GrantTypes())

	handlerConfig := &oauth.Config{
		Issuer:            cfg.Issuer,
		TrustedProxyCount: cfg.TrustedProxyCount,
		EnableHSTS:        strings.HasPrefix(cfg.Issuer, "https://"),
		Logger:            logger,
	}
	for _, s := range cfg.Scopes {
		handlerConfig.ScopesSupported = append(handlerConfig.ScopesSupported, s.Scope)
	}
	if cfg.RateLimit != nil {
		limiter := security.NewRateLimiter(*cfg.RateLimit, logger)
		defer limiter.Stop()
		handlerConfig.RateLimiter = limiter
	}
	handler := oauth.NewHandler(srv, handlerConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", handler.ServeToken)
	mux.HandleFunc("/.well-known/oauth-authorization-server", handler.ServeMetadata)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		logger.Info("Prometheus metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      security.RequestIDMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.Listen, "storage", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func metricsExporter(enabled bool) string {
	if enabled {
		return instrumentation.MetricsExporterPrometheus
	}
	return instrumentation.MetricsExporterNone
}

func openStore(cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendValkey:
		vc := valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Storage.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		st, err := valkey.New(vc)
		if err != nil {
			return nil, nil, fmt.Errorf("open valkey store: %w", err)
		}
		st.SetInstrumentation(inst)
		return st, st.Close, nil

	default:
		st := memory.New()
		st.SetLogger(logger)
		st.SetInstrumentation(inst)
		if err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return int64(st.Stats().Sessions) },
			func() int64 { return int64(st.Stats().AccessTokens) },
			func() int64 { return int64(st.Stats().RefreshTokens) },
			func() int64 { return int64(st.Stats().AuthCodes) },
		); err != nil {
			logger.Warn("Failed to register storage metrics", "error", err)
		}
		return st, st.Stop, nil
	}
}

func seed(ctx context.Context, st store, cfg *config.Config) error {
	for _, s := range cfg.Scopes {
		if _, err := st.SaveScope(ctx, s.Scope, s.Name, s.Description); err != nil {
			return fmt.Errorf("save scope %s: %w", s.Scope, err)
		}
	}
	for _, c := range cfg.Clients {
		err := st.SaveClient(ctx, storage.ClientRegistration{
			ClientID:     c.ID,
			ClientSecret: c.Secret,
			Name:         c.Name,
			RedirectURIs: c.RedirectURIs,
			AutoApprove:  c.AutoApprove,
			GrantTypes:   c.GrantTypes,
			Scopes:       c.Scopes,
		})
		if err != nil {
			return fmt.Errorf("save client %s: %w", c.ID, err)
		}
	}
	return nil
}
