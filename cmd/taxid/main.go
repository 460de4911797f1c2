// Command taxid runs the session core as a long-lived process: it applies migrations,
// follows the identity provider's sign-in state and serves metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/taxi-session/internal/app"
	"github.com/and161185/taxi-session/internal/config"
	"github.com/and161185/taxi-session/internal/logger"
	"github.com/and161185/taxi-session/internal/metrics"
	"github.com/and161185/taxi-session/internal/migrate"
	"github.com/and161185/taxi-session/internal/model"
	"github.com/and161185/taxi-session/internal/notify"
	"github.com/and161185/taxi-session/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations and follows the session until SIGINT/SIGTERM.
func main() {
	cfg, _, err := config.Load("taxid", os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	log, err := logger.New(cfg.Dev)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("db", cfg.DB),
		zap.String("cache", cfg.Cache),
		zap.String("metricsAddr", cfg.MetricsAddr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DB != "memory" {
		if err := migrate.Run(ctx, cfg.DSN, migrate.Up); err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	a, err := app.Build(ctx, cfg, log, notify.NewLog(log.Named("notify")), collector)
	if err != nil {
		log.Fatal("build", zap.Error(err))
	}
	defer a.Close()

	a.Controller.Subscribe(session.ListenerFunc(func(s *model.SessionState) {
		if s == nil {
			log.Info("session cleared")
			return
		}
		log.Info("session active", zap.String("uid", s.UID), zap.String("userType", string(s.UserType)))
	}))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Router(reg, log.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- a.Controller.Run(ctx, a.Provider.Watch(ctx))
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("stopped", zap.Error(err))
		}
		stop()
	}

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}
