// Package main is the entrypoint for the ingestion API.
//
// The API accepts notification requests over HTTP, deduplicates them via the
// idempotency store, and publishes accepted requests to the broker. Startup
// is fail-fast: configuration, store, and broker must all be reachable
// before the server binds its port.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dispatch/internal/broker"
	"dispatch/internal/config"
	"dispatch/internal/dispatch"
	"dispatch/internal/httpapi"
	"dispatch/internal/store"
	"dispatch/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info/Warn/Error directly but With returns
// *slog.Logger, not types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel).With(slog.String("service", cfg.Service+"-api"))
	appLogger := &slogAdapter{logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Connect(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to connect to store", "error", err.Error())
		os.Exit(1)
	}
	defer rdb.Close()

	st := store.New(rdb, store.Options{
		IdempotencyTTL: cfg.Store.IdempotencyTTL,
		StatusTTL:      cfg.Store.StatusTTL,
	}, appLogger)

	br, err := broker.Connect(cfg.Broker, appLogger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err.Error())
		os.Exit(1)
	}
	defer br.Close()

	dispatcher := dispatch.New(st, br, appLogger)

	server, err := httpapi.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err.Error())
		os.Exit(1)
	}
	server.HealthProbes = []httpapi.HealthProbe{
		httpapi.HealthProbeFunc{ProbeName: "store", Fn: st.Ping},
		httpapi.HealthProbeFunc{ProbeName: "broker", Fn: func(context.Context) error {
			if !br.Healthy() {
				return errors.New("broker disconnected")
			}
			return nil
		}},
	}

	handler := httpapi.NewNotificationHandler(dispatcher, st, logger)
	handler.Register(server.Router())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err.Error())
		}
	}()

	logger.Info("ingestion api listening", slog.String("port", cfg.Server.Port))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}
