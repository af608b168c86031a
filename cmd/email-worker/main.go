// Package main is the entrypoint for the email consumer worker. It consumes
// the email queue, resolves recipients and templates, and delivers through
// SMTP behind the circuit breaker and retry executor.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dispatch/internal/broker"
	"dispatch/internal/config"
	"dispatch/internal/external"
	"dispatch/internal/provider"
	"dispatch/internal/resilience"
	"dispatch/internal/store"
	"dispatch/internal/types"
	"dispatch/internal/worker"
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

	logger := newLogger(cfg.LogLevel).With(slog.String("service", cfg.Service+"-email-worker"))
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

	prov, err := provider.NewSMTPProvider(cfg.SMTP, appLogger)
	if err != nil {
		logger.Error("failed to initialize smtp provider", "error", err.Error())
		os.Exit(1)
	}

	w := worker.New(
		types.NotificationEmail,
		st,
		external.NewUserDirectoryClient(cfg.Users, appLogger),
		external.NewTemplateRendererClient(cfg.Templates, appLogger),
		prov,
		resilience.NewBreaker(prov.Name(), resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			ResetTimeout:     cfg.Resilience.ResetTimeout,
			CallTimeout:      cfg.Resilience.CallTimeout,
		}, appLogger),
		resilience.NewRetrier(resilience.RetryConfig{
			MaxRetries:   cfg.Resilience.MaxRetries,
			InitialDelay: cfg.Resilience.InitialDelay,
			MaxDelay:     cfg.Resilience.MaxDelay,
			Factor:       cfg.Resilience.Factor,
		}, appLogger),
		appLogger,
	)

	queue := broker.QueueForType(types.NotificationEmail)
	logger.Info("email worker consuming", slog.String("queue", queue))

	if err := br.Consume(ctx, queue, w.Handle, cfg.Broker.Prefetch); err != nil {
		logger.Error("consumer exited", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("email worker stopped")
}
