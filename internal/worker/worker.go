// Package worker implements the per-channel consumer: it pulls notification
// requests from the channel's queue, resolves delivery inputs from the
// external collaborators, drives the resilience stack around the provider
// call, and records the outcome in the status store.
//
// State machine per message: RECEIVED -> pending (status write) ->
// delivered | failed. Every accepted notification gets a pending record
// before the first delivery attempt, so status polling never observes a gap.
package worker

import (
	"context"
	"fmt"

	"dispatch/internal/broker"
	"dispatch/internal/provider"
	"dispatch/internal/resilience"
	"dispatch/internal/types"
)

// StatusStore is the subset of the store the worker depends on.
type StatusStore interface {
	SetStatus(ctx context.Context, rec types.StatusRecord) error
}

// UserDirectory resolves contact details and preference flags.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// TemplateRenderer resolves template code + variables into sendable content.
type TemplateRenderer interface {
	Render(ctx context.Context, code string, variables map[string]any) (*types.RenderedTemplate, error)
}

// preferenceDisabledNote is the explanatory note recorded when a user has
// switched the channel off. The no-op is an intentional success, not a
// failure.
const preferenceDisabledNote = "user has disabled this notification channel"

// Worker processes deliveries for one notification type. Handle is invoked
// concurrently, one goroutine per in-flight message up to the broker's
// prefetch limit; everything the worker holds is either immutable or safe
// for concurrent use (the breaker serializes its own transitions).
type Worker struct {
	channel   types.NotificationType
	statuses  StatusStore
	users     UserDirectory
	templates TemplateRenderer
	provider  provider.Provider
	breaker   *resilience.Breaker
	retrier   *resilience.Retrier
	logger    types.Logger
	clock     types.Clock
}

// New creates a Worker for one notification type.
func New(
	channel types.NotificationType,
	statuses StatusStore,
	users UserDirectory,
	templates TemplateRenderer,
	prov provider.Provider,
	breaker *resilience.Breaker,
	retrier *resilience.Retrier,
	logger types.Logger,
) *Worker {
	return &Worker{
		channel:   channel,
		statuses:  statuses,
		users:     users,
		templates: templates,
		provider:  prov,
		breaker:   breaker,
		retrier:   retrier,
		logger:    logger,
		clock:     types.RealClock{},
	}
}

// SetClock overrides the clock for testing.
func (w *Worker) SetClock(c types.Clock) {
	w.clock = c
}

// Handle processes one message end to end. The returned error drives the
// broker's settle logic: nil acknowledges, a retryable error republishes
// under the delivery ceiling, a non-retryable error dead-letters
// immediately. A failed delivery MUST return an error; swallowing it would
// acknowledge a message whose notification was never sent.
func (w *Worker) Handle(ctx context.Context, req types.NotificationRequest, meta broker.MessageMeta) error {
	logger := w.logger.With(
		"request_id", req.RequestID,
		"user_id", req.UserID,
		"notification_type", string(req.Type),
		"correlation_id", meta.CorrelationID,
		"retry_count", meta.RetryCount,
	)

	if req.Type != w.channel {
		// Misrouted message. Deterministic, so dead-letter for inspection
		// rather than bouncing it between queues.
		logger.Error("message routed to wrong worker", "worker_channel", string(w.channel))
		return types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("worker for %q received %q notification", w.channel, req.Type), nil)
	}

	logger.Info("processing notification")

	// Pending is written unconditionally before the first attempt; a
	// redelivered message overwrites its own prior terminal state only in
	// the window before this attempt resolves, and resolves again to a
	// terminal state below.
	if err := w.writeStatus(ctx, req.RequestID, types.StatusPending, ""); err != nil {
		// Without a pending record the status lifecycle is broken for this
		// message; the store is likely down, so let the broker retry.
		return err
	}

	delivery, note, err := w.resolveDelivery(ctx, req, meta)
	if err != nil {
		return w.fail(ctx, req.RequestID, logger, err)
	}
	if note != "" {
		// Preference-disabled short circuit: an intentional no-op success.
		if err := w.writeStatus(ctx, req.RequestID, types.StatusDelivered, note); err != nil {
			return err
		}
		logger.Info("notification skipped by user preference")
		return nil
	}

	providerMsgID, err := w.retrier.Do(ctx, w.provider.Name(), func(ctx context.Context) (string, error) {
		return w.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
			return w.provider.Send(ctx, *delivery)
		})
	})
	if err != nil {
		return w.fail(ctx, req.RequestID, logger, err)
	}

	if err := w.writeStatus(ctx, req.RequestID, types.StatusDelivered, ""); err != nil {
		// The notification went out; a failed status write must not re-fail
		// it (a retry would deliver twice). Log and acknowledge.
		logger.Error("status write failed after successful delivery", "error", err.Error())
		return nil
	}

	logger.Info("notification delivered", "provider_message_id", providerMsgID)
	return nil
}

// resolveDelivery gathers everything the provider needs. It returns a
// non-empty note instead of a delivery when the user has disabled the
// channel.
func (w *Worker) resolveDelivery(ctx context.Context, req types.NotificationRequest, meta broker.MessageMeta) (*provider.Delivery, string, error) {
	user, err := w.users.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, "", err
	}

	if !user.Preferences.Enabled(req.Type) {
		return nil, preferenceDisabledNote, nil
	}

	switch req.Type {
	case types.NotificationEmail:
		if user.Email == "" {
			return nil, "", types.NewAppError(types.ErrCodeDeliveryPermanent,
				fmt.Sprintf("user %q has no email address", req.UserID), nil)
		}
	case types.NotificationPush:
		if user.PushToken == "" {
			return nil, "", types.NewAppError(types.ErrCodeDeliveryPermanent,
				fmt.Sprintf("user %q has no push token", req.UserID), nil)
		}
	}

	rendered, err := w.templates.Render(ctx, req.TemplateCode, req.Variables)
	if err != nil {
		return nil, "", err
	}

	return &provider.Delivery{
		To:            user.Email,
		Token:         user.PushToken,
		Subject:       rendered.Subject,
		Body:          rendered.Content,
		Data:          req.Metadata,
		CorrelationID: meta.CorrelationID,
	}, "", nil
}

// fail records the terminal failed status and propagates the error so the
// broker applies its retry/dead-letter policy.
func (w *Worker) fail(ctx context.Context, notificationID string, logger types.Logger, cause error) error {
	if err := w.writeStatus(ctx, notificationID, types.StatusFailed, cause.Error()); err != nil {
		logger.Error("failed to record failure status", "error", err.Error())
	}
	logger.Warn("notification delivery failed",
		"error", cause.Error(),
		"error_code", string(types.ErrorCodeOf(cause)),
	)
	return cause
}

func (w *Worker) writeStatus(ctx context.Context, notificationID string, status types.DeliveryStatus, note string) error {
	return w.statuses.SetStatus(ctx, types.StatusRecord{
		NotificationID: notificationID,
		Status:         status,
		Timestamp:      w.clock.Now(),
		Error:          note,
	})
}
