// Package dispatch implements the producer side of the pipeline: validating
// inbound notification requests, enforcing idempotency, and publishing to
// the broker.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"dispatch/internal/broker"
	"dispatch/internal/types"
)

// IdempotencyStore is the subset of the store the Dispatcher depends on.
type IdempotencyStore interface {
	PutReceiptIfAbsent(ctx context.Context, rec types.Receipt) (created bool, err error)
	GetReceipt(ctx context.Context, requestID string) (*types.Receipt, error)
	DeleteReceipt(ctx context.Context, requestID string) error
}

// Publisher is the subset of the broker the Dispatcher depends on.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, req types.NotificationRequest, meta broker.MessageMeta) error
}

// Dispatcher accepts notification requests, deduplicates them by request ID,
// and hands accepted ones to the broker. Submit is safe to call concurrently
// and repeatedly with the same request ID: the idempotency record is claimed
// with an atomic set-if-not-exists, so exactly one caller publishes.
type Dispatcher struct {
	idempotency IdempotencyStore
	publisher   Publisher
	validate    *validator.Validate
	logger      types.Logger
}

// New creates a Dispatcher.
func New(idempotency IdempotencyStore, publisher Publisher, logger types.Logger) *Dispatcher {
	return &Dispatcher{
		idempotency: idempotency,
		publisher:   publisher,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Submit validates and enqueues one notification request.
//
// The idempotency record and the broker publish are one logical step: the
// record is claimed first (atomically), and if the publish then fails the
// record is rolled back so a later retry of the same request ID can succeed.
// Exactly one broker publish happens per unique accepted request ID.
func (d *Dispatcher) Submit(ctx context.Context, req types.NotificationRequest) (*types.Receipt, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Priority == 0 {
		req.Priority = types.PriorityMedium
	}

	if err := d.validateRequest(req); err != nil {
		return nil, err
	}

	receipt := types.Receipt{RequestID: req.RequestID, Status: types.ReceiptStatusQueued}

	created, err := d.idempotency.PutReceiptIfAbsent(ctx, receipt)
	if err != nil {
		return nil, err
	}

	if !created {
		// Duplicate submission: replay the stored receipt unchanged, no
		// re-publish.
		stored, err := d.idempotency.GetReceipt(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			// The record expired between the claim attempt and the read.
			// Replaying the canonical receipt is still correct: the original
			// submission published, and its outcome lives in the status store.
			stored = &receipt
		}
		d.logger.Info("duplicate request replayed",
			"request_id", req.RequestID,
			"correlation_id", types.GetRequestID(ctx),
		)
		return stored, nil
	}

	meta := broker.MessageMeta{CorrelationID: types.GetRequestID(ctx)}
	if err := d.publisher.Publish(ctx, broker.ExchangeNotifications, string(req.Type), req, meta); err != nil {
		// Roll back the idempotency record so it never implies a publish
		// that did not happen. Best effort: if the delete fails the record
		// expires with its TTL.
		if delErr := d.idempotency.DeleteReceipt(ctx, req.RequestID); delErr != nil {
			d.logger.Error("failed to roll back idempotency record",
				"request_id", req.RequestID,
				"error", delErr.Error(),
			)
		}
		return nil, err
	}

	d.logger.Info("notification queued",
		"request_id", req.RequestID,
		"notification_type", string(req.Type),
		"user_id", req.UserID,
	)
	return &receipt, nil
}

// validateRequest maps struct validation failures onto the client-facing
// error taxonomy, field by field.
func (d *Dispatcher) validateRequest(req types.NotificationRequest) error {
	err := d.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid request", err)
	}

	first := verrs[0]
	code := types.ErrCodeValidationMissingField
	switch first.Field() {
	case "Type":
		code = types.ErrCodeValidationInvalidType
	case "UserID":
		code = types.ErrCodeValidationInvalidUserID
	case "Variables":
		code = types.ErrCodeValidationInvalidVariables
	case "Priority":
		code = types.ErrCodeValidationInvalidPriority
	}

	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("invalid field %s", first.Field()),
		err,
		map[string]any{"field": first.Field(), "rule": first.Tag()},
	)
}
