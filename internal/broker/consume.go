package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"dispatch/internal/types"
)

// consumerPollInterval is how often a consumer re-checks for a restored
// connection after its delivery stream closes.
const consumerPollInterval = 500 * time.Millisecond

func marshalRequest(req types.NotificationRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal request %q: %w", req.RequestID, err)
	}
	return body, nil
}

// Consume pulls messages from the queue and runs the handler for each, one
// goroutine per delivery. The prefetch limit bounds the number of
// unacknowledged (hence in-flight) messages, so a slow handler applies
// backpressure to its own queue without stalling sibling queues.
//
// Acknowledgment protocol per message:
//   - handler nil error: ack.
//   - retryable handler error under the delivery ceiling: republish to the
//     same routing key with the retry-count header incremented, then ack the
//     original. The header forwarding is what keeps the retry budget finite
//     across redeliveries.
//   - retryable error at the ceiling, or non-retryable error: nack without
//     requeue, so the queue's dead-letter policy routes the message to
//     failed.queue.
//
// Consume blocks until ctx is cancelled or the broker is closed. On
// connection loss it waits for the reconnect monitor to restore the channel
// and re-subscribes; in-flight handlers are always drained before returning.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler, prefetch int) error {
	if prefetch < 1 {
		prefetch = 1
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, err := b.channel()
		if err != nil {
			if waitErr := b.waitConnected(ctx); waitErr != nil {
				return waitErr
			}
			continue
		}

		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("broker: set prefetch on %s: %w", queue, err)
		}

		deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
		if err != nil {
			return types.NewAppError(types.ErrCodeInfraBrokerUnavailable,
				fmt.Sprintf("failed to consume from %s", queue), err)
		}

		b.logger.Info("consuming messages", "queue", queue, "prefetch", prefetch)

		for d := range deliveries {
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				b.handleDelivery(ctx, queue, d, handler)
			}(d)
		}

		// Delivery stream closed: shutdown or connection loss.
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		default:
		}
		if err := b.waitConnected(ctx); err != nil {
			return err
		}
	}
}

// waitConnected blocks until the reconnect monitor restores the connection,
// the context is cancelled, or the broker shuts down.
func (b *Broker) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(consumerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return types.NewAppError(types.ErrCodeInfraBrokerUnavailable,
				"broker shut down while waiting for reconnection", nil)
		case <-ticker.C:
			if b.Healthy() {
				return nil
			}
		}
	}
}

// handleDelivery decodes one delivery, invokes the handler, and settles the
// message according to the acknowledgment protocol.
func (b *Broker) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	meta := metaFromDelivery(d)
	logger := b.logger.With(
		"queue", queue,
		"correlation_id", meta.CorrelationID,
		"retry_count", meta.RetryCount,
	)

	var req types.NotificationRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		// Poison message: undecodable payloads go straight to the DLQ for
		// manual inspection.
		logger.Error("failed to decode message, dead-lettering", "error", err.Error())
		b.nack(d, logger)
		return
	}

	err := handler(types.WithRequestID(ctx, meta.CorrelationID), req, meta)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack message", "request_id", req.RequestID, "error", ackErr.Error())
		}
		return
	}

	logger.Warn("handler failed", "request_id", req.RequestID, "error", err.Error())

	if !types.IsRetryable(err) {
		// Deterministic failure: retrying cannot succeed, dead-letter now.
		b.nack(d, logger)
		return
	}

	next := meta.RetryCount + 1
	if next >= b.cfg.MaxDeliveryAttempts {
		logger.Error("delivery ceiling reached, dead-lettering",
			"request_id", req.RequestID,
			"attempts", next,
		)
		b.nack(d, logger)
		return
	}

	// Republish with the incremented retry count, then ack the original so
	// the message exists exactly once.
	republishMeta := MessageMeta{CorrelationID: meta.CorrelationID, RetryCount: next}
	if pubErr := b.Publish(ctx, ExchangeNotifications, d.RoutingKey, req, republishMeta); pubErr != nil {
		// Could not republish (likely disconnected). Requeue the original
		// delivery so the broker redelivers it; the retry count on its
		// headers is unchanged, which errs on the side of extra attempts
		// rather than lost messages.
		logger.Error("failed to republish for retry, requeueing original",
			"request_id", req.RequestID,
			"error", pubErr.Error(),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("failed to requeue message", "error", nackErr.Error())
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		logger.Error("failed to ack original after republish", "error", ackErr.Error())
	}
}

// nack negatively acknowledges without requeue, handing the message to the
// queue's dead-letter policy.
func (b *Broker) nack(d amqp.Delivery, logger types.Logger) {
	if err := d.Nack(false, false); err != nil {
		logger.Error("failed to nack message", "error", err.Error())
	}
}

// metaFromDelivery extracts the envelope metadata from AMQP properties and
// headers. A missing correlation id is backfilled so downstream logging and
// tracing always have one.
func metaFromDelivery(d amqp.Delivery) MessageMeta {
	meta := MessageMeta{
		CorrelationID: d.CorrelationId,
		EnqueuedAt:    d.Timestamp,
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}
	if raw, ok := d.Headers[retryCountHeader]; ok {
		switch v := raw.(type) {
		case int32:
			meta.RetryCount = int(v)
		case int64:
			meta.RetryCount = int(v)
		case int:
			meta.RetryCount = v
		}
	}
	return meta
}
