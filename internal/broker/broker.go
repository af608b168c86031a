// Package broker provides the RabbitMQ transport for the dispatch pipeline:
// topology declaration, durable publishing, and prefetch-bounded consuming
// with explicit acknowledge/dead-letter semantics.
//
// Topology (wire contract other services depend on):
//
//	exchange notifications.direct (direct) -> email.queue (key "email")
//	                                       -> push.queue  (key "push")
//	exchange notifications.dlx    (direct) -> failed.queue (key "failed")
//
// Every live queue is declared with a dead-letter policy pointing at the DLX,
// so a negative acknowledgment without requeue routes the message to
// failed.queue instead of dropping it.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// Topology names. These are part of the external contract.
const (
	ExchangeNotifications = "notifications.direct"
	ExchangeDeadLetter    = "notifications.dlx"
	QueueFailed           = "failed.queue"
	RoutingKeyFailed      = "failed"
)

// retryCountHeader carries the redelivery count across republishes. The
// header MUST be forwarded on every republish; losing it would reset the
// retry budget indefinitely.
const retryCountHeader = "x-retry-count"

// maxQueuePriority is the highest AMQP priority the live queues accept,
// matching the request priority range 1..4.
const maxQueuePriority = 4

// QueueForType returns the live queue name for a notification type
// (e.g. "email.queue").
func QueueForType(t types.NotificationType) string {
	return string(t) + ".queue"
}

// MessageMeta is the envelope metadata that travels with a payload through
// the broker: correlation id, redelivery count, and enqueue timestamp.
type MessageMeta struct {
	CorrelationID string
	RetryCount    int
	EnqueuedAt    time.Time
}

// Handler processes one decoded message. Returning nil acknowledges the
// message. Returning a retryable error republishes it with an incremented
// retry count until the delivery ceiling, then dead-letters it; returning a
// non-retryable error dead-letters it immediately.
type Handler func(ctx context.Context, req types.NotificationRequest, meta MessageMeta) error

// Channel is the subset of *amqp.Channel the broker uses. Depending on this
// narrow interface keeps topology, publish, and consume logic testable with
// lightweight fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Compile-time assertion that the real AMQP channel satisfies Channel.
var _ Channel = (*amqp.Channel)(nil)

// Broker manages one AMQP connection and channel, reconnecting with bounded
// exponential backoff on connection loss. While disconnected, Publish and
// Consume fail fast instead of blocking.
type Broker struct {
	cfg    config.BrokerConfig
	logger types.Logger
	clock  types.Clock

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        Channel
	connected bool

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the broker, declares the topology, and starts the reconnect
// monitor. It fails fast if the initial connection cannot be established;
// later connection losses are recovered in the background.
func Connect(cfg config.BrokerConfig, logger types.Logger) (*Broker, error) {
	b := &Broker{
		cfg:    cfg,
		logger: logger,
		clock:  types.RealClock{},
		done:   make(chan struct{}),
	}

	closeCh, err := b.dial()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInfraBrokerUnavailable,
			"failed to connect to broker", err)
	}

	go b.monitor(closeCh)
	return b, nil
}

// NewWithChannel constructs a connected Broker over a caller-provided
// channel. This constructor exists for testing.
func NewWithChannel(ch Channel, cfg config.BrokerConfig, logger types.Logger) *Broker {
	return &Broker{
		cfg:       cfg,
		logger:    logger,
		clock:     types.RealClock{},
		ch:        ch,
		connected: true,
		done:      make(chan struct{}),
	}
}

// SetClock overrides the clock for testing.
func (b *Broker) SetClock(c types.Clock) {
	b.clock = c
}

// dial establishes the connection and channel, declares topology, and
// returns the connection-close notification channel.
func (b *Broker) dial() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(b.cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}

	if err := DeclareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("connected to broker")
	return closeCh, nil
}

// monitor watches for connection loss and reconnects with exponential
// backoff, bounded by MaxReconnects attempts. If the budget is exhausted the
// broker shuts down: in-flight consumers observe the done channel and exit.
func (b *Broker) monitor(closeCh chan *amqp.Error) {
	for {
		select {
		case <-b.done:
			return
		case amqpErr, ok := <-closeCh:
			if !ok && b.isClosed() {
				return
			}
			b.setDisconnected()
			if amqpErr != nil {
				b.logger.Warn("broker connection lost", "error", amqpErr.Error())
			} else {
				b.logger.Warn("broker connection closed")
			}
		}

		reconnected := false
		for attempt := 1; attempt <= b.cfg.MaxReconnects; attempt++ {
			delay := ReconnectDelay(b.cfg, attempt)
			b.logger.Info("reconnecting to broker",
				"attempt", attempt,
				"max_attempts", b.cfg.MaxReconnects,
				"delay", delay.String(),
			)

			select {
			case <-b.done:
				return
			case <-time.After(delay):
			}

			newCloseCh, err := b.dial()
			if err != nil {
				b.logger.Error("broker reconnection failed",
					"attempt", attempt,
					"error", err.Error(),
				)
				continue
			}
			closeCh = newCloseCh
			reconnected = true
			break
		}

		if !reconnected {
			b.logger.Error("broker reconnection budget exhausted, shutting down")
			b.Close()
			return
		}
	}
}

// ReconnectDelay computes the backoff before reconnect attempt n (1-based):
// min(base * 2^(n-1), max).
func ReconnectDelay(cfg config.BrokerConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.ReconnectMaxDelay {
			return cfg.ReconnectMaxDelay
		}
	}
	if delay > cfg.ReconnectMaxDelay {
		delay = cfg.ReconnectMaxDelay
	}
	return delay
}

// DeclareTopology declares the full exchange/queue topology. Declarations
// are idempotent, so every process (API and workers) declares on startup and
// the first one to reach the broker wins.
func DeclareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(ExchangeNotifications, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", ExchangeNotifications, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDeadLetter, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", ExchangeDeadLetter, err)
	}

	if _, err := ch.QueueDeclare(QueueFailed, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", QueueFailed, err)
	}
	if err := ch.QueueBind(QueueFailed, RoutingKeyFailed, ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s: %w", QueueFailed, err)
	}

	for _, t := range types.KnownNotificationTypes {
		queue := QueueForType(t)
		args := amqp.Table{
			"x-dead-letter-exchange":    ExchangeDeadLetter,
			"x-dead-letter-routing-key": RoutingKeyFailed,
			"x-max-priority":            int32(maxQueuePriority),
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, string(t), ExchangeNotifications, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s: %w", queue, err)
		}
	}

	return nil
}

// Publish serializes the request and sends it to the exchange with the given
// routing key. The message is marked persistent, stamped with a correlation
// id (generated when absent), a timestamp, and the retry-count header. A nil
// error means the broker accepted the message for routing, not that a
// consumer has processed it.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, req types.NotificationRequest, meta MessageMeta) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	body, err := marshalRequest(req)
	if err != nil {
		return err
	}

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	pub := amqp.Publishing{
		Headers:       amqp.Table{retryCountHeader: int32(meta.RetryCount)},
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      priorityOf(req),
		CorrelationId: correlationID,
		Timestamp:     b.clock.Now(),
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		return types.NewAppError(types.ErrCodeInfraBrokerUnavailable,
			fmt.Sprintf("failed to publish to %s/%s", exchange, routingKey), err)
	}

	b.logger.Info("message published",
		"exchange", exchange,
		"routing_key", routingKey,
		"request_id", req.RequestID,
		"correlation_id", correlationID,
		"retry_count", meta.RetryCount,
	)
	return nil
}

// priorityOf clamps the request priority into the queue's accepted range.
func priorityOf(req types.NotificationRequest) uint8 {
	p := req.Priority
	if p < 0 {
		p = 0
	}
	if p > maxQueuePriority {
		p = maxQueuePriority
	}
	return uint8(p)
}

// channel returns the current channel, failing fast while disconnected.
func (b *Broker) channel() (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.ch == nil {
		return nil, types.NewAppError(types.ErrCodeInfraBrokerUnavailable,
			"broker is not connected", nil)
	}
	return b.ch, nil
}

// Healthy reports whether the broker connection is currently established.
// Used by the health endpoint.
func (b *Broker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) setDisconnected() {
	b.mu.Lock()
	b.conn = nil
	b.ch = nil
	b.connected = false
	b.mu.Unlock()
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close shuts the broker down: consumers drain their in-flight handlers and
// the underlying connection is closed. Safe to call multiple times.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		conn := b.conn
		b.conn = nil
		b.ch = nil
		b.connected = false
		b.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				b.logger.Warn("error closing broker connection", "error", err.Error())
			}
		}
		b.logger.Info("broker closed")
	})
}
