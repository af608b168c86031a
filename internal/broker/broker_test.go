package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// --- Fakes ---

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type queueBinding struct {
	queue    string
	key      string
	exchange string
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel implements Channel, recording every declaration and publish.
type fakeChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []queueBinding
	published []publishedMessage

	publishErr error
	qosCount   int
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.exchanges = append(c.exchanges, declaredExchange{name: name, kind: kind, durable: durable})
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.queues = append(c.queues, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.bindings = append(c.bindings, queueBinding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.qosCount = prefetchCount
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) ConsumeWithContext(_ context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (c *fakeChannel) Close() error { return nil }

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (noopLogger) With(args ...any) types.Logger { return noopLogger{} }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		MaxReconnects:       10,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		Prefetch:            5,
		MaxDeliveryAttempts: 3,
	}
}

// --- Topology ---

func TestDeclareTopology(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, DeclareTopology(ch))

	require.Len(t, ch.exchanges, 2)
	assert.Equal(t, declaredExchange{name: ExchangeNotifications, kind: "direct", durable: true}, ch.exchanges[0])
	assert.Equal(t, declaredExchange{name: ExchangeDeadLetter, kind: "direct", durable: true}, ch.exchanges[1])

	require.Len(t, ch.queues, 3)
	assert.Equal(t, QueueFailed, ch.queues[0].name)
	assert.True(t, ch.queues[0].durable)
	assert.Nil(t, ch.queues[0].args)

	// Live queues carry the dead-letter policy and the priority ceiling.
	for _, q := range ch.queues[1:] {
		assert.True(t, q.durable, "queue %s must be durable", q.name)
		assert.Equal(t, ExchangeDeadLetter, q.args["x-dead-letter-exchange"], "queue %s", q.name)
		assert.Equal(t, RoutingKeyFailed, q.args["x-dead-letter-routing-key"], "queue %s", q.name)
		assert.Equal(t, int32(4), q.args["x-max-priority"], "queue %s", q.name)
	}
	assert.Equal(t, "email.queue", ch.queues[1].name)
	assert.Equal(t, "push.queue", ch.queues[2].name)

	assert.Contains(t, ch.bindings, queueBinding{queue: QueueFailed, key: RoutingKeyFailed, exchange: ExchangeDeadLetter})
	assert.Contains(t, ch.bindings, queueBinding{queue: "email.queue", key: "email", exchange: ExchangeNotifications})
	assert.Contains(t, ch.bindings, queueBinding{queue: "push.queue", key: "push", exchange: ExchangeNotifications})
}

func TestQueueForType(t *testing.T) {
	assert.Equal(t, "email.queue", QueueForType(types.NotificationEmail))
	assert.Equal(t, "push.queue", QueueForType(types.NotificationPush))
}

// --- Publish ---

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	b := NewWithChannel(ch, testBrokerConfig(), noopLogger{})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.SetClock(fixedClock{now: now})

	req := types.NotificationRequest{
		RequestID:    "req-1",
		Type:         types.NotificationEmail,
		UserID:       "user-1",
		TemplateCode: "welcome",
		Variables:    map[string]any{"name": "Ada"},
		Priority:     types.PriorityHigh,
	}
	meta := MessageMeta{CorrelationID: "corr-1", RetryCount: 2}

	require.NoError(t, b.Publish(context.Background(), ExchangeNotifications, "email", req, meta))

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, ExchangeNotifications, pub.exchange)
	assert.Equal(t, "email", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), pub.msg.DeliveryMode)
	assert.Equal(t, uint8(types.PriorityHigh), pub.msg.Priority)
	assert.Equal(t, "corr-1", pub.msg.CorrelationId)
	assert.Equal(t, now, pub.msg.Timestamp)
	assert.Equal(t, int32(2), pub.msg.Headers[retryCountHeader])
	assert.Contains(t, string(pub.msg.Body), `"request_id":"req-1"`)
}

func TestPublish_GeneratesCorrelationID(t *testing.T) {
	ch := &fakeChannel{}
	b := NewWithChannel(ch, testBrokerConfig(), noopLogger{})

	req := types.NotificationRequest{RequestID: "req-1", Type: types.NotificationPush}
	require.NoError(t, b.Publish(context.Background(), ExchangeNotifications, "push", req, MessageMeta{}))

	require.Len(t, ch.published, 1)
	assert.NotEmpty(t, ch.published[0].msg.CorrelationId)
}

func TestPublish_ClampsPriority(t *testing.T) {
	ch := &fakeChannel{}
	b := NewWithChannel(ch, testBrokerConfig(), noopLogger{})

	req := types.NotificationRequest{RequestID: "req-1", Type: types.NotificationEmail, Priority: 99}
	require.NoError(t, b.Publish(context.Background(), ExchangeNotifications, "email", req, MessageMeta{}))

	require.Len(t, ch.published, 1)
	assert.Equal(t, uint8(maxQueuePriority), ch.published[0].msg.Priority)
}

func TestPublish_BrokerError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	b := NewWithChannel(ch, testBrokerConfig(), noopLogger{})

	err := b.Publish(context.Background(), ExchangeNotifications, "email",
		types.NotificationRequest{RequestID: "req-1"}, MessageMeta{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInfraBrokerUnavailable, types.ErrorCodeOf(err))
}

func TestPublish_FailsFastWhileDisconnected(t *testing.T) {
	b := NewWithChannel(&fakeChannel{}, testBrokerConfig(), noopLogger{})
	b.setDisconnected()

	err := b.Publish(context.Background(), ExchangeNotifications, "email",
		types.NotificationRequest{RequestID: "req-1"}, MessageMeta{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInfraBrokerUnavailable, types.ErrorCodeOf(err))
	assert.False(t, b.Healthy())
}

// --- Reconnect backoff ---

func TestReconnectDelay(t *testing.T) {
	cfg := testBrokerConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{0, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}
