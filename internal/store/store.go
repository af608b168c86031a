// Package store implements the durable, TTL-based key-value stores backing
// the dispatch pipeline: the idempotency store owned by the Dispatcher and
// the status store written by the consumer workers and read by the API.
//
// Both stores live in Redis. Idempotency correctness depends on SET NX being
// atomic: a concurrent Submit race for the same request ID resolves to
// exactly one winner, so at most one broker publish happens per accepted
// request.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

// Key layout. These are part of the external contract: other services poll
// status records directly by key.
const (
	idempotencyKeyPrefix = "idempotency:"
	statusKeyPrefix      = "notification:status:"
)

// IdempotencyKey returns the Redis key for a request's idempotency record.
func IdempotencyKey(requestID string) string {
	return idempotencyKeyPrefix + requestID
}

// StatusKey returns the Redis key for a notification's status record.
func StatusKey(notificationID string) string {
	return statusKeyPrefix + notificationID
}

// redisClient is the subset of *redis.Client the stores use. Depending on
// this narrow interface keeps the stores testable with lightweight fakes.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store provides idempotency and status record access on top of a shared
// Redis client.
type Store struct {
	rdb            redisClient
	idempotencyTTL time.Duration
	statusTTL      time.Duration
	logger         types.Logger
}

// Options tunes the record TTLs. Zero values fall back to the defaults from
// the external contract: 1h for idempotency records, 24h for status records.
type Options struct {
	IdempotencyTTL time.Duration
	StatusTTL      time.Duration
}

// New creates a Store on top of an established Redis client.
func New(rdb *redis.Client, opts Options, logger types.Logger) *Store {
	return newStore(rdb, opts, logger)
}

func newStore(rdb redisClient, opts Options, logger types.Logger) *Store {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = time.Hour
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 24 * time.Hour
	}
	return &Store{
		rdb:            rdb,
		idempotencyTTL: opts.IdempotencyTTL,
		statusTTL:      opts.StatusTTL,
		logger:         logger,
	}
}

// PutReceiptIfAbsent atomically records the receipt for a request ID if no
// record exists yet. Returns created=false when a record is already present,
// in which case the caller should replay the stored receipt.
func (s *Store) PutReceiptIfAbsent(ctx context.Context, rec types.Receipt) (bool, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("store: marshal receipt: %w", err)
	}

	created, err := s.rdb.SetNX(ctx, IdempotencyKey(rec.RequestID), body, s.idempotencyTTL).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInfraStoreUnavailable,
			"idempotency store unreachable", err)
	}
	return created, nil
}

// GetReceipt returns the stored receipt for a request ID, or nil when no
// record exists (expired or never created).
func (s *Store) GetReceipt(ctx context.Context, requestID string) (*types.Receipt, error) {
	raw, err := s.rdb.Get(ctx, IdempotencyKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInfraStoreUnavailable,
			"idempotency store unreachable", err)
	}

	var rec types.Receipt
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal receipt %q: %w", requestID, err)
	}
	return &rec, nil
}

// DeleteReceipt removes an idempotency record. Used by the Dispatcher to
// roll back when the broker publish fails, so the record never implies a
// publish that did not happen.
func (s *Store) DeleteReceipt(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, IdempotencyKey(requestID)).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInfraStoreUnavailable,
			"idempotency store unreachable", err)
	}
	return nil
}

// SetStatus writes a status record with the status TTL. Last-write-wins; the
// worker guarantees ordering by only writing pending before a terminal state.
func (s *Store) SetStatus(ctx context.Context, rec types.StatusRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal status record: %w", err)
	}

	if err := s.rdb.Set(ctx, StatusKey(rec.NotificationID), body, s.statusTTL).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInfraStoreUnavailable,
			"status store unreachable", err)
	}
	return nil
}

// GetStatus returns the status record for a notification ID, or nil when no
// record exists.
func (s *Store) GetStatus(ctx context.Context, notificationID string) (*types.StatusRecord, error) {
	raw, err := s.rdb.Get(ctx, StatusKey(notificationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInfraStoreUnavailable,
			"status store unreachable", err)
	}

	var rec types.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal status record %q: %w", notificationID, err)
	}
	return &rec, nil
}

// Ping checks store reachability. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}
