package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/config"
)

var (
	// ErrInvalidConnString indicates the Redis connection URL could not be parsed.
	ErrInvalidConnString = errors.New("store: failed to parse redis connection string")
	// ErrNotReady indicates Redis did not become reachable within the retry budget.
	ErrNotReady = errors.New("store: redis did not become ready within the given time period")
)

// Connect establishes a connection to the Redis server using the provided
// configuration. It attempts to connect RetryAttempts times with
// RetryInterval between attempts, bounded overall by ConnectTimeout.
func Connect(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, errors.Join(ErrInvalidConnString, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrNotReady
}
