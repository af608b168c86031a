// Package external contains the clients for the pipeline's external
// collaborators: the user directory (contact addresses, device tokens,
// preference flags) and the template renderer. Both are specified only at
// their interface boundary; their internals belong to other services.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// maxCollaboratorResponseRead bounds response bodies read from collaborator
// services.
const maxCollaboratorResponseRead = 1 << 20 // 1 MB

// dataEnvelope is the `{"data": ...}` response wrapper both collaborator
// services use.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// UserDirectoryClient fetches user records over HTTP with a short-lived
// in-process cache. Worker deliveries for the same user within the cache TTL
// reuse the record instead of re-fetching it.
type UserDirectoryClient struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	clock      types.Clock
	logger     types.Logger

	mu    sync.Mutex
	cache map[string]cachedUser
}

type cachedUser struct {
	user      types.User
	expiresAt time.Time
}

// NewUserDirectoryClient creates a user directory client.
func NewUserDirectoryClient(cfg config.UserDirectoryConfig, logger types.Logger) *UserDirectoryClient {
	return NewUserDirectoryClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewUserDirectoryClientWithHTTP creates a client with a caller-supplied
// HTTP client. This constructor exists for testing.
func NewUserDirectoryClientWithHTTP(cfg config.UserDirectoryConfig, client *http.Client, logger types.Logger) *UserDirectoryClient {
	return &UserDirectoryClient{
		baseURL:    cfg.BaseURL,
		httpClient: client,
		cacheTTL:   cfg.CacheTTL,
		clock:      types.RealClock{},
		logger:     logger,
		cache:      make(map[string]cachedUser),
	}
}

// SetClock overrides the clock for testing.
func (c *UserDirectoryClient) SetClock(clock types.Clock) {
	c.clock = clock
}

// GetUser returns the user record for id. An unknown user is a permanent
// delivery failure (re-attempting cannot conjure the user); an unreachable
// directory is transient.
func (c *UserDirectoryClient) GetUser(ctx context.Context, id string) (*types.User, error) {
	if u, ok := c.cachedGet(id); ok {
		return u, nil
	}

	url := fmt.Sprintf("%s/users/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("user directory: build request: %w", err)
	}
	if cid := types.GetRequestID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			"user directory unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("user %q not found", id), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			fmt.Sprintf("user directory returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("user directory returned %d for user %q", resp.StatusCode, id), nil)
	}

	var envelope dataEnvelope[types.User]
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCollaboratorResponseRead)).Decode(&envelope); err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			"user directory returned malformed response", err)
	}

	c.cachePut(id, envelope.Data)
	return &envelope.Data, nil
}

func (c *UserDirectoryClient) cachedGet(id string) (*types.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[id]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		delete(c.cache, id)
		return nil, false
	}
	u := entry.user
	return &u, true
}

func (c *UserDirectoryClient) cachePut(id string, u types.User) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[id] = cachedUser{user: u, expiresAt: c.clock.Now().Add(c.cacheTTL)}
	c.mu.Unlock()
}
