package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (noopLogger) With(args ...any) types.Logger { return noopLogger{} }

type mutableClock struct {
	now time.Time
}

func (c *mutableClock) Now() time.Time { return c.now }

const testUserBody = `{"data":{"id":"user-1","name":"Ada","email":"ada@example.com","push_token":"tok-1","preferences":{"email":true,"push":false}}}`

func newTestUserClient(serverURL string, cacheTTL time.Duration) *UserDirectoryClient {
	cfg := config.UserDirectoryConfig{BaseURL: serverURL, CacheTTL: cacheTTL}
	return NewUserDirectoryClientWithHTTP(cfg, &http.Client{}, noopLogger{})
}

func TestGetUser_Success(t *testing.T) {
	var gotPath, gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 0)
	ctx := types.WithRequestID(context.Background(), "corr-1")

	user, err := c.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "tok-1", user.PushToken)
	assert.True(t, user.Preferences.Email)
	assert.False(t, user.Preferences.Push)

	assert.Equal(t, "/users/user-1", gotPath)
	assert.Equal(t, "corr-1", gotCorrelation)
}

func TestGetUser_NotFoundIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 0)
	_, err := c.GetUser(context.Background(), "user-unknown")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeliveryPermanent, types.ErrorCodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestGetUser_ServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestUserClient(server.URL, 0)
		_, err := c.GetUser(context.Background(), "user-1")
		server.Close()

		require.Error(t, err, "status %d", status)
		assert.Equal(t, types.ErrCodeDeliveryTransient, types.ErrorCodeOf(err), "status %d", status)
	}
}

func TestGetUser_MalformedResponseIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {`))
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 0)
	_, err := c.GetUser(context.Background(), "user-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeliveryTransient, types.ErrorCodeOf(err))
}

func TestGetUser_DirectoryUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := newTestUserClient(server.URL, 0)
	_, err := c.GetUser(context.Background(), "user-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeliveryTransient, types.ErrorCodeOf(err))
}

// --- Caching ---

func TestGetUser_CacheHit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 5*time.Minute)
	clock := &mutableClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c.SetClock(clock)

	for i := 0; i < 3; i++ {
		user, err := c.GetUser(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
	}

	assert.Equal(t, int32(1), requests.Load(), "repeat lookups within the TTL must hit the cache")
}

func TestGetUser_CacheExpiry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 5*time.Minute)
	clock := &mutableClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c.SetClock(clock)

	_, err := c.GetUser(context.Background(), "user-1")
	require.NoError(t, err)

	clock.now = clock.now.Add(6 * time.Minute)

	_, err = c.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load(), "an expired entry must be re-fetched")
}

func TestGetUser_CacheDisabled(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(testUserBody))
	}))
	defer server.Close()

	c := newTestUserClient(server.URL, 0)

	_, err := c.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	_, err = c.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}
