package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// Compile-time assertion that PushProvider implements Provider.
var _ Provider = (*PushProvider)(nil)

// maxPushResponseRead limits how much of a gateway response body we read for
// error messages and message ID extraction.
const maxPushResponseRead = 4096

// pushRequest is the JSON body sent to the push gateway.
type pushRequest struct {
	Token string         `json:"token"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// pushResponse is the gateway's success body. MessageID is optional; a
// gateway that omits it gets a locally generated one.
type pushResponse struct {
	MessageID string `json:"message_id"`
}

// PushProvider delivers push notifications via an HTTP gateway.
type PushProvider struct {
	cfg        config.PushConfig
	httpClient *http.Client
	logger     types.Logger
}

// NewPushProvider creates a push gateway adapter.
func NewPushProvider(cfg config.PushConfig, logger types.Logger) *PushProvider {
	return NewPushProviderWithClient(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewPushProviderWithClient creates a push adapter with a caller-supplied
// HTTP client. This constructor exists for testing.
func NewPushProviderWithClient(cfg config.PushConfig, client *http.Client, logger types.Logger) *PushProvider {
	return &PushProvider{cfg: cfg, httpClient: client, logger: logger}
}

// Name returns the provider name used for breaker identification and logs.
func (p *PushProvider) Name() string { return "push_gateway" }

// Send posts one push notification to the gateway. Network failures,
// timeouts, 429 and 5xx responses are transient; any other non-2xx response
// is permanent (a malformed token or rejected payload will not improve on
// retry).
func (p *PushProvider) Send(ctx context.Context, d Delivery) (string, error) {
	if d.Token == "" {
		return "", permanentErr("push delivery requires a device token", nil)
	}

	body, err := json.Marshal(pushRequest{
		Token: d.Token,
		Title: d.Subject,
		Body:  d.Body,
		Data:  d.Data,
	})
	if err != nil {
		return "", fmt.Errorf("push provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("push provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", d.CorrelationID)
	}
	if key := p.cfg.APIKey.Unmask(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", transientErr("push gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxPushResponseRead))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var pr pushResponse
		_ = json.Unmarshal(raw, &pr)
		if pr.MessageID == "" {
			pr.MessageID = uuid.NewString()
		}
		p.logger.Info("push notification sent",
			"message_id", pr.MessageID,
			"correlation_id", d.CorrelationID,
		)
		return pr.MessageID, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", transientErr(
			fmt.Sprintf("push gateway returned %d", resp.StatusCode), nil)

	default:
		return "", permanentErr(
			fmt.Sprintf("push gateway rejected notification with %d: %s",
				resp.StatusCode, string(raw)), nil)
	}
}
