package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// TemplateRendererClient renders notification templates via the template
// service. Rendering is per-request; rendered content depends on the
// variables, so there is nothing worth caching here.
type TemplateRendererClient struct {
	baseURL    string
	httpClient *http.Client
	logger     types.Logger
}

// NewTemplateRendererClient creates a template renderer client.
func NewTemplateRendererClient(cfg config.TemplateConfig, logger types.Logger) *TemplateRendererClient {
	return NewTemplateRendererClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewTemplateRendererClientWithHTTP creates a client with a caller-supplied
// HTTP client. This constructor exists for testing.
func NewTemplateRendererClientWithHTTP(cfg config.TemplateConfig, client *http.Client, logger types.Logger) *TemplateRendererClient {
	return &TemplateRendererClient{
		baseURL:    cfg.BaseURL,
		httpClient: client,
		logger:     logger,
	}
}

// Render substitutes variables into the named template. An unknown template
// code is a permanent failure; an unreachable renderer is transient.
func (c *TemplateRendererClient) Render(ctx context.Context, code string, variables map[string]any) (*types.RenderedTemplate, error) {
	body, err := json.Marshal(map[string]any{"variables": variables})
	if err != nil {
		return nil, fmt.Errorf("template renderer: marshal variables: %w", err)
	}

	url := fmt.Sprintf("%s/templates/render/%s", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("template renderer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cid := types.GetRequestID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			"template renderer unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("template %q not found", code), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			fmt.Sprintf("template renderer returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("template renderer returned %d for template %q", resp.StatusCode, code), nil)
	}

	var envelope dataEnvelope[types.RenderedTemplate]
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCollaboratorResponseRead)).Decode(&envelope); err != nil {
		return nil, types.NewAppError(types.ErrCodeDeliveryTransient,
			"template renderer returned malformed response", err)
	}

	return &envelope.Data, nil
}
