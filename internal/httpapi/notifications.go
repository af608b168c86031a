package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/types"
)

// Submitter is the dispatcher contract the handler depends on.
type Submitter interface {
	Submit(ctx context.Context, req types.NotificationRequest) (*types.Receipt, error)
}

// StatusReader is the status store contract the handler depends on.
type StatusReader interface {
	GetStatus(ctx context.Context, notificationID string) (*types.StatusRecord, error)
}

// NotificationHandler exposes the ingestion contract:
//
//	POST /notifications                      202 accept-and-enqueue
//	GET  /notifications/status/{request_id}  200 status record | 404
type NotificationHandler struct {
	dispatcher Submitter
	statuses   StatusReader
	logger     *slog.Logger
}

// NewNotificationHandler creates the handler with its dependencies.
func NewNotificationHandler(dispatcher Submitter, statuses StatusReader, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		dispatcher: dispatcher,
		statuses:   statuses,
		logger:     logger,
	}
}

// Register mounts the notification routes on the router.
func (h *NotificationHandler) Register(r chi.Router) {
	r.Post("/notifications", h.HandleSubmit)
	r.Get("/notifications/status/{request_id}", h.HandleStatus)
}

// submitRequest is the request body for POST /notifications. It mirrors
// types.NotificationRequest with every server-defaulted field optional.
type submitRequest struct {
	NotificationType string         `json:"notification_type"`
	UserID           string         `json:"user_id"`
	TemplateCode     string         `json:"template_code"`
	Variables        map[string]any `json:"variables"`
	RequestID        string         `json:"request_id,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// HandleSubmit accepts a notification request and enqueues it. Responds
// 202 with the receipt on first submission and replays the identical body
// for a duplicate request_id; 400 on validation failure; 503 when the
// broker or idempotency store is unreachable.
func (h *NotificationHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := DecodeJSON(w, r, &body); err != nil {
		Error(w, r, err)
		return
	}

	receipt, err := h.dispatcher.Submit(r.Context(), types.NotificationRequest{
		RequestID:    body.RequestID,
		Type:         types.NotificationType(body.NotificationType),
		UserID:       body.UserID,
		TemplateCode: body.TemplateCode,
		Variables:    body.Variables,
		Priority:     body.Priority,
		Metadata:     body.Metadata,
	})
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusAccepted, APIResponse{Data: receipt})
}

// HandleStatus returns the delivery status record for a request ID, or 404
// when no record exists (unknown ID or expired record).
func (h *NotificationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	rec, err := h.statuses.GetStatus(r.Context(), requestID)
	if err != nil {
		Error(w, r, err)
		return
	}
	if rec == nil {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundStatus,
			"no status record for request "+requestID, nil))
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: rec})
}
