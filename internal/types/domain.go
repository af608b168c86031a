// Package types defines the shared domain model for the dispatch pipeline:
// notification requests, delivery status records, the error taxonomy, and the
// small cross-cutting interfaces (Logger, Clock) used by every component.
package types

import (
	"time"
)

// NotificationType identifies the delivery channel for a notification.
type NotificationType string

const (
	NotificationEmail NotificationType = "email"
	NotificationPush  NotificationType = "push"
)

// KnownNotificationTypes lists every channel the pipeline can route to.
// The broker declares one queue per entry.
var KnownNotificationTypes = []NotificationType{NotificationEmail, NotificationPush}

// Valid reports whether t is a channel the pipeline knows how to deliver.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationEmail, NotificationPush:
		return true
	}
	return false
}

// Notification priorities. Carried through the broker as the AMQP message
// priority so urgent traffic can be drained first.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// NotificationRequest is the unit of work accepted by the Dispatcher and
// carried through the broker to the consumer workers. It is immutable once
// published. RequestID doubles as the idempotency key: uniqueness is enforced
// by the idempotency store at submit time, not by the broker.
type NotificationRequest struct {
	RequestID    string           `json:"request_id" validate:"required,max=128"`
	Type         NotificationType `json:"notification_type" validate:"required,oneof=email push"`
	UserID       string           `json:"user_id" validate:"required,max=128"`
	TemplateCode string           `json:"template_code" validate:"required,max=100"`
	Variables    map[string]any   `json:"variables" validate:"required"`
	Priority     int              `json:"priority" validate:"min=1,max=4"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// Receipt is what the Dispatcher returns for an accepted submission, and what
// the idempotency store replays verbatim for duplicate request IDs.
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ReceiptStatusQueued is the only status a Receipt carries today; terminal
// outcomes are reported through the status store, not the receipt.
const ReceiptStatusQueued = "queued"

// DeliveryStatus is the lifecycle state of a notification after it has been
// picked up by a consumer worker.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// StatusRecord is the externally-pollable outcome of one notification.
// Last-write-wins; a notification transitions pending -> delivered|failed and
// never reverts. NotificationID equals the originating RequestID.
type StatusRecord struct {
	NotificationID string         `json:"notification_id"`
	Status         DeliveryStatus `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
}

// User is the projection of a user-directory record that the workers need:
// where to deliver, and whether the user wants this channel at all.
type User struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	PushToken   string          `json:"push_token"`
	Preferences UserPreferences `json:"preferences"`
}

// UserPreferences holds the per-channel opt-in flags.
type UserPreferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// Enabled reports whether the given channel is switched on for this user.
func (p UserPreferences) Enabled(t NotificationType) bool {
	switch t {
	case NotificationEmail:
		return p.Email
	case NotificationPush:
		return p.Push
	}
	return false
}

// RenderedTemplate is the output of the template-renderer collaborator.
type RenderedTemplate struct {
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the
// pipeline. *slog.Logger satisfies Info/Warn/Error directly; With needs a
// thin adapter because slog returns its concrete type.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}
