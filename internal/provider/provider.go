// Package provider contains the thin delivery adapters for the external
// channels (SMTP email, push gateway). Adapters classify their failures into
// the pipeline taxonomy but apply no retries or circuit breaking themselves;
// they are only ever invoked from inside the resilience wrapper.
package provider

import (
	"context"

	"dispatch/internal/types"
)

// Delivery is the resolved payload an adapter sends: the destination plus
// the rendered content. Exactly one of To (email address) or Token (push
// device token) is meaningful, depending on the adapter.
type Delivery struct {
	To            string
	Token         string
	Subject       string
	Body          string
	Data          map[string]any
	CorrelationID string
}

// Provider is one delivery channel's adapter. Send returns the provider's
// message ID on success. Errors are classified: transient failures
// (timeouts, 5xx, network) carry delivery_transient_failure and are retried
// by the resilience wrapper; permanent ones carry delivery_permanent_failure
// and are not.
type Provider interface {
	Name() string
	Send(ctx context.Context, d Delivery) (providerMessageID string, err error)
}

// transientErr wraps err as a retryable delivery failure.
func transientErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeDeliveryTransient, msg, err)
}

// permanentErr wraps err as a non-retryable delivery failure.
func permanentErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeDeliveryPermanent, msg, err)
}
