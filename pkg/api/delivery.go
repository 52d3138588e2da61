package api

import (
	"context"
	"time"
)

// DeliveryStatus is the outcome reported by a Gateway.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryDuplicate DeliveryStatus = "DUPLICATE"
)

// DeliveryRequest asks a channel adapter to deliver one message.
type DeliveryRequest struct {
	Channel          string `json:"channel"`
	CustomerID       string `json:"customer_id"`
	ContentRef       string `json:"content_ref"`
	Variant          string `json:"variant,omitempty"`
	IdempotencyToken string `json:"idempotency_token"`

	CampaignID string `json:"campaign_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
}

// DeliveryResult is what the gateway reports for a request.
type DeliveryResult struct {
	Status    DeliveryStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	At        time.Time      `json:"at"`
}

// OK reports whether the message is known to be delivered.
func (r DeliveryResult) OK() bool {
	return r.Status == DeliverySent || r.Status == DeliveryDuplicate
}

// Gateway delivers messages to customers.
//
// A repeated call with the same IdempotencyToken must not deliver twice.
// Returning an error is equivalent to a Failed result.
type Gateway interface {
	Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req DeliveryRequest) (DeliveryResult, error)

func (f GatewayFunc) Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResult, error) {
	return f(ctx, req)
}
