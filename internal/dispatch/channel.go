package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petrijr/drip/pkg/api"
)

// LogChannel is a channel adapter that logs each message instead of
// handing it to a transport. It keeps the sent requests for inspection.
type LogChannel struct {
	logger *slog.Logger
	clock  api.Clock

	mu   sync.Mutex
	sent []api.DeliveryRequest
}

var _ api.Gateway = (*LogChannel)(nil)

// NewLogChannel creates a LogChannel. Nil arguments select slog.Default()
// and api.SystemClock.
func NewLogChannel(logger *slog.Logger, clock api.Clock) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = api.SystemClock{}
	}
	return &LogChannel{logger: logger, clock: clock}
}

func (c *LogChannel) Deliver(ctx context.Context, req api.DeliveryRequest) (api.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return api.DeliveryResult{}, err
	}
	id := uuid.NewString()
	c.logger.LogAttrs(ctx, slog.LevelInfo, "message_delivered",
		slog.String("channel", req.Channel),
		slog.String("customer_id", req.CustomerID),
		slog.String("content_ref", req.ContentRef),
		slog.String("variant", req.Variant),
		slog.String("token", req.IdempotencyToken),
		slog.String("message_id", id),
	)
	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()
	return api.DeliveryResult{Status: api.DeliverySent, MessageID: id, At: c.clock.Now()}, nil
}

// Sent returns a copy of every delivered request.
func (c *LogChannel) Sent() []api.DeliveryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.DeliveryRequest(nil), c.sent...)
}

// SentTo returns the requests delivered to one customer.
func (c *LogChannel) SentTo(customerID string) []api.DeliveryRequest {
	var out []api.DeliveryRequest
	for _, r := range c.Sent() {
		if r.CustomerID == customerID {
			out = append(out, r)
		}
	}
	return out
}
