package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/petrijr/drip/pkg/api"
)

// ReasonRateLimited is the failure reason of a throttled delivery.
const ReasonRateLimited = "rate-limited"

// RateLimited throttles deliveries with one token bucket per channel. A
// throttled request fails without reaching the inner gateway, so the
// engine retries it like any transient failure.
type RateLimited struct {
	inner api.Gateway
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ api.Gateway = (*RateLimited)(nil)

// NewRateLimited allows perSecond deliveries per channel with the given
// burst. A non-positive perSecond disables limiting.
func NewRateLimited(inner api.Gateway, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimited) limiter(channel string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[channel]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[channel] = l
	}
	return l
}

func (r *RateLimited) Deliver(ctx context.Context, req api.DeliveryRequest) (api.DeliveryResult, error) {
	if !r.limiter(req.Channel).Allow() {
		return api.DeliveryResult{Status: api.DeliveryFailed, Reason: ReasonRateLimited}, nil
	}
	return r.inner.Deliver(ctx, req)
}
