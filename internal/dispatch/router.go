package dispatch

import (
	"context"
	"fmt"
	"sort"

	"github.com/petrijr/drip/pkg/api"
)

// Router sends each request to the adapter registered for its channel.
type Router struct {
	routes   map[string]api.Gateway
	fallback api.Gateway
}

var _ api.Gateway = (*Router)(nil)

func NewRouter() *Router {
	return &Router{routes: make(map[string]api.Gateway)}
}

// Handle registers gw for channel and returns the router for chaining.
func (r *Router) Handle(channel string, gw api.Gateway) *Router {
	r.routes[channel] = gw
	return r
}

// Fallback sets the adapter used for unregistered channels.
func (r *Router) Fallback(gw api.Gateway) *Router {
	r.fallback = gw
	return r
}

// Channels lists the registered channels.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Deliver(ctx context.Context, req api.DeliveryRequest) (api.DeliveryResult, error) {
	gw, ok := r.routes[req.Channel]
	if !ok {
		gw = r.fallback
	}
	if gw == nil {
		return api.DeliveryResult{Status: api.DeliveryFailed, Reason: fmt.Sprintf("no adapter for channel %q", req.Channel)}, nil
	}
	return gw.Deliver(ctx, req)
}
