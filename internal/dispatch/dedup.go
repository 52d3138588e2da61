// Package dispatch holds the gateway decorators the engine sends through
// and the channel adapters it sends to.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/petrijr/drip/internal/persistence"
	"github.com/petrijr/drip/pkg/api"
)

// Dedup makes a gateway idempotent per token using a delivery ledger.
//
// The first outcome recorded for a token is final. A repeated token yields
// Duplicate after a prior Sent, or the prior Failed result, and the inner
// gateway is never called twice for one token.
type Dedup struct {
	inner  api.Gateway
	ledger persistence.LedgerStore
	clock  api.Clock

	duplicates atomic.Int64
}

var _ api.Gateway = (*Dedup)(nil)

// NewDedup wraps inner with ledger. A nil clock means api.SystemClock.
func NewDedup(inner api.Gateway, ledger persistence.LedgerStore, clock api.Clock) *Dedup {
	if clock == nil {
		clock = api.SystemClock{}
	}
	return &Dedup{inner: inner, ledger: ledger, clock: clock}
}

func (d *Dedup) Deliver(ctx context.Context, req api.DeliveryRequest) (api.DeliveryResult, error) {
	prior, ok, err := d.ledger.LookupDelivery(ctx, req.IdempotencyToken)
	if err != nil {
		return api.DeliveryResult{}, err
	}
	if ok {
		return d.replay(prior), nil
	}

	res, err := d.inner.Deliver(ctx, req)
	if err != nil {
		res = api.DeliveryResult{Status: api.DeliveryFailed, Reason: err.Error()}
	}
	if res.At.IsZero() {
		res.At = d.clock.Now()
	}

	stored, recorded, err := d.ledger.RecordDelivery(ctx, req.IdempotencyToken, res)
	if err != nil {
		// The message may be out; report the gateway's answer anyway.
		return res, nil
	}
	if !recorded {
		return d.replay(stored), nil
	}
	return res, nil
}

func (d *Dedup) replay(prior api.DeliveryResult) api.DeliveryResult {
	if prior.Status == api.DeliveryFailed {
		return prior
	}
	d.duplicates.Add(1)
	return api.DeliveryResult{
		Status:    api.DeliveryDuplicate,
		MessageID: prior.MessageID,
		At:        prior.At,
	}
}

// Duplicates returns how many repeated tokens were answered from the ledger.
func (d *Dedup) Duplicates() int64 { return d.duplicates.Load() }
