// Package traits derives customer traits from the raw event log.
//
// Traits are always recomputed from the full event history at a given
// logical time, so the result does not depend on arrival order and
// time-relative traits (days since last purchase, rolling windows) can be
// refreshed by a sweep without new events.
package traits

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/petrijr/drip/pkg/api"
)

// Aggregation is how a windowed trait folds matching events.
type Aggregation string

const (
	Count       Aggregation = "count"
	Sum         Aggregation = "sum"
	Average     Aggregation = "average"
	Min         Aggregation = "min"
	Max         Aggregation = "max"
	First       Aggregation = "first"
	Last        Aggregation = "last"
	UniqueCount Aggregation = "unique_count"
)

// Definition declares an aggregate trait over one event type.
type Definition struct {
	Name        string
	Aggregation Aggregation
	EventType   string
	// Property is the event property aggregated by sum, average, min, max
	// and unique_count.
	Property string
	// Window limits the events to those within Window before asOf. Zero
	// means all time.
	Window time.Duration
}

const day = 24 * time.Hour

// DefaultDefinitions are the rolling aggregates computed for every customer.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "purchase_count_30d", Aggregation: Count, EventType: api.EventPurchase, Window: 30 * day},
		{Name: "revenue_30d", Aggregation: Sum, EventType: api.EventPurchase, Property: "revenue", Window: 30 * day},
		{Name: "page_views_7d", Aggregation: Count, EventType: api.EventPageView, Window: 7 * day},
		{Name: "email_opens_30d", Aggregation: Count, EventType: api.EventEmailOpen, Window: 30 * day},
		{Name: "cart_adds_30d", Aggregation: Count, EventType: api.EventAddToCart, Window: 30 * day},
	}
}

// Computer turns an event history into trait values.
type Computer struct {
	Definitions []Definition
}

// NewComputer returns a Computer with DefaultDefinitions plus extra.
func NewComputer(extra ...Definition) *Computer {
	return &Computer{Definitions: append(DefaultDefinitions(), extra...)}
}

// revenue returns the monetary value of a purchase event.
func revenue(ev api.Event) float64 {
	for _, k := range []string{"revenue", "amount", "value", "total"} {
		if v, ok := ev.Properties[k]; ok {
			if f, err := cast.ToFloat64E(v); err == nil {
				return f
			}
		}
	}
	return 0
}

func isUnsubscribe(t string) bool {
	return t == api.EventEmailUnsubscribe || t == api.EventUnsubscribe
}

// Compute derives all traits of one customer at asOf. Events after asOf are
// ignored. The returned map is empty for an empty history.
func (c *Computer) Compute(events []api.Event, asOf time.Time) map[string]api.Value {
	sorted := make([]api.Event, 0, len(events))
	for _, ev := range events {
		if !ev.Timestamp.After(asOf) {
			sorted = append(sorted, ev)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	out := make(map[string]api.Value)
	if len(sorted) == 0 {
		return out
	}

	var (
		p            profile
		counts       = map[string]int{}
		lastByType   = map[string]time.Time{}
		unsubscribed bool
	)
	for _, ev := range sorted {
		counts[ev.Type]++
		lastByType[ev.Type] = ev.Timestamp

		switch ev.Type {
		case api.EventPurchase:
			p.purchases++
			p.revenue += revenue(ev)
			p.lastPurchase = ev.Timestamp
		case api.EventEmailOpen:
			p.emailOpens++
		case api.EventEmailClick:
			p.emailClicks++
		case api.EventPageView:
			p.visits++
		case api.EventIdentify:
			for k, v := range ev.Properties {
				if val, ok := toValue(v); ok {
					out["profile."+k] = val
				}
			}
		}
		if isUnsubscribe(ev.Type) {
			unsubscribed = true
		}
	}
	p.firstSeen = sorted[0].Timestamp
	p.lastActive = sorted[len(sorted)-1].Timestamp
	p.asOf = asOf

	out["total_events"] = api.Number(float64(len(sorted)))
	for t, n := range counts {
		out[api.EventCountTrait(t)] = api.Number(float64(n))
		out[api.LastEventTrait(t)] = api.Time(lastByType[t])
	}
	out["first_seen_at"] = api.Time(p.firstSeen)
	out["last_active_at"] = api.Time(p.lastActive)
	out[api.TraitUnsubscribed] = api.Bool(unsubscribed)

	out["total_purchases"] = api.Number(float64(p.purchases))
	out["total_revenue"] = api.Number(p.revenue)
	out["email_opens"] = api.Number(float64(p.emailOpens))
	out["email_clicks"] = api.Number(float64(p.emailClicks))
	out["website_visits"] = api.Number(float64(p.visits))
	if p.purchases > 0 {
		out["average_order_value"] = api.Number(p.aov())
		out["last_purchase_at"] = api.Time(p.lastPurchase)
		out["days_since_last_purchase"] = api.Number(float64(p.daysSincePurchase()))
	}

	out["engagement_score"] = api.Number(round1(p.engagement()))
	out["churn_risk_score"] = api.Number(round1(p.churnRisk()))
	out["lifetime_value_score"] = api.Number(round1(p.lifetimeValue()))
	out["conversion_probability"] = api.Number(round1(p.conversion()))

	r, f, m := p.rfm()
	out["rfm_recency"] = api.Number(float64(r))
	out["rfm_frequency"] = api.Number(float64(f))
	out["rfm_monetary"] = api.Number(float64(m))
	out["rfm_segment"] = api.String(rfmSegment(r, f))

	for _, d := range c.Definitions {
		if v, ok := aggregate(d, sorted, asOf); ok {
			out[d.Name] = v
		}
	}
	return out
}

func toValue(v any) (api.Value, bool) {
	switch x := v.(type) {
	case bool:
		return api.Bool(x), true
	case string:
		return api.String(x), true
	case time.Time:
		return api.Time(x), true
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return api.Number(f), true
	}
	if s, err := cast.ToStringE(v); err == nil {
		return api.String(s), true
	}
	return api.Value{}, false
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }

func aggregate(d Definition, events []api.Event, asOf time.Time) (api.Value, bool) {
	var matched []api.Event
	for _, ev := range events {
		if ev.Type != d.EventType {
			continue
		}
		if d.Window > 0 && asOf.Sub(ev.Timestamp) > d.Window {
			continue
		}
		matched = append(matched, ev)
	}

	prop := func(ev api.Event) (float64, bool) {
		if d.Property == "" {
			return 0, false
		}
		raw, ok := ev.Properties[d.Property]
		if !ok {
			return 0, false
		}
		f, err := cast.ToFloat64E(raw)
		return f, err == nil
	}

	switch d.Aggregation {
	case Count:
		return api.Number(float64(len(matched))), true
	case Sum, Average:
		total, n := 0.0, 0
		for _, ev := range matched {
			if f, ok := prop(ev); ok {
				total += f
				n++
			}
		}
		if d.Aggregation == Sum {
			return api.Number(total), true
		}
		if n == 0 {
			return api.Value{}, false
		}
		return api.Number(total / float64(n)), true
	case Min, Max:
		found := false
		best := 0.0
		for _, ev := range matched {
			f, ok := prop(ev)
			if !ok {
				continue
			}
			if !found || (d.Aggregation == Min && f < best) || (d.Aggregation == Max && f > best) {
				best = f
				found = true
			}
		}
		if !found {
			return api.Value{}, false
		}
		return api.Number(best), true
	case First:
		if len(matched) == 0 {
			return api.Value{}, false
		}
		return api.Time(matched[0].Timestamp), true
	case Last:
		if len(matched) == 0 {
			return api.Value{}, false
		}
		return api.Time(matched[len(matched)-1].Timestamp), true
	case UniqueCount:
		seen := map[string]bool{}
		for _, ev := range matched {
			if raw, ok := ev.Properties[d.Property]; ok {
				seen[strings.TrimSpace(cast.ToString(raw))] = true
			}
		}
		return api.Number(float64(len(seen))), true
	}
	return api.Value{}, false
}
