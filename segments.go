package drip

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Segment templates for common audiences. Every template reads traits
// produced by the built-in trait computation.

// InactiveDays matches customers whose last purchase lies at least n days
// back. Customers who never purchased are not matched.
func InactiveDays(n int) Segment {
	return Segment{
		ID:        fmt.Sprintf("inactive-%dd", n),
		Label:     fmt.Sprintf("Inactive %d+ Days", n),
		Predicate: Trait("last_purchase_at").OlderThan(time.Duration(n) * day),
	}
}

// HighValue matches customers with a lifetime value score of at least 80.
func HighValue() Segment {
	return Segment{ID: "high-value", Label: "High Value Customers", Predicate: Trait("lifetime_value_score").Gte(80)}
}

// AtRisk matches customers with a churn risk score of at least 70.
func AtRisk() Segment {
	return Segment{ID: "at-risk", Label: "At Risk of Churning", Predicate: Trait("churn_risk_score").Gte(70)}
}

// HighlyEngaged matches customers with an engagement score of at least 70.
func HighlyEngaged() Segment {
	return Segment{ID: "highly-engaged", Label: "Highly Engaged", Predicate: Trait("engagement_score").Gte(70)}
}

// NewCustomers matches known customers with at most one purchase.
func NewCustomers() Segment {
	return Segment{ID: "new-customers", Label: "New Customers", Predicate: Trait("total_purchases").Lte(1)}
}

// RepeatBuyers matches customers with three or more purchases.
func RepeatBuyers() Segment {
	return Segment{ID: "repeat-buyers", Label: "Repeat Buyers", Predicate: Trait("total_purchases").Gte(3)}
}

// Templates lists every template, with InactiveDays at 30.
func Templates() []Segment {
	return []Segment{InactiveDays(30), HighValue(), AtRisk(), HighlyEngaged(), NewCustomers(), RepeatBuyers()}
}
