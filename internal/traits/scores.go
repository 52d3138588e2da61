package traits

import (
	"math"
	"time"
)

// profile holds the running totals the predictive scores are computed from.
type profile struct {
	purchases    int
	revenue      float64
	emailOpens   int
	emailClicks  int
	visits       int
	firstSeen    time.Time
	lastActive   time.Time
	lastPurchase time.Time
	asOf         time.Time
}

func (p profile) aov() float64 {
	if p.purchases == 0 {
		return 0
	}
	return p.revenue / float64(p.purchases)
}

func (p profile) daysSincePurchase() int {
	if p.lastPurchase.IsZero() {
		return -1
	}
	return int(p.asOf.Sub(p.lastPurchase) / day)
}

func (p profile) daysInactive() int {
	return int(p.asOf.Sub(p.lastActive) / day)
}

// engagement: email 40%, website 30%, purchases 30%.
func (p profile) engagement() float64 {
	score := 0.0
	if p.emailOpens > 0 {
		score += math.Min(float64(p.emailOpens)/float64(p.emailOpens+10), 1) * 40
	}
	if p.visits > 0 {
		score += math.Min(float64(p.visits)/10, 1) * 30
	}
	if p.purchases > 0 {
		score += math.Min(float64(p.purchases)/5, 1) * 30
	}
	return math.Min(score, 100)
}

// churnRisk: purchase recency 50%, low engagement 30%, inactivity 20%.
func (p profile) churnRisk() float64 {
	risk := 0.0
	if d := p.daysSincePurchase(); d >= 0 {
		switch {
		case d > 90:
			risk += 50
		case d > 60:
			risk += 35
		case d > 30:
			risk += 20
		default:
			risk += 5
		}
	}
	risk += (100 - p.engagement()) * 0.3
	if !p.lastActive.IsZero() {
		switch d := p.daysInactive(); {
		case d > 30:
			risk += 20
		case d > 14:
			risk += 10
		}
	}
	return math.Min(risk, 100)
}

func (p profile) lifetimeValue() float64 {
	if p.revenue <= 0 {
		return 10
	}
	revenueScore := math.Min(math.Log10(p.revenue+1)*20, 50)
	freqScore := math.Min(float64(p.purchases)*5, 30)
	aovScore := 5.0
	switch aov := p.aov(); {
	case aov > 100:
		aovScore = 20
	case aov > 50:
		aovScore = 10
	}
	return math.Min(revenueScore+freqScore+aovScore, 100)
}

func (p profile) conversion() float64 {
	prob := 20 + p.engagement()*0.3
	if p.purchases > 0 {
		prob += 20
	}
	if d := p.daysSincePurchase(); d >= 0 {
		switch {
		case d < 7:
			prob += 15
		case d < 30:
			prob += 10
		}
	}
	return math.Min(prob, 95)
}

// rfm scores recency, frequency and monetary value on a 1..5 scale. A
// customer without purchases scores 1 on every axis.
func (p profile) rfm() (r, f, m int) {
	r, f, m = 1, 1, 1
	if p.purchases == 0 {
		return
	}
	switch d := p.daysSincePurchase(); {
	case d <= 7:
		r = 5
	case d <= 30:
		r = 4
	case d <= 60:
		r = 3
	case d <= 90:
		r = 2
	}
	switch n := p.purchases; {
	case n >= 10:
		f = 5
	case n >= 5:
		f = 4
	case n >= 3:
		f = 3
	case n >= 2:
		f = 2
	}
	switch v := p.revenue; {
	case v >= 1000:
		m = 5
	case v >= 500:
		m = 4
	case v >= 200:
		m = 3
	case v >= 50:
		m = 2
	}
	return
}

func rfmSegment(r, f int) string {
	switch {
	case r >= 4 && f >= 4:
		return "champions"
	case f >= 4:
		return "loyal"
	case r <= 2 && f >= 3:
		return "at_risk"
	case r >= 4 && f <= 1:
		return "new"
	case r <= 2:
		return "hibernating"
	}
	return "potential"
}
