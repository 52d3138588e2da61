package drip

import "time"

// RetryBuilder builds the RetryPolicy of a send step:
//
//	drip.Retries(5).Backoff(time.Minute, time.Hour) // 1m, 2m, 4m ... capped at 1h
//	drip.Retries(3).Every(10 * time.Minute)
//
// Retried sends reuse the idempotency token of the failed attempt, so a
// gateway that accepted a message but timed out is never asked to send it
// twice.
type RetryBuilder struct {
	p RetryPolicy
}

// Retries starts a policy allowing attempts sends in total, the first one
// included. Fewer than one attempt means one.
func Retries(attempts int) RetryBuilder {
	return RetryBuilder{p: RetryPolicy{MaxAttempts: max(attempts, 1), BackoffMultiplier: 2}}
}

// Backoff doubles the delay after each failure, starting at initial. A
// positive limit caps the delay.
func (b RetryBuilder) Backoff(initial, limit time.Duration) RetryBuilder {
	b.p.InitialBackoff = initial
	b.p.MaxBackoff = limit
	return b
}

// Growth replaces the factor the delay grows by. Factors below 1 are
// raised to 1.
func (b RetryBuilder) Growth(factor float64) RetryBuilder {
	b.p.BackoffMultiplier = max(factor, 1)
	return b
}

// Every waits d between all attempts.
func (b RetryBuilder) Every(d time.Duration) RetryBuilder {
	b.p.InitialBackoff = d
	b.p.MaxBackoff = d
	b.p.BackoffMultiplier = 1
	return b
}

// OnNextPoll retries as soon as the timer poller runs again.
func (b RetryBuilder) OnNextPoll() RetryBuilder {
	b.p.InitialBackoff = 0
	b.p.MaxBackoff = 0
	return b
}

// Policy returns the built policy.
func (b RetryBuilder) Policy() RetryPolicy {
	return b.p
}
