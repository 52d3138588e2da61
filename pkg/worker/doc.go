// Package worker drives a queue-backed drip engine.
//
// When the engine is configured with a task queue, Propose and
// FireDueTimers only enqueue work. A Worker dequeues those tasks and applies
// them to the engine:
//
//   - enter and exit tasks address a (campaign, customer) pair
//   - advance and timer tasks address an instance
//   - condition tasks re-check a pending until-wait
//
// A task whose pair is locked by another worker, or that failed on a
// transient store error, is re-queued with a doubling delay rather than
// failed. Timer, exit and enter tasks are therefore never lost, and many
// workers can share one queue (Redis, SQL or MongoDB backed) without
// coordinating beyond the engine's pair locks.
//
// RunPool runs several workers in one process. Poller turns due timers into
// tasks at a fixed interval and Sweeper runs the periodic population sweep
// on a cron schedule. dripd runs all three side by side.
package worker
