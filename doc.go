// Package drip provides an embeddable, behavior-driven campaign engine for Go.
//
// Drip moves customers through multi-step messaging workflows based on what
// they do. Raw events become traits, traits decide segment membership, and
// segment entry and exit start and stop per-customer workflow instances that
// send messages, wait and branch.
//
// # Core Concepts
//
// The drip programming model is intentionally small:
//
//  1. Segment
//  2. FlowBuilder
//  3. Engine
//  4. Worker
//  5. LocalRunner
//
// # Segment
//
// A Segment is a named predicate over a customer's trait snapshot. Traits
// such as total_purchases, last_purchase_at or event_count.email_click are
// computed from the customer's event log. Predicates are built with Trait,
// EventCount, Did, All, Any and Not:
//
//	vip := drip.Segment{
//	    ID:        "vip",
//	    Predicate: drip.All(drip.Trait("total_revenue").Gte(1000), drip.Trait("plan").Eq("pro")),
//	}
//
// Templates for common audiences are provided: InactiveDays, HighValue,
// AtRisk, HighlyEngaged, NewCustomers and RepeatBuyers.
//
// # FlowBuilder
//
// FlowBuilder defines the workflow a campaign runs. Steps are:
//
//   - Send: deliver content on a channel, optionally A/B split by weight
//   - Wait: pause for a duration, or until a condition holds
//   - Branch: continue on one of two edges depending on a predicate
//   - Exit: end the instance; Done completes it
//
// Example:
//
//	drip.New("winback").
//	    Send("email", "email", "tpl-winback").
//	    Wait("wait-3d", 72*time.Hour).
//	    Branch("opened?", drip.Did(drip.EventEmailOpen, 72*time.Hour), "done", "sms").
//	    Send("sms", "sms", "tpl-winback-sms").
//	    Done("done")
//
// # Engine
//
// The Engine owns campaigns and instances. Each (campaign, customer) pair
// has at most one live instance; every state change happens under a
// per-pair lock and is persisted before the engine moves on. Deliveries
// carry idempotency tokens, so a retried or recovered send reaches the
// customer at most once.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// with Redis for locks, the delivery ledger and timers (WithRedis) and
// MongoDB for traits and events (WithMongo).
//
// # Worker
//
// With a task queue the engine only enqueues work, and Workers from the
// worker package apply it. Workers can be scaled horizontally over a shared
// queue. WorkerBundle wires a SQLite engine, queue and worker together.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, worker and a logging
// gateway on a manual clock. It is intentionally **not crash-durable**, but
// it is the most convenient way to run and debug campaigns during
// development: time only moves when you call Advance.
//
// For a runnable server, see cmd/dripd.
package drip
