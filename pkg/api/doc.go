// Package api contains the core building blocks used by the drip campaign
// engine: the data model shared by the engine, the stores, the evaluators
// and the workers.
//
// Applications normally import the root drip package, which aliases these
// types and adds the flow builder. Import api directly when writing a
// Gateway, an Observer or a storage backend.
//
// # Traits and Snapshots
//
// A Trait is a typed Value (number, string, bool or time) derived from a
// customer's events, stamped with the logical time it was computed for.
// A Snapshot is a consistent view of all traits of one customer. Segment
// and branch predicates are only ever evaluated against snapshots.
//
// # Predicates and Segments
//
// A Predicate is a tagged expression tree: comparisons, set membership,
// ranges, recency windows and boolean combinators. A Segment names a
// predicate and is versioned; campaigns pin the version they were created
// with.
//
// Predicates never fail. A trait that is missing, or has the wrong type,
// makes the predicate false.
//
// # Workflow Definitions and Instances
//
// A WorkflowDefinition is a graph of Steps: Send, Wait, Branch and Exit.
// Every path ends at an Exit and every cycle passes through a Wait. Each
// Wait names its mode explicitly (WaitDuration or WaitUntil).
//
// A WorkflowInstance is one customer's execution of a campaign. At most one
// instance per (campaign, customer) is live (ACTIVE or WAITING) at a time.
// Terminal instances (COMPLETED, EXITED, FAILED) are kept for analytics.
//
// # Delivery
//
// The engine hands messages to a Gateway together with an idempotency
// token. A repeated token never produces a second delivery.
//
// # Observability
//
// Observer receives instance lifecycle, step timing and delivery callbacks. LoggingObserver writes log/slog records, BasicMetrics keeps
// in-process counters, and NewCompositeObserver combines several.
package api
