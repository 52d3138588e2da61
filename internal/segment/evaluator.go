// Package segment answers membership questions for segments and turns
// pairs of snapshots into membership deltas.
package segment

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/drip/internal/predicate"
	"github.com/petrijr/drip/pkg/api"
)

// Evaluator evaluates segments. It holds no state besides its logger and is
// safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. If logger is nil, slog.Default() is used.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether snap is a member of seg at asOf. It never fails:
// evaluation errors are logged and count as non-membership.
func (e *Evaluator) Evaluate(seg api.Segment, snap api.Snapshot, asOf time.Time) bool {
	ok, err := predicate.Eval(seg.Predicate, snap, asOf)
	if err != nil {
		e.logger.LogAttrs(context.Background(), slog.LevelWarn, "segment_evaluation_error",
			slog.String("segment_id", seg.ID),
			slog.Int("segment_version", seg.Version),
			slog.String("customer_id", snap.CustomerID),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

// Diff compares membership before and after a trait update. Each snapshot is
// evaluated at its own AsOf.
func (e *Evaluator) Diff(seg api.Segment, prev, next api.Snapshot) api.Delta {
	was := e.Evaluate(seg, prev, prev.AsOf)
	is := e.Evaluate(seg, next, next.AsOf)
	switch {
	case !was && is:
		return api.Entered
	case was && !is:
		return api.Exited
	}
	return api.Unchanged
}

// DiffAt compares membership of two snapshots evaluated at explicit times.
// Sweeps use it to re-evaluate recency windows without a new event.
func (e *Evaluator) DiffAt(seg api.Segment, prev api.Snapshot, prevAt time.Time, next api.Snapshot, nextAt time.Time) api.Delta {
	was := e.Evaluate(seg, prev, prevAt)
	is := e.Evaluate(seg, next, nextAt)
	switch {
	case !was && is:
		return api.Entered
	case was && !is:
		return api.Exited
	}
	return api.Unchanged
}
