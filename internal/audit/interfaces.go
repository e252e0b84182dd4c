package audit

import (
	"context"
	"time"
)

// Store persists audit records. Terminal transitions are write-once:
// Complete and Fail return ErrTerminal when the audit already finished.
type Store interface {
	Create(ctx context.Context, a Audit) error
	Get(ctx context.Context, id, userID string) (Audit, error)
	List(ctx context.Context, userID string, limit int) ([]Audit, error)
	Complete(ctx context.Context, id string, score int, results Result, at time.Time) error
	Fail(ctx context.Context, id string, errText string, at time.Time) error
}

// UsageStore tracks per-(user, day) admission counters. Increment must be
// atomic relative to the ceiling check: it bumps the counter and returns the
// new count only when the current count is below limit, otherwise it leaves
// the counter untouched and reports the current count.
type UsageStore interface {
	Increment(ctx context.Context, userID, day string, limit int) (count int, allowed bool, err error)
}

// Queue provides enqueue/dequeue semantics for admitted audit jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces audit IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
