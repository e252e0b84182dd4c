// Package ratelimit gates audit creation per user per calendar day.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/seolens/audit-service/internal/audit"
)

// DefaultPlan is assumed for users whose plan tier is unknown.
const DefaultPlan = "free"

const dayFormat = "2006-01-02"

// Decision is the outcome of one admission check. Used reflects the counter
// after a successful admission, or the untouched current count on denial.
type Decision struct {
	Allowed bool
	Used    int
	Limit   int
}

// Limiter checks per-user daily audit ceilings. The plan-to-ceiling mapping
// is fixed at construction.
type Limiter struct {
	usage audit.UsageStore
	plans map[string]int
	clock audit.Clock
}

// New builds a Limiter. The plans map is copied; later mutation of the
// caller's map has no effect.
func New(usage audit.UsageStore, plans map[string]int, clock audit.Clock) (*Limiter, error) {
	if usage == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if _, ok := plans[DefaultPlan]; !ok {
		return nil, fmt.Errorf("plan limits must include %q", DefaultPlan)
	}
	copied := make(map[string]int, len(plans))
	for plan, limit := range plans {
		if limit <= 0 {
			return nil, fmt.Errorf("plan %q ceiling must be > 0", plan)
		}
		copied[plan] = limit
	}
	return &Limiter{usage: usage, plans: copied, clock: clock}, nil
}

// Check admits or rejects one audit for the user. Admission atomically
// increments today's counter; rejection leaves it untouched. Unknown plan
// tiers fall back to the default plan's ceiling.
func (l *Limiter) Check(ctx context.Context, userID, plan string) (Decision, error) {
	limit, ok := l.plans[plan]
	if !ok {
		limit = l.plans[DefaultPlan]
	}
	day := l.clock.Now().UTC().Format(dayFormat)

	count, allowed, err := l.usage.Increment(ctx, userID, day, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("check rate limit: %w", err)
	}
	return Decision{Allowed: allowed, Used: count, Limit: limit}, nil
}
