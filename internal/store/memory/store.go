// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/seolens/audit-service/internal/audit"
)

// AuditStore implements audit.Store over a mutex-guarded map.
type AuditStore struct {
	mu     sync.RWMutex
	audits map[string]audit.Audit
}

// NewAuditStore constructs an AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{audits: make(map[string]audit.Audit)}
}

// Create stores a new audit record.
func (s *AuditStore) Create(_ context.Context, a audit.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[a.ID]; exists {
		return errors.New("audit already exists")
	}
	s.audits[a.ID] = a
	return nil
}

// Get fetches an audit by ID, scoped to its owner. A record owned by a
// different user is indistinguishable from a missing one.
func (s *AuditStore) Get(_ context.Context, id, userID string) (audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[id]
	if !ok || a.UserID != userID {
		return audit.Audit{}, audit.ErrNotFound
	}
	return cloneAudit(a), nil
}

// List returns the user's audits newest-first, capped at limit.
func (s *AuditStore) List(_ context.Context, userID string, limit int) ([]audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.Audit, 0)
	for _, a := range s.audits {
		if a.UserID == userID {
			out = append(out, cloneAudit(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Complete records the terminal success transition.
func (s *AuditStore) Complete(_ context.Context, id string, score int, results audit.Result, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.ErrNotFound
	}
	if a.Status.Terminal() {
		return audit.ErrTerminal
	}
	a.Status = audit.StatusCompleted
	a.Score = &score
	a.Results = &results
	a.CompletedAt = &at
	s.audits[id] = a
	return nil
}

// Fail records the terminal failure transition.
func (s *AuditStore) Fail(_ context.Context, id, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.ErrNotFound
	}
	if a.Status.Terminal() {
		return audit.ErrTerminal
	}
	a.Status = audit.StatusFailed
	a.Error = errText
	a.CompletedAt = &at
	s.audits[id] = a
	return nil
}

func cloneAudit(a audit.Audit) audit.Audit {
	cp := a
	if a.Score != nil {
		score := *a.Score
		cp.Score = &score
	}
	if a.CompletedAt != nil {
		at := *a.CompletedAt
		cp.CompletedAt = &at
	}
	if a.Results != nil {
		res := *a.Results
		res.TechnicalIssues = append([]string(nil), a.Results.TechnicalIssues...)
		res.OnPageIssues = append([]string(nil), a.Results.OnPageIssues...)
		res.Recommendations = append([]string(nil), a.Results.Recommendations...)
		cp.Results = &res
	}
	return cp
}

// UsageStore implements audit.UsageStore with per-key serialization. The
// mutex makes the read-check and increment a single atomic step, so
// concurrent admissions can never push a counter past its ceiling.
type UsageStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewUsageStore constructs a UsageStore.
func NewUsageStore() *UsageStore {
	return &UsageStore{counts: make(map[string]int)}
}

// Increment bumps the (user, day) counter when it is below limit, creating
// it at 1 on the first audit of the day. At or above limit it reports the
// current count without mutation.
func (s *UsageStore) Increment(_ context.Context, userID, day string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + "|" + day
	current := s.counts[key]
	if current >= limit {
		return current, false, nil
	}
	s.counts[key] = current + 1
	return current + 1, true, nil
}
