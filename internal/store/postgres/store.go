// Package postgres provides Postgres-backed persistence implementations.
//
// Expected schema:
//
//	CREATE TABLE audits (
//	    id           TEXT PRIMARY KEY,
//	    url          TEXT NOT NULL,
//	    user_id      TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    score        INTEGER,
//	    results      JSONB,
//	    error        TEXT,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    completed_at TIMESTAMPTZ
//	);
//	CREATE INDEX audits_user_created_idx ON audits (user_id, created_at DESC);
//
//	CREATE TABLE usage_counters (
//	    user_id TEXT NOT NULL,
//	    day     TEXT NOT NULL,
//	    count   INTEGER NOT NULL,
//	    PRIMARY KEY (user_id, day)
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seolens/audit-service/internal/audit"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// AuditStore persists audit rows in Postgres.
type AuditStore struct {
	pool db
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg Config) (*AuditStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &AuditStore{pool: pool}, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(pool db) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AuditStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new processing audit row.
func (s *AuditStore) Create(ctx context.Context, a audit.Audit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audits (id, url, user_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.URL, a.UserID, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

const auditColumns = `id, url, user_id, status, score, results, error, created_at, completed_at`

// Get fetches one audit scoped to its owner.
func (s *AuditStore) Get(ctx context.Context, id, userID string) (audit.Audit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	a, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Audit{}, audit.ErrNotFound
		}
		return audit.Audit{}, fmt.Errorf("select audit: %w", err)
	}
	return a, nil
}

// List returns the user's audits newest-first, capped at limit.
func (s *AuditStore) List(ctx context.Context, userID string, limit int) ([]audit.Audit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audits WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Audit, 0)
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return out, nil
}

// Complete records the terminal success transition. The status guard in the
// WHERE clause keeps terminal rows write-once.
func (s *AuditStore) Complete(ctx context.Context, id string, score int, results audit.Result, at time.Time) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = $2, score = $3, results = $4, completed_at = $5
		 WHERE id = $1 AND status = $6`,
		id, string(audit.StatusCompleted), score, payload, at, string(audit.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// Fail records the terminal failure transition.
func (s *AuditStore) Fail(ctx context.Context, id, errText string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audits SET status = $2, error = $3, completed_at = $4
		 WHERE id = $1 AND status = $5`,
		id, string(audit.StatusFailed), errText, at, string(audit.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id)
	}
	return nil
}

// transitionConflict distinguishes a missing row from an already-terminal one.
func (s *AuditStore) transitionConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM audits WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check audit status: %w", err)
	}
	return audit.ErrTerminal
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAudit(row scannable) (audit.Audit, error) {
	var (
		a       audit.Audit
		status  string
		score   *int
		payload []byte
		errText *string
	)
	if err := row.Scan(
		&a.ID, &a.URL, &a.UserID, &status, &score, &payload, &errText, &a.CreatedAt, &a.CompletedAt,
	); err != nil {
		return audit.Audit{}, err
	}
	a.Status = audit.Status(status)
	a.Score = score
	if errText != nil {
		a.Error = *errText
	}
	if len(payload) > 0 {
		var results audit.Result
		if err := json.Unmarshal(payload, &results); err != nil {
			return audit.Audit{}, fmt.Errorf("unmarshal results: %w", err)
		}
		a.Results = &results
	}
	return a, nil
}

// UsageStore persists per-(user, day) admission counters.
type UsageStore struct {
	pool db
}

// NewUsageStore creates a Postgres-backed UsageStore using the provided config.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &UsageStore{pool: pool}, nil
}

// NewUsageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewUsageStoreWithPool(pool db) (*UsageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &UsageStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *UsageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Increment bumps the counter below the ceiling in a single conditional
// upsert, so concurrent admissions serialize on the row and can never push
// the count past limit.
func (s *UsageStore) Increment(ctx context.Context, userID, day string, limit int) (int, bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (user_id, day, count) VALUES ($1, $2, 1)
		 ON CONFLICT (user_id, day)
		 DO UPDATE SET count = usage_counters.count + 1
		 WHERE usage_counters.count < $3
		 RETURNING count`,
		userID, day, limit,
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}

	// Conditional update declined: the counter is at or above the ceiling.
	err = s.pool.QueryRow(ctx,
		`SELECT count FROM usage_counters WHERE user_id = $1 AND day = $2`,
		userID, day,
	).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("read usage: %w", err)
	}
	return count, false, nil
}

func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
