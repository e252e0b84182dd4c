// Package pipeline drives one audit job end to end: validate, fetch,
// extract, analyze, score, persist, notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
	"github.com/seolens/audit-service/internal/broadcast"
	"github.com/seolens/audit-service/internal/extractor"
	"github.com/seolens/audit-service/internal/fetcher"
	"github.com/seolens/audit-service/internal/metrics"
	"github.com/seolens/audit-service/internal/scorer"
)

// PageFetcher retrieves raw HTML for a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetcher.Page, error)
}

// Analyzer produces AI findings for a page. It never fails; on backend
// trouble it returns a degraded placeholder.
type Analyzer interface {
	Analyze(ctx context.Context, url, html string) audit.Findings
}

// Step messages streamed to progress listeners.
const (
	msgValidate = "Validating URL..."
	msgFetch    = "Fetching webpage..."
	msgExtract  = "Analyzing SEO factors..."
	msgAnalyze  = "Getting AI recommendations..."
	msgScore    = "Calculating SEO score..."
)

var errInvalidURL = errors.New("invalid URL")

// Runner executes audit pipelines. Every Run reaches a terminal state: the
// audit record is updated exactly once to completed or failed, a terminal
// event is published, and the broadcast channel is unregistered.
type Runner struct {
	store       audit.Store
	fetcher     PageFetcher
	analyzer    Analyzer
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Metrics
	clock       audit.Clock
	logger      *zap.Logger
}

// New constructs a Runner.
func New(
	store audit.Store,
	pageFetcher PageFetcher,
	analyzer Analyzer,
	broadcaster *broadcast.Broadcaster,
	m *metrics.Metrics,
	clock audit.Clock,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:       store,
		fetcher:     pageFetcher,
		analyzer:    analyzer,
		broadcaster: broadcaster,
		metrics:     m,
		clock:       clock,
		logger:      logger,
	}
}

// Run drives one audit to a terminal state. It never returns an error to
// the dispatcher; failures are persisted and published instead.
func (r *Runner) Run(ctx context.Context, job audit.Job) {
	logger := r.logger.With(zap.String("audit_id", job.AuditID), zap.String("url", job.URL))
	start := r.clock.Now()
	r.metrics.AuditStarted()

	status := audit.StatusFailed
	defer func() {
		r.metrics.AuditFinished(string(status), r.clock.Now().Sub(start))
		// Idempotent cleanup; guarantees no channel or keep-alive timer
		// outlives the job regardless of outcome.
		r.broadcaster.Unregister(job.AuditID)
	}()

	score, results, err := r.process(ctx, job, logger)
	if err != nil {
		r.fail(ctx, job, err, logger)
		return
	}
	if err := r.complete(ctx, job, score, results); err != nil {
		logger.Error("persist completed audit failed", zap.Error(err))
		r.fail(ctx, job, err, logger)
		return
	}
	status = audit.StatusCompleted
	logger.Info("audit completed",
		zap.Int("score", score),
		zap.Duration("elapsed", r.clock.Now().Sub(start)),
	)
}

// process runs the five pipeline stages. The deferred recover is the
// orchestrator's top-level error boundary: any panic below becomes a
// regular failure so the audit still reaches a terminal state.
func (r *Runner) process(ctx context.Context, job audit.Job, logger *zap.Logger) (score int, results audit.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("audit pipeline panicked", zap.Any("panic", rec))
			err = fmt.Errorf("audit pipeline panicked: %v", rec)
		}
	}()

	r.progress(job.AuditID, 1, msgValidate)
	if err := validateURL(job.URL); err != nil {
		return 0, audit.Result{}, err
	}

	r.progress(job.AuditID, 2, msgFetch)
	fetchStart := r.clock.Now()
	page, err := r.fetcher.Fetch(ctx, job.URL)
	r.metrics.ObserveStage("fetch", r.clock.Now().Sub(fetchStart))
	if err != nil {
		return 0, audit.Result{}, err
	}

	r.progress(job.AuditID, 3, msgExtract)
	signals := extractor.Extract(page.Body)
	signals.LoadTime = page.Duration

	r.progress(job.AuditID, 4, msgAnalyze)
	analyzeStart := r.clock.Now()
	findings := r.analyzer.Analyze(ctx, job.URL, page.Body)
	r.metrics.ObserveStage("analyze", r.clock.Now().Sub(analyzeStart))

	r.progress(job.AuditID, 5, msgScore)
	score = scorer.Score(signals, findings)

	results = audit.Result{
		TechnicalIssues: findings.TechnicalIssues,
		OnPageIssues:    findings.OnPageIssues,
		Recommendations: findings.Recommendations,
		Metrics: audit.Metrics{
			Title:            signals.Title,
			MetaDescription:  signals.MetaDescription,
			H1Count:          len(signals.H1Tags),
			ImagesWithoutAlt: signals.ImagesWithoutAlt,
			LoadTimeMs:       signals.LoadTime.Milliseconds(),
		},
	}
	return score, results, nil
}

func (r *Runner) complete(ctx context.Context, job audit.Job, score int, results audit.Result) error {
	if err := r.store.Complete(ctx, job.AuditID, score, results, r.clock.Now()); err != nil {
		return fmt.Errorf("persist audit result: %w", err)
	}
	r.broadcaster.Publish(job.AuditID, broadcast.Completed(results))
	return nil
}

// fail is best-effort: if even the failed transition cannot be persisted,
// the error is only observable in logs.
func (r *Runner) fail(ctx context.Context, job audit.Job, cause error, logger *zap.Logger) {
	logger.Warn("audit failed", zap.Error(cause))
	if err := r.store.Fail(ctx, job.AuditID, cause.Error(), r.clock.Now()); err != nil {
		logger.Error("persist failed state", zap.Error(err))
	}
	r.broadcaster.Publish(job.AuditID, broadcast.Failed(cause.Error()))
}

func (r *Runner) progress(auditID string, step int, message string) {
	r.broadcaster.Publish(auditID, broadcast.Progress(step, message))
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errInvalidURL
	}
	return nil
}
