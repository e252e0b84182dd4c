// Package dispatcher fans audit jobs out to a fixed pool of pipeline workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/audit"
	qmemory "github.com/seolens/audit-service/internal/queue/memory"
)

// Runner executes one audit job end to end. Implementations own their error
// boundary: Run never reports failure to the dispatcher.
type Runner interface {
	Run(ctx context.Context, job audit.Job)
}

// Dispatcher owns the worker pool. Submission is fire-and-forget: Enqueue
// returns as soon as the job is queued, and a worker picks it up later.
type Dispatcher struct {
	queue       audit.Queue
	runner      Runner
	concurrency int
	logger      *zap.Logger
}

// New creates a Dispatcher.
func New(queue audit.Queue, runner Runner, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run starts the workers and blocks until the context finishes and all
// workers have returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.work(ctx, index)
		}(i)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job audit.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, index int) {
	logger := d.logger.With(zap.Int("worker", index))
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, qmemory.ErrClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued audit", zap.String("audit_id", job.AuditID))
		d.runner.Run(ctx, job)
	}
}
