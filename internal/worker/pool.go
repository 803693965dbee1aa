// Package worker runs queue jobs on a fixed-size pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/calperry/sheetmill/internal/queue"
)

// Handler executes one job to completion. The pipeline's handler guarantees
// the owning sheet reaches a terminal state before it returns an error; the
// pool only applies the queue's retry/terminal bookkeeping.
type Handler func(ctx context.Context, job *queue.Job) error

// Config configures a worker pool.
type Config struct {
	Queue   *queue.Queue
	JobType string
	// Concurrency is the number of parallel workers (default 2).
	Concurrency int
	Handler     Handler
	Logger      *slog.Logger
}

// Pool executes jobs of one type under a global concurrency bound.
type Pool struct {
	queue       *queue.Queue
	jobType     string
	concurrency int
	handler     Handler
	logger      *slog.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.JobType == "" {
		return nil, errors.New("job type is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:       cfg.Queue,
		jobType:     cfg.JobType,
		concurrency: cfg.Concurrency,
		handler:     cfg.Handler,
		logger:      logger.With("component", "worker", "job_type", cfg.JobType),
	}, nil
}

// Start runs the pool's workers. Blocks until ctx is cancelled and all
// workers have drained. Run in a goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
}

// run is one worker's loop: dequeue, execute, settle. A failing or panicking
// handler never takes sibling workers down with it.
func (p *Pool) run(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	logger.Info("worker started")

	for {
		job, err := p.queue.Dequeue(ctx, p.jobType)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("worker stopping")
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}

		logger.Info("job started", "id", job.ID, "attempt", job.Attempts)
		execErr := p.execute(ctx, job)

		// Settle with a detached context so shutdown doesn't lose the
		// terminal bookkeeping for a job that already ran.
		if err := p.queue.Finish(context.WithoutCancel(ctx), job, execErr); err != nil {
			logger.Error("failed to settle job", "id", job.ID, "error", err)
		}
		if execErr == nil {
			logger.Info("job completed", "id", job.ID)
		}
	}
}

// execute runs the handler with panic isolation.
func (p *Pool) execute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("handler panicked", "id", job.ID, "panic", r)
		}
	}()
	return p.handler(ctx, job)
}
