package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// errNoJob signals an empty queue to the dequeue loop.
var errNoJob = errors.New("no job available")

// permanentError wraps failures that must not be retried by the queue
// (content and contract errors per the pipeline's taxonomy).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: Finish moves the job straight to
// failed regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Config tunes queue behavior.
type Config struct {
	// MaxAttempts is the delivery ceiling per job (default 3).
	MaxAttempts int
	// RetryBase is the base delay of the exponential redelivery backoff
	// (default 2s: 2s, 4s, 8s, ...).
	RetryBase time.Duration
	// StartsPerMinute bounds job starts over a rolling window (default 10).
	StartsPerMinute int
	// CompletedRetention is how long successful jobs are kept (default 1h).
	CompletedRetention time.Duration
	// FailedRetention is how long failed jobs are kept (default 24h).
	FailedRetention time.Duration
	// ReapInterval is how often the reaper runs (default 10m).
	ReapInterval time.Duration
	// PollInterval is the dequeue wakeup interval for delayed jobs
	// (default 500ms).
	PollInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.StartsPerMinute <= 0 {
		c.StartsPerMinute = 10
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Queue is a durable job queue. Construct one at the composition root and
// inject it everywhere it is needed; there is no package-level instance.
type Queue struct {
	db     *gorm.DB
	cfg    Config
	window *StartWindow
	logger *slog.Logger

	// notify wakes blocked Dequeue calls when work arrives.
	notify chan struct{}
}

// New creates a queue on the given database handle and migrates its table.
func New(db *gorm.DB, cfg Config) (*Queue, error) {
	cfg.applyDefaults()
	if err := db.AutoMigrate(&Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue schema: %w", err)
	}
	return &Queue{
		db:     db,
		cfg:    cfg,
		window: NewStartWindow(cfg.StartsPerMinute),
		logger: cfg.Logger.With("component", "queue"),
		notify: make(chan struct{}, 1),
	}, nil
}

// Enqueue adds a job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload Payload) (string, error) {
	body, err := payload.Marshal()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Payload:     body,
		Status:      StatusQueued,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Info("job enqueued", "id", job.ID, "type", jobType, "sheet_id", payload.SheetID, "action", payload.Action)
	q.wake()
	return job.ID, nil
}

// Dequeue blocks until a job of the given type is claimable, then claims it
// and waits for a start-window token before handing it out. Honors ctx.
func (q *Queue) Dequeue(ctx context.Context, jobType string) (*Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.tryClaim(ctx, jobType)
		switch {
		case err == nil:
			// Claimed. Gate the actual start on the rolling window; the
			// worker slot just waits, the job is never dropped.
			if werr := q.window.Wait(ctx); werr != nil {
				q.release(job)
				return nil, werr
			}
			return job, nil
		case errors.Is(err, errNoJob):
			// Fall through to wait.
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
			// Delayed retries become eligible without a notify.
		}
	}
}

// tryClaim claims the oldest eligible queued job of the given type.
func (q *Queue) tryClaim(ctx context.Context, jobType string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("job_type = ? AND status = ? AND run_at <= ?", jobType, StatusQueued, time.Now().UTC()).
			Order("created_at").
			First(&job)
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return errNoJob
		}
		if res.Error != nil {
			return fmt.Errorf("failed to select job: %w", res.Error)
		}

		now := time.Now().UTC()
		claim := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]any{
				"status":     StatusRunning,
				"started_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if claim.Error != nil {
			return fmt.Errorf("failed to claim job: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			// Lost the race to a sibling worker.
			return errNoJob
		}

		job.Status = StatusRunning
		job.StartedAt = &now
		job.Attempts++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// release puts a claimed-but-unstarted job back without consuming an attempt.
// Used when the dequeue is cancelled while waiting on the start window.
func (q *Queue) release(job *Job) {
	err := q.db.Model(&Job{}).
		Where("id = ? AND status = ?", job.ID, StatusRunning).
		Updates(map[string]any{
			"status":     StatusQueued,
			"started_at": nil,
			"attempts":   gorm.Expr("attempts - 1"),
		}).Error
	if err != nil {
		q.logger.Error("failed to release job", "id", job.ID, "error", err)
	}
}

// ReportProgress records a job's progress percentage (clamped to 0-100).
func (q *Queue) ReportProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Update("progress", percent).Error
}

// Complete marks a job terminally successful.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      StatusCompleted,
			"progress":    100,
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail marks a job terminally failed with its error message.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := "job failed"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	now := time.Now().UTC()
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error":       msg,
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// Finish applies the retry/terminal decision for an executed job: success
// completes it, a Permanent error or exhausted attempts fail it, anything
// else requeues it with exponential backoff.
func (q *Queue) Finish(ctx context.Context, job *Job, jobErr error) error {
	if jobErr == nil {
		return q.Complete(ctx, job.ID)
	}

	if IsPermanent(jobErr) || job.Attempts >= job.MaxAttempts {
		q.logger.Warn("job failed terminally",
			"id", job.ID, "attempts", job.Attempts, "error", jobErr)
		return q.Fail(ctx, job.ID, jobErr)
	}

	delay := q.cfg.RetryBase << (job.Attempts - 1)
	runAt := time.Now().UTC().Add(delay)
	q.logger.Info("job requeued",
		"id", job.ID, "attempt", job.Attempts, "retry_in", delay, "error", jobErr)

	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status": StatusQueued,
			"error":  jobErr.Error(),
			"run_at": runAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	db := q.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var jobs []Job
	if err := db.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// RecoverStalled requeues jobs left running by a previous process. Called
// once at startup, before workers start; at-least-once delivery depends on it.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("status = ?", StatusRunning).
		Updates(map[string]any{
			"status": StatusQueued,
			"run_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover stalled jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("recovered stalled jobs", "count", res.RowsAffected)
		q.wake()
	}
	return res.RowsAffected, nil
}

// WindowStatus reports the start window's current state, for readiness and
// diagnostics surfaces.
func (q *Queue) WindowStatus() StartWindowStatus {
	return q.window.Status()
}

// wake signals blocked Dequeue calls (non-blocking).
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
