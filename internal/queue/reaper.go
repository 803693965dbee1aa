package queue

import (
	"context"
	"time"
)

// StartReaper runs the terminal-job reaper until ctx is cancelled. Run in a
// goroutine. Retention exists purely for diagnosis: completed jobs are kept
// briefly, failed jobs longer, and nothing in the pipeline depends on either.
func (q *Queue) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Reap(ctx); err != nil {
				q.logger.Error("reap failed", "error", err)
			}
		}
	}
}

// Reap deletes terminal jobs past their retention window.
func (q *Queue) Reap(ctx context.Context) error {
	now := time.Now().UTC()

	res := q.db.WithContext(ctx).
		Where("status = ? AND finished_at < ?", StatusCompleted, now.Add(-q.cfg.CompletedRetention)).
		Delete(&Job{})
	if res.Error != nil {
		return res.Error
	}
	reaped := res.RowsAffected

	res = q.db.WithContext(ctx).
		Where("status = ? AND finished_at < ?", StatusFailed, now.Add(-q.cfg.FailedRetention)).
		Delete(&Job{})
	if res.Error != nil {
		return res.Error
	}
	reaped += res.RowsAffected

	if reaped > 0 {
		q.logger.Debug("reaped terminal jobs", "count", reaped)
	}
	return nil
}
