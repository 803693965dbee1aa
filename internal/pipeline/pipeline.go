// Package pipeline turns an uploaded worksheet into generated test variants.
// Each job runs sequentially on one worker: extract words, persist them,
// generate variants one at a time, link questions back to words. The handler
// is the single place that translates any failure into a failed sheet record.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calperry/sheetmill/internal/blob"
	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
)

// JobType is the queue job type the pipeline consumes.
const JobType = "sheet-pipeline"

// MaxVariants caps how many test variants one sheet can request. Variant
// labels are single letters A..J.
const MaxVariants = 10

// ProgressReporter receives coarse progress updates for a running job.
// *queue.Queue satisfies it.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, percent int) error
}

// Pipeline holds the collaborators a job run needs.
type Pipeline struct {
	store    *store.Store
	blobs    *blob.Store
	ai       genai.Client
	progress ProgressReporter
	logger   *slog.Logger
}

// New creates a pipeline. All collaborators are required except logger.
func New(st *store.Store, blobs *blob.Store, ai genai.Client, progress ProgressReporter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		blobs:    blobs,
		ai:       ai,
		progress: progress,
		logger:   logger.With("component", "pipeline"),
	}
}

// Handle executes one queued job. Whatever goes wrong, the sheet ends up
// FAILED with a human-readable message; partial side effects (words persisted
// before generation broke) are kept so the owner can inspect, edit, and
// regenerate instead of re-uploading.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := queue.ParsePayload(job.Payload)
	if err != nil {
		return queue.Permanent(fmt.Errorf("unreadable job payload: %w", err))
	}

	logger := p.logger.With("sheet_id", payload.SheetID, "job_id", job.ID, "action", payload.Action)

	sheet, err := p.store.GetSheet(ctx, payload.SheetID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to load sheet: %w", err))
	}

	err = p.run(ctx, logger, job, sheet, payload.Action)
	if err == nil {
		return nil
	}

	// Mark the sheet failed only once the job is out of retries: a transient
	// error that will be retried should leave the sheet PROCESSING rather
	// than flashing FAILED at pollers between attempts.
	if queue.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		// Detached context: the failure write must land even when the
		// error was the job's own context being cancelled at shutdown.
		markCtx := context.WithoutCancel(ctx)
		if markErr := p.store.MarkSheetFailed(markCtx, sheet.ID, err.Error()); markErr != nil {
			logger.Error("failed to record sheet failure", "error", markErr)
		}
	}
	logger.Error("pipeline run failed", "error", err)
	return err
}

// run dispatches one action with panic containment. A panicking step must
// surface as an error through the failure bookkeeping above, not unwind past
// it: the worker pool's own recover would settle the job but leave the sheet
// stranded in PROCESSING with no message.
func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, job *queue.Job, sheet *store.Sheet, action queue.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	if action == queue.ActionRegenerate {
		return p.regenerate(ctx, logger, job, sheet)
	}
	return p.process(ctx, logger, job, sheet)
}

func (p *Pipeline) reportProgress(ctx context.Context, logger *slog.Logger, jobID string, percent int) {
	if p.progress == nil {
		return
	}
	if err := p.progress.ReportProgress(ctx, jobID, percent); err != nil {
		// Progress is observability, not correctness.
		logger.Warn("failed to report progress", "percent", percent, "error", err)
	}
}
