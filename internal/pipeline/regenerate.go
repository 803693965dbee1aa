package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
)

// regenerate re-runs generation against previously extracted words. It never
// touches the word set: the owner may have edited definitions between runs
// and those edits are the whole point of regenerating.
func (p *Pipeline) regenerate(ctx context.Context, logger *slog.Logger, job *queue.Job, sheet *store.Sheet) error {
	// Check before any deletion. The API refuses to enqueue for
	// non-completed sheets too, but a stale job must not wipe tests from
	// under a run that is still in flight.
	if sheet.Status != store.SheetCompleted {
		return queue.Permanent(fmt.Errorf("cannot regenerate tests while sheet is %s", sheet.Status))
	}

	words, err := p.store.WordsForSheet(ctx, sheet.ID)
	if err != nil {
		return fmt.Errorf("failed to load words: %w", err)
	}
	qualifying := qualifyingWords(words, sheet.TestKind)
	if len(qualifying) == 0 {
		return queue.Permanent(errors.New("no words with definitions are available for regeneration"))
	}

	if err := p.store.MarkSheetProcessing(ctx, sheet.ID); err != nil {
		return fmt.Errorf("failed to mark sheet processing: %w", err)
	}
	p.reportProgress(ctx, logger, job.ID, 0)

	if err := p.store.DeleteTestsForSheet(ctx, sheet.ID); err != nil {
		return fmt.Errorf("failed to delete prior tests: %w", err)
	}
	logger.Info("prior tests deleted", "words", len(qualifying))
	p.reportProgress(ctx, logger, job.ID, 40)

	if err := p.generateVariants(ctx, logger, job, sheet, qualifying); err != nil {
		return err
	}

	if err := p.store.MarkSheetCompleted(ctx, sheet.ID); err != nil {
		return fmt.Errorf("failed to mark sheet completed: %w", err)
	}
	p.reportProgress(ctx, logger, job.ID, 100)
	logger.Info("tests regenerated")
	return nil
}
