package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/calperry/sheetmill/internal/blob"
	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
)

// process is the full run: extraction, word persistence, then generation.
func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, job *queue.Job, sheet *store.Sheet) error {
	if err := p.store.MarkSheetProcessing(ctx, sheet.ID); err != nil {
		return fmt.Errorf("failed to mark sheet processing: %w", err)
	}
	p.reportProgress(ctx, logger, job.ID, 0)

	content, err := p.blobs.Get(sheet.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("uploaded file is missing from storage: %w", err))
		}
		return fmt.Errorf("failed to read uploaded file: %w", err)
	}

	result, err := p.ai.ExtractWords(ctx, &genai.ExtractionRequest{
		Content:  content,
		MIMEType: sheet.MIMEType,
		TestKind: string(sheet.TestKind),
	})
	if err != nil {
		return classifyServiceError("extraction", err)
	}
	p.reportProgress(ctx, logger, job.ID, 20)

	words := buildWords(sheet, result)
	if len(words) == 0 {
		return queue.Permanent(errors.New("no words extracted from the worksheet"))
	}

	if err := p.store.CreateWords(ctx, words); err != nil {
		return fmt.Errorf("failed to persist extracted words: %w", err)
	}
	logger.Info("words extracted", "count", len(words))
	p.reportProgress(ctx, logger, job.ID, 40)

	p.storeProcessedImage(logger, sheet, result.ProcessedImage)

	qualifying := qualifyingWords(words, sheet.TestKind)
	if len(qualifying) == 0 {
		return queue.Permanent(errors.New("none of the extracted words have definitions usable for test generation"))
	}

	if err := p.generateVariants(ctx, logger, job, sheet, qualifying); err != nil {
		return err
	}

	if err := p.store.MarkSheetCompleted(ctx, sheet.ID); err != nil {
		return fmt.Errorf("failed to mark sheet completed: %w", err)
	}
	p.reportProgress(ctx, logger, job.ID, 100)
	logger.Info("sheet processed")
	return nil
}

// buildWords turns an extraction result into word rows. Both labels are
// persisted; a spelling request whose worksheet only yielded
// vocabulary-labeled words still works because spelling generation draws on
// every word regardless of label (the service's labeling is not reliable
// enough to fail on).
func buildWords(sheet *store.Sheet, result *genai.ExtractionResult) []store.Word {
	words := make([]store.Word, 0, len(result.Vocabulary)+len(result.Spelling))
	for _, entry := range result.Vocabulary {
		if entry.Text == "" {
			continue
		}
		words = append(words, store.Word{
			ID:              uuid.NewString(),
			SheetID:         sheet.ID,
			Text:            entry.Text,
			Definition:      entry.Definition,
			ContextSentence: entry.Context,
			Kind:            store.WordKindVocabulary,
		})
	}
	for _, text := range result.Spelling {
		if text == "" {
			continue
		}
		words = append(words, store.Word{
			ID:      uuid.NewString(),
			SheetID: sheet.ID,
			Text:    text,
			Kind:    store.WordKindSpelling,
		})
	}
	return words
}

// qualifyingWords filters to the words a test kind can actually use.
// Vocabulary tests need a definition to build definition/sentence questions;
// spelling and general-knowledge tests take everything.
func qualifyingWords(words []store.Word, kind store.TestKind) []store.Word {
	if kind != store.TestKindVocabulary {
		return words
	}
	qualified := make([]store.Word, 0, len(words))
	for _, w := range words {
		if w.Definition != "" {
			qualified = append(qualified, w)
		}
	}
	return qualified
}

// storeProcessedImage saves the service's cleaned-up copy of the worksheet
// under a derived key. Best-effort: a failure here never fails the job.
func (p *Pipeline) storeProcessedImage(logger *slog.Logger, sheet *store.Sheet, image []byte) {
	if len(image) == 0 {
		return
	}
	key := blob.ProcessedKey(sheet.StorageKey)
	err := retry.Do(
		func() error { return p.blobs.Put(key, image) },
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logger.Warn("failed to store processed image", "key", key, "error", err)
		return
	}
	if err := p.store.SetProcessedKey(context.Background(), sheet.ID, key); err != nil {
		logger.Warn("failed to record processed image key", "key", key, "error", err)
	}
}

// classifyServiceError maps an extraction/generation error onto the queue's
// retry policy. Network trouble and service-side saturation are worth
// retrying; everything else (bad requests, malformed responses) will fail
// identically on a retry.
func classifyServiceError(stage string, err error) error {
	if genai.IsTransient(err) {
		return fmt.Errorf("%s service unavailable: %w", stage, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return queue.Permanent(fmt.Errorf("%s failed: %w", stage, err))
}
