package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
)

// generateVariants runs the per-variant loop shared by process and
// regenerate. Variants are generated sequentially: the upstream service is
// already throttled pool-wide, so fanning out here would only fight the
// limiter. A variant that yields zero questions is skipped, not fatal; a
// sheet can legitimately finish with fewer tests than requested.
func (p *Pipeline) generateVariants(ctx context.Context, logger *slog.Logger, job *queue.Job, sheet *store.Sheet, words []store.Word) error {
	count := sheet.TestsToGenerate
	if count < 1 {
		count = 1
	}
	if count > MaxVariants {
		count = MaxVariants
	}

	entries := wordEntries(words)
	perWord := questionsPerWord(sheet.TestKind)

	for i := 0; i < count; i++ {
		label := string(rune('A' + i))

		questions, err := p.ai.GenerateQuestions(ctx, &genai.GenerationRequest{
			Words:            entries,
			TestKind:         string(sheet.TestKind),
			VariantLabel:     label,
			GradeLevel:       sheet.GradeLevel,
			QuestionsPerWord: perWord,
		})
		if err != nil {
			return classifyServiceError("generation", err)
		}
		if len(questions) == 0 {
			logger.Warn("variant yielded no questions, skipping", "variant", label)
			continue
		}

		if err := p.persistVariant(ctx, sheet, label, words, questions, perWord); err != nil {
			return err
		}
		logger.Info("variant generated", "variant", label, "questions", len(questions))

		// 40 to 90, proportional across variants.
		p.reportProgress(ctx, logger, job.ID, 40+(i+1)*50/count)
	}
	return nil
}

func (p *Pipeline) persistVariant(ctx context.Context, sheet *store.Sheet, label string, words []store.Word, generated []genai.GeneratedQuestion, perWord int) error {
	test := &store.Test{
		ID:        uuid.NewString(),
		SheetID:   sheet.ID,
		Name:      testName(sheet, label),
		Variant:   label,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateTest(ctx, test); err != nil {
		return fmt.Errorf("failed to create test %s: %w", label, err)
	}

	rows := make([]store.Question, 0, len(generated))
	for i, q := range generated {
		row := store.Question{
			ID:            uuid.NewString(),
			TestID:        test.ID,
			Text:          q.Text,
			Kind:          q.Kind,
			CorrectAnswer: q.CorrectAnswer,
			OrderIndex:    q.OrderIndex,
		}
		if row.OrderIndex == 0 && i > 0 {
			row.OrderIndex = i
		}
		if len(q.Options) > 0 {
			opts, err := json.Marshal(q.Options)
			if err != nil {
				return queue.Permanent(fmt.Errorf("failed to encode options for test %s: %w", label, err))
			}
			row.Options = string(opts)
		}

		if match, ok := ResolveWord(q.CorrectAnswer, q.Text, words, i, perWord); ok {
			// Positional fallbacks are guesses; recording one against a
			// spelling question would claim a derivation that isn't there.
			// Vocabulary questions always carry their resolved word.
			if sheet.TestKind != store.TestKindSpelling || match.Tier <= TierQuoted {
				row.WordID = match.Word.ID
			}
		}
		rows = append(rows, row)
	}

	if err := p.store.CreateQuestions(ctx, rows); err != nil {
		return fmt.Errorf("failed to persist questions for test %s: %w", label, err)
	}
	return nil
}

func wordEntries(words []store.Word) []genai.WordEntry {
	entries := make([]genai.WordEntry, 0, len(words))
	for _, w := range words {
		entries = append(entries, genai.WordEntry{
			Text:       w.Text,
			Definition: w.Definition,
			Context:    w.ContextSentence,
		})
	}
	return entries
}

// questionsPerWord is the per-word question count the generation prompt asks
// for: one misspelling-choice question per word for spelling, a
// sentence-completion plus definition-match pair otherwise.
func questionsPerWord(kind store.TestKind) int {
	if kind == store.TestKindSpelling {
		return 1
	}
	return 2
}

func testName(sheet *store.Sheet, label string) string {
	if sheet.Title != "" {
		return fmt.Sprintf("%s - Test %s", sheet.Title, label)
	}
	return "Test " + label
}
