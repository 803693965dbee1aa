package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/calperry/sheetmill/internal/blob"
	"github.com/calperry/sheetmill/internal/genai"
	"github.com/calperry/sheetmill/internal/queue"
	"github.com/calperry/sheetmill/internal/store"
)

type progressRecorder struct {
	mu       sync.Mutex
	percents []int
}

func (r *progressRecorder) ReportProgress(ctx context.Context, jobID string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
	return nil
}

func (r *progressRecorder) all() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.percents...)
}

type testEnv struct {
	store    *store.Store
	blobs    *blob.Store
	ai       *genai.MockClient
	progress *progressRecorder
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	ai := &genai.MockClient{}
	progress := &progressRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		store:    st,
		blobs:    blobs,
		ai:       ai,
		progress: progress,
		pipeline: New(st, blobs, ai, progress, logger),
	}
}

func (e *testEnv) createSheet(t *testing.T, kind store.TestKind, variants int) *store.Sheet {
	t.Helper()
	sheet := &store.Sheet{
		OwnerID:         "owner-1",
		Title:           "Week 12 Words",
		StorageKey:      "sheets/test/original.jpg",
		MIMEType:        "image/jpeg",
		TestKind:        kind,
		TestsToGenerate: variants,
	}
	if err := e.store.CreateSheet(context.Background(), sheet); err != nil {
		t.Fatalf("failed to create sheet: %v", err)
	}
	if err := e.blobs.Put(sheet.StorageKey, []byte("fake image bytes")); err != nil {
		t.Fatalf("failed to store upload: %v", err)
	}
	return sheet
}

func jobFor(t *testing.T, sheetID string, action queue.Action) *queue.Job {
	t.Helper()
	payload, err := queue.Payload{SheetID: sheetID, Action: action}.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return &queue.Job{
		ID:          "job-" + sheetID,
		JobType:     JobType,
		Payload:     payload,
		Attempts:    1,
		MaxAttempts: 3,
	}
}

func vocabEntries(texts ...string) []genai.WordEntry {
	entries := make([]genai.WordEntry, len(texts))
	for i, text := range texts {
		entries[i] = genai.WordEntry{
			Text:       text,
			Definition: "definition of " + text,
			Context:    "a sentence using " + text,
		}
	}
	return entries
}

func (e *testEnv) getSheet(t *testing.T, id string) *store.Sheet {
	t.Helper()
	sheet, err := e.store.GetSheet(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload sheet: %v", err)
	}
	return sheet
}

func TestHandle_ProcessVocabulary(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{
		Vocabulary: vocabEntries("ephemeral", "ubiquitous", "gregarious", "laconic", "pensive"),
	}
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
	}

	sheet := env.createSheet(t, store.TestKindVocabulary, 3)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	reloaded := env.getSheet(t, sheet.ID)
	if reloaded.Status != store.SheetCompleted {
		t.Errorf("expected completed sheet, got %s (%s)", reloaded.Status, reloaded.ErrorMessage)
	}
	if reloaded.ProcessedAt == nil {
		t.Error("ProcessedAt not stamped")
	}

	words, err := env.store.WordsForSheet(context.Background(), sheet.ID)
	if err != nil {
		t.Fatalf("failed to load words: %v", err)
	}
	if len(words) != 5 {
		t.Fatalf("expected 5 words, got %d", len(words))
	}

	tests, err := env.store.TestsForSheet(context.Background(), sheet.ID)
	if err != nil {
		t.Fatalf("failed to load tests: %v", err)
	}
	if len(tests) != 3 {
		t.Fatalf("expected 3 tests, got %d", len(tests))
	}
	for i, test := range tests {
		wantVariant := string(rune('A' + i))
		if test.Variant != wantVariant {
			t.Errorf("test %d: variant %q, want %q", i, test.Variant, wantVariant)
		}
		if test.Name != "Week 12 Words - Test "+wantVariant {
			t.Errorf("test %d: unexpected name %q", i, test.Name)
		}
		questions, err := env.store.QuestionsForTest(context.Background(), test.ID)
		if err != nil {
			t.Fatalf("failed to load questions: %v", err)
		}
		if len(questions) != 10 {
			t.Errorf("variant %s: expected 10 questions (5 words x 2), got %d", test.Variant, len(questions))
		}
		for _, q := range questions {
			if q.WordID == "" {
				t.Errorf("variant %s: question %q has no linked word", test.Variant, q.Text)
			}
		}
	}

	percents := env.progress.all()
	if len(percents) == 0 {
		t.Fatal("no progress reported")
	}
	if percents[0] != 0 || percents[len(percents)-1] != 100 {
		t.Errorf("progress should run 0..100, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("progress went backwards: %v", percents)
			break
		}
	}
}

func TestHandle_NoWordsExtracted(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !queue.IsPermanent(err) {
		t.Errorf("empty extraction should not be retried: %v", err)
	}

	reloaded := env.getSheet(t, sheet.ID)
	if reloaded.Status != store.SheetFailed {
		t.Errorf("expected failed sheet, got %s", reloaded.Status)
	}
	if !strings.Contains(reloaded.ErrorMessage, "no words") {
		t.Errorf("unexpected error message: %q", reloaded.ErrorMessage)
	}

	count, err := env.store.CountWords(context.Background(), sheet.ID)
	if err != nil {
		t.Fatalf("CountWords failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 words, got %d", count)
	}
}

func TestHandle_NoUsableDefinitions(t *testing.T) {
	env := newTestEnv(t)
	// Vocabulary run, but the extraction produced bare words.
	env.ai.ExtractResult = &genai.ExtractionResult{
		Vocabulary: []genai.WordEntry{{Text: "ephemeral"}, {Text: "laconic"}},
	}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess))
	if !queue.IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}

	reloaded := env.getSheet(t, sheet.ID)
	if reloaded.Status != store.SheetFailed {
		t.Errorf("expected failed sheet, got %s", reloaded.Status)
	}
	if !strings.Contains(reloaded.ErrorMessage, "definitions") {
		t.Errorf("unexpected error message: %q", reloaded.ErrorMessage)
	}

	// The words themselves survive for inspection and editing.
	count, _ := env.store.CountWords(context.Background(), sheet.ID)
	if count != 2 {
		t.Errorf("expected the extracted words to be kept, got %d", count)
	}
}

func TestHandle_SpellingFallsBackToVocabularyWords(t *testing.T) {
	env := newTestEnv(t)
	// Spelling run, but the service labeled everything as vocabulary.
	env.ai.ExtractResult = &genai.ExtractionResult{
		Vocabulary: vocabEntries("necessary", "rhythm", "conscience"),
	}
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		if req.QuestionsPerWord != 1 {
			t.Errorf("spelling generation should ask 1 question per word, got %d", req.QuestionsPerWord)
		}
		return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
	}

	sheet := env.createSheet(t, store.TestKindSpelling, 1)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := env.getSheet(t, sheet.ID).Status; got != store.SheetCompleted {
		t.Fatalf("expected completed sheet, got %s", got)
	}
	tests, _ := env.store.TestsForSheet(context.Background(), sheet.ID)
	if len(tests) != 1 {
		t.Fatalf("expected 1 test, got %d", len(tests))
	}
	questions, _ := env.store.QuestionsForTest(context.Background(), tests[0].ID)
	if len(questions) != 3 {
		t.Errorf("expected 3 questions (1 per word), got %d", len(questions))
	}
}

func TestHandle_SpellingPositionalMatchLeavesWordUnset(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{
		Spelling: []string{"necessary", "rhythm"},
	}
	// Answers that match no word and carry no quoted token: only the
	// positional tiers apply, which a spelling question must not record.
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		out := make([]genai.GeneratedQuestion, len(req.Words))
		for i := range req.Words {
			out[i] = genai.GeneratedQuestion{
				Text:          "Pick the correctly spelled option.",
				Kind:          "spelling",
				CorrectAnswer: "option B",
				OrderIndex:    i,
			}
		}
		return out, nil
	}

	sheet := env.createSheet(t, store.TestKindSpelling, 1)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	tests, _ := env.store.TestsForSheet(context.Background(), sheet.ID)
	questions, _ := env.store.QuestionsForTest(context.Background(), tests[0].ID)
	for _, q := range questions {
		if q.WordID != "" {
			t.Errorf("spelling question %q should not carry a guessed word link", q.Text)
		}
	}
}

func TestHandle_EmptyVariantSkipped(t *testing.T) {
	env := newTestEnv(t)
	entries := vocabEntries("ephemeral", "laconic")
	env.ai.ExtractResult = &genai.ExtractionResult{Vocabulary: entries}
	questions := genai.MockQuestions(entries, 2)
	env.ai.GenerateResults = [][]genai.GeneratedQuestion{questions, nil, questions}

	sheet := env.createSheet(t, store.TestKindVocabulary, 3)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := env.getSheet(t, sheet.ID).Status; got != store.SheetCompleted {
		t.Fatalf("a skipped variant must not fail the run, got %s", got)
	}
	tests, _ := env.store.TestsForSheet(context.Background(), sheet.ID)
	if len(tests) != 2 {
		t.Errorf("expected 2 tests (variant B skipped), got %d", len(tests))
	}
}

func TestHandle_VariantCountClamped(t *testing.T) {
	env := newTestEnv(t)
	entries := vocabEntries("ephemeral")
	env.ai.ExtractResult = &genai.ExtractionResult{Vocabulary: entries}
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
	}

	sheet := env.createSheet(t, store.TestKindVocabulary, 50)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	tests, _ := env.store.TestsForSheet(context.Background(), sheet.ID)
	if len(tests) != MaxVariants {
		t.Errorf("expected %d tests, got %d", MaxVariants, len(tests))
	}
	if last := tests[len(tests)-1].Variant; last != "J" {
		t.Errorf("expected last variant J, got %s", last)
	}
}

func TestHandle_GenerationFailurePermanent(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{Vocabulary: vocabEntries("ephemeral")}
	env.ai.GenerateErr = errors.New("failed to parse model JSON: unexpected token")

	sheet := env.createSheet(t, store.TestKindVocabulary, 2)
	err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess))
	if !queue.IsPermanent(err) {
		t.Fatalf("malformed service output should not be retried, got %v", err)
	}

	reloaded := env.getSheet(t, sheet.ID)
	if reloaded.Status != store.SheetFailed {
		t.Errorf("expected failed sheet, got %s", reloaded.Status)
	}
	if !strings.Contains(reloaded.ErrorMessage, "generation failed") {
		t.Errorf("unexpected error message: %q", reloaded.ErrorMessage)
	}
}

func TestHandle_TransientFailureLeavesSheetProcessing(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractErr = &genai.TransientError{Message: "extraction service error (status 503)", StatusCode: 503}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	job := jobFor(t, sheet.ID, queue.ActionProcess) // attempt 1 of 3
	err := env.pipeline.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected an error")
	}
	if queue.IsPermanent(err) {
		t.Errorf("a 503 should be retryable: %v", err)
	}

	// The queue will retry; the sheet must not flash FAILED in between.
	if got := env.getSheet(t, sheet.ID).Status; got != store.SheetProcessing {
		t.Errorf("expected sheet to stay processing between attempts, got %s", got)
	}
}

func TestHandle_TransientFailureOnLastAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractErr = &genai.TransientError{Message: "extraction request failed: connection refused"}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	job := jobFor(t, sheet.ID, queue.ActionProcess)
	job.Attempts = job.MaxAttempts
	if err := env.pipeline.Handle(context.Background(), job); err == nil {
		t.Fatal("expected an error")
	}

	reloaded := env.getSheet(t, sheet.ID)
	if reloaded.Status != store.SheetFailed {
		t.Errorf("out of retries: expected failed sheet, got %s", reloaded.Status)
	}
	if !strings.Contains(reloaded.ErrorMessage, "connection refused") {
		t.Errorf("unexpected error message: %q", reloaded.ErrorMessage)
	}
}

func TestHandle_MissingUpload(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{Vocabulary: vocabEntries("ephemeral")}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	if err := env.blobs.Delete(sheet.StorageKey); err != nil {
		t.Fatalf("failed to delete blob: %v", err)
	}

	err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess))
	if !queue.IsPermanent(err) {
		t.Fatalf("a missing upload can never succeed on retry, got %v", err)
	}
	if got := env.getSheet(t, sheet.ID).Status; got != store.SheetFailed {
		t.Errorf("expected failed sheet, got %s", got)
	}
}

func TestHandle_ProcessedImageStored(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{
		Vocabulary:     vocabEntries("ephemeral"),
		ProcessedImage: []byte("cleaned up image"),
	}
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
	}

	sheet := env.createSheet(t, store.TestKindVocabulary, 1)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	key := blob.ProcessedKey(sheet.StorageKey)
	content, err := env.blobs.Get(key)
	if err != nil {
		t.Fatalf("processed image not stored: %v", err)
	}
	if string(content) != "cleaned up image" {
		t.Errorf("unexpected processed image content: %q", content)
	}
	if got := env.getSheet(t, sheet.ID).ProcessedKey; got != key {
		t.Errorf("ProcessedKey = %q, want %q", got, key)
	}
}

func TestHandle_Regenerate(t *testing.T) {
	env := newTestEnv(t)
	env.ai.ExtractResult = &genai.ExtractionResult{
		Vocabulary: vocabEntries("ephemeral", "laconic", "pensive"),
	}
	env.ai.GenerateFunc = func(req *genai.GenerationRequest) ([]genai.GeneratedQuestion, error) {
		return genai.MockQuestions(req.Words, req.QuestionsPerWord), nil
	}

	sheet := env.createSheet(t, store.TestKindVocabulary, 2)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionProcess)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	ctx := context.Background()
	wordsBefore, _ := env.store.WordsForSheet(ctx, sheet.ID)
	testsBefore, _ := env.store.TestsForSheet(ctx, sheet.ID)
	oldIDs := make(map[string]bool)
	for _, test := range testsBefore {
		oldIDs[test.ID] = true
	}

	if err := env.pipeline.Handle(ctx, jobFor(t, sheet.ID, queue.ActionRegenerate)); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}

	if got := env.getSheet(t, sheet.ID).Status; got != store.SheetCompleted {
		t.Fatalf("expected completed sheet, got %s", got)
	}

	testsAfter, _ := env.store.TestsForSheet(ctx, sheet.ID)
	if len(testsAfter) != 2 {
		t.Fatalf("expected 2 regenerated tests, got %d", len(testsAfter))
	}
	for _, test := range testsAfter {
		if oldIDs[test.ID] {
			t.Errorf("test %s survived regeneration", test.ID)
		}
	}

	wordsAfter, _ := env.store.WordsForSheet(ctx, sheet.ID)
	if len(wordsAfter) != len(wordsBefore) {
		t.Fatalf("regeneration changed the word count: %d -> %d", len(wordsBefore), len(wordsAfter))
	}
	for i := range wordsAfter {
		if wordsAfter[i].ID != wordsBefore[i].ID {
			t.Errorf("word %d was replaced during regeneration", i)
		}
	}
	if env.ai.ExtractCalls() != 1 {
		t.Errorf("regeneration must not re-extract, saw %d extraction calls", env.ai.ExtractCalls())
	}
}

func TestHandle_RegenerateRequiresCompletedSheet(t *testing.T) {
	env := newTestEnv(t)
	sheet := env.createSheet(t, store.TestKindVocabulary, 1)

	err := env.pipeline.Handle(context.Background(), jobFor(t, sheet.ID, queue.ActionRegenerate))
	if !queue.IsPermanent(err) {
		t.Fatalf("regenerating a pending sheet should fail permanently, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot regenerate") {
		t.Errorf("unexpected error: %v", err)
	}
}

// panickingClient blows up during extraction. GenerateQuestions is never
// reached, so the embedded nil Client is safe.
type panickingClient struct {
	genai.Client
}

func (c *panickingClient) ExtractWords(ctx context.Context, req *genai.ExtractionRequest) (*genai.ExtractionResult, error) {
	panic("extraction exploded")
}

func TestHandle_PanicMarksSheetFailed(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := New(env.store, env.blobs, &panickingClient{}, env.progress, logger)

	t.Run("out of retries", func(t *testing.T) {
		sheet := env.createSheet(t, store.TestKindVocabulary, 1)
		job := jobFor(t, sheet.ID, queue.ActionProcess)
		job.Attempts = job.MaxAttempts

		err := pipe.Handle(context.Background(), job)
		if err == nil {
			t.Fatal("expected an error")
		}
		if !strings.Contains(err.Error(), "panic") {
			t.Errorf("unexpected error: %v", err)
		}

		reloaded := env.getSheet(t, sheet.ID)
		if reloaded.Status != store.SheetFailed {
			t.Fatalf("panicking handler must not strand the sheet, got %s", reloaded.Status)
		}
		if !strings.Contains(reloaded.ErrorMessage, "panic") {
			t.Errorf("unexpected error message: %q", reloaded.ErrorMessage)
		}
	})

	t.Run("retries remaining", func(t *testing.T) {
		sheet := env.createSheet(t, store.TestKindVocabulary, 1)
		job := jobFor(t, sheet.ID, queue.ActionProcess) // attempt 1 of 3

		if err := pipe.Handle(context.Background(), job); err == nil {
			t.Fatal("expected an error")
		}
		// The queue will redeliver; the sheet stays processing until the
		// last attempt, like any other retryable failure.
		if got := env.getSheet(t, sheet.ID).Status; got != store.SheetProcessing {
			t.Errorf("expected sheet to stay processing, got %s", got)
		}
	})
}

func TestHandle_BadPayload(t *testing.T) {
	env := newTestEnv(t)
	job := &queue.Job{ID: "job-bad", JobType: JobType, Payload: "{not json", Attempts: 1, MaxAttempts: 3}
	if err := env.pipeline.Handle(context.Background(), job); !queue.IsPermanent(err) {
		t.Errorf("garbage payload should fail permanently, got %v", err)
	}
}

func TestHandle_MissingSheet(t *testing.T) {
	env := newTestEnv(t)
	if err := env.pipeline.Handle(context.Background(), jobFor(t, "no-such-sheet", queue.ActionProcess)); !queue.IsPermanent(err) {
		t.Errorf("a job for a deleted sheet should fail permanently, got %v", err)
	}
}
