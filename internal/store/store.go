// Package store is the persistent record store for sheets, words, tests and
// questions, backed by gorm over sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the database handle with typed operations.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Sheet{}, &Word{}, &Test{}, &Question{}, &Attempt{}, &Assignment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle so the queue can share the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateSheet persists a new sheet. ID, status and upload time are assigned
// here if unset.
func (s *Store) CreateSheet(ctx context.Context, sheet *Sheet) error {
	if sheet.ID == "" {
		sheet.ID = uuid.NewString()
	}
	if sheet.Status == "" {
		sheet.Status = SheetPending
	}
	if sheet.UploadedAt.IsZero() {
		sheet.UploadedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(sheet).Error; err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

// GetSheet returns a sheet by id.
func (s *Store) GetSheet(ctx context.Context, id string) (*Sheet, error) {
	var sheet Sheet
	err := s.db.WithContext(ctx).First(&sheet, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: sheet %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet: %w", err)
	}
	return &sheet, nil
}

// ListSheets returns sheets newest first, filtered to ownerID when non-empty.
func (s *Store) ListSheets(ctx context.Context, ownerID string) ([]Sheet, error) {
	var sheets []Sheet
	q := s.db.WithContext(ctx).Order("uploaded_at DESC")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Find(&sheets).Error; err != nil {
		return nil, fmt.Errorf("failed to list sheets: %w", err)
	}
	return sheets, nil
}

// MarkSheetProcessing transitions a sheet into PROCESSING and clears any
// previous error. Valid from PENDING (first run), COMPLETED (regenerate) and
// PROCESSING itself (a redelivered attempt re-enters its own state). FAILED
// is terminal: a stale or duplicate job must not silently revive a sheet the
// owner has already seen fail.
func (s *Store) MarkSheetProcessing(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Sheet{}).
		Where("id = ? AND status IN ?", id, []SheetStatus{SheetPending, SheetCompleted, SheetProcessing}).
		Updates(map[string]any{
			"status":        SheetProcessing,
			"error_message": "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark sheet processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: sheet %s", ErrNotFound, id)
	}
	return nil
}

// MarkSheetCompleted transitions a sheet to COMPLETED and stamps ProcessedAt.
func (s *Store) MarkSheetCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Sheet{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        SheetCompleted,
			"error_message": "",
			"processed_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark sheet completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: sheet %s", ErrNotFound, id)
	}
	return nil
}

// MarkSheetFailed transitions a sheet to FAILED with a human-readable message.
// The message is truncated to fit the column; it must never be empty.
func (s *Store) MarkSheetFailed(ctx context.Context, id, message string) error {
	if message == "" {
		message = "processing failed"
	}
	if len(message) > 1024 {
		message = message[:1024]
	}
	res := s.db.WithContext(ctx).Model(&Sheet{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        SheetFailed,
			"error_message": message,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark sheet failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: sheet %s", ErrNotFound, id)
	}
	return nil
}

// SetProcessedKey records the storage key of the derived artifact.
func (s *Store) SetProcessedKey(ctx context.Context, id, key string) error {
	return s.db.WithContext(ctx).Model(&Sheet{}).
		Where("id = ?", id).
		Update("processed_key", key).Error
}

// CreateWords bulk-inserts extracted words, assigning ids.
func (s *Store) CreateWords(ctx context.Context, words []Word) error {
	if len(words) == 0 {
		return nil
	}
	for i := range words {
		if words[i].ID == "" {
			words[i].ID = uuid.NewString()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(words, 100).Error; err != nil {
		return fmt.Errorf("failed to insert words: %w", err)
	}
	return nil
}

// WordsForSheet returns every word extracted for a sheet, insertion order.
func (s *Store) WordsForSheet(ctx context.Context, sheetID string) ([]Word, error) {
	var words []Word
	err := s.db.WithContext(ctx).
		Where("sheet_id = ?", sheetID).
		Order("rowid").
		Find(&words).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load words: %w", err)
	}
	return words, nil
}

// CountWords returns how many words a sheet has.
func (s *Store) CountWords(ctx context.Context, sheetID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Word{}).Where("sheet_id = ?", sheetID).Count(&n).Error
	return n, err
}

// CreateTest persists a new test variant.
func (s *Store) CreateTest(ctx context.Context, test *Test) error {
	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}
	return nil
}

// CreateQuestions bulk-inserts questions for a test.
func (s *Store) CreateQuestions(ctx context.Context, questions []Question) error {
	if len(questions) == 0 {
		return nil
	}
	for i := range questions {
		if questions[i].ID == "" {
			questions[i].ID = uuid.NewString()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(questions, 100).Error; err != nil {
		return fmt.Errorf("failed to insert questions: %w", err)
	}
	return nil
}

// TestsForSheet returns the tests for a sheet ordered by variant label.
func (s *Store) TestsForSheet(ctx context.Context, sheetID string) ([]Test, error) {
	var tests []Test
	err := s.db.WithContext(ctx).
		Where("sheet_id = ?", sheetID).
		Order("variant").
		Find(&tests).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tests: %w", err)
	}
	return tests, nil
}

// QuestionsForTest returns the questions of a test in order.
func (s *Store) QuestionsForTest(ctx context.Context, testID string) ([]Question, error) {
	var questions []Question
	err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("order_index").
		Find(&questions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	return questions, nil
}

// DeleteTestsForSheet removes every test for a sheet, cascading to questions,
// attempts and assignments. Used by regenerate before the variant loop.
func (s *Store) DeleteTestsForSheet(ctx context.Context, sheetID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var testIDs []string
		if err := tx.Model(&Test{}).Where("sheet_id = ?", sheetID).Pluck("id", &testIDs).Error; err != nil {
			return fmt.Errorf("failed to list tests: %w", err)
		}
		if len(testIDs) == 0 {
			return nil
		}
		if err := tx.Where("test_id IN ?", testIDs).Delete(&Question{}).Error; err != nil {
			return fmt.Errorf("failed to delete questions: %w", err)
		}
		if err := tx.Where("test_id IN ?", testIDs).Delete(&Attempt{}).Error; err != nil {
			return fmt.Errorf("failed to delete attempts: %w", err)
		}
		if err := tx.Where("test_id IN ?", testIDs).Delete(&Assignment{}).Error; err != nil {
			return fmt.Errorf("failed to delete assignments: %w", err)
		}
		if err := tx.Where("sheet_id = ?", sheetID).Delete(&Test{}).Error; err != nil {
			return fmt.Errorf("failed to delete tests: %w", err)
		}
		return nil
	})
}

// GuardReport summarizes what a regenerate would destroy.
type GuardReport struct {
	Tests       int64 `json:"tests"`
	Attempts    int64 `json:"attempts"`
	Assignments int64 `json:"assignments"`
}

// Blocked reports whether destructive regeneration must be refused.
func (g GuardReport) Blocked() bool {
	return g.Attempts > 0 || g.Assignments > 0
}

// RegenerateGuard counts existing tests, student attempts and classroom
// assignments for a sheet. Callers refuse regeneration when Blocked unless
// explicitly forced.
func (s *Store) RegenerateGuard(ctx context.Context, sheetID string) (GuardReport, error) {
	var report GuardReport
	db := s.db.WithContext(ctx)

	var testIDs []string
	if err := db.Model(&Test{}).Where("sheet_id = ?", sheetID).Pluck("id", &testIDs).Error; err != nil {
		return report, fmt.Errorf("failed to list tests: %w", err)
	}
	report.Tests = int64(len(testIDs))
	if len(testIDs) == 0 {
		return report, nil
	}

	if err := db.Model(&Attempt{}).Where("test_id IN ?", testIDs).Count(&report.Attempts).Error; err != nil {
		return report, fmt.Errorf("failed to count attempts: %w", err)
	}
	if err := db.Model(&Assignment{}).Where("test_id IN ?", testIDs).Count(&report.Assignments).Error; err != nil {
		return report, fmt.Errorf("failed to count assignments: %w", err)
	}
	return report, nil
}

// DeleteSheet removes a sheet and everything under it. Blob objects are the
// caller's responsibility (the server deletes them alongside).
func (s *Store) DeleteSheet(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := &Store{db: tx}
		if err := inner.DeleteTestsForSheet(ctx, id); err != nil {
			return err
		}
		if err := tx.Where("sheet_id = ?", id).Delete(&Word{}).Error; err != nil {
			return fmt.Errorf("failed to delete words: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&Sheet{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete sheet: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: sheet %s", ErrNotFound, id)
		}
		return nil
	})
}

// CreateAttempt records a student attempt against a test.
func (s *Store) CreateAttempt(ctx context.Context, attempt *Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

// CreateAssignment links a test to a classroom.
func (s *Store) CreateAssignment(ctx context.Context, assignment *Assignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(assignment).Error; err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}
