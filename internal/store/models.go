package store

import "time"

// SheetStatus is the pipeline status of a Sheet.
type SheetStatus string

const (
	SheetPending    SheetStatus = "pending"
	SheetProcessing SheetStatus = "processing"
	SheetCompleted  SheetStatus = "completed"
	SheetFailed     SheetStatus = "failed"
)

// TestKind selects what kind of tests are generated for a sheet.
type TestKind string

const (
	TestKindVocabulary       TestKind = "vocabulary"
	TestKindSpelling         TestKind = "spelling"
	TestKindGeneralKnowledge TestKind = "general_knowledge"
)

// WordKind records which extraction list a word came from.
type WordKind string

const (
	WordKindVocabulary WordKind = "vocabulary"
	WordKindSpelling   WordKind = "spelling"
)

// Sheet is one uploaded worksheet and its processing lifecycle record.
type Sheet struct {
	ID              string      `gorm:"primaryKey;size:36" json:"id"`
	OwnerID         string      `gorm:"size:64;index;not null" json:"owner_id"`
	Title           string      `gorm:"size:255" json:"title"`
	StorageKey      string      `gorm:"size:255;not null" json:"storage_key"`
	MIMEType        string      `gorm:"size:100;not null" json:"mime_type"`
	TestKind        TestKind    `gorm:"size:32;not null" json:"test_kind"`
	TestsToGenerate int         `gorm:"not null" json:"tests_to_generate"`
	GradeLevel      int         `json:"grade_level,omitempty"`
	Status          SheetStatus `gorm:"size:16;index;not null" json:"status"`
	ErrorMessage    string      `gorm:"size:1024" json:"error_message,omitempty"`
	ProcessedKey    string      `gorm:"size:255" json:"processed_key,omitempty"`
	UploadedAt      time.Time   `json:"uploaded_at"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`

	Words []Word `gorm:"foreignKey:SheetID;constraint:OnDelete:CASCADE" json:"words,omitempty"`
	Tests []Test `gorm:"foreignKey:SheetID;constraint:OnDelete:CASCADE" json:"tests,omitempty"`
}

// Word is one extracted vocabulary or spelling entry. Words are created in
// bulk during extraction and never touched by regenerate runs; the owner may
// edit them between runs.
type Word struct {
	ID              string   `gorm:"primaryKey;size:36" json:"id"`
	SheetID         string   `gorm:"size:36;index;not null" json:"sheet_id"`
	Text            string   `gorm:"size:255;not null" json:"text"`
	Definition      string   `gorm:"size:1024" json:"definition,omitempty"`
	ContextSentence string   `gorm:"size:1024" json:"context_sentence,omitempty"`
	Kind            WordKind `gorm:"size:16;not null" json:"kind"`
}

// Test is one generated variant for a sheet.
type Test struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SheetID   string    `gorm:"size:36;index;not null" json:"sheet_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Variant   string    `gorm:"size:1;not null" json:"variant"`
	CreatedAt time.Time `json:"created_at"`

	Questions   []Question   `gorm:"foreignKey:TestID;constraint:OnDelete:CASCADE" json:"questions,omitempty"`
	Attempts    []Attempt    `gorm:"foreignKey:TestID;constraint:OnDelete:CASCADE" json:"-"`
	Assignments []Assignment `gorm:"foreignKey:TestID;constraint:OnDelete:CASCADE" json:"-"`
}

// Question belongs to one Test and references the Word it was derived from.
// WordID is best-effort for spelling questions and may be empty there; for
// vocabulary questions it is always populated.
type Question struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	TestID        string `gorm:"size:36;index;not null" json:"test_id"`
	WordID        string `gorm:"size:36;index" json:"word_id,omitempty"`
	Text          string `gorm:"size:2048;not null" json:"text"`
	Kind          string `gorm:"size:32;not null" json:"kind"`
	CorrectAnswer string `gorm:"size:512;not null" json:"correct_answer"`
	Options       string `gorm:"size:2048" json:"options,omitempty"` // JSON-serialized []string
	OrderIndex    int    `gorm:"not null" json:"order_index"`
}

// Attempt is a student attempt against a generated test. Only the counts
// matter to the pipeline: existing attempts block destructive regeneration.
type Attempt struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	TestID      string    `gorm:"size:36;index;not null" json:"test_id"`
	StudentName string    `gorm:"size:255" json:"student_name"`
	Score       int       `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment links a generated test to a classroom. Like attempts, existing
// assignments block destructive regeneration.
type Assignment struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	TestID        string    `gorm:"size:36;index;not null" json:"test_id"`
	ClassroomName string    `gorm:"size:255" json:"classroom_name"`
	CreatedAt     time.Time `json:"created_at"`
}
