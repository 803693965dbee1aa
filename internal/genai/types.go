// Package genai talks to the external extraction/generation service: an
// OpenAI-compatible vision/chat API that turns worksheet images into word
// lists and word lists into test questions. Responses are treated as
// untrusted text: fence-stripped, parsed and schema-validated before use.
package genai

import "context"

// WordEntry is one extracted vocabulary entry.
type WordEntry struct {
	Text       string `json:"word"`
	Definition string `json:"definition,omitempty"`
	Context    string `json:"context,omitempty"`
}

// ExtractionRequest asks the service to read a worksheet.
type ExtractionRequest struct {
	Content  []byte
	MIMEType string
	TestKind string
}

// ExtractionResult is the structured output of an extraction call.
type ExtractionResult struct {
	Vocabulary []WordEntry
	Spelling   []string

	// ProcessedImage is an optional re-encoded copy of the worksheet the
	// service produced while reading it. Best-effort; may be nil.
	ProcessedImage []byte
}

// GenerationRequest asks the service to build one test variant.
type GenerationRequest struct {
	Words        []WordEntry
	TestKind     string
	VariantLabel string
	GradeLevel   int

	// QuestionsPerWord hints how many questions each word should yield
	// (1 for spelling, 2 for vocabulary).
	QuestionsPerWord int
}

// GeneratedQuestion is one question from a generation call.
type GeneratedQuestion struct {
	Text          string   `json:"question"`
	Kind          string   `json:"type"`
	CorrectAnswer string   `json:"answer"`
	Options       []string `json:"options,omitempty"`
	OrderIndex    int      `json:"order"`
}

// Client is the extraction/generation service contract the pipeline depends on.
type Client interface {
	ExtractWords(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error)
	GenerateQuestions(ctx context.Context, req *GenerationRequest) ([]GeneratedQuestion, error)
}
