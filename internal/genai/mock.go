package genai

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockClient is a Client for testing. Behavior is configured per call site;
// zero-value fields mean "succeed with whatever is configured".
type MockClient struct {
	Latency time.Duration

	// Extraction behavior
	ExtractResult *ExtractionResult
	ExtractErr    error

	// Generation behavior. If GenerateFunc is set it wins; otherwise
	// GenerateResults is consumed per call (last entry repeats), and
	// GenerateErr fails every call.
	GenerateFunc    func(req *GenerationRequest) ([]GeneratedQuestion, error)
	GenerateResults [][]GeneratedQuestion
	GenerateErr     error

	extractCalls  atomic.Int64
	generateCalls atomic.Int64
}

// NewMockClient creates a mock with a small latency so tests exercise the
// blocking paths.
func NewMockClient() *MockClient {
	return &MockClient{Latency: time.Millisecond}
}

// ExtractWords returns the configured extraction result.
func (c *MockClient) ExtractWords(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	c.extractCalls.Add(1)
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	if c.ExtractErr != nil {
		return nil, c.ExtractErr
	}
	if c.ExtractResult != nil {
		return c.ExtractResult, nil
	}
	return &ExtractionResult{}, nil
}

// GenerateQuestions returns the configured generation result for this call.
func (c *MockClient) GenerateQuestions(ctx context.Context, req *GenerationRequest) ([]GeneratedQuestion, error) {
	call := c.generateCalls.Add(1)
	if err := c.sleep(ctx); err != nil {
		return nil, err
	}
	if c.GenerateFunc != nil {
		return c.GenerateFunc(req)
	}
	if c.GenerateErr != nil {
		return nil, c.GenerateErr
	}
	if len(c.GenerateResults) == 0 {
		return nil, nil
	}
	idx := int(call) - 1
	if idx >= len(c.GenerateResults) {
		idx = len(c.GenerateResults) - 1
	}
	return c.GenerateResults[idx], nil
}

// ExtractCalls returns how many extraction calls were made.
func (c *MockClient) ExtractCalls() int64 {
	return c.extractCalls.Load()
}

// GenerateCalls returns how many generation calls were made.
func (c *MockClient) GenerateCalls() int64 {
	return c.generateCalls.Load()
}

func (c *MockClient) sleep(ctx context.Context) error {
	if c.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(c.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockQuestions builds n generated questions cycling through the given words,
// questionsPerWord at a time, answer set to the word text. Handy for pipeline
// tests.
func MockQuestions(words []WordEntry, questionsPerWord int) []GeneratedQuestion {
	var out []GeneratedQuestion
	order := 0
	for _, w := range words {
		for q := 0; q < questionsPerWord; q++ {
			kind := "sentence_completion"
			if q == 1 {
				kind = "definition_match"
			}
			if questionsPerWord == 1 {
				kind = "spelling"
			}
			out = append(out, GeneratedQuestion{
				Text:          fmt.Sprintf("Question %d about the word '%s'", order, w.Text),
				Kind:          kind,
				CorrectAnswer: w.Text,
				OrderIndex:    order,
			})
			order++
		}
	}
	return out
}

var _ Client = (*MockClient)(nil)
