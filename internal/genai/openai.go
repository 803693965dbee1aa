package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string // Optional (tests, self-hosted gateways)
	ExtractionModel string
	GenerationModel string
	MaxRetries      int           // Retry attempts for SDK transport
	Timeout         time.Duration // HTTP timeout
	HTTPClient      *http.Client  // Optional (tests)
}

// OpenAIClient implements Client using the official OpenAI SDK.
type OpenAIClient struct {
	extractionModel string
	generationModel string
	client          openai.Client
}

// NewOpenAIClient creates a new extraction/generation client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = "gpt-4o"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = cfg.ExtractionModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		extractionModel: cfg.ExtractionModel,
		generationModel: cfg.GenerationModel,
		client:          openai.NewClient(opts...),
	}
}

// extractionWire is the wire shape of an extraction response.
type extractionWire struct {
	Vocabulary []WordEntry `json:"vocabulary"`
	Spelling   []string    `json:"spelling"`
	// ProcessedImage is a base64-encoded re-encoding of the worksheet.
	ProcessedImage string `json:"processed_image"`
}

// generationWire is the wire shape of a generation response.
type generationWire struct {
	Questions []GeneratedQuestion `json:"questions"`
}

// ExtractWords sends the worksheet image/PDF to the vision model and parses
// the structured word list out of the reply.
func (c *OpenAIClient) ExtractWords(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	if req == nil || len(req.Content) == 0 {
		return nil, errors.New("extraction content is required")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Content))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.extractionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionSystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(extractionUserPrompt(req.TestKind)),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
	})
	if err != nil {
		return nil, mapAPIError("extraction", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extraction returned no choices")
	}

	raw, err := parseModelJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(extractionSchema, raw); err != nil {
		return nil, err
	}

	var wire extractionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	result := &ExtractionResult{
		Vocabulary: wire.Vocabulary,
		Spelling:   wire.Spelling,
	}
	if wire.ProcessedImage != "" {
		// Best-effort artifact; a bad encoding is dropped, not fatal.
		if img, decErr := base64.StdEncoding.DecodeString(wire.ProcessedImage); decErr == nil {
			result.ProcessedImage = img
		}
	}
	return result, nil
}

// GenerateQuestions asks the model for one test variant's questions.
func (c *OpenAIClient) GenerateQuestions(ctx context.Context, req *GenerationRequest) ([]GeneratedQuestion, error) {
	if req == nil || len(req.Words) == 0 {
		return nil, errors.New("generation words are required")
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.generationModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(generationSystemPrompt),
			openai.UserMessage(generationUserPrompt(req)),
		},
	})
	if err != nil {
		return nil, mapAPIError("generation", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generation returned no choices")
	}

	raw, err := parseModelJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if err := validateAgainst(generationSchema, raw); err != nil {
		return nil, err
	}

	var wire generationWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}
	return wire.Questions, nil
}

// TransientError marks failures worth retrying at the queue level
// (rate limits, upstream outages, network trouble).
type TransientError struct {
	Message    string
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Message
}

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// mapAPIError classifies SDK errors: 429 and 5xx are transient, everything
// else is a contract/content failure the queue must not retry.
func mapAPIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("%s service error (status %d): %s", op, apiErr.StatusCode, apiErr.Message)
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return &TransientError{Message: msg, StatusCode: apiErr.StatusCode}
		}
		return errors.New(msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// No structured status: assume network trouble, which is retryable.
	return &TransientError{Message: fmt.Sprintf("%s request failed: %v", op, err)}
}

var _ Client = (*OpenAIClient)(nil)
