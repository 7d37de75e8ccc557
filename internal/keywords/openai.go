package keywords

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
	"github.com/loqalabs/loqa-reel/internal/config"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// KeywordResponse is the structured answer requested from OpenAI.
type KeywordResponse struct {
	Keywords []string `json:"keywords" jsonschema_description:"Image search keywords, most relevant first"`
}

// GenerateSchema generates a JSON schema for structured outputs
func GenerateSchema[T any]() interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var keywordResponseSchema = GenerateSchema[KeywordResponse]()

// OpenAIExtractor requests keywords as a JSON-schema constrained chat completion.
type OpenAIExtractor struct {
	client openai.Client
	model  string
	memo   *memo
	logger *slog.Logger
}

func NewOpenAIExtractor(cfg config.OpenAIConfig, cacheSize int, logger *slog.Logger, opts ...option.RequestOption) (*OpenAIExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not set")
	}
	logger = logger.With(slog.String("component", "keywords-openai"))
	m, err := newMemo(cacheSize, logger)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &OpenAIExtractor{
		client: openai.NewClient(opts...),
		model:  model,
		memo:   m,
		logger: logger,
	}, nil
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string, k int) ([]string, error) {
	return e.memo.extract(ctx, text, k, func(ctx context.Context) ([]string, error) {
		return e.ask(ctx, text, k)
	})
}

func (e *OpenAIExtractor) ask(ctx context.Context, text string, k int) ([]string, error) {
	prompt := fmt.Sprintf(`Pick the %d best image search keywords for the narration below.

Narration:
%s

Respond in JSON format with this structure:
{
  "keywords": ["first", "second"]
}`, k, text)

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "image_keywords",
		Description: openai.String("Image search keywords for a narration segment"),
		Schema:      keywordResponseSchema,
		Strict:      openai.Bool(true),
	}

	completion, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(e.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai keywords: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	raw := completion.Choices[0].Message.Content
	if raw == "" {
		return nil, fmt.Errorf("openai returned empty response, finish reason %s", completion.Choices[0].FinishReason)
	}

	var resp KeywordResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse openai keywords: %w", err)
	}
	return resp.Keywords, nil
}
