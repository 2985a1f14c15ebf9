package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider wraps an OpenAI-compatible API client such as DeepSeek.
type OpenAIProvider struct {
	api   *openai.Client
	model string
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(baseURL, apiKey, modelName string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

func (p *OpenAIProvider) Name() string { return p.model }

// GenerateContent sends prompt as a single user message. TopK has no
// equivalent in the chat completions API and is ignored.
func (p *OpenAIProvider) GenerateContent(ctx context.Context, prompt string, params SamplingParams) (*Response, error) {
	resp, err := p.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: openAIFloat(params.Temperature),
		TopP:        openAIFloat(params.TopP),
		MaxTokens:   params.MaxOutputTokens,
	})
	if err != nil {
		if isOpenAIOverloaded(err) {
			return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return nil, fmt.Errorf("LLM API call: %w", err)
	}

	out := &Response{}
	for _, c := range resp.Choices {
		out.Candidates = append(out.Candidates, Candidate{Parts: []Part{{Text: c.Message.Content}}})
	}
	return out, nil
}

// openAIFloat maps an optional sampling value onto the request field. The
// client omits zero floats, so an explicit zero is sent as the smallest
// positive float32.
func openAIFloat(v *float32) float32 {
	if v == nil {
		return 0
	}
	if *v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return *v
}

func isOpenAIOverloaded(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return isOverloadStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return isOverloadStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func isOverloadStatus(code int) bool {
	return code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests || code == 529
}
