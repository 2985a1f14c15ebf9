package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model name is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider calls the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider. The client is created once and
// shared by every call.
func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	return newGeminiProvider(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, modelName)
}

func newGeminiProvider(ctx context.Context, cc *genai.ClientConfig, modelName string) (*GeminiProvider, error) {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: modelName}, nil
}

func (p *GeminiProvider) Name() string { return p.model }

func (p *GeminiProvider) GenerateContent(ctx context.Context, prompt string, params SamplingParams) (*Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), geminiConfig(params))
	if err != nil {
		if isGeminiOverloaded(err) {
			return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	out := &Response{Text: resp.Text()}
	for _, c := range resp.Candidates {
		var cand Candidate
		if c != nil && c.Content != nil {
			for _, part := range c.Content.Parts {
				if part == nil {
					continue
				}
				cand.Parts = append(cand.Parts, Part{Text: part.Text})
			}
		}
		out.Candidates = append(out.Candidates, cand)
	}
	return out, nil
}

func geminiConfig(params SamplingParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if params.Temperature != nil {
		cfg.Temperature = genai.Ptr(*params.Temperature)
	}
	if params.TopP != nil {
		cfg.TopP = genai.Ptr(*params.TopP)
	}
	if params.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(params.TopK))
	}
	if params.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxOutputTokens)
	}
	return cfg
}

// isGeminiOverloaded matches the 503 UNAVAILABLE and 429 RESOURCE_EXHAUSTED
// answers the API returns when the model is overloaded. Errors that carry no
// API status fall back to the message text.
func isGeminiOverloaded(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return isOverloadStatus(apiErr.Code) ||
			apiErr.Status == "UNAVAILABLE" ||
			apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable")
}
