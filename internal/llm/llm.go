// Package llm sends prompts to generative models and extracts their text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for the retry policy.
const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 2 * time.Second
)

var (
	// ErrGeneration is the root of every gateway failure.
	ErrGeneration = errors.New("generation failed")
	// ErrEmptyResponse means the model answered without any text.
	ErrEmptyResponse = fmt.Errorf("%w: empty model response", ErrGeneration)
	// ErrExhaustedRetries means every attempt hit a transient overload.
	ErrExhaustedRetries = fmt.Errorf("%w: retries exhausted", ErrGeneration)
	// ErrOverloaded is returned by providers for transient overload signals.
	// It is the only error class the gateway retries.
	ErrOverloaded = errors.New("model overloaded")
)

// GenerationError describes a terminal failure of one provider.
type GenerationError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SamplingParams are passed to the provider unchanged. A nil Temperature or
// TopP, and a zero TopK or MaxOutputTokens, leave the provider's default in
// place. An explicit zero temperature is sent as such.
type SamplingParams struct {
	Temperature     *float32
	TopP            *float32
	TopK            int
	MaxOutputTokens int
}

// Part is one content part of a candidate.
type Part struct {
	Text string
}

// Candidate is one alternative returned by the model.
type Candidate struct {
	Parts []Part
}

// Response is the provider-neutral shape of a model answer. Providers fill
// whichever fields their SDK exposes.
type Response struct {
	Text       string
	Candidates []Candidate
}

// Provider is a single model endpoint.
type Provider interface {
	Name() string
	GenerateContent(ctx context.Context, prompt string, params SamplingParams) (*Response, error)
}

// Config controls the gateway retry loop.
type Config struct {
	MaxRetries int           // total attempts per provider
	RetryBase  time.Duration // wait before retry n is RetryBase*n
	Timeout    time.Duration // per attempt; zero disables
	Params     SamplingParams
}

// Gateway calls a primary provider with bounded retries and falls back to a
// secondary provider when the primary fails.
type Gateway struct {
	primary  Provider
	fallback Provider
	cfg      Config
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewGateway creates a gateway. fallback may be nil.
func NewGateway(primary, fallback Provider, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase < 0 {
		cfg.RetryBase = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Name reports the model name recorded on generation attempts.
func (g *Gateway) Name() string {
	if g.fallback == nil {
		return g.primary.Name()
	}
	return g.primary.Name() + "|" + g.fallback.Name()
}

// Generate returns the text produced for prompt. Errors wrap ErrGeneration.
func (g *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := g.generateWith(ctx, g.primary, prompt)
	if err == nil || g.fallback == nil || ctx.Err() != nil {
		return text, err
	}

	g.logger.Warn("primary provider failed, trying fallback",
		"primary", g.primary.Name(), "fallback", g.fallback.Name(), "error", err)
	text, ferr := g.generateWith(ctx, g.fallback, prompt)
	if ferr != nil {
		return "", errors.Join(err, ferr)
	}
	return text, nil
}

func (g *Gateway) generateWith(ctx context.Context, p Provider, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		resp, err := g.call(ctx, p, prompt)
		if err == nil {
			text, ok := ExtractText(resp)
			if !ok {
				return "", &GenerationError{Provider: p.Name(), Attempts: attempt, Err: ErrEmptyResponse}
			}
			g.logger.Debug("model response", "provider", p.Name(), "attempt", attempt, "raw", text)
			return text, nil
		}
		if !errors.Is(err, ErrOverloaded) {
			return "", &GenerationError{Provider: p.Name(), Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrGeneration, err)}
		}

		lastErr = err
		if attempt == g.cfg.MaxRetries {
			break
		}
		wait := g.cfg.RetryBase * time.Duration(attempt)
		g.logger.Warn("model overloaded, retrying",
			"provider", p.Name(), "attempt", attempt, "max_retries", g.cfg.MaxRetries, "wait", wait)
		if err := g.sleep(ctx, wait); err != nil {
			return "", &GenerationError{Provider: p.Name(), Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrGeneration, err)}
		}
	}
	return "", &GenerationError{
		Provider: p.Name(),
		Attempts: g.cfg.MaxRetries,
		Err:      fmt.Errorf("%w: %w", ErrExhaustedRetries, lastErr),
	}
}

func (g *Gateway) call(ctx context.Context, p Provider, prompt string) (*Response, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	return p.GenerateContent(ctx, prompt, g.cfg.Params)
}

// ExtractText returns the direct text field if set, else the text of the
// first candidate's first part.
func ExtractText(resp *Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	if resp.Text != "" {
		return resp.Text, true
	}
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Parts) > 0 {
		if t := resp.Candidates[0].Parts[0].Text; t != "" {
			return t, true
		}
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
