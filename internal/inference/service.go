// Package inference talks to the model service that analyzes test failures.
// The default backend is a local Ollama server; Gemini is available for
// environments without a GPU box.
package inference

import (
	"context"
	"errors"
	"fmt"

	"e2eheal/internal/config"
)

// DefaultSystemPrompt frames every analysis request.
const DefaultSystemPrompt = "You are an expert quality assurance engineer and browser test automation specialist. " +
	"Respond ONLY with a single valid JSON object, no markdown and no extra text."

// ErrEmptyResponse is returned when the model answered with nothing.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Service is the model backend used by the healing orchestrator.
type Service interface {
	// Name identifies the backend, e.g. "ollama".
	Name() string
	Model() string
	// Ready makes the backend usable, at most once per process. Never errors.
	Ready(ctx context.Context) bool
	// Generate sends one non-streaming request. imagePath may be empty.
	Generate(ctx context.Context, prompt, imagePath string) (string, error)
}

// NewService builds the backend selected by cfg.Provider.
func NewService(cfg config.HealingConfig) (Service, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewGateway(GatewayOptions{
			Host:         cfg.Ollama.Host,
			Model:        cfg.Ollama.Model,
			Temperature:  cfg.Ollama.Temperature,
			NumCtx:       cfg.Ollama.NumCtx,
			Bin:          cfg.Ollama.Bin,
			StartTimeout: cfg.Ollama.GetStartTimeout(),
			LoadTimeout:  cfg.Ollama.GetLoadTimeout(),
		}), nil
	case "gemini":
		return NewGeminiService(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Ollama.Temperature)
	default:
		return nil, fmt.Errorf("unsupported healing provider: %s", cfg.Provider)
	}
}
