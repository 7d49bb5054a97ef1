package inference

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"e2eheal/internal/logging"

	"google.golang.org/genai"
)

// =============================================================================
// GEMINI BACKEND
// =============================================================================

// GeminiService generates analyses with Google's Gemini API.
type GeminiService struct {
	apiKey      string
	model       string
	temperature float32

	once   sync.Once
	client *genai.Client
	err    error
}

var _ Service = (*GeminiService)(nil)

// NewGeminiService creates a Gemini backend. The client is built lazily by Ready.
func NewGeminiService(apiKey, model string, temperature float64) (*GeminiService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiService{
		apiKey:      apiKey,
		model:       model,
		temperature: float32(temperature),
	}, nil
}

// Name returns the backend name.
func (s *GeminiService) Name() string { return "gemini" }

// Model returns the configured model.
func (s *GeminiService) Model() string { return s.model }

// Ready builds the client once.
func (s *GeminiService) Ready(ctx context.Context) bool {
	s.once.Do(func() {
		s.client, s.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  s.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if s.err != nil {
			logging.GatewayWarn("Failed to create GenAI client: %v", s.err)
		}
	})
	return s.err == nil && s.client != nil
}

// Generate sends the prompt and optional screenshot in one request.
func (s *GeminiService) Generate(ctx context.Context, prompt, imagePath string) (string, error) {
	if !s.Ready(ctx) {
		return "", fmt.Errorf("gemini client unavailable: %w", s.err)
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if imagePath != "" {
		if data, err := os.ReadFile(imagePath); err == nil {
			parts = append(parts, genai.NewPartFromBytes(data, "image/png"))
		} else {
			logging.GatewayWarn("Screenshot %s not attached: %v", imagePath, err)
		}
	}

	temp := s.temperature
	resp, err := s.client.Models.GenerateContent(ctx, s.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			Temperature:       &temp,
			SystemInstruction: genai.NewContentFromText(DefaultSystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
