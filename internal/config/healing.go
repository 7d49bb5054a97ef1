package config

import "time"

// HealingConfig configures the self-healing pipeline.
type HealingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // ollama, gemini
	// Confidence is the threshold used when summarizing a result. It never gates report writing.
	Confidence float64      `yaml:"confidence"`
	DOMBudget  int          `yaml:"dom_budget"`
	Ollama     OllamaConfig `yaml:"ollama"`
	Gemini     GeminiConfig `yaml:"gemini"`
}

// OllamaConfig configures the local model service.
type OllamaConfig struct {
	Host         string  `yaml:"host"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	NumCtx       int     `yaml:"num_ctx"`
	Bin          string  `yaml:"bin"`
	StartTimeout string  `yaml:"start_timeout"`
	LoadTimeout  string  `yaml:"load_timeout"`
}

// GeminiConfig configures the hosted backend.
type GeminiConfig struct {
	APIKey string `yaml:"-"`
	Model  string `yaml:"model"`
}

// GetStartTimeout bounds waiting for a freshly started model service.
func (c OllamaConfig) GetStartTimeout() time.Duration {
	return durationOr(c.StartTimeout, 30*time.Second)
}

// GetLoadTimeout bounds pulling and warming a model.
func (c OllamaConfig) GetLoadTimeout() time.Duration {
	return durationOr(c.LoadTimeout, 180*time.Second)
}

// GetDOMBudget returns the DOM character budget for failure contexts.
func (c HealingConfig) GetDOMBudget() int {
	if c.DOMBudget <= 0 {
		return 5000
	}
	return c.DOMBudget
}
