package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	Dir        string          `yaml:"dir"`        // defaults to <workspace>/logs
	DebugMode  bool            `yaml:"debug_mode"` // per-category files
	Categories map[string]bool `yaml:"categories"` // per-category toggles
}

// IsJSON reports whether structured JSON output is requested.
func (c LoggingConfig) IsJSON() bool {
	return c.Format == "json"
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Unlisted categories are enabled.
func (c LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
