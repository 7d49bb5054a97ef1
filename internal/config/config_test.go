package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "chromium", cfg.Browser.Name)
	assert.Equal(t, 3, cfg.Runner.RetryCount)
	assert.False(t, cfg.Healing.Enabled)
	assert.Equal(t, "http://localhost:11434", cfg.Healing.Ollama.Host)
	assert.Equal(t, 30*time.Second, cfg.GetTimeout())
	assert.Equal(t, 180*time.Second, cfg.Healing.Ollama.GetLoadTimeout())
	assert.Equal(t, 5000, cfg.Healing.GetDOMBudget())
	assert.Equal(t, filepath.Join(".e2eheal", "healing"), cfg.HealingDir())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Browser.Name, cfg.Browser.Name)
}

func TestLoad_YAMLThenEnvFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "e2eheal.yaml")
	envPath := filepath.Join(dir, ".env")

	require.NoError(t, os.WriteFile(yamlPath, []byte(`
base_url: https://app.example.com/
workspace: /tmp/ws
healing:
  enabled: true
  ollama:
    model: mistral:7b
`), 0644))
	require.NoError(t, os.WriteFile(envPath, []byte("E2EHEAL_TEST_DOTENV_MODEL=1\nOLLAMA_MODEL=phi3:mini\n"), 0644))

	// godotenv does not override variables that are already set; make sure
	// the one under test starts empty and is cleaned up afterwards.
	t.Setenv("OLLAMA_MODEL", "")
	require.NoError(t, os.Unsetenv("OLLAMA_MODEL"))
	t.Cleanup(func() { _ = os.Unsetenv("E2EHEAL_TEST_DOTENV_MODEL") })

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com/", cfg.BaseURL)
	assert.True(t, cfg.Healing.Enabled)
	assert.Equal(t, "phi3:mini", cfg.Healing.Ollama.Model)
	assert.Equal(t, filepath.Join("/tmp/ws", "screenshots"), cfg.ScreenshotDir())
	assert.Equal(t, "1", os.Getenv("E2EHEAL_TEST_DOTENV_MODEL"))
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browser: [unclosed"), 0644))

	_, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	assert.Error(t, err)
}

func TestSave_RoundTripOmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Credentials.Email = "qa@example.com"
	cfg.Credentials.Password = "secret"
	cfg.Healing.Gemini.APIKey = "key"

	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "key: key")

	loaded, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
	assert.Equal(t, "qa@example.com", loaded.Credentials.Email)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"firefox unsupported", func(c *Config) { c.Browser.Name = "firefox" }, ErrUnsupportedBrowser},
		{"webkit unsupported", func(c *Config) { c.Browser.Name = "webkit" }, ErrUnsupportedBrowser},
		{"missing credentials", func(c *Config) { c.Credentials.Required = true }, ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("confidence out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Healing.Confidence = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative retry budget", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Runner.RetryCount = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("gemini without key", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Healing.Enabled = true
		cfg.Healing.Provider = "gemini"
		assert.Error(t, cfg.Validate())
	})
}
