package inference

import (
	"testing"

	"e2eheal/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	cfg := config.DefaultConfig().Healing

	svc, err := NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ollama", svc.Name())
	assert.Equal(t, "llama3.1:8b", svc.Model())

	cfg.Provider = "gemini"
	_, err = NewService(cfg)
	assert.Error(t, err, "gemini without a key")

	cfg.Gemini.APIKey = "key"
	svc, err = NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", svc.Name())
	assert.Equal(t, "gemini-2.5-flash", svc.Model())

	cfg.Provider = "bard"
	_, err = NewService(cfg)
	assert.Error(t, err)
}
