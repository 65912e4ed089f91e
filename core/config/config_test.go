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

	assert.Equal(t, 6, cfg.Defaults.RetentionDepth)
	assert.Equal(t, 3, cfg.Defaults.ModelIndex)
	assert.Equal(t, 300*time.Second, cfg.Defaults.Cooldown)
	assert.Equal(t, 1024, cfg.Defaults.MaxTokens)
	assert.Equal(t, 2, cfg.Defaults.EffectiveMaxRecall())
	assert.True(t, cfg.Defaults.Verbose)
	assert.False(t, cfg.Defaults.EnableRetrieval)
	assert.True(t, cfg.LLM.ValidModel(cfg.Defaults.ModelIndex))
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM.Models, cfg.LLM.Models)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
llm:
  provider: anthropic
  tool_model: claude-3-5-haiku-latest
  models:
    - name: claude-sonnet-4-20250514
    - name: claude-opus-4-20250514
      restricted: true
defaults:
  retention_depth: 10
  cooldown: 1m
search:
  url: https://refs.example.com/v1/search
  retry:
    max_attempts: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Len(t, cfg.LLM.Models, 2)
	assert.True(t, cfg.LLM.Models[1].Restricted)
	assert.Equal(t, 10, cfg.Defaults.RetentionDepth)
	assert.Equal(t, time.Minute, cfg.Defaults.Cooldown)
	assert.Equal(t, 1024, cfg.Defaults.MaxTokens, "unset keys keep defaults")
	assert.Equal(t, "https://refs.example.com/v1/search", cfg.Search.URL)
	assert.Equal(t, 4, cfg.Search.Retry.MaxAttempts)
	assert.Equal(t, DefaultConfig().Search.Retry.InitialDelay, cfg.Search.Retry.InitialDelay)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HUAER_API_KEY", "sk-env")
	t.Setenv("HUAER_SEARCH_API_KEY", "tvly-env")
	t.Setenv("HUAER_DATA_DIR", "/srv/huaer")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "tvly-env", cfg.Search.APIKey)
	assert.Equal(t, "/srv/huaer", cfg.DataDir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"empty catalog", "llm:\n  models: []\n", ErrNoModels},
		{"blank model", "llm:\n  models:\n    - name: ' '\n", ErrEmptyModelName},
		{"provider", "llm:\n  provider: cohere\n", ErrUnknownProvider},
		{"log format", "logging:\n  format: xml\n", ErrInvalidLogFormat},
		{"negative depth", "defaults:\n  retention_depth: -1\n", ErrInvalidDefaults},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestModelLookup(t *testing.T) {
	llm := DefaultConfig().LLM

	assert.Equal(t, llm.Models[0], llm.Model(-1))
	assert.Equal(t, llm.Models[0], llm.Model(len(llm.Models)))
	assert.Equal(t, llm.Models[2], llm.Model(2))
	assert.False(t, llm.ValidModel(len(llm.Models)))

	llm.ToolModel = ""
	assert.Equal(t, llm.Models[0].Name, llm.ToolModelName())
}
