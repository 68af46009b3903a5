package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/coursetutor-go/internal/config"
)

func localConfig() config.Config {
	cfg := config.Default()
	cfg.LLM.Provider = "ollama"
	cfg.Store.Backend = "memory"
	cfg.Session.Backend = "memory"
	cfg.ChatLog.Enabled = false
	return cfg
}

func TestNew_InMemory(t *testing.T) {
	a, err := New(context.Background(), localConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Pipeline)
	assert.NotNil(t, a.Importer)
	assert.NotNil(t, a.Registry)
	assert.NotEmpty(t, a.Catalog.Chapters(9, "Physics"))
	assert.Equal(t, "closed", a.health["llm"]())
	assert.Equal(t, "closed", a.health["embedding"]())
	assert.NotNil(t, a.Server().Handler())
}

func TestNew_SharedSQLite(t *testing.T) {
	cfg := localConfig()
	cfg.Store.Backend = "sqlite"
	cfg.Session.Backend = "sqlite"
	cfg.ChatLog.Enabled = true
	cfg.SQLite.Path = ":memory:"
	cfg.Metrics.Enabled = false
	cfg.Embedding.Cache.Backend = "none"

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	assert.Nil(t, a.Registry)
	assert.Len(t, a.closers, 1)
	require.NoError(t, a.Close())
}

func TestNew_MissingKeysFail(t *testing.T) {
	cfg := localConfig()
	cfg.LLM.Provider = "groq"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestLLMModels(t *testing.T) {
	main, fast := llmModels(config.LLMConfig{Provider: "groq"})
	assert.Equal(t, "llama-3.3-70b-versatile", main)
	assert.Equal(t, "llama-3.1-8b-instant", fast)

	main, fast = llmModels(config.LLMConfig{Provider: "ollama", Model: "mistral"})
	assert.Equal(t, "mistral", main)
	assert.Equal(t, "mistral", fast)

	main, fast = llmModels(config.LLMConfig{Provider: "openai", FastModel: "gpt-4.1-nano"})
	assert.Equal(t, "gpt-4o", main)
	assert.Equal(t, "gpt-4.1-nano", fast)
}

func TestProviderBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.groq.com/openai/v1", providerBaseURL("groq", ""))
	assert.Equal(t, openAIBaseURL, providerBaseURL("openai", ""))
	assert.Equal(t, "http://vllm:8000/v1", providerBaseURL("openai", "http://vllm:8000/v1"))
}
