package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", c.Client.BaseURL)
	assert.Equal(t, "/chat/stream", c.Client.StreamPath)
	assert.Equal(t, "/chat/resume", c.Client.ResumePath)
	assert.Equal(t, uint(3), c.Client.RetryAttempts)
	assert.Equal(t, "memory", c.Storage.Type)
	assert.Nil(t, c.LLM.Temperature)
	assert.Nil(t, c.LLM.TopK)
	assert.Same(t, c, Get())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
client:
  base_url: http://backend:9000
  request_timeout: 5s
llm:
  temperature: 0.3
  top_k: 20
storage:
  type: disk
  data_dir: /tmp/chat
agents:
  - name: sql_agent
    description: queries the book database
    handles: [books]
    version: 1.0.0
    is_active: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://backend:9000", c.Client.BaseURL)
	assert.Equal(t, 5*time.Second, c.Client.RequestTimeout)
	require.NotNil(t, c.LLM.Temperature)
	assert.InDelta(t, 0.3, *c.LLM.Temperature, 1e-9)
	require.NotNil(t, c.LLM.TopK)
	assert.Equal(t, 20, *c.LLM.TopK)
	assert.Nil(t, c.LLM.TopP)
	assert.Equal(t, "disk", c.Storage.Type)
	require.Len(t, c.Agents, 1)
	assert.Equal(t, []string{"books"}, c.Agents[0].Handles)
	assert.True(t, c.Agents[0].IsActive)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHAT_CLIENT_BASE_URL", "http://from-env:1234")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:1234", c.Client.BaseURL)
	assert.Equal(t, "sk-test", c.OpenAI.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
