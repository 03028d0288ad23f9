package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "./sandflow.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "docker", cfg.Provider.Kind)
	assert.Equal(t, "sandflow-runtime:base", cfg.Provider.Docker.Image)
	assert.Equal(t, "none", cfg.Provider.Docker.NetworkMode)
	assert.Equal(t, 1800, cfg.SessionTTLSeconds)
	assert.Equal(t, 60000, cfg.ProvisionTimeoutMs)
	assert.Equal(t, 30000, cfg.DefaultExecTimeoutMs)
	assert.Equal(t, 120000, cfg.MaxExecTimeoutMs)
	assert.Equal(t, 80, cfg.Terminal.DefaultCols)
	assert.Equal(t, 24, cfg.Terminal.DefaultRows)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
	assert.NotNil(t, cfg.Auth.Tokens)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
auth:
  tokens:
    tok-alice: alice
provider:
  kind: local
  local:
    root_dir: /var/lib/sandflow
session_ttl_seconds: 3600
terminal:
  default_cols: 120
  scrollback: 1MiB
agent:
  max_steps: 4
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "sandflow.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, map[string]string{"tok-alice": "alice"}, cfg.Auth.Tokens)
	assert.Equal(t, "local", cfg.Provider.Kind)
	assert.Equal(t, "/var/lib/sandflow", cfg.Provider.Local.RootDir)
	assert.Equal(t, 3600, cfg.SessionTTLSeconds)
	assert.Equal(t, 120, cfg.Terminal.DefaultCols)
	assert.Equal(t, 24, cfg.Terminal.DefaultRows)
	assert.Equal(t, 1024*1024, cfg.Terminal.ScrollbackBytes())
	assert.Equal(t, 4, cfg.Agent.MaxSteps)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/sandflow.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDFLOW_LISTEN", "0.0.0.0:7777")
	t.Setenv("SANDFLOW_DB_PATH", "/tmp/test.db")
	t.Setenv("SANDFLOW_AUTH_TOKENS", "t1=alice, t2=bob,broken")
	t.Setenv("SANDFLOW_PROVIDER", "local")
	t.Setenv("SANDFLOW_MEM_LIMIT_MB", "256")
	t.Setenv("SANDFLOW_SESSION_TTL_SECONDS", "600")
	t.Setenv("SANDFLOW_MAX_EXEC_TIMEOUT_MS", "30000")
	t.Setenv("SANDFLOW_AGENT_MAX_STEPS", "3")
	t.Setenv("SANDFLOW_TRACING_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, map[string]string{"t1": "alice", "t2": "bob"}, cfg.Auth.Tokens)
	assert.Equal(t, "local", cfg.Provider.Kind)
	assert.Equal(t, 256, cfg.Provider.Docker.MemLimitMB)
	assert.Equal(t, 600, cfg.SessionTTLSeconds)
	assert.Equal(t, 30000, cfg.MaxExecTimeoutMs)
	assert.Equal(t, 3, cfg.Agent.MaxSteps)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
listen: "127.0.0.1:8080"
agent:
  gemini_api_key: yaml-key
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "sandflow.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("SANDFLOW_GEMINI_API_KEY", "env-key")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Agent.GeminiAPIKey)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestEnvOverrideInvalidValues(t *testing.T) {
	t.Setenv("SANDFLOW_SESSION_TTL_SECONDS", "not-a-number")
	t.Setenv("SANDFLOW_CPU_LIMIT", "not-a-float")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1800, cfg.SessionTTLSeconds)
	assert.Equal(t, 1.0, cfg.Provider.Docker.CPULimit)
}

func TestScrollbackBytesFallback(t *testing.T) {
	assert.Equal(t, 64*1024, TerminalConfig{}.ScrollbackBytes())
	assert.Equal(t, 64*1024, TerminalConfig{Scrollback: "lots"}.ScrollbackBytes())
}
