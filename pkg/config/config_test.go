package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:7171", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.Server.SessionIdleTimeout)
	assert.Equal(t, 2, cfg.Research.DefaultDepth)
	assert.Equal(t, 3, cfg.Research.DefaultBreadth)
	assert.Equal(t, 90, cfg.Research.QuerySeconds)
	assert.Empty(t, cfg.Search.APIKey, "credentials never default")
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvSearchAPIKey, "env-search")
	t.Setenv(EnvLLMAPIKey, "env-llm")
	t.Setenv(EnvStorageDir, "/tmp/fathom-test")
	t.Setenv(EnvListenAddr, "0.0.0.0:9999")
	t.Setenv(EnvRemoteSyncEnabled, "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-search", cfg.Search.APIKey)
	assert.Equal(t, "env-llm", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/fathom-test", cfg.StorageDir)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.ListenAddr)
	assert.True(t, cfg.Memory.RemoteSync)
}

func TestLoadYAMLFileWithExpansion(t *testing.T) {
	t.Setenv("FATHOM_TEST_MODEL", "custom-model")

	doc := `
llm:
  model: ${FATHOM_TEST_MODEL}
  max_tokens: 2048
research:
  default_depth: ${FATHOM_TEST_DEPTH:-4}
server:
  listen_addr: "127.0.0.1:8080"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom-model", cfg.LLM.Model)
	assert.Equal(t, 2048, cfg.LLM.MaxTokens)
	assert.Equal(t, 4, cfg.Research.DefaultDepth, "unset vars take the inline default")
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.ListenAddr)
}

func TestLoadRejectsOutOfRangeDepth(t *testing.T) {
	doc := "research:\n  default_depth: 9\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_depth")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateClampsQueueAndFrameSizes(t *testing.T) {
	cfg := Default()
	cfg.Server.OutboundQueueSize = 4
	cfg.Server.MaxFrameBytes = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Server.OutboundQueueSize)
	assert.Equal(t, 256*1024, cfg.Server.MaxFrameBytes)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FATHOM_TEST_A", "alpha")
	os.Unsetenv("FATHOM_TEST_B")

	assert.Equal(t, "alpha", expandEnvVars("${FATHOM_TEST_A}"))
	assert.Equal(t, "alpha", expandEnvVars("$FATHOM_TEST_A"))
	assert.Equal(t, "alpha", expandEnvVars("${FATHOM_TEST_A:-fallback}"))
	assert.Equal(t, "fallback", expandEnvVars("${FATHOM_TEST_B:-fallback}"))
	assert.Equal(t, "", expandEnvVars("${FATHOM_TEST_B}"))
	assert.Equal(t, "no variables here", expandEnvVars("no variables here"))
}

func TestCredentials(t *testing.T) {
	cfg := Default()
	cfg.Search.APIKey = "s"
	cfg.LLM.APIKey = "l"

	creds := cfg.Credentials()
	assert.Equal(t, "s", creds.SearchKey())
	assert.Equal(t, "l", creds.LLMKey())
}
