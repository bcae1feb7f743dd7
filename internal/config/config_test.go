package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Intermediary.Host)
	assert.Equal(t, 8765, cfg.Intermediary.Port)
	assert.Equal(t, []string{"startup", "actions/register", "context"}, cfg.InterceptProxy.MatchCommands)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	contents := `
intermediary:
  host: 0.0.0.0
  port: 9999
  auth_token: custom-token
  relay_queue: /tmp/queue.bin
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg := Default()
	require.NoError(t, loadConfigFile(path, cfg))

	assert.Equal(t, "0.0.0.0", cfg.Intermediary.Host)
	assert.Equal(t, 9999, cfg.Intermediary.Port)
	assert.Equal(t, "custom-token", cfg.Intermediary.AuthToken)
}

func TestLoadConfigFileMissingIsNotError(t *testing.T) {
	cfg := Default()
	err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg)
	assert.NoError(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NEURORELAY_INTERMEDIARY_HOST", "10.0.0.5")
	t.Setenv("NEURORELAY_AUTH_TOKEN", "env-token")
	t.Setenv("NEURORELAY_INTERCEPT_MATCH_COMMANDS", "startup,context")

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "10.0.0.5", cfg.Intermediary.Host)
	assert.Equal(t, "env-token", cfg.Intermediary.AuthToken)
	assert.Equal(t, []string{"startup", "context"}, cfg.InterceptProxy.MatchCommands)
}

func TestValidateRequiresAuthToken(t *testing.T) {
	cfg := Default()
	cfg.Intermediary.AuthToken = ""
	err := validate(cfg)
	assert.ErrorContains(t, err, "auth_token")
}

func TestFindProjectRootByGoMod(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module test\n"), 0o600))
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, ok := findProjectRoot(nested)
	require.True(t, ok)
	assert.Equal(t, root, found)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8765", Addr("127.0.0.1", 8765))
}
