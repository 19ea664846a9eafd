package caseplane

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
engine:
  baseUrl: http://engine.internal:7233
  authToken: secret-token
providers:
  voiceaiWebhookSecret: whsec_1
schemas:
  outreach: /etc/caseplane/outreach.schema.json
`

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "caseplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), sampleConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://engine.internal:7233", cfg.Engine.BaseURL)
	require.Equal(t, "secret-token", cfg.Engine.AuthToken)
	require.Equal(t, "whsec_1", cfg.Providers.VoiceAIWebhookSecret)
	require.Equal(t, "/etc/caseplane/outreach.schema.json", cfg.Schemas["outreach"])
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := writeConfigFile(t, t.TempDir(), "engine: [not a mapping")
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestConfigWatcherReloadsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	watcher, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	secret := watcher.VoiceAISecretSource()
	require.Equal(t, "whsec_1", secret())

	rotated := `
providers:
  voiceaiWebhookSecret: whsec_2
`
	require.NoError(t, os.WriteFile(path, []byte(rotated), 0o600))

	require.Eventually(t, func() bool {
		return secret() == "whsec_2"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConfigWatcherKeepsLastGoodConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	watcher, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	require.NoError(t, os.WriteFile(path, []byte("providers: [broken"), 0o600))

	// The broken rewrite must not clobber the last good config.
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, "whsec_1", watcher.Current().Providers.VoiceAIWebhookSecret)
}
