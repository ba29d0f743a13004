package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config directory at a temp dir so a developer's
// real config never leaks into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("GITHUB_TOKEN", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "127.0.0.1:3001", cfg.FeedAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 7*24*time.Hour, cfg.ScanInterval)
	assert.Equal(t, "cloudflared", cfg.Tunnel.Provider)
	assert.Equal(t, 10*time.Second, cfg.Tunnel.Timeout)
	assert.Equal(t, 3, cfg.Tunnel.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Tunnel.ProbeInterval)
	assert.Equal(t, 5, cfg.Security.SignatureFailureLimit)
	assert.False(t, cfg.Security.VerifySourceIP)
	assert.True(t, cfg.Notifications.Desktop)
	assert.Equal(t, 5*time.Second, cfg.Network.PollInterval)
	assert.Equal(t, "state.json", filepath.Base(cfg.StatePath))
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "starbar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 4100
log_level: debug
tunnel:
  provider: ngrok
  timeout: 20s
`), 0o600))

	t.Setenv("STARBAR_TUNNEL_TIMEOUT", "30s")
	t.Setenv("STARBAR_LOG_LEVEL", "warn")

	cfg, err := Load(path, map[string]any{"log_level": "error"})
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Port, "file beats default")
	assert.Equal(t, "ngrok", cfg.Tunnel.Provider)
	assert.Equal(t, 30*time.Second, cfg.Tunnel.Timeout, "env beats file")
	assert.Equal(t, "error", cfg.LogLevel, "override beats env")
}

func TestLoadDefaultFileLocation(t *testing.T) {
	dir := isolate(t)
	confDir := Dir()
	require.NoError(t, os.MkdirAll(confDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte("port: 5000\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.Contains(t, confDir, dir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		overrides map[string]any
		name      string
	}{
		{name: "port out of range", overrides: map[string]any{"port": 70000}},
		{name: "unknown provider", overrides: map[string]any{"tunnel.provider": "carrier-pigeon"}},
		{name: "zero retries", overrides: map[string]any{"tunnel.max_retries": 0}},
		{name: "scan too often", overrides: map[string]any{"scan_interval": "10m"}},
		{name: "bad log level", overrides: map[string]any{"log_level": "loud"}},
		{name: "no signature budget", overrides: map[string]any{"security.signature_failure_limit": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", tt.overrides)
			assert.Error(t, err)
		})
	}
}

func TestResolveToken(t *testing.T) {
	isolate(t)
	saved := ghAuthToken
	t.Cleanup(func() { ghAuthToken = saved })

	ghCalls := 0
	ghAuthToken = func(context.Context) (string, error) {
		ghCalls++
		return "gho_fromcli\n", nil
	}
	ctx := context.Background()

	cfg := &Config{GitHubToken: "ghp_configured"}
	token, err := cfg.ResolveToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghp_configured", token)

	t.Setenv("GITHUB_TOKEN", "ghp_env")
	token, err = (&Config{}).ResolveToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghp_env", token)
	assert.Zero(t, ghCalls)

	t.Setenv("GITHUB_TOKEN", "")
	token, err = (&Config{}).ResolveToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gho_fromcli", token)

	ghAuthToken = func(context.Context) (string, error) { return "", errors.New("gh: not logged in") }
	_, err = (&Config{}).ResolveToken(ctx)
	assert.ErrorContains(t, err, "gh auth token")

	ghAuthToken = func(context.Context) (string, error) { return "  \n", nil }
	_, err = (&Config{}).ResolveToken(ctx)
	assert.Error(t, err)
}
