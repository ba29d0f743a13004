// Package config loads starbar settings from defaults, an optional config
// file and STARBAR_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/tunnel"
)

// EnvPrefix is prepended to every environment override, so tunnel.timeout
// becomes STARBAR_TUNNEL_TIMEOUT.
const EnvPrefix = "STARBAR"

// Config holds all configuration for the daemon.
type Config struct {
	GitHubToken   string              `mapstructure:"github_token"`
	FeedAddr      string              `mapstructure:"feed_addr"`
	StatePath     string              `mapstructure:"state_path"`
	LogLevel      string              `mapstructure:"log_level"`
	Tunnel        TunnelConfig        `mapstructure:"tunnel"`
	Security      SecurityConfig      `mapstructure:"security"`
	Network       NetworkConfig       `mapstructure:"network"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	ScanInterval  time.Duration       `mapstructure:"scan_interval"`
	Port          int                 `mapstructure:"port"`
}

// TunnelConfig selects and tunes the tunnel provider.
type TunnelConfig struct {
	Provider      string        `mapstructure:"provider"`
	Binary        string        `mapstructure:"binary"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// SecurityConfig configures delivery authentication extras.
type SecurityConfig struct {
	SignatureFailureLimit int  `mapstructure:"signature_failure_limit"`
	VerifySourceIP        bool `mapstructure:"verify_source_ip"`
}

// NetworkConfig configures the network-change monitor.
type NetworkConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// NotificationsConfig configures desktop notifications.
type NotificationsConfig struct {
	Desktop bool `mapstructure:"desktop"`
	Sound   bool `mapstructure:"sound"`
}

// Dir returns the directory holding starbar's config and state files.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "starbar")
	}
	return ".starbar"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github_token", "")
	v.SetDefault("port", 3000)
	v.SetDefault("feed_addr", "127.0.0.1:3001")
	v.SetDefault("state_path", filepath.Join(Dir(), "state.json"))
	v.SetDefault("log_level", "info")
	v.SetDefault("scan_interval", "168h")
	v.SetDefault("tunnel.provider", "cloudflared")
	v.SetDefault("tunnel.binary", "")
	v.SetDefault("tunnel.timeout", tunnel.DefaultTimeout.String())
	v.SetDefault("tunnel.max_retries", tunnel.DefaultMaxRetries)
	v.SetDefault("tunnel.probe_interval", tunnel.DefaultProbeInterval.String())
	v.SetDefault("notifications.desktop", true)
	v.SetDefault("notifications.sound", true)
	v.SetDefault("security.verify_source_ip", false)
	v.SetDefault("security.signature_failure_limit", 5)
	v.SetDefault("network.poll_interval", "5s")
}

// Load reads configuration. path names an explicit config file; when
// empty, config.yaml in Dir is used if present. overrides hold values set
// on the command line and win over everything else.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and names. It does not require a token; see
// ResolveToken.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if _, err := tunnel.ProviderByName(c.Tunnel.Provider, c.Tunnel.Binary); err != nil {
		return fmt.Errorf("tunnel.provider: %w", err)
	}
	if c.Tunnel.Timeout <= 0 {
		return errors.New("tunnel.timeout must be positive")
	}
	if c.Tunnel.MaxRetries < 1 {
		return errors.New("tunnel.max_retries must be at least 1")
	}
	if c.Tunnel.ProbeInterval <= 0 {
		return errors.New("tunnel.probe_interval must be positive")
	}
	if c.ScanInterval < time.Hour {
		return fmt.Errorf("scan_interval must be at least 1h, got %s", c.ScanInterval)
	}
	if c.Security.SignatureFailureLimit < 1 {
		return errors.New("security.signature_failure_limit must be at least 1")
	}
	if c.Network.PollInterval <= 0 {
		return errors.New("network.poll_interval must be positive")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.StatePath == "" {
		return errors.New("state_path is required")
	}
	return nil
}

// ghAuthToken asks the GitHub CLI for its token.
var ghAuthToken = func(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "gh", "auth", "token").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ResolveToken returns the configured token, falling back to GITHUB_TOKEN
// and then to `gh auth token`.
func (c *Config) ResolveToken(ctx context.Context) (string, error) {
	if c.GitHubToken != "" {
		return c.GitHubToken, nil
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		logger.Debug(ctx, "using token from GITHUB_TOKEN", nil)
		return token, nil
	}

	logger.Debug(ctx, "no token configured, trying gh auth token", nil)
	out, err := ghAuthToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get token from 'gh auth token': %w\n"+
			"Provide one with --token, github_token in the config file, GITHUB_TOKEN, or run 'gh auth login'", err)
	}
	token := strings.TrimSpace(out)
	if token == "" {
		return "", errors.New("gh auth token returned empty token")
	}
	return token, nil
}
