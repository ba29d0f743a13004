package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/starbar/pkg/config"
	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	token      string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "starbar",
	Short: "Get notified the moment someone stars your GitHub repositories",
	Long: `starbar watches the repositories you own for new stars.

It exposes a local webhook receiver through a temporary public tunnel,
registers repository webhooks pointing at it, and reconciles against a
periodic scan of the GitHub API so nothing is missed while offline.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default "+config.Dir()+"/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "GitHub token (default: GITHUB_TOKEN, then `gh auth token`)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "Local webhook port")
}

// loadConfig reads configuration, letting explicitly set flags win, and
// installs the configured logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		overrides["log_level"] = logLevel
	}
	if flags.Changed("token") {
		overrides["github_token"] = token
	}
	if flags.Changed("port") {
		overrides["port"] = port
	}

	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLogger(logger.New(os.Stderr, level))
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
