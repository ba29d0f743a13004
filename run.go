package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeGROOVE-dev/starbar/pkg/app"
	"github.com/codeGROOVE-dev/starbar/pkg/config"
	"github.com/codeGROOVE-dev/starbar/pkg/feed"
	"github.com/codeGROOVE-dev/starbar/pkg/github"
	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/netwatch"
	"github.com/codeGROOVE-dev/starbar/pkg/notify"
	"github.com/codeGROOVE-dev/starbar/pkg/security"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
	"github.com/codeGROOVE-dev/starbar/pkg/state"
	"github.com/codeGROOVE-dev/starbar/pkg/tunnel"
	"github.com/codeGROOVE-dev/starbar/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the star notification daemon",
	Long: `Run the daemon: start the webhook receiver and the tunnel, register
webhooks for active repositories, and notify on every new star until
interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := newAPIClient(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := tunnel.ProviderByName(cfg.Tunnel.Provider, cfg.Tunnel.Binary)
	if err != nil {
		return err
	}
	sup := tunnel.New(tunnel.Config{
		Logger:        logger.Default(),
		Provider:      provider,
		Timeout:       cfg.Tunnel.Timeout,
		ProbeInterval: cfg.Tunnel.ProbeInterval,
		MaxRetries:    cfg.Tunnel.MaxRetries,
	})

	notifiers := notify.Multi{notify.Log{Logger: logger.Default()}}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktop(logger.Default(), cfg.Notifications.Sound))
	}

	d, err := newDaemon(cfg, api, sup, notifiers)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func newAPIClient(ctx context.Context, cfg *config.Config) (*github.Client, error) {
	tok, err := cfg.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}
	return github.NewClient(tok, github.WithLogger(logger.Default()))
}

// daemon bundles the servers around one app.App.
type daemon struct {
	cfg      *config.Config
	app      *app.App
	webhooks *webhook.Server
	feed     *feed.Server
	network  *netwatch.Monitor
	logger   *slog.Logger
}

func newDaemon(cfg *config.Config, api github.APIClient, tun app.Tunnel, notifiers notify.Multi) (*daemon, error) {
	log := logger.Default()
	engine := stars.New(stars.Config{API: api, Logger: log})

	validator, err := security.NewGitHubIPValidator(cfg.Security.VerifySourceIP)
	if err != nil {
		return nil, fmt.Errorf("loading GitHub hook ranges: %w", err)
	}
	d := &daemon{
		cfg:    cfg,
		logger: log,
		webhooks: webhook.NewServer(webhook.Config{
			Secrets:               engine.SecretFor,
			IPValidator:           validator,
			SignatureFailureLimit: cfg.Security.SignatureFailureLimit,
		}),
		network: netwatch.New(netwatch.Config{Logger: log, Interval: cfg.Network.PollInterval}),
	}

	if cfg.FeedAddr != "" {
		d.feed = feed.NewServer(feed.Config{Addr: cfg.FeedAddr, OnAck: d.onAck})
		notifiers = append(notifiers, d.feed)
	}

	d.app, err = app.New(app.Config{
		Logger:         log,
		Engine:         engine,
		Tunnel:         tun,
		Webhooks:       d.webhooks,
		Notifier:       notifiers,
		Store:          state.NewStore(cfg.StatePath),
		NetworkChanges: d.network.Changes(),
		ScanInterval:   cfg.ScanInterval,
		Port:           cfg.Port,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) onAck(_ context.Context, msg feed.Message) {
	switch msg.Type {
	case feed.TypeAck:
		if msg.Star != nil {
			d.app.Acknowledge(msg.Star.Repo, msg.Star.User)
		}
	case feed.TypeAckAll:
		d.app.AcknowledgeAll()
	}
}

// run starts the servers, runs the app until ctx is done and then shuts
// everything down.
func (d *daemon) run(ctx context.Context) error {
	if err := d.webhooks.Start(d.cfg.Port); err != nil {
		return err
	}
	defer d.webhooks.Stop()

	if d.feed != nil {
		if err := d.feed.Start(ctx); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := d.feed.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				d.logger.Warn("feed shutdown error", "error", err)
			}
		}()
	}

	go d.network.Run(ctx)

	d.logger.Info("starbar running",
		"webhook_port", d.cfg.Port,
		"feed", d.cfg.FeedAddr,
		"tunnel", d.cfg.Tunnel.Provider,
		"state", d.cfg.StatePath)
	err := d.app.Run(ctx)
	d.logger.Info("starbar stopped")
	return err
}
