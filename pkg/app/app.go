// Package app wires the tunnel, the webhook server and the star engine
// together. One App owns the application state and serializes everything
// that happens to it through a single event loop.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/notify"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
	"github.com/codeGROOVE-dev/starbar/pkg/state"
	"github.com/codeGROOVE-dev/starbar/pkg/tunnel"
	"github.com/codeGROOVE-dev/starbar/pkg/webhook"
)

const (
	// DefaultScanCheckInterval is how often the loop asks whether a full
	// scan is due.
	DefaultScanCheckInterval = time.Hour
	// DefaultScanInterval is the time between full scans.
	DefaultScanInterval = 7 * 24 * time.Hour

	ackBuffer = 16
)

// Tunnel is the part of tunnel.Supervisor the app drives.
type Tunnel interface {
	Start(ctx context.Context, port int) (string, error)
	Stop()
	Events() <-chan tunnel.Event
}

// PayloadSource yields authenticated webhook deliveries.
type PayloadSource interface {
	Payloads() <-chan *webhook.Payload
}

// Config configures an App.
type Config struct {
	Logger   *slog.Logger
	Engine   *stars.Engine
	Tunnel   Tunnel
	Webhooks PayloadSource
	Notifier notify.Notifier
	// Store persists state; nil keeps everything in memory.
	Store *state.Store
	// NetworkChanges triggers a tunnel restart and webhook reconciliation.
	NetworkChanges <-chan struct{}
	// Now defaults to time.Now.
	Now               func() time.Time
	ScanInterval      time.Duration
	ScanCheckInterval time.Duration
	Port              int
}

type ack struct {
	repo string
	user string
	all  bool
}

// App is the running daemon.
type App struct {
	cfg        Config
	logger     *slog.Logger
	acks       chan ack
	done       chan struct{}
	status     string
	url        string
	wg         sync.WaitGroup
	restarting atomic.Bool
	scanning   atomic.Bool
	running    atomic.Bool
	mu         sync.Mutex
}

// New creates an App. Engine, Tunnel and Notifier are required.
func New(cfg Config) (*App, error) {
	if cfg.Engine == nil || cfg.Tunnel == nil || cfg.Notifier == nil {
		return nil, errors.New("app: engine, tunnel and notifier are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.ScanCheckInterval <= 0 {
		cfg.ScanCheckInterval = DefaultScanCheckInterval
	}
	return &App{
		cfg:    cfg,
		logger: logger.Or(cfg.Logger).With("component", "app"),
		acks:   make(chan ack, ackBuffer),
		done:   make(chan struct{}),
		status: notify.StatusStopped,
	}, nil
}

// Status returns the tunnel status shown in the menu.
func (a *App) Status() (status, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.url
}

// Acknowledge marks one star as read.
func (a *App) Acknowledge(repo, user string) {
	a.enqueueAck(ack{repo: repo, user: user})
}

// AcknowledgeAll marks every star as read.
func (a *App) AcknowledgeAll() {
	a.enqueueAck(ack{all: true})
}

func (a *App) enqueueAck(k ack) {
	select {
	case a.acks <- k:
	case <-a.done:
	}
}

// Run restores state, scans if due, starts the tunnel and then handles
// events until ctx is canceled. The tunnel is stopped and state saved
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app already running")
	}
	defer close(a.done)

	if err := a.restore(); err != nil {
		return err
	}
	a.refreshMenu(ctx)

	if a.scanDue() {
		a.scan(ctx)
	}

	a.restartTunnel(ctx, notify.StatusStarting, "startup")

	var payloads <-chan *webhook.Payload
	if a.cfg.Webhooks != nil {
		payloads = a.cfg.Webhooks.Payloads()
	}
	ticker := time.NewTicker(a.cfg.ScanCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil

		case ev := <-a.cfg.Tunnel.Events():
			a.handleTunnelEvent(ctx, ev)

		case p, ok := <-payloads:
			if !ok {
				payloads = nil
				continue
			}
			a.handlePayload(ctx, p)

		case <-a.cfg.NetworkChanges:
			a.logger.Info("network changed; restarting tunnel")
			a.restartTunnel(ctx, notify.StatusRestarting, "network change")

		case <-ticker.C:
			if a.scanDue() && a.scanning.CompareAndSwap(false, true) {
				a.wg.Add(1)
				go func() {
					defer a.wg.Done()
					defer a.scanning.Store(false)
					a.runScan(ctx)
				}()
			}

		case k := <-a.acks:
			a.handleAck(ctx, k)
		}
	}
}

func (a *App) shutdown() {
	a.logger.Info("shutting down")
	a.cfg.Tunnel.Stop()
	a.wg.Wait()
	a.setStatus(notify.StatusStopped, "")
	a.refreshMenu(context.Background())
	a.save()
}

func (a *App) handleTunnelEvent(ctx context.Context, ev tunnel.Event) {
	switch ev.Kind {
	case tunnel.URLChanged:
		a.logger.Info("tunnel URL changed", "url", ev.URL)
		a.setStatus(notify.StatusRunning, ev.URL)
		a.refreshMenu(ctx)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.reconcile(ctx, ev.URL)
		}()
	case tunnel.Died:
		a.logger.Warn("tunnel died", "error", ev.Err)
		a.restartTunnel(ctx, notify.StatusRestarting, "tunnel died")
	}
}

// restartTunnel starts the tunnel in the background and reconciles
// webhooks once it has a URL. A restart already in progress wins; the
// new trigger is dropped.
func (a *App) restartTunnel(ctx context.Context, status, reason string) {
	if !a.restarting.CompareAndSwap(false, true) {
		a.logger.Info("tunnel restart already in progress; skipping", "reason", reason)
		return
	}
	a.setStatus(status, "")
	a.refreshMenu(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.restarting.Store(false)

		url, err := a.cfg.Tunnel.Start(ctx, a.cfg.Port)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, tunnel.ErrAlreadyStarting) {
				a.logger.Info("tunnel already starting", "reason", reason)
				return
			}
			var missing *tunnel.BinaryNotInstalledError
			if errors.As(err, &missing) {
				a.logger.Error("tunnel binary not installed", "binary", missing.Binary, "hint", missing.Hint)
			} else {
				a.logger.Error("tunnel failed to start", "reason", reason, "error", err)
			}
			a.setStatus(notify.StatusFailed, "")
			a.refreshMenu(ctx)
			return
		}

		a.logger.Info("tunnel running", "url", url, "reason", reason)
		a.setStatus(notify.StatusRunning, url)
		a.refreshMenu(ctx)
		a.reconcile(ctx, url)
	}()
}

func (a *App) reconcile(ctx context.Context, url string) {
	res, err := a.cfg.Engine.ReconcileWebhooks(ctx, url)
	if err != nil {
		a.logger.Error("webhook reconciliation failed", "error", err)
		return
	}
	if res.Skipped {
		return
	}
	a.logger.Info("webhooks reconciled",
		"eligible", res.Eligible,
		"registered", res.Registered,
		"removed", res.Removed,
		"failed", len(res.Failed))
	a.save()
}

func (a *App) handlePayload(ctx context.Context, p *webhook.Payload) {
	res := a.cfg.Engine.Ingest(p)
	if res.Ping {
		a.logger.Info("webhook connectivity check", "repo", res.Repo)
		return
	}
	if res.Event != nil {
		// The banner shows the unread count, so the badge goes first.
		a.updateBadge(ctx)
		if err := a.cfg.Notifier.NotifyStar(ctx, *res.Event); err != nil {
			a.logger.Warn("failed to show star notification", "error", err)
		}
	}
	a.refreshMenu(ctx)
	a.save()
}

func (a *App) handleAck(ctx context.Context, k ack) {
	if k.all {
		n := a.cfg.Engine.MarkAllRead()
		a.logger.Debug("marked all stars read", "count", n)
	} else if !a.cfg.Engine.MarkRead(k.repo, k.user) {
		return
	}
	a.updateBadge(ctx)
	a.refreshMenu(ctx)
	a.save()
}

func (a *App) scanDue() bool {
	last := a.cfg.Engine.LastFullScan()
	return last.IsZero() || a.cfg.Now().Sub(last) >= a.cfg.ScanInterval
}

func (a *App) scan(ctx context.Context) {
	if !a.scanning.CompareAndSwap(false, true) {
		return
	}
	defer a.scanning.Store(false)
	a.runScan(ctx)
}

func (a *App) runScan(ctx context.Context) {
	res, err := a.cfg.Engine.FullScan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("full scan failed", "error", err)
		}
		return
	}
	a.updateBadge(ctx)
	for _, ev := range res.New {
		if err := a.cfg.Notifier.NotifyStar(ctx, ev); err != nil {
			a.logger.Warn("failed to show star notification", "error", err)
		}
	}
	a.refreshMenu(ctx)
	a.save()

	_, url := a.Status()
	if url != "" && a.needsWebhooks() {
		a.reconcile(ctx, url)
	}
}

// needsWebhooks reports whether an eligible repository has no webhook yet,
// as happens when a scan discovers a new repository.
func (a *App) needsWebhooks() bool {
	for _, name := range a.cfg.Engine.Tracked() {
		if !a.cfg.Engine.ShouldRegisterWebhook(name) {
			continue
		}
		if st, ok := a.cfg.Engine.Repo(name); ok && st.WebhookSecret == "" {
			return true
		}
	}
	return false
}

func (a *App) setStatus(status, url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
	a.url = url
}

func (a *App) updateBadge(ctx context.Context) {
	if err := a.cfg.Notifier.SetBadgeCount(ctx, a.cfg.Engine.UnreadCount()); err != nil {
		a.logger.Warn("failed to update badge", "error", err)
	}
}

func (a *App) refreshMenu(ctx context.Context) {
	status, url := a.Status()
	m := notify.Menu{
		TunnelStatus: status,
		TunnelURL:    url,
		Recent:       a.cfg.Engine.Recent(),
		TotalStars:   a.cfg.Engine.TotalStars(),
		Unread:       a.cfg.Engine.UnreadCount(),
	}
	if err := a.cfg.Notifier.RefreshMenu(ctx, m); err != nil {
		a.logger.Warn("failed to refresh menu", "error", err)
	}
}

func (a *App) restore() error {
	if a.cfg.Store == nil {
		return nil
	}
	f, err := a.cfg.Store.Load()
	if err != nil {
		return err
	}
	a.cfg.Engine.Restore(f.Snapshot)
	a.logger.Info("state restored", "path", a.cfg.Store.Path(), "repos", len(f.Repos), "recent", len(f.Recent))
	return nil
}

func (a *App) save() {
	if a.cfg.Store == nil {
		return
	}
	days := max(int(a.cfg.ScanInterval/(24*time.Hour)), 1)
	if err := a.cfg.Store.Save(&state.File{Snapshot: a.cfg.Engine.Snapshot(), ScanIntervalDays: days}); err != nil {
		a.logger.Error("failed to save state", "path", a.cfg.Store.Path(), "error", err)
	}
}
