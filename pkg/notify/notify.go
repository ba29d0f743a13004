// Package notify surfaces star activity to the user: desktop banners, a
// badge with the unread count, and a menu of recent stars.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// Title is the banner title for a new star.
const Title = "⭐ New Star"

// Tunnel status values shown in the menu.
const (
	StatusStopped    = "stopped"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusFailed     = "failed"
)

// Menu is everything the menu shows.
type Menu struct {
	TunnelStatus string            `json:"tunnel_status"`
	TunnelURL    string            `json:"tunnel_url,omitempty"`
	Recent       []stars.StarEvent `json:"recent"`
	TotalStars   int               `json:"total_stars"`
	Unread       int               `json:"unread"`
}

// Notifier receives star activity.
type Notifier interface {
	NotifyStar(ctx context.Context, ev stars.StarEvent) error
	SetBadgeCount(ctx context.Context, n int) error
	RefreshMenu(ctx context.Context, m Menu) error
}

// Body formats the banner text for ev.
func Body(ev stars.StarEvent) string {
	return fmt.Sprintf("%s from @%s", ev.Repo, ev.User)
}

// Multi fans out to several notifiers. Every notifier is called even if an
// earlier one fails.
type Multi []Notifier

// NotifyStar implements Notifier.
func (m Multi) NotifyStar(ctx context.Context, ev stars.StarEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyStar(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetBadgeCount implements Notifier.
func (m Multi) SetBadgeCount(ctx context.Context, count int) error {
	var errs []error
	for _, n := range m {
		if err := n.SetBadgeCount(ctx, count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshMenu implements Notifier.
func (m Multi) RefreshMenu(ctx context.Context, menu Menu) error {
	var errs []error
	for _, n := range m {
		if err := n.RefreshMenu(ctx, menu); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes activity to a logger.
type Log struct {
	Logger *slog.Logger
}

// NotifyStar implements Notifier.
func (l Log) NotifyStar(ctx context.Context, ev stars.StarEvent) error {
	logger.Or(l.Logger).InfoContext(ctx, Title, "repo", ev.Repo, "user", ev.User, "star_number", ev.StarNumber)
	return nil
}

// SetBadgeCount implements Notifier.
func (l Log) SetBadgeCount(ctx context.Context, n int) error {
	logger.Or(l.Logger).DebugContext(ctx, "badge updated", "unread", n)
	return nil
}

// RefreshMenu implements Notifier.
func (l Log) RefreshMenu(ctx context.Context, m Menu) error {
	logger.Or(l.Logger).DebugContext(ctx, "menu refreshed",
		"total_stars", m.TotalStars,
		"recent", len(m.Recent),
		"unread", m.Unread,
		"tunnel", m.TunnelStatus)
	return nil
}
