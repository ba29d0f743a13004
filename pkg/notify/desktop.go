package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// Desktop shows native banners. The badge count is kept so the banner can
// mention it; desktop environments without a badge ignore it otherwise.
type Desktop struct {
	logger *slog.Logger
	send   func(title, body string) error
	sound  func()
	badge  int
	mu     sync.Mutex
}

// NewDesktop returns a notifier for the host platform. With sound set,
// each banner also plays the platform's alert sound.
func NewDesktop(l *slog.Logger, sound bool) *Desktop {
	d := &Desktop{logger: logger.Or(l), send: platformNotify}
	if sound {
		d.sound = platformPlaySound
	}
	return d
}

// NotifyStar implements Notifier.
func (d *Desktop) NotifyStar(ctx context.Context, ev stars.StarEvent) error {
	body := Body(ev)
	d.mu.Lock()
	if d.badge > 1 {
		body = fmt.Sprintf("%s (%d unread)", body, d.badge)
	}
	d.mu.Unlock()

	if err := d.send(Title, body); err != nil {
		d.logger.WarnContext(ctx, "desktop notification failed", "error", err)
		return err
	}
	if d.sound != nil {
		d.sound()
	}
	return nil
}

// SetBadgeCount implements Notifier.
func (d *Desktop) SetBadgeCount(_ context.Context, n int) error {
	d.mu.Lock()
	d.badge = n
	d.mu.Unlock()
	return nil
}

// RefreshMenu implements Notifier. Banners have no menu.
func (*Desktop) RefreshMenu(context.Context, Menu) error {
	return nil
}
