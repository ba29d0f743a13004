package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// Recorder keeps every notification in memory for tests.
type Recorder struct {
	stars        []stars.StarEvent
	menus        []Menu
	badges       []int
	badgeAtStars []int
	mu           sync.Mutex
}

// NotifyStar implements Notifier.
func (r *Recorder) NotifyStar(_ context.Context, ev stars.StarEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stars = append(r.stars, ev)
	badge := 0
	if len(r.badges) > 0 {
		badge = r.badges[len(r.badges)-1]
	}
	r.badgeAtStars = append(r.badgeAtStars, badge)
	return nil
}

// SetBadgeCount implements Notifier.
func (r *Recorder) SetBadgeCount(_ context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badges = append(r.badges, n)
	return nil
}

// RefreshMenu implements Notifier.
func (r *Recorder) RefreshMenu(_ context.Context, m Menu) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Recent = slices.Clone(m.Recent)
	r.menus = append(r.menus, m)
	return nil
}

// Stars returns the notified stars in order.
func (r *Recorder) Stars() []stars.StarEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.stars)
}

// BadgeAtStars returns, for each notified star, the badge count that was
// showing when it was notified.
func (r *Recorder) BadgeAtStars() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.badgeAtStars)
}

// Badges returns every badge count set, in order.
func (r *Recorder) Badges() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.badges)
}

// LastMenu returns the most recent menu refresh.
func (r *Recorder) LastMenu() (Menu, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.menus) == 0 {
		return Menu{}, false
	}
	return r.menus[len(r.menus)-1], true
}
