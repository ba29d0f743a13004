// Package netwatch reports when the machine's network addresses change,
// for example after switching Wi-Fi networks or waking from sleep.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

// DefaultInterval is how often interface addresses are polled.
const DefaultInterval = 5 * time.Second

// AddrFunc lists the addresses that make up the current network identity.
type AddrFunc func() ([]string, error)

// Config configures a Monitor.
type Config struct {
	Logger   *slog.Logger
	Addrs    AddrFunc
	Interval time.Duration
}

// Monitor polls interface addresses and signals on Changes whenever the
// set of usable addresses changes to a non-empty one. Losing every address
// is not reported; the following reconnect is.
type Monitor struct {
	logger   *slog.Logger
	addrs    AddrFunc
	changes  chan struct{}
	interval time.Duration
}

// New creates a monitor. Nothing is polled until Run.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Addrs == nil {
		cfg.Addrs = InterfaceAddrs
	}
	return &Monitor{
		logger:   logger.Or(cfg.Logger).With("component", "netwatch"),
		addrs:    cfg.Addrs,
		interval: cfg.Interval,
		changes:  make(chan struct{}, 1),
	}
}

// Changes delivers one value per detected change. Changes that arrive
// while a previous one is unconsumed are coalesced.
func (m *Monitor) Changes() <-chan struct{} {
	return m.changes
}

// Run polls until ctx is done. The first observation is the baseline and
// is never reported.
func (m *Monitor) Run(ctx context.Context) {
	last, ok := m.fingerprint()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, readable := m.fingerprint()
			if !readable {
				continue
			}
			if !ok {
				last, ok = current, true
				continue
			}
			if current == last {
				continue
			}
			m.logger.Info("network addresses changed", "before", last, "after", current)
			last = current
			if current == "" {
				continue
			}
			select {
			case m.changes <- struct{}{}:
			default:
			}
		}
	}
}

func (m *Monitor) fingerprint() (string, bool) {
	addrs, err := m.addrs()
	if err != nil {
		m.logger.Warn("failed to list network addresses", "error", err)
		return "", false
	}
	addrs = slices.Clone(addrs)
	slices.Sort(addrs)
	return strings.Join(slices.Compact(addrs), ","), true
}

// InterfaceAddrs returns the addresses of interfaces that are up and not
// loopback. IPv6 link-local addresses are skipped because they exist
// without any real connectivity.
func InterfaceAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, iface.Name+"="+ipnet.IP.String())
		}
	}
	return out, nil
}
