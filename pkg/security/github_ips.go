package security

import (
	"net"
	"net/http"
)

// GitHub webhook source ranges, from https://api.github.com/meta.
var githubWebhookCIDRs = []string{
	"192.30.252.0/22",
	"185.199.108.0/22",
	"140.82.112.0/20",
	"143.55.64.0/20",
	"2a0a:a440::/29",
	"2606:50c0::/32",
}

// GitHubIPValidator checks that a delivery originated from GitHub's hook
// ranges. Behind a tunnel the direct peer is always loopback, so the
// original address is taken from the tunnel's forwarding headers.
type GitHubIPValidator struct {
	networks []*net.IPNet
	enabled  bool
}

// NewGitHubIPValidator creates a validator. A disabled validator allows everything.
func NewGitHubIPValidator(enabled bool) (*GitHubIPValidator, error) {
	v := &GitHubIPValidator{enabled: enabled}
	if !enabled {
		return v, nil
	}
	for _, cidr := range githubWebhookCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		v.networks = append(v.networks, network)
	}
	return v, nil
}

// IsValid reports whether ipStr falls inside a GitHub hook range.
func (v *GitHubIPValidator) IsValid(ipStr string) bool {
	if !v.enabled {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range v.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowDelivery decides on a delivery from peer carrying header.
func (v *GitHubIPValidator) AllowDelivery(peer string, header http.Header) bool {
	if !v.enabled {
		return true
	}
	if IsLoopback(peer) {
		return v.IsValid(ForwardedIP(header))
	}
	return v.IsValid(peer)
}
