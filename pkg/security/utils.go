package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP from the request's RemoteAddr.
// Forwarding headers are ignored to avoid spoofing.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// PeerIP extracts the host part of a connection's remote address.
func PeerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	s := addr.String()
	ip, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return ip
}

// ForwardedIP returns the original client address reported by a tunnel
// edge. Only meaningful when the direct peer is the local tunnel process.
func ForwardedIP(header http.Header) string {
	if ip := strings.TrimSpace(header.Get("Cf-Connecting-Ip")); ip != "" {
		return ip
	}
	xff := header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// IsLoopback reports whether ip is a loopback address.
func IsLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
