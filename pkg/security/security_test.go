package security

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	ip1 := "192.168.1.1"
	if !cl.Add(ip1) {
		t.Error("first connection should be allowed")
	}
	if !cl.Add(ip1) {
		t.Error("second connection should be allowed")
	}
	if cl.Add(ip1) {
		t.Error("third connection should be denied (per-IP limit)")
	}

	cl.Add("192.168.1.2")
	cl.Add("192.168.1.2")
	cl.Add("192.168.1.3")

	ip4 := "192.168.1.4"
	if cl.Add(ip4) {
		t.Error("should hit total connection limit")
	}

	cl.Remove(ip1)
	if !cl.Add(ip4) {
		t.Error("should allow connection after removal")
	}
	if got := cl.Total(); got != 5 {
		t.Errorf("Total() = %d, want 5", got)
	}
}

func TestConnectionLimiterTrack(t *testing.T) {
	cl := NewConnectionLimiter(1, 10)
	defer cl.Stop()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := &addrConn{Conn: a, remote: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5555}}

	release, ok := cl.Track(conn)
	if !ok {
		t.Fatal("first Track should succeed")
	}
	if _, ok := cl.Track(conn); ok {
		t.Error("second Track from same peer should be refused")
	}
	release()
	release() // second call must not double-release
	if got := cl.Total(); got != 0 {
		t.Errorf("Total() after release = %d, want 0", got)
	}
}

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("octo/widgets") || !rl.Allow("octo/widgets") {
		t.Fatal("first two events should be allowed")
	}
	if rl.Allow("octo/widgets") {
		t.Error("third event in window should be refused")
	}
	if !rl.Allow("octo/gadgets") {
		t.Error("keys are independent")
	}
	if got := rl.Count("octo/widgets"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("octo/widgets") {
		t.Error("event after window reset should be allowed")
	}
	if got := rl.Count("octo/widgets"); got != 1 {
		t.Errorf("Count() after reset = %d, want 1", got)
	}
	rl.Stop() // idempotent
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{
			name:       "ignores X-Forwarded-For",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{name: "no port in RemoteAddr", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGitHubIPValidator(t *testing.T) {
	v, err := NewGitHubIPValidator(true)
	if err != nil {
		t.Fatalf("NewGitHubIPValidator() error = %v", err)
	}

	tests := []struct {
		name   string
		peer   string
		header http.Header
		want   bool
	}{
		{name: "direct github peer", peer: "140.82.115.10", want: true},
		{name: "direct foreign peer", peer: "203.0.113.9", want: false},
		{
			name:   "tunnel with cloudflare header",
			peer:   "127.0.0.1",
			header: http.Header{"Cf-Connecting-Ip": []string{"192.30.252.40"}},
			want:   true,
		},
		{
			name:   "tunnel with forwarded chain",
			peer:   "::1",
			header: http.Header{"X-Forwarded-For": []string{"185.199.108.1, 10.0.0.1"}},
			want:   true,
		},
		{name: "tunnel without header", peer: "127.0.0.1", header: http.Header{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.AllowDelivery(tt.peer, tt.header); got != tt.want {
				t.Errorf("AllowDelivery() = %v, want %v", got, tt.want)
			}
		})
	}

	disabled, err := NewGitHubIPValidator(false)
	if err != nil {
		t.Fatalf("NewGitHubIPValidator(false) error = %v", err)
	}
	if !disabled.AllowDelivery("203.0.113.9", nil) {
		t.Error("disabled validator should allow everything")
	}
}
