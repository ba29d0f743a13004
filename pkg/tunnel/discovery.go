package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Discovery finds the public URL of a running tunnel. The supervisor calls
// Lookup every PollInterval until it reports a URL or the attempt times out.
type Discovery interface {
	Lookup(ctx context.Context, out *Output) (string, bool)
	PollInterval() time.Duration
}

// Watcher is implemented by discoveries whose URL can rotate while the
// process runs. The supervisor keeps feeding it new output lines after the
// initial discovery.
type Watcher interface {
	Extract(text string) string
}

// Prober is implemented by discoveries that can check the tunnel is alive.
type Prober interface {
	Probe(ctx context.Context) error
}

// QuickTunnelPattern matches a cloudflared quick-tunnel URL.
var QuickTunnelPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// StreamScraper pulls the URL out of the subprocess's output text.
type StreamScraper struct {
	Pattern  *regexp.Regexp
	Interval time.Duration
}

// ExtractURL returns the first match of pattern in text, or "".
func ExtractURL(text string, pattern *regexp.Regexp) string {
	return pattern.FindString(text)
}

// Lookup scans everything the process has printed so far.
func (s *StreamScraper) Lookup(_ context.Context, out *Output) (string, bool) {
	u := s.Extract(out.String())
	return u, u != ""
}

// Extract returns the last URL in text, which is the newest one when the
// text spans several announcements.
func (s *StreamScraper) Extract(text string) string {
	all := s.pattern().FindAllString(text, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// PollInterval implements Discovery.
func (s *StreamScraper) PollInterval() time.Duration {
	if s.Interval <= 0 {
		return 100 * time.Millisecond
	}
	return s.Interval
}

func (s *StreamScraper) pattern() *regexp.Regexp {
	if s.Pattern == nil {
		return QuickTunnelPattern
	}
	return s.Pattern
}

// StatusEndpoint polls a local management API exposed by the tunnel
// process. The process may bind any of Ports, so each is tried in turn.
type StatusEndpoint struct {
	// Parse extracts the public URL from a response body.
	Parse    func(body []byte) (string, error)
	Client   *http.Client
	Host     string
	Path     string
	Ports    []int
	Interval time.Duration

	found string // base URL of the endpoint that answered
	mu    sync.Mutex
}

// Lookup tries every candidate port once.
func (s *StatusEndpoint) Lookup(ctx context.Context, _ *Output) (string, bool) {
	for _, port := range s.Ports {
		base := "http://" + net.JoinHostPort(s.host(), strconv.Itoa(port))
		u, err := s.fetch(ctx, base)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.found = base
		s.mu.Unlock()
		return u, true
	}
	return "", false
}

// Probe re-reads the endpoint that answered during discovery.
func (s *StatusEndpoint) Probe(ctx context.Context) error {
	s.mu.Lock()
	base := s.found
	s.mu.Unlock()
	if base == "" {
		return errors.New("status endpoint not discovered")
	}
	_, err := s.fetch(ctx, base)
	return err
}

// PollInterval implements Discovery.
func (s *StatusEndpoint) PollInterval() time.Duration {
	if s.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return s.Interval
}

func (s *StatusEndpoint) fetch(ctx context.Context, base string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+s.Path, http.NoBody)
	if err != nil {
		return "", err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck // best effort close
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	u, err := s.Parse(body)
	if err != nil {
		return "", err
	}
	if u == "" {
		return "", errors.New("status endpoint has no URL yet")
	}
	return u, nil
}

func (s *StatusEndpoint) host() string {
	if s.Host == "" {
		return "127.0.0.1"
	}
	return s.Host
}

// ParseQuickTunnel reads cloudflared's /quicktunnel response.
func ParseQuickTunnel(body []byte) (string, error) {
	var resp struct {
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode quicktunnel response: %w", err)
	}
	if resp.Hostname == "" {
		return "", nil
	}
	if strings.HasPrefix(resp.Hostname, "https://") {
		return resp.Hostname, nil
	}
	return "https://" + resp.Hostname, nil
}

// ParseNgrokTunnels reads ngrok's /api/tunnels response, preferring https.
func ParseNgrokTunnels(body []byte) (string, error) {
	var resp struct {
		Tunnels []struct {
			PublicURL string `json:"public_url"`
			Proto     string `json:"proto"`
		} `json:"tunnels"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode ngrok tunnels: %w", err)
	}
	fallback := ""
	for _, t := range resp.Tunnels {
		if t.Proto == "https" || strings.HasPrefix(t.PublicURL, "https://") {
			return t.PublicURL, nil
		}
		if fallback == "" {
			fallback = t.PublicURL
		}
	}
	return fallback, nil
}
