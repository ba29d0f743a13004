package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	helperURL  = "https://quiet-fox-123.trycloudflare.com"
	rotatedURL = "https://loud-owl-456.trycloudflare.com"
)

// TestHelperProcess is not a real test. It stands in for the tunnel
// binary when the test binary is re-executed by helperProvider.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	banner := func(url string) {
		fmt.Fprintln(os.Stderr, "2026-06-01T12:00:00Z INF +----------------------------+")
		fmt.Fprintf(os.Stderr, "2026-06-01T12:00:00Z INF |  %s  |\n", url)
		fmt.Fprintln(os.Stderr, "2026-06-01T12:00:00Z INF +----------------------------+")
	}
	fmt.Fprintln(os.Stderr, "2026-06-01T12:00:00Z INF Requesting new quick Tunnel on trycloudflare.com...")

	switch os.Getenv("HELPER_MODE") {
	case "announce":
		banner(helperURL)
	case "rotate":
		banner(helperURL)
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "2026-06-01T12:00:01Z WRN connection lost, requesting new tunnel")
		banner(rotatedURL)
	case "announce-exit":
		banner(helperURL)
		time.Sleep(300 * time.Millisecond)
		os.Exit(1)
	case "exit":
		fmt.Fprintln(os.Stderr, "2026-06-01T12:00:00Z ERR failed to request quick Tunnel")
		os.Exit(3)
	case "silent":
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func helperProvider(mode string) Provider {
	return Provider{
		Name:   "helper",
		Binary: os.Args[0],
		Args: func(int) []string {
			return []string{"-test.run=TestHelperProcess", "--"}
		},
		Env:       []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		Discovery: []Discovery{&StreamScraper{Pattern: QuickTunnelPattern, Interval: 20 * time.Millisecond}},
	}
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BackoffUnit == 0 {
		cfg.BackoffUnit = 10 * time.Millisecond
	}
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s
}

func expectEvent(t *testing.T, s *Supervisor, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		if ev.Kind != kind {
			t.Fatalf("event = %v, want %v", ev.Kind, kind)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no %v event", kind)
		return Event{}
	}
}

func expectNoEvent(t *testing.T, s *Supervisor, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %v (%v)", ev.Kind, ev.Err)
	case <-time.After(wait):
	}
}

func TestExtractURL(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "banner among noise",
			text: "INF Thank you for trying Cloudflare Tunnel.\nINF +---+\nINF |  https://quiet-fox-123.trycloudflare.com  |\nINF Registered tunnel connection\n",
			want: helperURL,
		},
		{
			name: "no url",
			text: "INF Requesting new quick Tunnel on trycloudflare.com...\nERR failed\n",
		},
		{
			name: "other https url ignored",
			text: "INF see https://developers.cloudflare.com/docs for details\n",
		},
		{name: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractURL(tt.text, QuickTunnelPattern); got != tt.want {
				t.Errorf("ExtractURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStreamScraperExtractPrefersNewest(t *testing.T) {
	s := &StreamScraper{}
	text := helperURL + "\nreconnecting\n" + rotatedURL + "\n"
	if got := s.Extract(text); got != rotatedURL {
		t.Errorf("Extract() = %q, want %q", got, rotatedURL)
	}
}

func TestOutputSince(t *testing.T) {
	var out Output
	fmt.Fprint(&out, "first line\nsecond")

	lines, next := out.Since(0)
	if lines != "first line\n" || next != 11 {
		t.Fatalf("Since(0) = %q, %d", lines, next)
	}
	if lines, n := out.Since(next); lines != "" || n != next {
		t.Fatalf("partial line returned: %q, %d", lines, n)
	}

	fmt.Fprint(&out, " half\nthird\n")
	lines, next = out.Since(next)
	if lines != "second half\nthird\n" {
		t.Errorf("Since() = %q", lines)
	}
	if next != out.Len() {
		t.Errorf("next = %d, want %d", next, out.Len())
	}
}

func TestOutputBounded(t *testing.T) {
	var out Output
	line := strings.Repeat("x", 1023) + "\n"
	for range 400 {
		fmt.Fprint(&out, line)
	}
	if got := len(out.String()); got > maxOutput {
		t.Errorf("retained %d bytes, want <= %d", got, maxOutput)
	}
	if out.Len() != 400*1024 {
		t.Errorf("Len() = %d, want %d", out.Len(), 400*1024)
	}
	// Offsets before the retained window are clamped.
	lines, _ := out.Since(0)
	if len(lines) == 0 || len(lines) > maxOutput {
		t.Errorf("Since(0) returned %d bytes", len(lines))
	}
}

func TestBackoff(t *testing.T) {
	s := New(Config{})
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestStartDiscoversStreamURL(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("announce")})

	url, err := s.Start(context.Background(), 3000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if url != helperURL {
		t.Errorf("Start() = %q, want %q", url, helperURL)
	}
	if s.URL() != helperURL || s.State() != Running {
		t.Errorf("URL() = %q, State() = %v", s.URL(), s.State())
	}
}

func TestStartBinaryNotInstalled(t *testing.T) {
	attempts := 0
	s := newTestSupervisor(t, Config{
		Provider:   Cloudflared(""),
		MaxRetries: 3,
		LookPath:   func(string) (string, error) { return "", errors.New("not found") },
	})
	s.onAttempt = func(int) { attempts++ }

	_, err := s.Start(context.Background(), 3000)
	if !errors.Is(err, ErrBinaryNotInstalled) {
		t.Fatalf("Start() error = %v, want ErrBinaryNotInstalled", err)
	}
	var bni *BinaryNotInstalledError
	if !errors.As(err, &bni) || bni.Binary != "cloudflared" || bni.Hint == "" {
		t.Errorf("error = %#v, want BinaryNotInstalledError with hint", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", attempts)
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want idle", s.State())
	}
}

func TestStartRetriesWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	s := newTestSupervisor(t, Config{
		Provider:    helperProvider("silent"),
		Timeout:     100 * time.Millisecond,
		MaxRetries:  3,
		BackoffUnit: 50 * time.Millisecond,
	})
	s.onAttempt = func(int) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
	}

	_, err := s.Start(context.Background(), 3000)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("Start() error = %v, want ErrDiscoveryTimeout", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(starts))
	}
	// Each gap is the discovery timeout plus a 100ms then 200ms backoff.
	gap1 := starts[1].Sub(starts[0])
	gap2 := starts[2].Sub(starts[1])
	if gap1 < 200*time.Millisecond {
		t.Errorf("first gap = %v, want >= 200ms", gap1)
	}
	if gap2 < 300*time.Millisecond {
		t.Errorf("second gap = %v, want >= 300ms", gap2)
	}
}

func TestStartProcessExitsBeforeURL(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("exit"), MaxRetries: 1})

	_, err := s.Start(context.Background(), 3000)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("Start() error = %v, want ErrProcessExited", err)
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("silent"), Timeout: 3 * time.Second, MaxRetries: 1})

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), 3000)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Starting {
		if time.Now().After(deadline) {
			t.Fatal("first Start never began")
		}
		time.Sleep(5 * time.Millisecond)
	}

	begin := time.Now()
	_, err := s.Start(context.Background(), 3000)
	if !errors.Is(err, ErrAlreadyStarting) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarting", err)
	}
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Errorf("second Start blocked for %v", elapsed)
	}

	s.Stop()
	select {
	case err := <-done:
		if err == nil {
			t.Error("first Start should fail after Stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the in-flight Start")
	}
}

// gatedDiscovery blocks in Lookup until released and ignores ctx, like a
// scraper reading output that is already buffered.
type gatedDiscovery struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDiscovery) Lookup(context.Context, *Output) (string, bool) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return "https://late.trycloudflare.com", true
}

func (g *gatedDiscovery) PollInterval() time.Duration { return 10 * time.Millisecond }

func TestStopDuringDiscoveryWins(t *testing.T) {
	gate := &gatedDiscovery{entered: make(chan struct{}), release: make(chan struct{})}
	p := helperProvider("silent")
	p.Discovery = []Discovery{gate}
	s := newTestSupervisor(t, Config{Provider: p, MaxRetries: 1})

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), 3000)
		done <- err
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery never began")
	}
	s.Stop()
	close(gate.release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	if s.State() != Idle || s.URL() != "" {
		t.Errorf("after Stop: URL() = %q, State() = %v", s.URL(), s.State())
	}
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		t.Error("a session survived Stop")
	}
	expectNoEvent(t, s, 300*time.Millisecond)
}

func TestStopDoesNotReportDeath(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("announce")})
	if _, err := s.Start(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}

	s.Stop()
	s.Stop()
	expectNoEvent(t, s, 300*time.Millisecond)
	if s.URL() != "" || s.State() != Idle {
		t.Errorf("after Stop: URL() = %q, State() = %v", s.URL(), s.State())
	}
}

func TestStopNeverStarted(t *testing.T) {
	s := New(Config{Provider: helperProvider("silent")})
	s.Stop()
	s.Stop()
	if s.State() != Idle {
		t.Errorf("State() = %v", s.State())
	}
}

func TestDiedReportedOnce(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("announce-exit")})
	if _, err := s.Start(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}

	ev := expectEvent(t, s, Died)
	if !errors.Is(ev.Err, ErrProcessExited) {
		t.Errorf("Died error = %v", ev.Err)
	}
	expectNoEvent(t, s, 200*time.Millisecond)
	if s.State() != Idle || s.URL() != "" {
		t.Errorf("after death: State() = %v, URL() = %q", s.State(), s.URL())
	}
}

func TestURLRotation(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("rotate")})
	url, err := s.Start(context.Background(), 3000)
	if err != nil {
		t.Fatal(err)
	}
	if url != helperURL {
		t.Fatalf("Start() = %q", url)
	}

	ev := expectEvent(t, s, URLChanged)
	if ev.URL != rotatedURL {
		t.Errorf("URLChanged = %q, want %q", ev.URL, rotatedURL)
	}
	if s.URL() != rotatedURL {
		t.Errorf("URL() = %q", s.URL())
	}
	expectNoEvent(t, s, 200*time.Millisecond)
}

// fakeEndpoint discovers a fixed URL and fails probes on demand.
type fakeEndpoint struct {
	failing atomic.Bool
}

func (*fakeEndpoint) Lookup(context.Context, *Output) (string, bool) { return helperURL, true }
func (*fakeEndpoint) PollInterval() time.Duration                  { return 10 * time.Millisecond }

func (f *fakeEndpoint) Probe(context.Context) error {
	if f.failing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealthProbeFailureReportsDeath(t *testing.T) {
	probe := &fakeEndpoint{}
	p := helperProvider("silent")
	p.Discovery = []Discovery{probe}
	s := newTestSupervisor(t, Config{Provider: p, ProbeInterval: 30 * time.Millisecond})

	if _, err := s.Start(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, s, 100*time.Millisecond)

	probe.failing.Store(true)
	expectEvent(t, s, Died)
	expectNoEvent(t, s, 200*time.Millisecond)
}

func TestStartReplacesRunningTunnel(t *testing.T) {
	s := newTestSupervisor(t, Config{Provider: helperProvider("announce")})
	if _, err := s.Start(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(context.Background(), 3000); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, s, 200*time.Millisecond)
	if s.State() != Running {
		t.Errorf("State() = %v", s.State())
	}
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name string
		proc string
		args []string
		want bool
	}{
		{"same port", "cloudflared", []string{"cloudflared", "tunnel", "--url", "http://localhost:3000"}, true},
		{"equals form", "cloudflared", []string{"cloudflared", "tunnel", "--url=http://localhost:3000"}, true},
		{"other port", "cloudflared", []string{"cloudflared", "tunnel", "--url", "http://localhost:3001"}, false},
		{"other binary", "nginx", []string{"nginx", "http://localhost:3000"}, false},
		{"windows", "cloudflared.exe", []string{"cloudflared.exe", "tunnel", "--url", "http://localhost:3000"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStale(tt.proc, tt.args, "/opt/homebrew/bin/cloudflared", "http://localhost:3000"); got != tt.want {
				t.Errorf("isStale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderByName(t *testing.T) {
	for _, name := range []string{"", "cloudflared", "cloudflared-stream", "ngrok"} {
		p, err := ProviderByName(name, "")
		if err != nil {
			t.Errorf("ProviderByName(%q) error = %v", name, err)
			continue
		}
		if len(p.Discovery) == 0 || p.Args(3000) == nil || p.Target(3000) == "" {
			t.Errorf("ProviderByName(%q) incomplete: %+v", name, p)
		}
	}
	if _, err := ProviderByName("localtunnel", ""); err == nil {
		t.Error("unknown provider should fail")
	}
}
