// Package tunnel runs a tunnelling subprocess that exposes a local port
// under a public URL, discovers that URL, and reports when it changes or
// the process dies.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

// Defaults applied by New.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultProbeInterval = 60 * time.Second

	defaultBackoffUnit = time.Second
	defaultMaxBackoff  = 10 * time.Second
	killGrace          = 2 * time.Second
	eventBuffer        = 16
)

// State is the supervisor's lifecycle state.
type State int

// Supervisor states.
const (
	Idle State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies an asynchronous supervisor notification.
type EventKind int

// Event kinds.
const (
	// URLChanged carries a new public URL for the running tunnel.
	URLChanged EventKind = iota + 1
	// Died means the tunnel stopped without Stop being called.
	Died
)

func (k EventKind) String() string {
	switch k {
	case URLChanged:
		return "url_changed"
	case Died:
		return "died"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered on Supervisor.Events.
type Event struct {
	Err  error
	URL  string
	Kind EventKind
}

// Config configures a Supervisor.
type Config struct {
	Logger *slog.Logger
	// LookPath resolves the provider binary; defaults to exec.LookPath.
	LookPath      func(file string) (string, error)
	Provider      Provider
	Timeout       time.Duration
	ProbeInterval time.Duration
	// BackoffUnit scales the retry delay: attempt n waits unit*2^n, capped
	// at MaxBackoff.
	BackoffUnit time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
}

// Supervisor owns at most one tunnel process at a time.
type Supervisor struct {
	logger      *slog.Logger
	events      chan Event
	session     *session
	startCancel context.CancelFunc
	onAttempt   func(attempt int) // test hook
	cfg         Config
	state       State
	starting    atomic.Bool
	mu          sync.Mutex
}

// session is one running tunnel process.
type session struct {
	cmd      *exec.Cmd
	out      *Output
	exited   chan struct{}
	waitErr  error
	found    Discovery
	cancel   context.CancelFunc
	url      string
	diedOnce sync.Once
	stopped  atomic.Bool
	mu       sync.Mutex
}

// New creates a supervisor. Nothing runs until Start.
func New(cfg Config) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = defaultBackoffUnit
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Or(cfg.Logger).With("component", "tunnel", "provider", cfg.Provider.Name),
		events: make(chan Event, eventBuffer),
	}
}

// Events delivers URL changes and unexpected deaths.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the current public URL, or "" when not running.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ""
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.url
}

// Start launches the tunnel for port and returns its public URL. A call
// made while another Start is in flight fails with ErrAlreadyStarting.
// Failed attempts are retried with exponential backoff, except when the
// binary is missing.
func (s *Supervisor) Start(ctx context.Context, port int) (string, error) {
	if !s.starting.CompareAndSwap(false, true) {
		return "", ErrAlreadyStarting
	}
	defer s.starting.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	previous := s.session
	s.session = nil
	s.state = Starting
	s.startCancel = cancel
	s.mu.Unlock()
	if previous != nil {
		s.logger.Info("replacing running tunnel")
		s.shutdown(previous)
	}

	var sess *session
	var lastErr error
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			if s.onAttempt != nil {
				s.onAttempt(attempt)
			}
			started, err := s.attempt(ctx, port)
			if err != nil {
				lastErr = err
				if errors.Is(err, ErrBinaryNotInstalled) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			sess = started
			return nil
		},
		retry.Attempts(uint(s.cfg.MaxRetries)), //nolint:gosec // validated positive in New
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return s.backoff(attempt)
		}),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrBinaryNotInstalled) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("tunnel start attempt failed",
				"attempt", n+1,
				"max_attempts", s.cfg.MaxRetries,
				"retry_in", s.backoff(attempt),
				"error", err)
		}),
	)

	s.mu.Lock()
	s.startCancel = nil
	if err != nil {
		s.state = Idle
		s.mu.Unlock()
		if lastErr == nil {
			lastErr = err
		}
		if ctx.Err() != nil && !errors.Is(lastErr, context.Canceled) {
			lastErr = fmt.Errorf("tunnel start canceled: %w", ctx.Err())
		}
		s.logger.Error("tunnel failed to start", "attempts", attempt, "error", lastErr)
		return "", lastErr
	}
	if ctx.Err() != nil {
		// Stop ran while the last discovery poll was returning.
		s.state = Idle
		s.mu.Unlock()
		s.shutdown(sess)
		s.logger.Info("tunnel start canceled after discovery", "url", sess.url)
		return "", fmt.Errorf("tunnel start canceled: %w", ctx.Err())
	}
	s.session = sess
	s.state = Running
	s.mu.Unlock()

	s.watch(sess)
	s.logger.Info("tunnel running", "url", sess.url, "pid", sess.cmd.Process.Pid, "attempts", attempt)
	return sess.url, nil
}

// backoff returns the delay after the given failed attempt.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffUnit << min(attempt, 30)
	if d <= 0 || d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

// attempt runs one launch and discovery. On failure the process is stopped.
func (s *Supervisor) attempt(ctx context.Context, port int) (*session, error) {
	p := s.cfg.Provider
	path, err := s.cfg.LookPath(p.Binary)
	if err != nil {
		return nil, &BinaryNotInstalledError{Binary: p.Binary, Hint: p.InstallHint}
	}

	if p.Target != nil {
		n, err := reapStale(ctx, s.logger, p.Binary, p.Target(port))
		if err != nil {
			s.logger.Warn("could not check for stale tunnel processes", "error", err)
		} else if n > 0 {
			s.logger.Info("stopped stale tunnel processes", "count", n)
		}
	}

	sess, err := s.launch(path, p.Args(port), p.Env)
	if err != nil {
		return nil, err
	}

	url, found, err := s.discover(ctx, sess)
	if err != nil {
		s.logger.Debug("tunnel output", "tail", sess.out.Tail(2048))
		s.shutdown(sess)
		return nil, err
	}
	sess.url = url
	sess.found = found
	return sess, nil
}

func (s *Supervisor) launch(path string, args, env []string) (*session, error) {
	out := &Output{}
	cmd := exec.Command(path, args...) //nolint:gosec // binary comes from configuration
	cmd.Stdout = out
	cmd.Stderr = out
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	s.logger.Debug("tunnel process started", "pid", cmd.Process.Pid, "args", args)

	sess := &session{cmd: cmd, out: out, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		sess.mu.Lock()
		sess.waitErr = err
		sess.mu.Unlock()
		close(sess.exited)
	}()
	return sess, nil
}

// discover polls the provider's strategies until one yields a URL.
func (s *Supervisor) discover(ctx context.Context, sess *session) (string, Discovery, error) {
	strategies := s.cfg.Provider.Discovery
	if len(strategies) == 0 {
		return "", nil, errors.New("provider has no discovery strategy")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	interval := strategies[0].PollInterval()
	for _, d := range strategies[1:] {
		interval = min(interval, d.PollInterval())
	}
	due := make([]time.Time, len(strategies))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := time.Now()
		for i, d := range strategies {
			if now.Before(due[i]) {
				continue
			}
			due[i] = now.Add(d.PollInterval())
			if url, ok := d.Lookup(ctx, sess.out); ok {
				return url, d, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", nil, fmt.Errorf("%w after %s", ErrDiscoveryTimeout, s.cfg.Timeout)
			}
			return "", nil, ctx.Err()
		case <-sess.exited:
			// Catch a URL printed just before exit.
			for _, d := range strategies {
				if _, ok := d.(Watcher); !ok {
					continue
				}
				if url, ok := d.Lookup(ctx, sess.out); ok {
					return url, d, nil
				}
			}
			return "", nil, fmt.Errorf("%w: %v", ErrProcessExited, sess.exitErr())
		case <-ticker.C:
		}
	}
}

// watch starts death detection and, for rotating strategies, URL watching.
func (s *Supervisor) watch(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	if sess.stopped.Load() {
		cancel()
		return
	}

	go func() {
		select {
		case <-sess.exited:
			s.died(sess, fmt.Errorf("%w: %v", ErrProcessExited, sess.exitErr()))
		case <-ctx.Done():
		}
	}()

	if w, ok := sess.found.(Watcher); ok {
		go s.watchRotation(ctx, sess, w, sess.found.PollInterval())
	}
	if p, ok := sess.found.(Prober); ok {
		go s.probe(ctx, sess, p)
	}
}

func (s *Supervisor) watchRotation(ctx context.Context, sess *session, w Watcher, interval time.Duration) {
	offset := sess.out.Len()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var lines string
		lines, offset = sess.out.Since(offset)
		if lines == "" {
			continue
		}
		url := w.Extract(lines)
		if url == "" {
			continue
		}
		sess.mu.Lock()
		changed := url != sess.url
		if changed {
			sess.url = url
		}
		sess.mu.Unlock()
		if changed && !sess.stopped.Load() {
			s.logger.Info("tunnel URL changed", "url", url)
			s.emit(Event{Kind: URLChanged, URL: url})
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, sess *session, p Prober) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Probe(pctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}
		s.logger.Warn("tunnel health probe failed", "error", err)
		s.died(sess, fmt.Errorf("health probe: %w", err))
		s.terminate(sess)
		return
	}
}

// died reports an unexpected death once per session.
func (s *Supervisor) died(sess *session, err error) {
	if sess.stopped.Load() {
		return
	}
	sess.diedOnce.Do(func() {
		s.mu.Lock()
		if s.session == sess {
			s.session = nil
			s.state = Idle
		}
		s.mu.Unlock()
		s.logger.Error("tunnel died", "error", err, "output", sess.out.Tail(512))
		s.emit(Event{Kind: Died, Err: err})
	})
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping tunnel event: channel full", "kind", ev.Kind)
	}
}

// Stop terminates the tunnel. It is safe to call repeatedly, and when the
// tunnel was never started. An in-flight Start is canceled.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	if s.startCancel != nil {
		s.startCancel()
	}
	s.state = Idle
	s.mu.Unlock()

	if sess != nil {
		s.shutdown(sess)
		s.logger.Info("tunnel stopped")
	}
}

// shutdown marks sess deliberately stopped and terminates its process.
func (s *Supervisor) shutdown(sess *session) {
	sess.stopped.Store(true)
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.terminate(sess)
}

// terminate interrupts the process, then kills it after a grace period.
func (s *Supervisor) terminate(sess *session) {
	select {
	case <-sess.exited:
		return
	default:
	}
	if runtime.GOOS == "windows" {
		_ = sess.cmd.Process.Kill() //nolint:errcheck // exit is awaited below
	} else if err := sess.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = sess.cmd.Process.Kill() //nolint:errcheck // exit is awaited below
	}
	select {
	case <-sess.exited:
		return
	case <-time.After(killGrace):
	}
	s.logger.Warn("tunnel process ignored interrupt; killing", "pid", sess.cmd.Process.Pid)
	_ = sess.cmd.Process.Kill() //nolint:errcheck // exit is awaited below
	<-sess.exited
}

func (sess *session) exitErr() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.waitErr == nil {
		return errors.New("exit status 0")
	}
	return sess.waitErr
}
