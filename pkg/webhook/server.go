// Package webhook receives GitHub star deliveries on a local TCP port,
// authenticates them with per-repository HMAC secrets, and hands decoded
// payloads to a single consumer over a channel.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/security"
)

// ErrSignatureMismatch marks a delivery whose signature did not verify.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

const (
	maxPayloadSize = 1 << 20 // 1MB
	previewSize    = 200

	defaultReadTimeout           = 10 * time.Second
	defaultQueueSize             = 64
	defaultMaxConnsPerIP         = 20
	defaultMaxConns              = 100
	defaultSignatureFailureLimit = 5
)

// SecretFunc returns the webhook secret registered for a repository.
type SecretFunc func(repoFullName string) (secret string, ok bool)

// Config configures a Server.
type Config struct {
	// Secrets looks up the per-repository secret. Nil means no repository
	// has a secret and every delivery is accepted unverified.
	Secrets SecretFunc
	// IPValidator restricts deliveries to GitHub's hook ranges. Nil allows all.
	IPValidator           *security.GitHubIPValidator
	Host                  string
	ReadTimeout           time.Duration
	MaxRequestSize        int
	QueueSize             int
	MaxConnsPerIP         int
	MaxConns              int
	SignatureFailureLimit int
}

// Server is the ingestion endpoint. It speaks just enough HTTP/1.1 to
// serve POST /webhook and GET /health, closing every connection after one
// response.
type Server struct {
	listener    net.Listener
	ctx         context.Context
	cancel      context.CancelFunc
	payloads    chan *Payload
	connLimiter *security.ConnectionLimiter
	sigLimiter  *security.RateLimiter
	cfg         Config
	wg          sync.WaitGroup
	sigFailures atomic.Int64
	dropped     atomic.Int64
	mu          sync.Mutex
	started     bool
	stopped     bool
}

// NewServer creates a server. Call Start to bind it.
func NewServer(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = maxPayloadSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxConnsPerIP == 0 {
		cfg.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.SignatureFailureLimit == 0 {
		cfg.SignatureFailureLimit = defaultSignatureFailureLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		payloads:    make(chan *Payload, cfg.QueueSize),
		connLimiter: security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConns),
		sigLimiter:  security.NewRateLimiter(cfg.SignatureFailureLimit, time.Minute),
	}
}

// Start binds the listener on port (0 picks a free port) and begins
// accepting connections in the background.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("webhook server already started")
	}
	if s.stopped {
		return errors.New("webhook server stopped")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	logger.Info(s.ctx, "webhook server listening", logger.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Payloads delivers authenticated payloads. The channel is closed by Stop.
func (s *Server) Payloads() <-chan *Payload {
	return s.payloads
}

// SignatureFailures returns the number of deliveries dropped for a bad signature.
func (s *Server) SignatureFailures() int64 {
	return s.sigFailures.Load()
}

// Stop closes the listener, waits for in-flight connections and closes the
// Payloads channel. It is safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		if err := ln.Close(); err != nil {
			logger.Warn(context.Background(), "closing webhook listener", logger.Fields{"error": err.Error()})
		}
	}
	s.wg.Wait()
	s.connLimiter.Stop()
	s.sigLimiter.Stop()
	close(s.payloads)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			logger.Error(s.ctx, "webhook accept failed", err, nil)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug(s.ctx, "closing connection", logger.Fields{"error": err.Error()})
		}
	}()

	release, ok := s.connLimiter.Track(conn)
	defer release()
	if !ok {
		logger.Warn(s.ctx, "connection limit exceeded", logger.Fields{"peer": conn.RemoteAddr().String()})
		_ = writeResponse(conn, http.StatusServiceUnavailable, "Busy") //nolint:errcheck // closing anyway
		return
	}

	if err := conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		logger.Warn(s.ctx, "setting connection deadline", logger.Fields{"error": err.Error()})
	}

	req, err := readRequest(conn, s.cfg.MaxRequestSize)
	if err != nil {
		s.rejectRequest(conn, err)
		return
	}

	status, body := s.route(req, security.PeerIP(conn.RemoteAddr()))
	if err := writeResponse(conn, status, body); err != nil {
		logger.Debug(s.ctx, "writing response", logger.Fields{"error": err.Error(), "path": req.Path})
	}
}

func (s *Server) rejectRequest(conn net.Conn, err error) {
	fields := logger.Fields{"peer": conn.RemoteAddr().String(), "error": err.Error()}
	switch {
	case errors.Is(err, ErrIncompleteRequest):
		logger.Debug(s.ctx, "peer closed before sending a full request", fields)
	case errors.Is(err, ErrRequestTooLarge):
		logger.Warn(s.ctx, "request rejected: too large", fields)
		_ = writeResponse(conn, http.StatusRequestEntityTooLarge, "Too Large") //nolint:errcheck // closing anyway
	case errors.Is(err, errMalformedRequest):
		logger.Warn(s.ctx, "request rejected: malformed", fields)
		_ = writeResponse(conn, http.StatusBadRequest, "Bad Request") //nolint:errcheck // closing anyway
	default:
		logger.Debug(s.ctx, "reading request failed", fields)
	}
}

func (s *Server) route(req *request, peer string) (status int, body string) {
	switch {
	case req.Method == http.MethodPost && req.Path == "/webhook":
		s.handleWebhook(req, peer)
		return http.StatusOK, "OK"
	case req.Method == http.MethodGet && req.Path == "/health":
		return http.StatusOK, "OK"
	default:
		logger.Debug(s.ctx, "no route", logger.Fields{"method": req.Method, "path": req.Path})
		return http.StatusNotFound, "Not Found"
	}
}

// handleWebhook never affects the response: GitHub always gets 200 so a
// reachable endpoint is not retried into the ground.
func (s *Server) handleWebhook(req *request, peer string) {
	deliveryID := req.Header.Get("X-GitHub-Delivery") //nolint:canonicalheader // GitHub webhook header
	eventType := req.Header.Get("X-GitHub-Event")     //nolint:canonicalheader // GitHub webhook header

	if s.cfg.IPValidator != nil && !s.cfg.IPValidator.AllowDelivery(peer, req.Header) {
		logger.Warn(s.ctx, "webhook dropped: source address outside GitHub hook ranges", logger.Fields{
			"peer":        peer,
			"forwarded":   security.ForwardedIP(req.Header),
			"delivery_id": deliveryID,
		})
		return
	}

	payload, err := Decode(req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		logger.Warn(s.ctx, "webhook dropped: malformed payload", logger.Fields{
			"error":        err.Error(),
			"delivery_id":  deliveryID,
			"event_type":   eventType,
			"payload_size": len(req.Body),
			"preview":      logger.Preview(req.Body, previewSize),
		})
		return
	}
	payload.Event = eventType
	payload.DeliveryID = deliveryID
	repo := payload.RepoFullName()

	if secret, ok := s.secretFor(repo); ok {
		if !VerifySignature(req.Body, req.Header.Get(SignatureHeader), secret) {
			s.signatureFailed(repo, deliveryID, req.Header.Get(SignatureHeader) != "")
			return
		}
	} else {
		logger.Debug(s.ctx, "no secret registered; accepting unverified delivery", logger.Fields{"repo": repo})
	}

	select {
	case s.payloads <- payload:
		logger.Info(s.ctx, "webhook accepted", logger.Fields{
			"repo":        repo,
			"action":      payload.Action,
			"sender":      payload.SenderLogin(),
			"delivery_id": deliveryID,
		})
	default:
		s.dropped.Add(1)
		logger.Warn(s.ctx, "dropping webhook: payload queue full", logger.Fields{"repo": repo, "delivery_id": deliveryID})
	}
}

func (s *Server) secretFor(repo string) (string, bool) {
	if s.cfg.Secrets == nil {
		return "", false
	}
	secret, ok := s.cfg.Secrets(repo)
	return secret, ok && secret != ""
}

func (s *Server) signatureFailed(repo, deliveryID string, hadSignature bool) {
	s.sigFailures.Add(1)
	fields := logger.Fields{
		"repo":             repo,
		"delivery_id":      deliveryID,
		"signature_exists": hadSignature,
	}
	if s.sigLimiter.Allow(repo) {
		logger.Warn(s.ctx, "webhook dropped: signature verification failed", fields)
		return
	}
	fields["failures_in_window"] = s.sigLimiter.Count(repo)
	logger.Error(s.ctx, "possible forged deliveries: repeated signature failures", ErrSignatureMismatch, fields)
}
