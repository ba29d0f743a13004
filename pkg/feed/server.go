package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/notify"
	"github.com/codeGROOVE-dev/starbar/pkg/secrets"
	"github.com/codeGROOVE-dev/starbar/pkg/security"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

const (
	pingInterval = 54 * time.Second
	readDeadline = 90 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 10 * time.Second
	idleTimeout  = 120 * time.Second
)

// DefaultAllowedOrigins are the browser origins allowed to read the feed.
var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://localhost/",
	"http://127.0.0.1",
	"http://127.0.0.1/",
}

// Config configures a feed Server.
type Config struct {
	// OnAck is called when a client acknowledges a star (TypeAck) or
	// everything (TypeAckAll).
	OnAck          func(ctx context.Context, msg Message)
	Addr           string
	AllowedOrigins []string
	MaxConnsPerIP  int
	MaxConns       int
	// RateLimit is the number of HTTP requests allowed per IP per minute.
	RateLimit int
}

// Server serves the feed over HTTP and implements notify.Notifier, so it
// can sit alongside the desktop notifier.
type Server struct {
	hub         *Hub
	httpServer  *http.Server
	listener    net.Listener
	connLimiter *security.ConnectionLimiter
	rateLimiter *security.RateLimiter
	cancel      context.CancelFunc
	serveErr    chan error
	cfg         Config
	mu          sync.Mutex
}

// NewServer creates a feed server. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:3001"
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = DefaultAllowedOrigins
	}
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = 10
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 50
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	return &Server{
		cfg:         cfg,
		hub:         NewHub(),
		connLimiter: security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConns),
		rateLimiter: security.NewRateLimiter(cfg.RateLimit, time.Minute),
	}
}

// Handler returns the feed's routes wrapped in the security middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.Server{
		// Origin policy is enforced by the middleware; non-browser clients
		// may omit the header.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.handle,
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK")) //nolint:errcheck // client went away
	})
	return security.CombinedMiddleware(s.rateLimiter, s.cfg.AllowedOrigins)(mux)
}

// Start listens on the configured address and runs the hub.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("feed server already started")
	}

	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = l

	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.hub.Run(hubCtx)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return hubCtx },
	}
	s.serveErr = make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()

	logger.Info(ctx, "feed listening", logger.Fields{"addr": l.Addr().String()})
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Shutdown notifies clients, stops the hub and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.connLimiter.Stop()
	defer s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}

	s.hub.Stop()
	s.hub.Wait()
	s.cancel()

	err := s.httpServer.Shutdown(ctx)
	if serveErr := <-s.serveErr; err == nil {
		err = serveErr
	}
	s.httpServer = nil
	return err
}

func (s *Server) handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Debug(context.WithoutCancel(ctx), "failed to close feed websocket", logger.Fields{"error": err.Error()})
		}
	}()
	// Hijacked connections outlive http.Server.Shutdown; close on cancel.
	go func() {
		<-ctx.Done()
		ws.Close() //nolint:errcheck,gosec // unblocks the read loop
	}()

	ip := security.ClientIP(ws.Request())
	if !s.connLimiter.Add(ip) {
		logger.Warn(ctx, "feed connection limit exceeded", logger.Fields{"ip": ip})
		return
	}
	defer s.connLimiter.Remove(ip)

	suffix, err := secrets.Generate(4)
	if err != nil {
		logger.Error(ctx, "failed to generate feed client ID", err, logger.Fields{"ip": ip})
		return
	}
	client := NewClient(fmt.Sprintf("%d-%s", time.Now().UnixNano(), suffix), ws)

	s.hub.Register(client)
	defer s.hub.Unregister(client.ID)
	go client.Run(ctx, pingInterval, writeTimeout)

	for {
		if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			logger.Debug(ctx, "feed client disconnected", logger.Fields{"client_id": client.ID, "ip": ip})
			return
		}
		switch msg.Type {
		case TypeAck, TypeAckAll:
			if s.cfg.OnAck != nil {
				s.cfg.OnAck(ctx, msg)
			}
		case TypePong:
		default:
			logger.Debug(ctx, "ignoring feed message", logger.Fields{"type": msg.Type, "client_id": client.ID})
		}
	}
}

// NotifyStar implements notify.Notifier.
func (s *Server) NotifyStar(_ context.Context, ev stars.StarEvent) error {
	s.hub.Broadcast(Message{Type: TypeStar, Star: &ev})
	return nil
}

// SetBadgeCount implements notify.Notifier.
func (s *Server) SetBadgeCount(_ context.Context, n int) error {
	s.hub.Broadcast(Message{Type: TypeBadge, Badge: &n})
	return nil
}

// RefreshMenu implements notify.Notifier.
func (s *Server) RefreshMenu(_ context.Context, m notify.Menu) error {
	s.hub.Broadcast(Message{Type: TypeMenu, Menu: &m})
	return nil
}

var _ notify.Notifier = (*Server)(nil)
