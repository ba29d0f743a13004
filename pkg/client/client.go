// Package client connects to a starbar feed and reconnects when the
// connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/starbar/pkg/feed"
	"github.com/codeGROOVE-dev/starbar/pkg/logger"
	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// RejectedError means the feed refused the connection. It is not retried.
type RejectedError struct {
	message string
}

func (e *RejectedError) Error() string {
	return e.message
}

const (
	// DefaultServerURL is where `starbar run` serves its feed.
	DefaultServerURL = "ws://127.0.0.1:3001/ws"

	expectedPingInterval = 54 * time.Second
	pingDelayThreshold   = 10 * time.Second

	// Longer than the server's ping interval so an idle feed is not a timeout.
	readTimeout  = 90 * time.Second
	writeTimeout = 5 * time.Second
)

// errShutdown is returned when the server announces it is going away.
var errShutdown = errors.New("feed server shutting down")

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnDisconnect func(error)
	OnMessage    func(feed.Message)
	OnConnect    func()
	ServerURL    string
	MaxBackoff   time.Duration
	MaxRetries   int
	NoReconnect  bool
}

// Client is a feed consumer with automatic reconnection.
type Client struct {
	logger       *slog.Logger
	ws           *websocket.Conn
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	config       Config
	lastPingTime time.Time
	messages     int
	retries      int
	stopOnce     sync.Once
	started      atomic.Bool
	mu           sync.Mutex
	writeMu      sync.Mutex
}

// New creates a client. Nothing connects until Start.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		config.ServerURL = DefaultServerURL
	}
	if !strings.HasPrefix(config.ServerURL, "ws://") && !strings.HasPrefix(config.ServerURL, "wss://") {
		return nil, fmt.Errorf("server URL %q must use ws:// or wss://", config.ServerURL)
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Client{
		config:    config,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		logger:    logger.Or(config.Logger),
	}, nil
}

// Start connects and keeps reconnecting until ctx is done, Stop is called,
// or the retry budget is spent.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client already started")
	}
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			c.retries = int(n) + 1 //nolint:gosec // retry count will not overflow
			received := c.messages
			c.mu.Unlock()
			c.logger.Warn("feed connection lost", "error", err, "messages_received", received, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				c.logger.Error("feed rejected the connection", "error", err)
				return false
			}
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}
	if c.config.MaxRetries > 0 {
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries))) //nolint:gosec // user-configured
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	var lastErr error
	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.Lock()
		n := c.retries
		c.mu.Unlock()
		if n == 0 {
			c.logger.Info("connecting to feed", "url", c.config.ServerURL)
		} else {
			c.logger.Info("reconnecting to feed", "url", c.config.ServerURL, "attempt", n)
		}

		lastErr = c.connect(ctx)
		return lastErr
	}, retryOpts...)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

// Stop closes the connection and waits for Start to return. It is safe to
// call more than once, and before Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	if c.ws != nil {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("error closing feed connection", "error", err)
		}
	}
	c.mu.Unlock()
	if c.started.Load() {
		<-c.stoppedCh
	}
}

// Ack marks one star as read on the daemon.
func (c *Client) Ack(repo, user string) error {
	return c.send(feed.Message{Type: feed.TypeAck, Star: &stars.StarEvent{Repo: repo, User: user}})
}

// AckAll marks every star as read on the daemon.
func (c *Client) AckAll() error {
	return c.send(feed.Message{Type: feed.TypeAckAll})
}

func (c *Client) send(msg feed.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return c.write(ws, msg)
}

func (c *Client) write(ws *websocket.Conn, msg feed.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(ws, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		if strings.Contains(err.Error(), "bad status") {
			return &RejectedError{message: fmt.Sprintf("feed refused the connection (check allowed origins): %v", err)}
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.retries = 0
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("feed connection already closed", "error", err)
		}
	}()

	// Stop may have run before c.ws was set.
	select {
	case <-c.stopCh:
		return retry.Unrecoverable(errors.New("stop requested"))
	default:
	}

	c.logger.Info("connected to feed")
	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	return c.readMessages(ctx, ws)
}

func (c *Client) readMessages(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		var msg feed.Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			select {
			case <-c.stopCh:
				return retry.Unrecoverable(errors.New("stop requested"))
			default:
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case feed.TypePing:
			now := time.Now()
			c.mu.Lock()
			last := c.lastPingTime
			c.lastPingTime = now
			c.mu.Unlock()
			if !last.IsZero() && now.Sub(last) > expectedPingInterval+pingDelayThreshold {
				c.logger.Warn("delayed ping from feed", "interval", now.Sub(last))
			}
			if err := c.write(ws, feed.Message{Type: feed.TypePong, Seq: msg.Seq}); err != nil {
				return err
			}
			continue
		case feed.TypeShutdown:
			c.logger.Info("feed server is shutting down")
			return errShutdown
		}

		c.mu.Lock()
		c.messages++
		c.mu.Unlock()
		c.logger.Debug("feed message", "type", msg.Type)
		if c.config.OnMessage != nil {
			c.config.OnMessage(msg)
		}
	}
}
