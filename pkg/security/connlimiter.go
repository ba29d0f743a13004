// Package security provides the protective plumbing shared by the webhook
// ingestion server and the local feed: connection and rate limiting,
// GitHub source-address validation, and HTTP middleware.
package security

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

const (
	staleTimeout = 10 * time.Minute
	maxIPEntries = 10000
)

type connectionInfo struct {
	lastActive time.Time
	count      int
}

// ConnectionLimiter caps concurrent connections per peer address and in total.
type ConnectionLimiter struct {
	perIP       map[string]*connectionInfo
	stopCleanup chan struct{}
	total       int
	maxPerIP    int
	maxTotal    int
	stopOnce    sync.Once
	mu          sync.Mutex
}

// NewConnectionLimiter creates a connection limiter with periodic cleanup.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:       make(map[string]*connectionInfo),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
		stopCleanup: make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Add reserves a connection slot for ip, reporting false when a limit is hit.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connectionInfo{}
		cl.perIP[ip] = info
	}

	if cl.total >= cl.maxTotal || info.count >= cl.maxPerIP {
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a connection slot for ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if info := cl.perIP[ip]; info != nil && info.count > 0 {
		info.count--
		info.lastActive = time.Now()
		cl.total--
		if info.count == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// Track reserves a slot for the peer of conn. The returned release func must
// be called once the connection is closed; ok is false when the peer is over
// its limit and the caller should drop the connection.
func (cl *ConnectionLimiter) Track(conn net.Conn) (release func(), ok bool) {
	ip := PeerIP(conn.RemoteAddr())
	if !cl.Add(ip) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { cl.Remove(ip) }) }, true
}

// Total returns the number of open connections.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCleanup:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleTimeout {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug(context.Background(), "connection limiter cleaned stale entries", logger.Fields{"cleaned": cleaned})
	}
}

// evictOldestInactive must be called with the lock held.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldestTime time.Time
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldestTime)) {
			oldestIP = ip
			oldestTime = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

// Stop halts the cleanup goroutine. It is safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
