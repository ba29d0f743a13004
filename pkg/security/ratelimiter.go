package security

import (
	"sync"
	"time"
)

const (
	maxBuckets = 10000 // bounds memory when keys are attacker-controlled
)

// RateLimiter is a fixed-window counter keyed by an arbitrary string
// (client IP for HTTP traffic, repository name for signature failures).
type RateLimiter struct {
	buckets    map[string]*bucket
	now        func() time.Time
	stopCh     chan struct{}
	cleanupWG  sync.WaitGroup
	window     time.Duration
	maxTokens  int
	maxBuckets int
	stopOnce   sync.Once
	mu         sync.Mutex
}

type bucket struct {
	resetTime time.Time
	count     int
}

// NewRateLimiter creates a limiter that allows maxTokens events per key in
// each window. A zero window means one minute.
func NewRateLimiter(maxTokens int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		now:        time.Now,
		window:     window,
		maxTokens:  maxTokens,
		maxBuckets: maxBuckets,
		stopCh:     make(chan struct{}),
	}

	rl.cleanupWG.Add(1)
	go rl.cleanupRoutine()

	return rl
}

// Allow records one event for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]

	if !exists || now.After(b.resetTime) {
		if !exists && len(rl.buckets) >= rl.maxBuckets {
			rl.evictOldest()
		}
		rl.buckets[key] = &bucket{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return rl.maxTokens >= 1
	}

	if b.count >= rl.maxTokens {
		return false
	}

	b.count++
	return true
}

// Count returns the number of events recorded for key in the current window.
func (rl *RateLimiter) Count(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || rl.now().After(b.resetTime) {
		return 0
	}
	return b.count
}

func (rl *RateLimiter) cleanupRoutine() {
	defer rl.cleanupWG.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.After(b.resetTime) {
			delete(rl.buckets, key)
		}
	}
}

// evictOldest removes the bucket closest to expiry (called with lock held).
func (rl *RateLimiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, b := range rl.buckets {
		if oldestKey == "" || b.resetTime.Before(oldestTime) {
			oldestKey = key
			oldestTime = b.resetTime
		}
	}

	if oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// Stop halts the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
		rl.cleanupWG.Wait()
	})
}
