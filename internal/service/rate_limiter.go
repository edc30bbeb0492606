package service

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements per-client submission windows and a bound on
// concurrently running batches
type RateLimiter struct {
	mu sync.RWMutex

	// Concurrent batch runs per key
	maxConcurrentRunning int
	running              map[string]int

	// Per-client submission rate limit
	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxConcurrentRunning, maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxConcurrentRunning:    maxConcurrentRunning,
		running:                 make(map[string]int),
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
	}
}

// AcquireSlot reserves one concurrent run for key. The returned release
// func must be called when the run ends; calling it more than once is a no-op.
func (rl *RateLimiter) AcquireSlot(ctx context.Context, key string) (func(), error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.maxConcurrentRunning > 0 && rl.running[key] >= rl.maxConcurrentRunning {
		return nil, ErrTooManyBatches
	}
	rl.running[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()
			rl.running[key]--
			if rl.running[key] <= 0 {
				delete(rl.running, key)
			}
		})
	}, nil
}

// Running returns the number of active runs for key
func (rl *RateLimiter) Running(key string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.running[key]
}

// CheckSubmissionRate checks if a client can submit more URLs
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, clientID string) error {
	if rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window, exists := rl.submissionWindows[clientID]

	if !exists || now.After(window.windowEnd) {
		// New window or expired window
		rl.submissionWindows[clientID] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}
