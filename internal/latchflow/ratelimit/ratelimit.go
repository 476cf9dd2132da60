// Package ratelimit provides a fixed-window rate limiter for
// authentication endpoints. Windows are tracked per caller key so one
// noisy client cannot lock out everyone else.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter. Each key has an independent
// counter that resets after the window duration elapses.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

// New returns a limiter allowing limit calls per window for each key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Key builds the canonical bucket key for an auth attempt: the remote
// IP combined with the subject under attack (email, user code, ...).
// Keeping both in the key means a distributed guess against one subject
// and a single host guessing many subjects both hit the limit.
func Key(ip, subject string) string {
	return ip + "|" + subject
}

// Allow returns true if the key is within its rate limit, false when
// exceeded. It is safe for concurrent use from multiple goroutines.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &windowBucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

// Sweep drops buckets whose window has expired. Called opportunistically
// by long-running owners so the map does not grow without bound.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}
