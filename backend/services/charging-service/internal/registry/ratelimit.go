package registry

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter per key.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter allows limit events per key within window. A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key. Rejected events count toward the window too.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	recent := prune(l.hits[key], now.Add(-l.window))
	recent = append(recent, now)
	l.hits[key] = recent
	return len(recent) <= l.limit
}

// Prune drops expired events and empty keys.
func (l *RateLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, hits := range l.hits {
		if kept := prune(hits, cutoff); len(kept) > 0 {
			l.hits[key] = kept
		} else {
			delete(l.hits, key)
		}
	}
}

// Reset forgets every key.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string][]time.Time)
}

func (l *RateLimiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
