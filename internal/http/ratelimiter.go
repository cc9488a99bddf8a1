package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evictLocked(now)
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

func (l *SlidingWindowLimiter) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.events) == 0
}

func (l *SlidingWindowLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
}

// keyedPruneThreshold is the tracked-key count above which idle keys are evicted.
const keyedPruneThreshold = 1024

// KeyedLimiter applies an independent sliding window per caller key.
type KeyedLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*SlidingWindowLimiter
}

// NewKeyedLimiter constructs a limiter allowing limit events per window for every key.
func NewKeyedLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &KeyedLimiter{
		window:   window,
		limit:    limit,
		now:      timeSource,
		limiters: make(map[string]*SlidingWindowLimiter),
	}
}

// Allow reports whether key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.limit <= 0 || k.window <= 0 {
		return true
	}
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= keyedPruneThreshold {
			k.pruneLocked()
		}
		limiter = NewSlidingWindowLimiter(k.window, k.limit, k.now)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

// Tracked reports how many keys currently hold limiter state.
func (k *KeyedLimiter) Tracked() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *KeyedLimiter) pruneLocked() {
	for key, limiter := range k.limiters {
		if limiter.idle() {
			delete(k.limiters, key)
		}
	}
}
