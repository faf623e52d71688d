// Package ratelimit implements the dispatch-side fixed-window throttle used
// before any job is handed to a provider.
package ratelimit

import (
	"sync"
	"time"

	"enrichment-workers/internal/models"
)

// Decision is the outcome of a rate-limit check. When not allowed, RetryAfter
// is the time left in the nearest exceeded window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

func (w *window) roll(now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
}

func (w *window) remaining(now time.Time, size time.Duration) time.Duration {
	return w.start.Add(size).Sub(now)
}

type providerWindows struct {
	second   window
	minute   window
	hour     window
	lastSeen time.Time
}

// Limiter tracks per-provider rolling second/minute/hour counters. Counters
// reset lazily on window expiry; no background goroutines.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*providerWindows
	clock   func() time.Time
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock injects the time source; tests freeze it.
func NewWithClock(clock func() time.Time) *Limiter {
	return &Limiter{
		entries: make(map[string]*providerWindows),
		clock:   clock,
	}
}

// Check increments all three windows when the call is allowed, or returns a
// denial with the shortest wait that will free the limiting window. A zero
// limit means the window is unconstrained.
func (l *Limiter) Check(providerID string, limits models.RateLimits) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	pw, ok := l.entries[providerID]
	if !ok {
		pw = &providerWindows{
			second: window{start: now},
			minute: window{start: now},
			hour:   window{start: now},
		}
		l.entries[providerID] = pw
	}
	pw.lastSeen = now

	pw.second.roll(now, time.Second)
	pw.minute.roll(now, time.Minute)
	pw.hour.roll(now, time.Hour)

	var retryAfter time.Duration
	exceeded := false
	checkWindow := func(w *window, size time.Duration, limit int) {
		if limit <= 0 || w.count < limit {
			return
		}
		if rem := w.remaining(now, size); !exceeded || rem < retryAfter {
			retryAfter = rem
		}
		exceeded = true
	}
	checkWindow(&pw.second, time.Second, limits.PerSecond)
	checkWindow(&pw.minute, time.Minute, limits.PerMinute)
	checkWindow(&pw.hour, time.Hour, limits.PerHour)

	if exceeded {
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	pw.second.count++
	pw.minute.count++
	pw.hour.count++
	return Decision{Allowed: true}
}

// Cleanup evicts providers that have not been checked within maxIdle.
// Scheduled every minute by the worker manager.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	evicted := 0
	for id, pw := range l.entries {
		if now.Sub(pw.lastSeen) > maxIdle {
			delete(l.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked providers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
