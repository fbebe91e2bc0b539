// Package ratelimit implements a keyed fixed-window request counter.
//
// The same Limiter gates inbound HTTP endpoints (keyed by client IP) and
// outbound upstream calls (keyed by API credential).
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a single CheckLimit call.
type Result struct {
	Success   bool          `json:"success"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// ResetInSeconds rounds ResetIn up to whole seconds, suitable for a Retry-After header.
func (r Result) ResetInSeconds() int {
	secs := int(r.ResetIn / time.Second)
	if r.ResetIn%time.Second != 0 {
		secs++
	}
	return secs
}

type window struct {
	count int
	start time.Time
}

// Limiter tracks request counts per key over fixed windows.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New creates a Limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Limiter with an injectable clock (for testing).
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

// CheckLimit counts one request against key and reports whether it is allowed.
// The read and the increment happen under the same lock.
func (l *Limiter) CheckLimit(key string, limit int, windowLen time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= windowLen {
		w = &window{start: now}
		l.windows[key] = w
	}

	resetIn := windowLen - now.Sub(w.start)
	if w.count >= limit {
		return Result{Success: false, Remaining: 0, ResetIn: resetIn}
	}

	w.count++
	return Result{Success: true, Remaining: limit - w.count, ResetIn: resetIn}
}

// Reset forgets the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Sweep drops windows that started more than maxAge ago and returns how many were removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
