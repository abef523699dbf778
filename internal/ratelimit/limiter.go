// Package ratelimit implements the sliding-window admission limiter keyed by
// client identifier.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

// Limiter counts admissions per key inside a trailing window. Memory per key
// is O(admissions in window); idle keys are dropped by GC.
type Limiter struct {
	limit  int
	window time.Duration
	clock  model.Clock

	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	removed    bool
}

// New creates a limiter allowing limit admissions per key within win.
func New(limit int, win time.Duration, clock model.Clock) *Limiter {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Limiter{
		limit:   limit,
		window:  win,
		clock:   clock,
		windows: make(map[string]*window),
	}
}

// ClientKey picks the limiter key for a request: the IP when known, otherwise
// a namespaced fallback such as a session or user-agent fingerprint.
func ClientKey(remoteIP, fallback string) string {
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		return "ip:" + ip
	}
	if fallback == "" {
		fallback = "unknown"
	}
	return "anon:" + fallback
}

// Check records an admission for key and reports whether it is allowed.
// Rejected attempts are not recorded, so a client that backs off regains
// capacity exactly one window after its oldest admission.
func (l *Limiter) Check(key string) bool {
	for {
		w := l.getOrCreate(key)

		w.mu.Lock()
		if w.removed {
			// Collected between lookup and lock; take the fresh entry.
			w.mu.Unlock()
			continue
		}

		now := l.clock.Now()
		w.purge(now.Add(-l.window))

		if len(w.timestamps) >= l.limit {
			w.mu.Unlock()
			return false
		}
		w.timestamps = append(w.timestamps, now)
		w.mu.Unlock()
		return true
	}
}

// Remaining returns how many admissions key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return l.limit
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(l.clock.Now().Add(-l.window))
	return l.limit - len(w.timestamps)
}

// RetryAfter returns how long until key regains one admission. Zero when
// the key has capacity now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := l.clock.Now()
	w.purge(now.Add(-l.window))
	if len(w.timestamps) < l.limit {
		return 0
	}
	return w.timestamps[0].Add(l.window).Sub(now)
}

// GC drops keys with no admissions inside the window. Returns the number of
// keys removed.
func (l *Limiter) GC() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.purge(cutoff)
		if len(w.timestamps) == 0 {
			w.removed = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	metrics.RateLimitKeys.Set(float64(len(l.windows)))
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

func (l *Limiter) getOrCreate(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// purge drops timestamps at or before cutoff. Must be called with w.mu held.
func (w *window) purge(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}
