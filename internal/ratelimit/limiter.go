// Package ratelimit implements the per-case fixed-window counter guarding
// the poll endpoint. A flood against one case never affects polling of
// another.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults recommended by the protocol: 60 requests per rolling 60 seconds.
const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// Limiter is the rate-limit gate consulted before every poll. Check counts
// the call whether or not it is allowed, so a denied client cannot probe
// for the reset boundary without spending budget.
type Limiter interface {
	// Check records one request against the case window and reports
	// whether it fits the limit.
	Check(ctx context.Context, caseID string) Decision

	// Clear drops all tracking for a case. Called on terminal transition
	// to bound memory.
	Clear(ctx context.Context, caseID string)
}

// windowEntry is one case's counter within the current window.
type windowEntry struct {
	count   int
	resetAt time.Time
}

// WindowLimiter is the in-process Limiter: a map of per-case fixed windows.
// Windows are created lazily on first observation and reset when the stored
// deadline passes.
type WindowLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*windowEntry

	// now is swappable for tests.
	now func() time.Time
}

// Compile-time check.
var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter creates a limiter allowing limit requests per window per
// case. Non-positive arguments fall back to the protocol defaults.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &WindowLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Check implements Limiter.
func (l *WindowLimiter) Check(_ context.Context, caseID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	entry, ok := l.entries[caseID]
	if !ok || now.After(entry.resetAt) {
		entry = &windowEntry{resetAt: now.Add(l.window)}
		l.entries[caseID] = entry
	}

	entry.count++

	remaining := l.limit - entry.count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   entry.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
	}
}

// Clear implements Limiter.
func (l *WindowLimiter) Clear(_ context.Context, caseID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, caseID)
}
