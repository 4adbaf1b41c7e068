package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock for window tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*WindowLimiter,
	*testClock) {

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewWindowLimiter(limit, window)
	l.now = clock.Now

	return l, clock
}

// TestWindowLimiter_Budget verifies that all calls within the budget are
// allowed with decreasing remaining, and the first call over budget is
// denied with remaining 0.
func TestWindowLimiter_Budget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newTestLimiter(60, time.Minute)

	for i := 1; i <= 60; i++ {
		d := l.Check(ctx, "rc_1")
		require.True(t, d.Allowed, "call %d should be allowed", i)
		require.Equal(t, 60-i, d.Remaining)
		require.Equal(t, 60, d.Limit)
	}

	d := l.Check(ctx, "rc_1")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

// TestWindowLimiter_DeniedCallsCount verifies that denied calls still spend
// budget, so a client cannot probe for the reset boundary for free.
func TestWindowLimiter_DeniedCallsCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newTestLimiter(2, time.Minute)

	require.True(t, l.Check(ctx, "rc_1").Allowed)
	require.True(t, l.Check(ctx, "rc_1").Allowed)

	for i := 0; i < 5; i++ {
		require.False(t, l.Check(ctx, "rc_1").Allowed)
	}

	l.mu.Lock()
	count := l.entries["rc_1"].count
	l.mu.Unlock()
	require.Equal(t, 7, count)
}

// TestWindowLimiter_WindowReset verifies the counter resets once the window
// elapses.
func TestWindowLimiter_WindowReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clock := newTestLimiter(2, time.Minute)

	require.True(t, l.Check(ctx, "rc_1").Allowed)
	require.True(t, l.Check(ctx, "rc_1").Allowed)
	require.False(t, l.Check(ctx, "rc_1").Allowed)

	clock.Advance(time.Minute + time.Second)

	d := l.Check(ctx, "rc_1")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)
}

// TestWindowLimiter_PerCaseIsolation verifies a flood against one case does
// not affect another.
func TestWindowLimiter_PerCaseIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 10; i++ {
		l.Check(ctx, "rc_noisy")
	}
	require.False(t, l.Check(ctx, "rc_noisy").Allowed)

	d := l.Check(ctx, "rc_quiet")
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Remaining)
}

// TestWindowLimiter_Clear verifies Clear drops tracking and the next check
// starts a fresh window.
func TestWindowLimiter_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _ := newTestLimiter(2, time.Minute)

	l.Check(ctx, "rc_1")
	l.Check(ctx, "rc_1")
	require.False(t, l.Check(ctx, "rc_1").Allowed)

	l.Clear(ctx, "rc_1")

	l.mu.Lock()
	_, tracked := l.entries["rc_1"]
	l.mu.Unlock()
	require.False(t, tracked)

	require.True(t, l.Check(ctx, "rc_1").Allowed)
}

// TestWindowLimiter_Defaults verifies non-positive arguments fall back to
// the protocol defaults.
func TestWindowLimiter_Defaults(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(0, 0)
	require.Equal(t, DefaultLimit, l.limit)
	require.Equal(t, DefaultWindow, l.window)
}
