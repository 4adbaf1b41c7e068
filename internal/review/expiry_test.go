package review

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScheduler_FiresInDeadlineOrder verifies actions fire by deadline, not
// by insertion order.
func TestScheduler_FiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan string, 3)
	now := time.Now()

	s.Schedule("c", now.Add(90*time.Millisecond), func() { fired <- "c" })
	s.Schedule("a", now.Add(10*time.Millisecond), func() { fired <- "a" })
	s.Schedule("b", now.Add(50*time.Millisecond), func() { fired <- "b" })

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case key := <-fired:
			got = append(got, key)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deadline to fire")
		}
	}

	require.Equal(t, []string{"a", "b", "c"}, got)
}

// TestScheduler_Cancel verifies a cancelled action never fires.
func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var fired atomic.Bool
	s.Schedule("x", time.Now().Add(30*time.Millisecond), func() {
		fired.Store(true)
	})
	s.Cancel("x")

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

// TestScheduler_RescheduleReplaces verifies scheduling the same key again
// drops the earlier deadline.
func TestScheduler_RescheduleReplaces(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var count atomic.Int32
	s.Schedule("x", time.Now().Add(20*time.Millisecond), func() {
		count.Add(1)
	})
	s.Schedule("x", time.Now().Add(60*time.Millisecond), func() {
		count.Add(1)
	})

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), count.Load())
}

// TestScheduler_PastDeadlineFiresImmediately verifies an already-lapsed
// deadline runs as soon as the loop sees it.
func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("stale", time.Now().Add(-time.Hour), func() {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past deadline did not fire")
	}
}

// TestScheduler_ActionMayReschedule verifies an action can schedule a
// follow-up without deadlocking the loop.
func TestScheduler_ActionMayReschedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	second := make(chan struct{})
	s.Schedule("first", time.Now(), func() {
		s.Schedule("second", time.Now().Add(10*time.Millisecond),
			func() {
				close(second)
			})
	})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("rescheduled action did not fire")
	}
}
