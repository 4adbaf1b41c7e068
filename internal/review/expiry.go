package review

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineEntry is one scheduled action in the deadline heap.
type deadlineEntry struct {
	key       string
	at        time.Time
	fn        func()
	index     int
	cancelled bool
}

// deadlineHeap is a min-heap ordered by deadline.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	entry := x.(*deadlineEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Scheduler fires keyed actions at deadlines using a single goroutine over
// a min-heap, rather than one OS timer per case. Cancellation is lazy: a
// cancelled entry stays in the heap and is dropped when it surfaces.
type Scheduler struct {
	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string]*deadlineEntry

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewScheduler creates a stopped scheduler; call Start to begin firing.
func NewScheduler() *Scheduler {
	return &Scheduler{
		entries: make(map[string]*deadlineEntry),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the firing goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler and waits for the firing goroutine to exit.
// Pending actions are dropped.
func (s *Scheduler) Stop() {
	close(s.quit)
	<-s.done
}

// Schedule registers fn to run at the given deadline. Scheduling the same
// key again replaces the previous deadline.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		prev.cancelled = true
	}

	entry := &deadlineEntry{key: key, at: at, fn: fn}
	s.entries[key] = entry
	heap.Push(&s.heap, entry)
	s.mu.Unlock()

	s.kick()
}

// Cancel drops the pending action for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		entry.cancelled = true
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// kick nudges the run loop to re-read the earliest deadline.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the scheduler loop: sleep until the earliest live deadline, fire
// it, repeat. Actions run outside the lock so they may reschedule freely.
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		fn, wait, idle := s.next()

		if fn != nil {
			fn()
			continue
		}

		if idle {
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.quit:
			timer.Stop()
			return
		}
	}
}

// next pops a due action if one exists. Otherwise it reports either the
// wait until the earliest deadline or that the heap is idle.
func (s *Scheduler) next() (fn func(), wait time.Duration, idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		top := s.heap[0]

		if top.cancelled {
			heap.Pop(&s.heap)
			continue
		}

		now := time.Now()
		if top.at.After(now) {
			return nil, top.at.Sub(now), false
		}

		heap.Pop(&s.heap)
		if s.entries[top.key] == top {
			delete(s.entries, top.key)
		}

		return top.fn, 0, false
	}

	return nil, 0, true
}
