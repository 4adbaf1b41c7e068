// Package notify implements the per-case notification fan-out that keeps
// event-stream subscribers consistent with the lifecycle engine. The hub is
// transport-agnostic: SSE and WebSocket handles both implement Subscriber.
package notify

import (
	"sync"

	"github.com/openhitl/reviewd/internal/metrics"
)

// Event is one lifecycle notification frame.
type Event struct {
	// Name is the event type, "review.{status}".
	Name string

	// ID is the per-event identifier carried in the stream's id field.
	ID string

	// Data is the JSON-marshalable payload: case_id, status, and result
	// once completed.
	Data EventData
}

// EventData is the payload of a lifecycle event.
type EventData struct {
	CaseID string `json:"case_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// Subscriber is a live stream handle. Send must not block indefinitely; a
// send failure marks the subscriber disconnected and the hub drops it.
type Subscriber interface {
	Send(ev Event) error
}

// Hub maps case IDs to their live subscribers. Because transitions on a
// single case are fully serialized through the engine, publish order equals
// transition order without any extra sequencing here.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe registers a handle for a case and returns the closure that
// releases it. The closure is idempotent and must be invoked on disconnect.
func (h *Hub) Subscribe(caseID string, sub Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[caseID]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.subs[caseID] = set
	}
	set[sub] = struct{}{}
	metrics.ActiveSubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.remove(caseID, sub)
		})
	}
}

// remove drops one subscriber, deleting the case entry when its set is
// empty so the map never accumulates dangling empty sets. Callers hold mu.
func (h *Hub) remove(caseID string, sub Subscriber) {
	set, ok := h.subs[caseID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	metrics.ActiveSubscribers.Dec()

	if len(set) == 0 {
		delete(h.subs, caseID)
	}
}

// Publish pushes an event to every live subscriber of a case. A subscriber
// whose send fails is treated as disconnected and removed eagerly; the
// failure never interrupts delivery to the rest.
func (h *Hub) Publish(caseID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[caseID]
	if !ok {
		return
	}

	var dead []Subscriber
	for sub := range set {
		if err := sub.Send(ev); err != nil {
			dead = append(dead, sub)
		}
	}

	for _, sub := range dead {
		h.remove(caseID, sub)
	}
}

// SubscriberCount returns the number of live subscribers for a case.
func (h *Hub) SubscriberCount(caseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[caseID])
}
