package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhitl/reviewd/internal/notify"
	"github.com/openhitl/reviewd/internal/review"
)

// heartbeatInterval is how often the SSE stream emits a comment frame to
// keep intermediaries from timing the connection out.
const heartbeatInterval = 30 * time.Second

// sseSubscriber bridges the hub to one SSE connection. Send never blocks:
// a client that cannot drain its buffer is dropped by the hub's eager
// removal rather than stalling publishers.
type sseSubscriber struct {
	events chan notify.Event
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		events: make(chan notify.Event, 16),
	}
}

// Send implements notify.Subscriber.
func (s *sseSubscriber) Send(ev notify.Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

// handleEventStream handles GET /api/reviews/{case_id}/events: an SSE
// stream of lifecycle events, opened with a snapshot of the current state
// so a late subscriber never misses where the case already is.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")

	// Subscribe before loading the snapshot so a transition landing in
	// between is buffered rather than lost. The replayed frame carries an
	// older version id than the snapshot; consumers dedupe on it.
	sub := newSSESubscriber()
	unsubscribe := s.engine.Hub().Subscribe(caseID, sub)
	defer unsubscribe()

	c, err := s.engine.Get(r.Context(), caseID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusInternalServerError, "internal",
			"failed to load case")
		return
	}
	if c.IsNone() {
		w.Header().Set("Content-Type", "application/json")
		writeEngineError(w, review.ErrCaseNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal",
			"streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Snapshot frame first, then live events.
	c.WhenSome(func(c *review.Case) {
		writeSSEFrame(w, review.EventFor(c))
	})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev := <-sub.events:
			writeSSEFrame(w, ev)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEFrame writes one event in wire format: event, data and id lines
// followed by a blank line.
func writeSSEFrame(w http.ResponseWriter, ev notify.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode SSE event")
		return
	}

	fmt.Fprintf(w, "event: %s\ndata: %s\nid: %s\n\n", ev.Name, data, ev.ID)
}
