package web

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openhitl/reviewd/internal/notify"
	"github.com/openhitl/reviewd/internal/review"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second

	// pingInterval keeps the connection alive through idle stretches.
	pingInterval = 30 * time.Second
)

// upgrader specifies parameters for upgrading an HTTP connection to
// WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Allow if no origin header (same-origin requests).
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// wsFrame is the JSON frame carried over the WebSocket transport. It mirrors
// the SSE frame fields.
type wsFrame struct {
	Event string           `json:"event"`
	ID    string           `json:"id"`
	Data  notify.EventData `json:"data"`
}

// wsSubscriber bridges the hub to one WebSocket connection. Writes are
// serialized; a failed write reports the error so the hub drops the
// subscriber.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send implements notify.Subscriber.
func (s *wsSubscriber) Send(ev notify.Event) error {
	return s.write(wsFrame{Event: ev.Name, ID: ev.ID, Data: ev.Data})
}

func (s *wsSubscriber) write(frame wsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (s *wsSubscriber) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteControl(websocket.PingMessage, nil,
		time.Now().Add(writeWait))
}

// handleWebSocket handles GET /api/reviews/{case_id}/ws: the same lifecycle
// events as the SSE stream, over a WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("case_id")

	c, err := s.engine.Get(r.Context(), caseID)
	if err != nil || c.IsNone() {
		w.Header().Set("Content-Type", "application/json")
		writeEngineError(w, review.ErrCaseNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}

	// Subscribe before reloading the snapshot so a transition landing in
	// between is delivered rather than lost. A frame older than the
	// snapshot carries a smaller version id; consumers dedupe on it.
	unsubscribe := s.engine.Hub().Subscribe(caseID, sub)
	defer unsubscribe()

	// Snapshot frame first, then live events.
	c, err = s.engine.Get(r.Context(), caseID)
	if err == nil {
		c.WhenSome(func(c *review.Case) {
			if err := sub.Send(review.EventFor(c)); err != nil {
				log.Warn().Err(err).
					Msg("websocket snapshot write failed")
			}
		})
	}

	// The read loop only watches for the client closing; inbound frames
	// carry nothing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case <-r.Context().Done():
			return

		case <-ping.C:
			if err := sub.ping(); err != nil &&
				!errors.Is(err, websocket.ErrCloseSent) {

				return
			}
		}
	}
}
