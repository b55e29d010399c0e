package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
)

const (
	keepaliveInterval = 30 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

// handleGetEvents returns persisted events newer than since, newest first.
// GET /api/events?since=<ms>&limit=50
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Events == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid 'since' parameter")
			return
		}
		since = n
	}
	limit := queryInt(r, "limit", 50)

	store := s.deps.Events.Store()
	if store == nil {
		// No persistent store: fall back to the in-memory ring.
		events := []*eventbus.Event{}
		for _, ev := range s.deps.Events.GetRecentEvents(0, "") {
			if ev.Millis() > since {
				events = append(events, ev)
			}
			if len(events) == limit {
				break
			}
		}
		s.respondJSON(w, http.StatusOK, events)
		return
	}

	events, err := store.Since(r.Context(), since, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read events: %v", err))
		return
	}
	if events == nil {
		events = []*eventbus.Event{}
	}
	s.respondJSON(w, http.StatusOK, events)
}

// handleEventStream handles SSE endpoint for real-time event updates
// GET /api/events/stream
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Events == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	eventType := r.URL.Query().Get("type")
	subscriberID := "sse-" + uuid.NewString()
	sub := s.deps.Events.Subscribe(subscriberID, func(ev *eventbus.Event) bool {
		return eventType == "" || string(ev.Type) == eventType
	})
	defer s.deps.Events.Unsubscribe(subscriberID)

	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"timestamp\":%d}\n\n", time.Now().UnixMilli())
	flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()
		}
	}
}

// handleEventSocket pushes every event as a JSON text frame.
// GET /api/events/ws
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event bus not available")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	subscriberID := "ws-" + uuid.NewString()
	sub := s.deps.Events.Subscribe(subscriberID, nil)
	defer s.deps.Events.Unsubscribe(subscriberID)

	// The read side only exists to observe pongs and the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[API] WebSocket read error: %v", err)
				}
				return
			}
		}
	}()

	hello, _ := json.Marshal(map[string]interface{}{"type": "connected", "timestamp": time.Now().UnixMilli()})
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	ping := time.NewTicker(keepaliveInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-sub.Channel:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
