package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mealroute/internal/journey"
)

const heartbeatEvery = 15 * time.Second

// EventsHandler handles GET /journey/events/{route_id} as a server-sent
// event stream.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	id := pathRouteID(r)
	if id == "" {
		writeProblem(w, r, http.StatusBadRequest, "Invalid request", "route_id is required", journey.CodeMissingRoute, journey.RetryNo)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, "Streaming unsupported", "", codeStreamUnavail, journey.RetryNo)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\ndata: {\"route_id\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage follows the graphql-transport-ws envelope: connection_init,
// subscribe, next, complete, ping and pong.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	RouteID string   `json:"route_id"`
	Events  []string `json:"events,omitempty"`
}

// WSHandler handles /journey/ws. One connection may hold several route
// subscriptions, each optionally filtered by event type.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		payload, _ := json.Marshal([]map[string]string{{"message": msg}})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
	}

	type sub struct {
		routeID string
		ch      chan SSEEvent
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer func() {
		close(done)
		for _, s0 := range subs {
			s.Broker.Unsubscribe(s0.routeID, s0.ch)
		}
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			var pl wsSubscribe
			if err := json.Unmarshal(msg.Payload, &pl); err != nil || pl.RouteID == "" {
				fail(msg.ID, "route_id required")
				continue
			}
			if msg.ID == "" {
				fail("", "subscription id required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			ch := s.Broker.Subscribe(pl.RouteID)
			subs[msg.ID] = sub{routeID: pl.RouteID, ch: ch}
			go forwardEvents(msg.ID, ch, pl.Events, write)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.routeID, s0.ch)
				delete(subs, msg.ID)
			}
		}
	}
}

// forwardEvents relays ch to the socket until the broker closes it.
func forwardEvents(id string, ch chan SSEEvent, only []string, write func(wsMessage) error) {
	want := map[string]bool{}
	for _, t := range only {
		want[t] = true
	}
	for evt := range ch {
		if len(want) > 0 && !want[evt.Type] {
			continue
		}
		payload, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
		if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
			return
		}
	}
	_ = write(wsMessage{Type: "complete", ID: id})
}
