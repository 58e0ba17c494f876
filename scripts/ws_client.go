// Package main runs a demo WebSocket client for journey events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	routeID := os.Getenv("ROUTE_ID")
	if len(os.Args) > 1 {
		routeID = os.Args[1]
	}
	if routeID == "" {
		log.Fatal("usage: ws_client ROUTE_ID")
	}
	// dev-mode token: user:ROLE
	token := "Bearer demo-driver:DELIVERY_EXECUTIVE"
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/journey/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]any{"route_id": routeID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger a journey.started event
	time.Sleep(500 * time.Millisecond)
	body, _ := json.Marshal(map[string]string{"route_id": routeID})
	req, _ := http.NewRequest(http.MethodPost, base+"/journey/start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("start: %v", err)
	} else {
		log.Printf("start: %s", resp.Status)
		_ = resp.Body.Close()
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
