package api

import (
	"encoding/json"
	"sync"
)

// SSEEvent is one journey event as streamed to clients. Data is the JSON
// encoding of journey.Event.
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventBroker fans journey events out to stream subscribers of a route.
type EventBroker interface {
	Subscribe(routeID string) chan SSEEvent
	Unsubscribe(routeID string, ch chan SSEEvent)
	Publish(routeID string, evt SSEEvent)
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // routeId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(routeID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(routeID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[routeID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, routeID)
	}
	close(ch)
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(routeID string, evt SSEEvent) {
	b.mu.Lock()
	for ch := range b.subs[routeID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
