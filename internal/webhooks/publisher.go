package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Subscription is one configured receiver. Empty Events receives everything.
type Subscription struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

type Publisher struct {
	Queue Queue
	Subs  []Subscription
}

func NewPublisher(q Queue, subs []Subscription) *Publisher {
	return &Publisher{Queue: q, Subs: subs}
}

// Emit enqueues an event for every subscription that wants it. Delivery is
// asynchronous; see Worker.
func (p *Publisher) Emit(ctx context.Context, eventType, routeID string, data any) {
	if p == nil || len(p.Subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":      "evt_" + uuid.New().String(),
		"type":    eventType,
		"routeId": routeID,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"data":    data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhooks: encode %s for route=%s: %v", eventType, routeID, err)
		return
	}
	for _, s := range p.Subs {
		if !s.wants(eventType) {
			continue
		}
		if _, err := p.Queue.Enqueue(ctx, Delivery{EventType: eventType, URL: s.URL, Secret: s.Secret, Payload: body}); err != nil {
			log.Printf("webhooks: enqueue %s to %s: %v", eventType, s.URL, err)
		}
	}
}
