package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every API
// instance sees events written by any other.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[chan SSEEvent]*redis.PubSub
}

// NewRedisBroker connects to url and verifies the connection.
func NewRedisBroker(ctx context.Context, url, prefix string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis broker: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis broker: ping: %w", err)
	}
	if prefix == "" {
		prefix = "journey-events"
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, subs: map[chan SSEEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(routeID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(routeID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		log.Printf("redis broker subscribe route=%s err=%v", routeID, err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; the reader goroutine then
// closes ch.
func (b *RedisBroker) Unsubscribe(routeID string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(routeID string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := b.rdb.Publish(ctx, b.chanName(routeID), data).Err(); err != nil {
		log.Printf("redis broker publish route=%s type=%s err=%v", routeID, evt.Type, err)
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(routeID string) string { return b.prefix + ":route:" + routeID }
