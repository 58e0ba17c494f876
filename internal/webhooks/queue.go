package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is one pending POST of an event to a subscriber.
type Delivery struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	LastCode      int
	Status        string // pending, delivered, failed
}

// Queue holds deliveries between Emit and the worker.
type Queue interface {
	Enqueue(ctx context.Context, d Delivery) (string, error)
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	Mark(ctx context.Context, id string, success bool, next time.Time, lastError string, code int) error
	Fail(ctx context.Context, id string, lastError string, code int) error
}

var errUnknownDelivery = errors.New("unknown delivery")

// MemoryQueue is a process-local Queue. Pending deliveries are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*Delivery
	max   int
}

// NewMemoryQueue bounds the number of pending deliveries; the oldest pending
// delivery is dropped when full.
func NewMemoryQueue(max int) *MemoryQueue {
	if max <= 0 {
		max = 10000
	}
	return &MemoryQueue{items: map[string]*Delivery{}, max: max}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, d Delivery) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = time.Now()
	}
	d.Status = "pending"
	if q.pendingLocked() >= q.max {
		q.dropOldestLocked()
	}
	q.items[d.ID] = &d
	return d.ID, nil
}

func (q *MemoryQueue) pendingLocked() int {
	n := 0
	for _, d := range q.items {
		if d.Status == "pending" {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) dropOldestLocked() {
	var oldest *Delivery
	for _, d := range q.items {
		if d.Status == "pending" && (oldest == nil || d.NextAttemptAt.Before(oldest.NextAttemptAt)) {
			oldest = d
		}
	}
	if oldest != nil {
		delete(q.items, oldest.ID)
	}
}

func (q *MemoryQueue) FetchDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []Delivery{}
	for _, d := range q.items {
		if d.Status == "pending" && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Mark(ctx context.Context, id string, success bool, next time.Time, lastError string, code int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.items[id]
	if !ok {
		return errUnknownDelivery
	}
	d.Attempts++
	d.LastError, d.LastCode = lastError, code
	if success {
		// delivered rows are not kept
		delete(q.items, id)
		return nil
	}
	d.NextAttemptAt = next
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, lastError string, code int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.items[id]
	if !ok {
		return errUnknownDelivery
	}
	d.Attempts++
	d.LastError, d.LastCode = lastError, code
	d.Status = "failed"
	return nil
}

// Get returns a copy of a delivery, for tests and debugging.
func (q *MemoryQueue) Get(id string) (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.items[id]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}
