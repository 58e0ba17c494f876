package webhooks

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"mealroute/internal/metrics"
)

type Worker struct {
	Queue       Queue
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
	Interval    time.Duration
}

func NewWorker(q Queue, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{Queue: q, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Interval: time.Second}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Queue.FetchDue(ctx, time.Now(), 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			_ = w.Queue.Fail(ctx, it.ID, err.Error(), 0)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
		if it.Secret != "" {
			req.Header.Set(SignatureHeader, SignHMAC(it.Secret, it.Payload))
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := time.Since(start)
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success {
			if err != nil {
				lastErr = err.Error()
			} else {
				lastErr = "status " + strconv.Itoa(code)
			}
		}
		status := "ok"
		if !success {
			status = "retry"
		}
		if !success && it.Attempts+1 >= w.MaxAttempts {
			status = "failed"
			log.Printf("webhooks: giving up id=%s type=%s url=%s attempts=%d err=%s", it.ID, it.EventType, it.URL, it.Attempts+1, lastErr)
			_ = w.Queue.Fail(ctx, it.ID, lastErr, code)
		} else {
			_ = w.Queue.Mark(ctx, it.ID, success, next, lastErr, code)
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency.Milliseconds()))
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
