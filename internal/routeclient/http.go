package routeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"mealroute/internal/metrics"
	"mealroute/internal/obs"
)

// UpstreamError reports a failed engine call. Status is 0 when no response
// arrived; Timeout is set when the call hit its deadline.
type UpstreamError struct {
	Op      string
	Status  int
	Message string
	Timeout bool
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("optimizer %s: timed out: %s", e.Op, e.Message)
	case e.Status == 0:
		return fmt.Sprintf("optimizer %s: unreachable: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("optimizer %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Retryable reports whether the same request may succeed if sent again.
func (e *UpstreamError) Retryable() bool {
	if e.Timeout || e.Status == 0 {
		return true
	}
	switch e.Status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := obs.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, transportError(op, req.Context(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &UpstreamError{Op: op, Status: resp.StatusCode, Message: upstreamMessage(b)}
	}
	return resp, nil
}

// doWithRetry retries transient failures (network errors, 429 and 5xx
// responses) using exponential backoff while respecting context cancellation.
func (c *Client) doWithRetry(ctx context.Context, op string, attempts int, makeReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := c.backoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, transportError(op, ctx, err)
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := c.do(op, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var ue *UpstreamError
		if !errors.As(err, &ue) || !ue.Retryable() || ctx.Err() != nil || attempt == attempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, transportError(op, ctx, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

// call posts in, decodes the 2xx body into out and records metrics.
func (c *Client) call(ctx context.Context, op, path string, timeout time.Duration, attempts int, in, out any) (err error) {
	defer obs.Time(ctx, "optimizer."+op)(&err)
	start := time.Now()
	defer func() {
		metrics.UpstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.UpstreamCalls.WithLabelValues(op, outcome(err)).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *http.Response
	if attempts > 1 {
		resp, err = c.doWithRetry(ctx, op, attempts, func() (*http.Request, error) { return c.newRequest(ctx, path, in) })
	} else {
		var req *http.Request
		if req, err = c.newRequest(ctx, path, in); err != nil {
			return err
		}
		resp, err = c.do(op, req)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(op, ctx, err)
		}
		return &UpstreamError{Op: op, Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

func transportError(op string, ctx context.Context, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	if !timeout && errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Op: op, Message: err.Error(), Timeout: timeout}
}

// upstreamMessage pulls "error" or "message" out of a JSON error body and
// falls back to the trimmed text.
func upstreamMessage(b []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(b, &body) == nil {
		for _, s := range []string{body.Message, body.Error, body.Detail} {
			if s != "" {
				return s
			}
		}
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return "empty response body"
	}
	return msg
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Timeout:
			return "timeout"
		case ue.Status != 0:
			return "http_error"
		}
	}
	return "error"
}
