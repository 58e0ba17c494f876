package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealroute/internal/auth"
	"mealroute/internal/journey"
	"mealroute/internal/metrics"
	"mealroute/internal/model"
	"mealroute/internal/reconcile"
	"mealroute/internal/routeclient"
	"mealroute/internal/store"
	"mealroute/internal/webhooks"
)

const (
	testDate  = "2024-06-01"
	driverTok = "Bearer drv1:DELIVERY_EXECUTIVE"
	mgrTok    = "Bearer boss:DELIVERY_MANAGER"
)

type stubOptimizer struct{}

func (stubOptimizer) Plan(ctx context.Context, req model.PlanRequest) (routeclient.PlanResponse, error) {
	return routeclient.PlanResponse{}, nil
}

func (stubOptimizer) PredictStartTime(ctx context.Context, in routeclient.PredictStartInput) (routeclient.PredictStartResponse, error) {
	return routeclient.PredictStartResponse{RecommendedStartAt: time.Date(2024, 6, 1, 5, 30, 0, 0, time.UTC), EstimatedMinutes: 95}, nil
}

func (stubOptimizer) Reoptimize(ctx context.Context, in routeclient.ReoptimizeInput) (routeclient.ReoptimizeResponse, error) {
	ids := make([]string, 0, len(in.Stops))
	for _, s := range in.Stops {
		ids = append(ids, s.PlannedStopID)
	}
	return routeclient.ReoptimizeResponse{OrderedStopIDs: ids}, nil
}

func (stubOptimizer) CheckTraffic(ctx context.Context, in routeclient.TrafficInput) (routeclient.TrafficResponse, error) {
	return routeclient.TrafficResponse{}, &routeclient.UpstreamError{Op: "traffic", Timeout: true, Message: "deadline exceeded"}
}

type testEnv struct {
	srv   *Server
	h     http.Handler
	st    *store.Memory
	queue *webhooks.MemoryQueue
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.ReplacePlannedStops(context.Background(), "R1", testDate, []model.PlannedStop{
		{ID: "b1", Session: model.SessionBreakfast, StopOrder: 1, DeliveryID: "d-b1", DeliveryName: "Asha"},
		{ID: "b2", Session: model.SessionBreakfast, StopOrder: 2, DeliveryID: "d-b2", DeliveryName: "Bala"},
		{ID: "bh", Session: model.SessionBreakfast, StopOrder: 3, DeliveryName: model.HubStopName},
	}))
	now := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	clock := model.Clock{Loc: time.UTC, Now: func() time.Time { return now }}
	lc := journey.New(st, stubOptimizer{}, clock, journey.Config{})
	rc := reconcile.New(st, clock, reconcile.Options{})
	q := webhooks.NewMemoryQueue(100)
	pub := webhooks.NewPublisher(q, []webhooks.Subscription{{URL: "http://hooks.local/j", Secret: "s", Events: []string{journey.EventJourneyStarted}}})
	s := NewServer(lc, rc, st, nil, pub, &auth.Verifier{Mode: "dev"})
	return &testEnv{srv: s, h: s.Handler(), st: st, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func problemOf(t *testing.T, rr *httptest.ResponseRecorder) Problem {
	t.Helper()
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p), rr.Body.String())
	return p
}

func TestHealthReady(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestAuthRequired(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodGet, "/route/R1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	p := problemOf(t, rr)
	assert.Equal(t, codeUnauthorized, p.Code)
	assert.Equal(t, "no", p.Retry)

	rr = e.do(t, http.MethodGet, "/route/R1/status", "Bearer nobody:CUSTOMER", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/route/R1/status", "Bearer guest:", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// dev header fallback
	req := httptest.NewRequest(http.MethodGet, "/route/R1/status?date="+testDate, nil)
	req.Header.Set("X-User-Id", "drv1")
	req.Header.Set("X-Roles", "delivery_executive")
	hr := httptest.NewRecorder()
	e.h.ServeHTTP(hr, req)
	assert.Equal(t, http.StatusOK, hr.Code)
}

func TestHeaderFallbackRejectedOutsideDevMode(t *testing.T) {
	e := newTestServer(t)
	e.srv.Auth = &auth.Verifier{Mode: "hmac", Secrets: auth.StaticSecret("k")}
	req := httptest.NewRequest(http.MethodGet, "/route/R1/status", nil)
	req.Header.Set("X-User-Id", "drv1")
	req.Header.Set("X-Roles", "DELIVERY_MANAGER")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPlanIsManagerOnly(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodPost, "/route/plan", driverTok, map[string]any{})
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, codeForbidden, problemOf(t, rr).Code)

	rr = e.do(t, http.MethodPost, "/route/plan", mgrTok, map[string]any{"date": testDate})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, journey.CodeInvalidDriverCount, problemOf(t, rr).Code)
}

func TestJourneyFlow(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodPost, "/journey/start", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var started model.StartResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	assert.Equal(t, "drv1", started.DriverID, "driver defaults to the caller")

	rr = e.do(t, http.MethodPost, "/journey/start", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"already_started":true`)

	rr = e.do(t, http.MethodPost, "/journey/mark-stop", driverTok, map[string]any{
		"route_id": "R1", "stop_order": 1, "session": "Breakfast",
		"current_location": map[string]float64{"lat": 12.9, "lng": 77.6},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/route/R1/status?date="+testDate, driverTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st model.JourneyStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.IsJourneyStarted)
	require.Len(t, st.MarkedStops, 1)
	assert.Equal(t, model.SessionBreakfast, st.MarkedStops[0].Session)
	assert.Empty(t, st.CompletedSessions)

	rr = e.do(t, http.MethodGet, "/journey/route-order/R1", driverTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"is_hub":true`)

	rr = e.do(t, http.MethodGet, "/journey/location/R1", driverTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"lat":12.9`)

	end := map[string]any{"route_id": "R1", "latitude": 12.95, "longitude": 77.61}
	rr = e.do(t, http.MethodPost, "/journey/end", driverTok, end)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/journey/location/R1?date="+testDate, driverTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"lat":12.95`, "journey end is the newest position")

	rr = e.do(t, http.MethodPost, "/journey/end", driverTok, end)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, journey.CodeJourneyEnded, problemOf(t, rr).Code)

	due, err := e.queue.FetchDue(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "only journey.started is subscribed")
	assert.Equal(t, journey.EventJourneyStarted, due[0].EventType)
}

func TestValidationProblems(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodPost, "/journey/mark-stop", driverTok, map[string]any{"stop_order": 1})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	p := problemOf(t, rr)
	assert.Equal(t, journey.CodeMissingRoute, p.Code)
	assert.Equal(t, "no", p.Retry)
	assert.Equal(t, "/journey/mark-stop", p.Instance)
	assert.NotEmpty(t, p.RequestID)

	req := httptest.NewRequest(http.MethodPost, "/journey/start", strings.NewReader("{not json"))
	req.Header.Set("Authorization", driverTok)
	bad := httptest.NewRecorder()
	e.h.ServeHTTP(bad, req)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, codeInvalidJSON, problemOf(t, bad).Code)

	rr = e.do(t, http.MethodGet, "/route/R1/status?date=01-06-2024", driverTok, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeInvalidQuery, problemOf(t, rr).Code)

	rr = e.do(t, http.MethodPost, "/journey/end-session", driverTok, map[string]any{"route_id": "R1", "session": "brunch"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, journey.CodeInvalidSession, problemOf(t, rr).Code)
}

func TestCheckTrafficUpstreamTimeout(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodPost, "/journey/check-traffic", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusGatewayTimeout, rr.Code, rr.Body.String())
	p := problemOf(t, rr)
	assert.Equal(t, journey.CodeUpstreamTimeout, p.Code)
	assert.Equal(t, "safe", p.Retry)
}

func TestPredictStart(t *testing.T) {
	e := newTestServer(t)
	rr := e.do(t, http.MethodPost, "/route/predict-start-time", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"estimated_minutes":95`)
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  *journey.Error
		want int
	}{
		{&journey.Error{Kind: journey.KindValidation, Code: journey.CodeAmbiguousStop, Retry: journey.RetryNo}, http.StatusBadRequest},
		{&journey.Error{Kind: journey.KindNotFound, Code: journey.CodeStopNotFound, Retry: journey.RetryNo}, http.StatusNotFound},
		{&journey.Error{Kind: journey.KindState, Code: journey.CodeSessionEnded, Retry: journey.RetryNo}, http.StatusConflict},
		{&journey.Error{Kind: journey.KindUpstream, Code: journey.CodeUpstreamError, Retry: journey.RetryCheckStatus}, http.StatusBadGateway},
		{&journey.Error{Kind: journey.KindUpstream, Code: journey.CodeUpstreamTimeout, Retry: journey.RetryCheckStatus}, http.StatusGatewayTimeout},
		{&journey.Error{Kind: journey.KindStore, Code: journey.CodeStoreError, Retry: journey.RetrySafe}, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, httptest.NewRequest(http.MethodPost, "/x", nil), c.err)
		assert.Equal(t, c.want, rr.Code, c.err.Code)
		p := problemOf(t, rr)
		assert.Equal(t, c.err.Code, p.Code)
		assert.Equal(t, string(c.err.Retry), p.Retry)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestServer(t)
	e.srv.Limiter = NewLimiter(0.5, 1)
	rr := e.do(t, http.MethodGet, "/journey/route-order/R1", driverTok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = e.do(t, http.MethodGet, "/journey/route-order/R1", driverTok, nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, codeRateLimited, problemOf(t, rr).Code)

	// buckets are per principal
	rr = e.do(t, http.MethodGet, "/journey/route-order/R1", mgrTok, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RegisterDefault()
	e := newTestServer(t)
	e.do(t, http.MethodGet, "/healthz", "", nil)
	rr := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",path="GET /healthz",status="200"}`)
}

func TestSSEStreamsJourneyEvents(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/journey/events/R1", nil)
	req.Header.Set("Authorization", driverTok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: heartbeat\n", line)

	rr := e.do(t, http.MethodPost, "/journey/start", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusCreated, rr.Code)

	for {
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
		if line == "event: journey.started\n" {
			break
		}
	}
	data, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))
	var ev journey.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev))
	assert.Equal(t, "R1", ev.RouteID)
	assert.Equal(t, testDate, ev.Date)
}

func TestWebSocketSubscription(t *testing.T) {
	e := newTestServer(t)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set("Authorization", driverTok)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/journey/ws", hdr)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, c.WriteJSON(wsMessage{Type: "connection_init"}))
	var msg wsMessage
	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, "connection_ack", msg.Type)

	require.NoError(t, c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"route_id":"R1","events":["stop.marked"]}`)}))
	// a ping is answered only after the subscribe was processed
	require.NoError(t, c.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, "pong", msg.Type)

	rr := e.do(t, http.MethodPost, "/journey/start", driverTok, map[string]any{"route_id": "R1"})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = e.do(t, http.MethodPost, "/journey/mark-stop", driverTok, map[string]any{"route_id": "R1", "planned_stop_id": "b2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.NoError(t, c.ReadJSON(&msg))
	require.Equal(t, "next", msg.Type)
	assert.Equal(t, "1", msg.ID)
	var payload struct {
		Type string        `json:"type"`
		Data journey.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, journey.EventStopMarked, payload.Type, "journey.started is filtered out")
	assert.Equal(t, "R1", payload.Data.RouteID)

	require.NoError(t, c.WriteJSON(wsMessage{Type: "subscribe", ID: "2", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "2", msg.ID)
}
