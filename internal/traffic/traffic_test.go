package traffic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealroute/internal/model"
)

func TestEvaluate(t *testing.T) {
	segs := []model.SegmentTraffic{
		{ToStopID: "a", Multiplier: 1.1},
		{ToStopID: "b", BaselineMinutes: 10, LiveMinutes: 20},
		{ToStopID: "c", Multiplier: 1.4},
	}
	ev := Evaluate(segs, 1.5)
	assert.Equal(t, 2.0, ev.MaxMultiplier)
	require.NotNil(t, ev.Worst)
	assert.Equal(t, "b", ev.Worst.ToStopID)
	assert.True(t, ev.Exceeded)

	assert.True(t, Evaluate([]model.SegmentTraffic{{Multiplier: 1.5}}, 1.5).Exceeded, "equal counts as exceeded")
	assert.False(t, Evaluate([]model.SegmentTraffic{{Multiplier: 1.49}}, 1.5).Exceeded)
	assert.False(t, Evaluate(nil, 1.5).Exceeded)
}

type fakeChecker struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeChecker) CheckTraffic(ctx context.Context, req model.CheckTrafficRequest) (model.CheckTrafficResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.RouteID+"@"+req.Date)
	f.mu.Unlock()
	if f.fail[req.RouteID] {
		return model.CheckTrafficResult{}, errors.New("engine down")
	}
	res := model.CheckTrafficResult{RouteID: req.RouteID, MaxMultiplier: 1.0}
	if req.RouteID == "R2" {
		res.MaxMultiplier, res.ThresholdExceeded = 2.0, true
		res.ReoptimizationResult = &model.ReoptimizeResult{Changed: true}
	}
	return res, nil
}

type lister struct {
	routes []string
	err    error
	date   string
}

func (l *lister) ListActiveRoutes(ctx context.Context, date string) ([]string, error) {
	l.date = date
	return l.routes, l.err
}

func testClock() model.Clock {
	return model.Clock{Loc: time.UTC, Now: func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) }}
}

func TestSweepChecksEveryActiveRoute(t *testing.T) {
	fc := &fakeChecker{fail: map[string]bool{"R3": true}}
	ls := &lister{routes: []string{"R1", "R2", "R3"}}
	m := NewMonitor(fc, ls, testClock())
	m.Concurrency = 2

	rep, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", ls.date)
	assert.ElementsMatch(t, []string{"R1@2024-06-01", "R2@2024-06-01", "R3@2024-06-01"}, fc.calls)
	require.Len(t, rep.Routes, 3)
	assert.Equal(t, "R1", rep.Routes[0].RouteID)
	assert.False(t, rep.Routes[0].Exceeded)
	assert.True(t, rep.Routes[1].Reoptimized)
	assert.Equal(t, "engine down", rep.Routes[2].Error)
}

func TestSweepListFailure(t *testing.T) {
	m := NewMonitor(&fakeChecker{}, &lister{err: errors.New("db down")}, testClock())
	_, err := m.Sweep(context.Background())
	assert.Error(t, err)
}

func TestScheduleValidation(t *testing.T) {
	assert.NoError(t, ValidSchedule("*/5 * * * *"))
	assert.NoError(t, ValidSchedule("@every 2m"))
	assert.Error(t, ValidSchedule("every five minutes"))

	m := NewMonitor(&fakeChecker{}, &lister{}, testClock())
	assert.Error(t, m.Start("nope"))
	require.NoError(t, m.Start("@every 1h"))
	assert.Error(t, m.Start("@every 1h"), "second start is refused")
	m.Stop()
}
