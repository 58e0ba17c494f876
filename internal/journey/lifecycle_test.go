package journey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealroute/internal/model"
	"mealroute/internal/reconcile"
	"mealroute/internal/routeclient"
	"mealroute/internal/store"
)

const testDate = "2024-06-01"

type fakeOptimizer struct {
	mu          sync.Mutex
	traffic     routeclient.TrafficResponse
	trafficErr  error
	reorder     func(in routeclient.ReoptimizeInput) (routeclient.ReoptimizeResponse, error)
	plan        routeclient.PlanResponse
	planErr     error
	predict     routeclient.PredictStartResponse
	reoptCalls  int
	lastReoptIn routeclient.ReoptimizeInput
}

func (f *fakeOptimizer) Plan(ctx context.Context, req model.PlanRequest) (routeclient.PlanResponse, error) {
	return f.plan, f.planErr
}

func (f *fakeOptimizer) PredictStartTime(ctx context.Context, in routeclient.PredictStartInput) (routeclient.PredictStartResponse, error) {
	return f.predict, nil
}

func (f *fakeOptimizer) Reoptimize(ctx context.Context, in routeclient.ReoptimizeInput) (routeclient.ReoptimizeResponse, error) {
	f.mu.Lock()
	f.reoptCalls++
	f.lastReoptIn = in
	f.mu.Unlock()
	if f.reorder != nil {
		return f.reorder(in)
	}
	// default: reverse the submitted order
	ids := make([]string, len(in.Stops))
	for i, s := range in.Stops {
		ids[len(in.Stops)-1-i] = s.PlannedStopID
	}
	return routeclient.ReoptimizeResponse{OrderedStopIDs: ids, EstimatedDurationMinutes: 30}, nil
}

func (f *fakeOptimizer) CheckTraffic(ctx context.Context, in routeclient.TrafficInput) (routeclient.TrafficResponse, error) {
	return f.traffic, f.trafficErr
}

type fixture struct {
	lc    *Lifecycle
	st    *store.Memory
	opt   *fakeOptimizer
	now   time.Time
	notes []Event
	mu    sync.Mutex
}

func (f *fixture) Notify(ctx context.Context, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, ev)
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) events(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.notes {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemory(), opt: &fakeOptimizer{}, now: time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)}
	clock := model.Clock{Loc: time.UTC, Now: func() time.Time { return f.now }}
	f.lc = New(f.st, f.opt, clock, Config{TrafficThreshold: 1.5})
	f.lc.Notifier = f
	return f
}

// seed plans R1: breakfast 1..3 + hub, lunch 1..2.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	stops := []model.PlannedStop{
		{ID: "b1", Session: model.SessionBreakfast, StopOrder: 1, DeliveryID: "d-b1", DeliveryName: "Asha"},
		{ID: "b2", Session: model.SessionBreakfast, StopOrder: 2, DeliveryID: "d-b2", DeliveryName: "Bala"},
		{ID: "b3", Session: model.SessionBreakfast, StopOrder: 3, DeliveryID: "d-b3", DeliveryName: "Chitra"},
		{ID: "bh", Session: model.SessionBreakfast, StopOrder: 4, DeliveryName: model.HubStopName},
		{ID: "l1", Session: model.SessionLunch, StopOrder: 1, DeliveryID: "d-l1", DeliveryName: "Dev"},
		{ID: "l2", Session: model.SessionLunch, StopOrder: 2, DeliveryID: "d-l2", DeliveryName: "Esha"},
	}
	require.NoError(t, f.st.ReplacePlannedStops(context.Background(), "R1", testDate, stops))
}

func intp(i int) *int { return &i }

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	je, ok := AsError(err)
	require.True(t, ok, "want *journey.Error with %s, got %v", code, err)
	require.Equal(t, code, je.Code, je.Message)
	return je
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.lc.Start(ctx, model.StartRequest{DriverID: "drv", RouteID: "R1"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyStarted)
	assert.Equal(t, testDate, first.Date)

	f.advance(10 * time.Minute)
	second, err := f.lc.Start(ctx, model.StartRequest{DriverID: "drv", RouteID: "R1"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyStarted)
	assert.True(t, second.StartedAt.Equal(first.StartedAt), "start time must not reset")
	assert.Equal(t, 1, f.events(EventJourneyStarted))
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.Start(context.Background(), model.StartRequest{DriverID: "drv"})
	je := requireCode(t, err, CodeMissingRoute)
	assert.Equal(t, KindValidation, je.Kind)
	assert.Equal(t, RetryNo, je.Retry)

	_, err = f.lc.Start(context.Background(), model.StartRequest{DriverID: "drv", RouteID: "R1", Date: "01-06-2024"})
	requireCode(t, err, CodeInvalidDate)
}

func TestMarkStopKeepsCompletionTimeOnRetry(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	first, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", StopOrder: intp(1), Session: "Breakfast",
		DeliveryID: "d-b1", DriverID: "drv", Status: "DELIVERED"})
	require.NoError(t, err)
	require.NotNil(t, first.Stop.ActualCompletionTime)
	assert.True(t, first.AutoStarted, "first report opens the journey")
	assert.Equal(t, model.SessionBreakfast, first.Stop.Session)
	assert.Equal(t, 3, first.SessionTotal, "hub excluded")
	assert.Equal(t, 1, first.SessionDone)

	f.advance(5 * time.Minute)
	second, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", StopOrder: intp(1), Session: "breakfast",
		DeliveryID: "d-b1", DriverID: "drv", Status: "arrived"})
	require.NoError(t, err)
	assert.False(t, second.AutoStarted)
	require.NotNil(t, second.Stop.ActualCompletionTime)
	assert.True(t, second.Stop.ActualCompletionTime.Equal(*first.Stop.ActualCompletionTime))
	assert.Equal(t, model.StatusDelivered, second.Stop.DeliveryStatus, "delivered is not downgraded")

	rows, err := f.st.FindActualStops(ctx, "R1", testDate, store.ActualStopFilter{CompletedOnly: true})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMarkStopResolution(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	t.Run("ambiguous stop order", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", StopOrder: intp(1), DriverID: "drv"})
		requireCode(t, err, CodeAmbiguousStop)
	})
	t.Run("planned stop id wins", func(t *testing.T) {
		res, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "l2", StopOrder: intp(1), DriverID: "drv"})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Stop.StopOrder)
		assert.Equal(t, model.SessionLunch, res.Stop.Session)
		assert.Equal(t, "d-l2", res.Stop.DeliveryID, "delivery defaults from the plan")
		assert.Equal(t, model.StatusDelivered, res.Stop.DeliveryStatus)
	})
	t.Run("stop on another route", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R9", PlannedStopID: "l2", DriverID: "drv"})
		je := requireCode(t, err, CodeStopNotFound)
		assert.Equal(t, KindNotFound, je.Kind)
	})
	t.Run("unknown stop order", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", StopOrder: intp(9), Session: "lunch", DriverID: "drv"})
		requireCode(t, err, CodeStopNotFound)
	})
	t.Run("hub has no delivery", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "bh", DriverID: "drv"})
		requireCode(t, err, CodeMissingDelivery)
	})
	t.Run("delivery mismatch", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b2", DeliveryID: "d-b3", DriverID: "drv"})
		requireCode(t, err, CodeDeliveryMismatch)
	})
	t.Run("bad status", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b2", Status: "lost"})
		requireCode(t, err, CodeInvalidStatus)
	})
	t.Run("missing stop", func(t *testing.T) {
		_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1"})
		requireCode(t, err, CodeMissingStop)
	})
	t.Run("customer unavailable", func(t *testing.T) {
		res, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b3", Status: "CUSTOMER_UNAVAILABLE", DriverID: "drv"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCustomerUnavailable, res.Stop.DeliveryStatus)
		assert.NotNil(t, res.Stop.ActualCompletionTime)
		assert.Equal(t, 0, res.SessionDone, "unavailable is not counted done")
	})
}

func TestMarkStopDateFromCompletedAt(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	at := time.Date(2024, 6, 1, 7, 30, 0, 0, time.UTC)
	f.now = at.Add(24 * time.Hour)
	res, err := f.lc.MarkStop(context.Background(), model.MarkStopRequest{RouteID: "R1", StopOrder: intp(2), Session: "lunch", CompletedAt: &at, DriverID: "drv"})
	require.NoError(t, err)
	assert.Equal(t, testDate, res.Stop.Date)
	assert.True(t, res.Stop.ActualCompletionTime.Equal(at))
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// no start required
	out, err := f.lc.EndSession(ctx, model.EndSessionRequest{RouteID: "R2", Session: "Lunch", DriverID: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionLunch, out.Session)
	require.NotNil(t, out.ActualEndTime)
	assert.Nil(t, out.TotalDurationSeconds)

	f.advance(time.Minute)
	_, err = f.lc.EndSession(ctx, model.EndSessionRequest{RouteID: "R2", Session: "LUNCH", DriverID: "y"})
	je := requireCode(t, err, CodeSessionEnded)
	assert.Equal(t, KindState, je.Kind)
	assert.Contains(t, je.Message, "already ended")

	rows, _ := f.st.FindJourneySummaries(ctx, "R2", testDate, store.SummaryFilter{})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ActualEndTime.Equal(*out.ActualEndTime), "end time must not move")

	_, err = f.lc.EndSession(ctx, model.EndSessionRequest{RouteID: "R2", Session: "brunch", DriverID: "x"})
	requireCode(t, err, CodeInvalidSession)
}

func TestEndJourney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := model.EndJourneyRequest{UserID: "drv", RouteID: "R1", Latitude: 12.97, Longitude: 77.59}

	_, err := f.lc.EndJourney(ctx, req)
	je := requireCode(t, err, CodeNotStarted)
	assert.Equal(t, KindState, je.Kind)

	_, err = f.lc.Start(ctx, model.StartRequest{DriverID: "drv", RouteID: "R1"})
	require.NoError(t, err)
	f.advance(2*time.Hour + 5*time.Minute)
	res, err := f.lc.EndJourney(ctx, req)
	require.NoError(t, err)
	assert.EqualValues(t, 7500, res.TotalDurationSeconds)
	assert.Equal(t, "2h5m0s", res.TotalDuration)

	_, err = f.lc.EndJourney(ctx, req)
	requireCode(t, err, CodeJourneyEnded)
	_, err = f.lc.Start(ctx, model.StartRequest{DriverID: "drv", RouteID: "R1"})
	requireCode(t, err, CodeJourneyEnded)

	bad := req
	bad.Latitude = 123
	_, err = f.lc.EndJourney(ctx, bad)
	requireCode(t, err, CodeInvalidLocation)
}

func TestLiveStatusAndRouteOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	_, err := f.lc.LiveStatus(ctx, "nope", "")
	requireCode(t, err, CodeRouteNotFound)

	_, err = f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b1", DriverID: "drv"})
	require.NoError(t, err)
	f.advance(30 * time.Minute)

	st, err := f.lc.LiveStatus(ctx, "R1", "")
	require.NoError(t, err)
	assert.True(t, st.Started)
	assert.False(t, st.Ended)
	assert.EqualValues(t, 1800, st.ElapsedSeconds)
	assert.Equal(t, 5, st.TotalStops)
	assert.Equal(t, 1, st.CompletedStops)
	require.NotNil(t, st.NextStop)
	assert.Equal(t, "b2", st.NextStop.ID)

	order, err := f.lc.RouteOrder(ctx, "R1", testDate)
	require.NoError(t, err)
	require.Len(t, order, 6)
	assert.True(t, order[0].Completed)
	assert.True(t, order[3].IsHub)
	assert.False(t, order[4].Completed)
}

func TestStartedFlagStaysWithStartingDriver(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	rc := reconcile.New(f.st, f.lc.Clock, reconcile.Options{})

	// drvA never pressed Start; the first report opens the journey
	res, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", Session: "breakfast", StopOrder: intp(1), DriverID: "drvA"})
	require.NoError(t, err)
	require.True(t, res.AutoStarted)
	got, err := rc.GetStatus(ctx, reconcile.Query{RouteID: "R1", DriverID: "drvA"})
	require.NoError(t, err)
	assert.True(t, got.IsJourneyStarted)

	// a manager re-marks the same stop under their own id
	f.advance(30 * time.Minute)
	_, err = f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", Session: "breakfast", StopOrder: intp(1), DriverID: "mgr", Status: "CUSTOMER_UNAVAILABLE"})
	require.NoError(t, err)

	got, err = rc.GetStatus(ctx, reconcile.Query{RouteID: "R1", DriverID: "drvA"})
	require.NoError(t, err)
	assert.True(t, got.IsJourneyStarted, "started flag of drvA must survive later writers")
	other, err := rc.GetStatus(ctx, reconcile.Query{RouteID: "R1", DriverID: "mgr"})
	require.NoError(t, err)
	assert.False(t, other.IsJourneyStarted)
}

// reorderingStore reorders the plan right before the next stop write lands,
// as a concurrent reoptimization would between resolve and write.
type reorderingStore struct {
	*store.Memory
	moves []model.StopReorder
}

func (s *reorderingStore) UpsertActualStop(ctx context.Context, a model.ActualStop) (model.ActualStop, error) {
	if s.moves != nil {
		moves := s.moves
		s.moves = nil
		if err := s.Memory.ReorderPlannedStops(ctx, a.RouteID, a.Date, moves, model.Reoptimization{Trigger: TriggerManual}); err != nil {
			return a, err
		}
	}
	return s.Memory.UpsertActualStop(ctx, a)
}

func TestMarkStopRefusedWhenPlanMovedUnderIt(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	rs := &reorderingStore{Memory: f.st, moves: []model.StopReorder{{PlannedStopID: "b1", NewOrder: 2}, {PlannedStopID: "b2", NewOrder: 1}}}
	f.lc.Store = rs

	_, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b1", DriverID: "drv"})
	je := requireCode(t, err, CodeReorderConflict)
	assert.Equal(t, KindState, je.Kind)
	assert.Equal(t, RetrySafe, je.Retry)
	rows, err := f.st.FindActualStops(ctx, "R1", testDate, store.ActualStopFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows, "nothing may be recorded under the stale slot")
	assert.Equal(t, 0, f.events(EventStopMarked))

	// resending lands on the stop's new slot
	res, err := f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", PlannedStopID: "b1", DriverID: "drv"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stop.StopOrder)
	assert.Equal(t, "b1", res.Stop.PlannedStopID)

	// by stop_order the request must change
	rs.moves = []model.StopReorder{{PlannedStopID: "l1", NewOrder: 2}, {PlannedStopID: "l2", NewOrder: 1}}
	_, err = f.lc.MarkStop(ctx, model.MarkStopRequest{RouteID: "R1", Session: "lunch", StopOrder: intp(1), DriverID: "drv"})
	je = requireCode(t, err, CodeReorderConflict)
	assert.Equal(t, RetryNo, je.Retry)
}
