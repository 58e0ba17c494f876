package store

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

func seedRoute(t *testing.T, m *Memory) []model.PlannedStop {
	t.Helper()
	stops := []model.PlannedStop{
		{ID: "p1", Session: model.SessionBreakfast, StopOrder: 1, DeliveryName: "A"},
		{ID: "p2", Session: model.SessionBreakfast, StopOrder: 2, DeliveryName: "B"},
		{ID: "p3", Session: model.SessionBreakfast, StopOrder: 3, DeliveryName: model.HubStopName},
		{ID: "l1", Session: model.SessionLunch, StopOrder: 1, DeliveryName: "C"},
	}
	require.NoError(t, m.ReplacePlannedStops(context.Background(), "R1", "2024-06-01", stops))
	return stops
}

func TestMemoryPlannedStopsOrdered(t *testing.T) {
	m := NewMemory()
	seedRoute(t, m)
	got, err := m.FindPlannedStops(context.Background(), "R1", "2024-06-01")
	require.NoError(t, err)
	ids := []string{}
	for _, p := range got {
		ids = append(ids, p.ID)
		assert.Equal(t, "R1", p.RouteID)
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "l1"}, ids)

	_, err = m.GetPlannedStop(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReplaceRejectsDuplicateOrder(t *testing.T) {
	m := NewMemory()
	err := m.ReplacePlannedStops(context.Background(), "R1", "2024-06-01", []model.PlannedStop{
		{Session: model.SessionLunch, StopOrder: 1}, {Session: model.SessionLunch, StopOrder: 1},
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryUpsertActualStopConcurrent(t *testing.T) {
	m := NewMemory()
	done := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionBreakfast, StopOrder: 1, UserID: "d1"}
			if i%2 == 0 {
				a.ActualCompletionTime = &done
				a.DeliveryStatus = model.StatusDelivered
			}
			_, err := m.UpsertActualStop(context.Background(), a)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	rows, err := m.FindActualStops(context.Background(), "R1", "2024-06-01", ActualStopFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ActualCompletionTime)
	assert.True(t, rows[0].ActualCompletionTime.Equal(done))
}

func TestMemoryFindActualStopsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	_, _ = m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", UserID: "d1", StartTime: &start})
	_, _ = m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionLunch, StopOrder: 2, UserID: "d2", DeliveryStatus: model.StatusArrived})
	_, _ = m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-02", Session: model.SessionLunch, StopOrder: 1, UserID: "d1", DeliveryStatus: model.StatusDelivered})

	started, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{StartedOnly: true})
	assert.Len(t, started, 1)
	done, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{CompletedOnly: true})
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].StopOrder)
	mine, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{DriverID: "d2"})
	assert.Len(t, mine, 1)
}

func TestMemoryReorderAndAudit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedRoute(t, m)
	_, err := m.LastReoptimization(ctx, "R1", "2024-06-01")
	assert.ErrorIs(t, err, ErrNotFound)

	err = m.ReorderPlannedStops(ctx, "R1", "2024-06-01",
		[]model.StopReorder{{PlannedStopID: "p1", NewOrder: 2}, {PlannedStopID: "p2", NewOrder: 1}},
		model.Reoptimization{Trigger: "manual", StopsMoved: 2})
	require.NoError(t, err)
	p1, _ := m.GetPlannedStop(ctx, "p1")
	assert.Equal(t, 2, p1.StopOrder)
	last, err := m.LastReoptimization(ctx, "R1", "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, "manual", last.Trigger)

	err = m.ReorderPlannedStops(ctx, "R1", "2024-06-01", []model.StopReorder{{PlannedStopID: "p1", NewOrder: 1}}, model.Reoptimization{})
	assert.True(t, errors.Is(err, ErrConflict), "slot collision must be rejected")
	p1, _ = m.GetPlannedStop(ctx, "p1")
	assert.Equal(t, 2, p1.StopOrder, "failed reorder must not partially apply")
}

func TestMemoryListActiveRoutes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	for _, r := range []string{"R2", "R1", "R3"} {
		_, _ = m.UpsertActualStop(ctx, model.ActualStop{RouteID: r, Date: "2024-06-01", UserID: "d", StartTime: &start})
	}
	end := start.Add(time.Hour)
	_, _ = m.UpsertJourneySummary(ctx, model.JourneySummary{RouteID: "R3", Date: "2024-06-01", DriverID: "d", ActualEndTime: &end})
	// a session end does not close the journey
	_, _ = m.UpsertJourneySummary(ctx, model.JourneySummary{RouteID: "R2", Date: "2024-06-01", Session: model.SessionLunch, DriverID: "d", ActualEndTime: &end})

	got, err := m.ListActiveRoutes(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, got)
}

func TestMemoryStarterSurvivesLaterWriters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	done := start.Add(10 * time.Minute)
	first, err := m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "drvA", DeliveryStatus: model.StatusDelivered, ActualCompletionTime: &done, StartTime: &start})
	require.NoError(t, err)
	assert.Equal(t, "drvA", first.StartedBy)

	later := start.Add(time.Hour)
	again, err := m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "mgr", DeliveryStatus: model.StatusCustomerUnavailable, ActualCompletionTime: &later, StartTime: &later})
	require.NoError(t, err)
	assert.Equal(t, "mgr", again.UserID)
	assert.Equal(t, "drvA", again.StartedBy)
	assert.True(t, again.StartTime.Equal(start))

	mine, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{DriverID: "drvA", StartedOnly: true})
	assert.Len(t, mine, 1)
	theirs, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{DriverID: "mgr", StartedOnly: true})
	assert.Empty(t, theirs)
}

func TestMemoryReorderRefusesReportedSlot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedRoute(t, m)
	done := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	_, err := m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionBreakfast, StopOrder: 1,
		PlannedStopID: "p1", UserID: "d1", DeliveryStatus: model.StatusDelivered, ActualCompletionTime: &done})
	require.NoError(t, err)

	err = m.ReorderPlannedStops(ctx, "R1", "2024-06-01",
		[]model.StopReorder{{PlannedStopID: "p1", NewOrder: 2}, {PlannedStopID: "p2", NewOrder: 1}}, model.Reoptimization{Trigger: "manual"})
	assert.ErrorIs(t, err, ErrConflict)
	p1, _ := m.GetPlannedStop(ctx, "p1")
	assert.Equal(t, 1, p1.StopOrder)
	_, err = m.LastReoptimization(ctx, "R1", "2024-06-01")
	assert.ErrorIs(t, err, ErrNotFound, "no audit row for a refused reorder")
}

func TestMemoryUpsertRefusesMovedPlannedStop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedRoute(t, m)
	require.NoError(t, m.ReorderPlannedStops(ctx, "R1", "2024-06-01",
		[]model.StopReorder{{PlannedStopID: "p1", NewOrder: 2}, {PlannedStopID: "p2", NewOrder: 1}}, model.Reoptimization{}))

	done := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	_, err := m.UpsertActualStop(ctx, model.ActualStop{RouteID: "R1", Date: "2024-06-01", Session: model.SessionBreakfast, StopOrder: 1,
		PlannedStopID: "p1", UserID: "d1", DeliveryStatus: model.StatusDelivered, ActualCompletionTime: &done})
	assert.ErrorIs(t, err, ErrConflict)
	rows, _ := m.FindActualStops(ctx, "R1", "2024-06-01", ActualStopFilter{})
	assert.Empty(t, rows)
}
