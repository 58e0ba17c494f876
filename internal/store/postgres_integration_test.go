//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"mealroute/internal/model"
)

func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn, 2)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return p
}

func TestPostgresUpsertIsMonotonic(t *testing.T) {
	p := openPostgres(t)
	route := "it_" + uuid.New().String()
	date := "2024-06-01"
	done := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
	first, err := p.UpsertActualStop(t.Context(), model.ActualStop{RouteID: route, Date: date, Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "d1", DeliveryStatus: model.StatusDelivered, ActualCompletionTime: &done})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := p.UpsertActualStop(t.Context(), model.ActualStop{RouteID: route, Date: date, Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "d1", DeliveryStatus: model.StatusArrived})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID || second.ActualCompletionTime == nil || !second.ActualCompletionTime.Equal(done) {
		t.Fatalf("completion time lost: %+v", second)
	}
	if second.DeliveryStatus != model.StatusDelivered {
		t.Fatalf("delivered downgraded to %q", second.DeliveryStatus)
	}
	rows, err := p.FindActualStops(t.Context(), route, date, ActualStopFilter{CompletedOnly: true})
	if err != nil || len(rows) != 1 {
		t.Fatalf("find: %v %d", err, len(rows))
	}
}

func TestPostgresStarterIsSticky(t *testing.T) {
	p := openPostgres(t)
	route := "it_" + uuid.New().String()
	date := "2024-06-01"
	start := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	if _, err := p.UpsertActualStop(t.Context(), model.ActualStop{RouteID: route, Date: date, Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "drvA", DeliveryStatus: model.StatusDelivered, StartTime: &start}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	later := start.Add(time.Hour)
	row, err := p.UpsertActualStop(t.Context(), model.ActualStop{RouteID: route, Date: date, Session: model.SessionBreakfast, StopOrder: 1,
		UserID: "mgr", DeliveryStatus: model.StatusCustomerUnavailable, StartTime: &later})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if row.StartedBy != "drvA" || row.StartTime == nil || !row.StartTime.Equal(start) {
		t.Fatalf("starter moved: %+v", row)
	}
	for driver, want := range map[string]int{"drvA": 1, "mgr": 0} {
		rows, err := p.FindActualStops(t.Context(), route, date, ActualStopFilter{DriverID: driver, StartedOnly: true})
		if err != nil || len(rows) != want {
			t.Fatalf("started by %s: %v %d", driver, err, len(rows))
		}
	}
}

func TestPostgresReorderRefusesReportedSlot(t *testing.T) {
	p := openPostgres(t)
	route := "it_" + uuid.New().String()
	date := "2024-06-01"
	if err := p.ReplacePlannedStops(t.Context(), route, date, []model.PlannedStop{
		{ID: uuid.NewString(), Session: model.SessionBreakfast, StopOrder: 1, DeliveryName: "a"},
		{ID: uuid.NewString(), Session: model.SessionBreakfast, StopOrder: 2, DeliveryName: "b"},
	}); err != nil {
		t.Fatalf("plan: %v", err)
	}
	planned, err := p.FindPlannedStops(t.Context(), route, date)
	if err != nil || len(planned) != 2 {
		t.Fatalf("planned: %v %d", err, len(planned))
	}
	if _, err := p.UpsertActualStop(t.Context(), model.ActualStop{RouteID: route, Date: date, Session: "BREAKFAST", StopOrder: 1,
		UserID: "drv", DeliveryStatus: model.StatusDelivered}); err != nil {
		t.Fatalf("report: %v", err)
	}
	moves := []model.StopReorder{{PlannedStopID: planned[0].ID, NewOrder: 2}, {PlannedStopID: planned[1].ID, NewOrder: 1}}
	err = p.ReorderPlannedStops(t.Context(), route, date, moves, model.Reoptimization{Trigger: "manual", CreatedAt: time.Now().UTC()})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("reorder over a reported slot: got %v, want ErrConflict", err)
	}
	if _, err := p.LastReoptimization(t.Context(), route, date); !errors.Is(err, ErrNotFound) {
		t.Fatalf("audit row written for refused reorder: %v", err)
	}
}
