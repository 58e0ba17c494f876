package store

import (
	"context"
	"errors"

	"mealroute/internal/model"
)

// ActualStopFilter narrows FindActualStops. Zero value returns every row.
// With StartedOnly, DriverID matches the driver who started the journey
// rather than the latest writer of the row.
type ActualStopFilter struct {
	DriverID      string
	StartedOnly   bool // start_time IS NOT NULL
	CompletedOnly bool // actual_completion_time IS NOT NULL OR status in (delivered, arrived)
}

// SummaryFilter narrows FindJourneySummaries.
type SummaryFilter struct {
	DriverID  string
	EndedOnly bool // actual_end_time IS NOT NULL
}

// JourneyStore is the persistence boundary for planned stops, stop events
// and journey summaries. All writes are single-key upserts so retried client
// calls are idempotent.
type JourneyStore interface {
	// Planned stops
	FindPlannedStops(ctx context.Context, routeID, date string) ([]model.PlannedStop, error)
	GetPlannedStop(ctx context.Context, id string) (model.PlannedStop, error)
	ReplacePlannedStops(ctx context.Context, routeID, date string, stops []model.PlannedStop) error
	ReorderPlannedStops(ctx context.Context, routeID, date string, moves []model.StopReorder, audit model.Reoptimization) error

	// Stop events
	UpsertActualStop(ctx context.Context, stop model.ActualStop) (model.ActualStop, error)
	FindActualStops(ctx context.Context, routeID, date string, f ActualStopFilter) ([]model.ActualStop, error)

	// Summaries
	UpsertJourneySummary(ctx context.Context, s model.JourneySummary) (model.JourneySummary, error)
	FindJourneySummaries(ctx context.Context, routeID, date string, f SummaryFilter) ([]model.JourneySummary, error)

	// Reoptimization audit and sweep helpers
	LastReoptimization(ctx context.Context, routeID, date string) (model.Reoptimization, error)
	ListActiveRoutes(ctx context.Context, date string) ([]string, error)

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a reorder references stops that moved or vanished.
	ErrConflict = errors.New("conflict")
)

// matchesActual applies f the same way the Postgres WHERE clauses do.
func matchesActual(a model.ActualStop, f ActualStopFilter) bool {
	if f.StartedOnly {
		if a.StartTime == nil || (f.DriverID != "" && a.StartedBy != f.DriverID) {
			return false
		}
	} else if f.DriverID != "" && a.UserID != f.DriverID {
		return false
	}
	if f.CompletedOnly && !a.Reached() {
		return false
	}
	return true
}

// startedBy defaults the starter to the writer when a write carries a start
// time without naming one.
func startedBy(a model.ActualStop) model.ActualStop {
	if a.StartTime != nil && a.StartedBy == "" {
		a.StartedBy = a.UserID
	}
	if a.StartTime == nil {
		a.StartedBy = ""
	}
	return a
}

func matchesSummary(s model.JourneySummary, f SummaryFilter) bool {
	if f.DriverID != "" && s.DriverID != f.DriverID {
		return false
	}
	if f.EndedOnly && s.ActualEndTime == nil {
		return false
	}
	return true
}
