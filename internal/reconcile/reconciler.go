// Package reconcile derives a route's journey status from planned stops,
// stop reports and session end markers. It only reads.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"mealroute/internal/metrics"
	"mealroute/internal/model"
	"mealroute/internal/obs"
	"mealroute/internal/store"
)

// Source names reported in JourneyStatus.DegradedSources.
const (
	SourceStarted   = "started"
	SourceMarked    = "marked_stops"
	SourcePlanned   = "planned_stops"
	SourceSummaries = "journey_summaries"
)

var (
	// ErrInvalidQuery wraps a malformed route id or date.
	ErrInvalidQuery = errors.New("journey status: invalid query")
	// ErrStoreUnavailable is returned when every read failed.
	ErrStoreUnavailable = errors.New("journey status: store unavailable")
)

type Options struct {
	// UnavailableCountsComplete lets customer_unavailable stops complete a session.
	UnavailableCountsComplete bool
}

type Reconciler struct {
	Store store.JourneyStore
	Clock model.Clock
	Opts  Options
}

func New(st store.JourneyStore, clock model.Clock, opts Options) *Reconciler {
	return &Reconciler{Store: st, Clock: clock, Opts: opts}
}

// Query scopes GetStatus. Date "" means today in the clock's zone.
type Query struct {
	RouteID  string
	DriverID string
	Date     string
}

// GetStatus merges the three record families into one status. Each read is
// attempted independently; a failed read is left out and named in
// DegradedSources. Only when all reads fail does the call return an error.
func (r *Reconciler) GetStatus(ctx context.Context, q Query) (st model.JourneyStatus, err error) {
	defer obs.Time(ctx, "reconcile.get_status")(&err)
	if q.RouteID == "" {
		return st, fmt.Errorf("%w: route_id is required", ErrInvalidQuery)
	}
	date, err := r.Clock.ResolveDate(q.Date)
	if err != nil {
		return st, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	st = model.JourneyStatus{RouteID: q.RouteID, Date: date, MarkedStops: []model.MarkedStop{}, CompletedSessions: []model.Session{}}

	var failed []error
	degrade := func(source string, err error) {
		log.Printf("req_id=%s reconcile route=%s date=%s source=%s degraded err=%v", obs.RequestID(ctx), q.RouteID, date, source, err)
		metrics.StatusDegraded.WithLabelValues(source).Inc()
		st.DegradedSources = append(st.DegradedSources, source)
		failed = append(failed, err)
	}

	started, err := r.Store.FindActualStops(ctx, q.RouteID, date, store.ActualStopFilter{DriverID: q.DriverID, StartedOnly: true})
	if err != nil {
		degrade(SourceStarted, err)
	} else {
		st.IsJourneyStarted = len(started) > 0
	}

	// marked stops are route-wide: any driver's report completes a stop
	var marked []model.MarkedStop
	reached, err := r.Store.FindActualStops(ctx, q.RouteID, date, store.ActualStopFilter{CompletedOnly: true})
	if err != nil {
		degrade(SourceMarked, err)
	} else {
		marked = MarkedStops(reached)
		st.MarkedStops = marked
	}

	var byCount []model.Session
	planned, err := r.Store.FindPlannedStops(ctx, q.RouteID, date)
	if err != nil {
		degrade(SourcePlanned, err)
	} else if marked != nil {
		byCount, _ = CountBasedCompletion(planned, countable(marked, r.Opts.UnavailableCountsComplete))
	}

	var byMarker []model.Session
	summaries, err := r.Store.FindJourneySummaries(ctx, q.RouteID, date, store.SummaryFilter{DriverID: q.DriverID, EndedOnly: true})
	if err != nil {
		degrade(SourceSummaries, err)
	} else {
		byMarker = MarkerBasedCompletion(summaries)
	}

	if len(failed) == 4 {
		return model.JourneyStatus{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.Join(failed...))
	}
	st.CompletedSessions = UnionCompletion(byCount, byMarker)
	return st, nil
}

// Progress returns the count-based view per session for dashboards.
func (r *Reconciler) Progress(ctx context.Context, routeID, date string) ([]SessionCount, error) {
	date, err := r.Clock.ResolveDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	planned, err := r.Store.FindPlannedStops(ctx, routeID, date)
	if err != nil {
		return nil, fmt.Errorf("progress: planned stops: %w", err)
	}
	reached, err := r.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{CompletedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("progress: actual stops: %w", err)
	}
	_, counts := CountBasedCompletion(planned, countable(MarkedStops(reached), r.Opts.UnavailableCountsComplete))
	return counts, nil
}
