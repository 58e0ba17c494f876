// Package journey implements the per-route journey state machine: start,
// stop reports, session and journey ends, traffic checks and reoptimization.
// It keeps no state between calls; every decision is read from the store.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"mealroute/internal/metrics"
	"mealroute/internal/model"
	"mealroute/internal/obs"
	"mealroute/internal/routeclient"
	"mealroute/internal/store"
)

// Optimizer is the subset of routeclient.Client the lifecycle calls.
type Optimizer interface {
	Plan(ctx context.Context, req model.PlanRequest) (routeclient.PlanResponse, error)
	PredictStartTime(ctx context.Context, in routeclient.PredictStartInput) (routeclient.PredictStartResponse, error)
	Reoptimize(ctx context.Context, in routeclient.ReoptimizeInput) (routeclient.ReoptimizeResponse, error)
	CheckTraffic(ctx context.Context, in routeclient.TrafficInput) (routeclient.TrafficResponse, error)
}

// Event types emitted through Notifier.
const (
	EventJourneyStarted  = "journey.started"
	EventStopMarked      = "stop.marked"
	EventSessionEnded    = "session.ended"
	EventJourneyEnded    = "journey.ended"
	EventRouteReoptimize = "route.reoptimized"
	EventTrafficChecked  = "traffic.checked"
)

// Event describes a committed state change.
type Event struct {
	Type    string    `json:"type"`
	RouteID string    `json:"route_id"`
	Date    string    `json:"date"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// Notifier receives events after their write has committed. Implementations
// must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Config holds the tunables of a Lifecycle.
type Config struct {
	// TrafficThreshold is used when the engine does not report its own.
	TrafficThreshold float64
	// ReoptimizeCooldown bounds traffic-triggered reoptimizations per route/date.
	ReoptimizeCooldown time.Duration
	// UnavailableCountsComplete counts customer_unavailable stops as done.
	UnavailableCountsComplete bool
}

const (
	DefaultTrafficThreshold   = 1.5
	DefaultReoptimizeCooldown = 5 * time.Minute
)

// Lifecycle runs journey operations against a store and the route engine.
type Lifecycle struct {
	Store     store.JourneyStore
	Optimizer Optimizer
	Clock     model.Clock
	Notifier  Notifier
	Config    Config
}

// New returns a Lifecycle with defaults applied to cfg.
func New(st store.JourneyStore, opt Optimizer, clock model.Clock, cfg Config) *Lifecycle {
	if cfg.TrafficThreshold <= 0 {
		cfg.TrafficThreshold = DefaultTrafficThreshold
	}
	if cfg.ReoptimizeCooldown < 0 {
		cfg.ReoptimizeCooldown = 0
	} else if cfg.ReoptimizeCooldown == 0 {
		cfg.ReoptimizeCooldown = DefaultReoptimizeCooldown
	}
	return &Lifecycle{Store: st, Optimizer: opt, Clock: clock, Config: cfg}
}

func (l *Lifecycle) emit(ctx context.Context, typ, routeID, date string, at time.Time, data any) {
	metrics.JourneyEvents.WithLabelValues(typ).Inc()
	if l.Notifier == nil {
		return
	}
	l.Notifier.Notify(ctx, Event{Type: typ, RouteID: routeID, Date: date, At: at, Data: data})
}

// failStore logs a store failure with its journey context and wraps it.
func (l *Lifecycle) failStore(ctx context.Context, op, routeID, date string, err error, write bool) error {
	log.Printf("req_id=%s journey op=%s route=%s date=%s write=%t err=%v", obs.RequestID(ctx), op, routeID, date, write, err)
	return storeError(op, err, write)
}

func (l *Lifecycle) resolveDate(date string) (string, error) {
	d, err := l.Clock.ResolveDate(date)
	if err != nil {
		return "", invalid(CodeInvalidDate, "%v", err)
	}
	return d, nil
}

func validLocation(p *model.GeoPoint) error {
	if p == nil {
		return nil
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return invalid(CodeInvalidLocation, "location (%v,%v) is out of range", p.Lat, p.Lng)
	}
	return nil
}

// earliestStart returns the first recorded start_time for the route/date.
func (l *Lifecycle) earliestStart(ctx context.Context, op, routeID, date string) (*time.Time, error) {
	rows, err := l.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{StartedOnly: true})
	if err != nil {
		return nil, l.failStore(ctx, op, routeID, date, err, false)
	}
	var first *time.Time
	for _, r := range rows {
		if r.StartTime != nil && (first == nil || r.StartTime.Before(*first)) {
			t := *r.StartTime
			first = &t
		}
	}
	return first, nil
}

// journeyEnd returns the journey-wide end row, if endJourney ran.
func (l *Lifecycle) journeyEnd(ctx context.Context, op, routeID, date string) (*model.JourneySummary, error) {
	rows, err := l.Store.FindJourneySummaries(ctx, routeID, date, store.SummaryFilter{EndedOnly: true})
	if err != nil {
		return nil, l.failStore(ctx, op, routeID, date, err, false)
	}
	for i := range rows {
		if rows[i].Session == "" {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// Start records the journey start marker. A repeated call succeeds and keeps
// the first start time.
func (l *Lifecycle) Start(ctx context.Context, req model.StartRequest) (res model.StartResult, err error) {
	defer obs.Time(ctx, "journey.start")(&err)
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if req.DriverID == "" {
		return res, invalid(CodeMissingDriver, "driver_id is required")
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}
	res = model.StartResult{RouteID: req.RouteID, Date: date, DriverID: req.DriverID}

	ended, err := l.journeyEnd(ctx, "start", req.RouteID, date)
	if err != nil {
		return res, err
	}
	if ended != nil {
		return res, conflict(CodeJourneyEnded, "journey %s on %s already ended at %s", req.RouteID, date, ended.ActualEndTime.Format(time.RFC3339))
	}
	first, err := l.earliestStart(ctx, "start", req.RouteID, date)
	if err != nil {
		return res, err
	}
	if first != nil {
		res.StartedAt, res.AlreadyStarted = *first, true
		return res, nil
	}

	now := l.Clock.Timestamp()
	row, err := l.Store.UpsertActualStop(ctx, model.ActualStop{
		RouteID:   req.RouteID,
		Date:      date,
		UserID:    req.DriverID,
		StartTime: &now,
		StartedBy: req.DriverID,
		UpdatedAt: now,
	})
	if err != nil {
		return res, l.failStore(ctx, "start", req.RouteID, date, err, true)
	}
	res.StartedAt = *row.StartTime
	// a concurrent start won the marker row
	res.AlreadyStarted = !row.StartTime.Equal(now)
	if !res.AlreadyStarted {
		l.emit(ctx, EventJourneyStarted, req.RouteID, date, now, res)
	}
	return res, nil
}

// MarkStop records a stop report. Completion time is monotonic: repeating
// the call never clears or moves it.
func (l *Lifecycle) MarkStop(ctx context.Context, req model.MarkStopRequest) (res model.MarkStopResult, err error) {
	defer obs.Time(ctx, "journey.mark_stop")(&err)
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if req.PlannedStopID == "" && req.StopOrder == nil {
		return res, invalid(CodeMissingStop, "planned_stop_id or stop_order is required")
	}
	if req.PlannedStopID == "" && *req.StopOrder < 1 {
		return res, invalid(CodeInvalidStopOrder, "stop_order must be >= 1, got %d", *req.StopOrder)
	}
	status := model.StatusDelivered
	if req.Status != "" {
		st, ok := model.ParseDeliveryStatus(req.Status)
		if !ok {
			return res, invalid(CodeInvalidStatus, "status %q is not one of delivered, arrived, customer_unavailable", req.Status)
		}
		status = st
	}
	var session model.Session
	if req.Session != "" {
		s, ok := model.ParseSession(req.Session)
		if !ok {
			return res, invalid(CodeInvalidSession, "session %q is not one of breakfast, lunch, dinner", req.Session)
		}
		session = s
	}
	if err := validLocation(req.CurrentLocation); err != nil {
		return res, err
	}
	completedAt := l.Clock.Timestamp()
	if req.CompletedAt != nil {
		completedAt = req.CompletedAt.UTC().Truncate(time.Microsecond)
	}

	stop, date, err := l.resolveStop(ctx, req, session, completedAt)
	if err != nil {
		return res, err
	}
	deliveryID := req.DeliveryID
	switch {
	case deliveryID == "" && stop.DeliveryID == "":
		return res, invalid(CodeMissingDelivery, "delivery_id is required for stop %d (%s)", stop.StopOrder, stop.Session)
	case deliveryID == "":
		deliveryID = stop.DeliveryID
	case stop.DeliveryID != "" && deliveryID != stop.DeliveryID:
		return res, invalid(CodeDeliveryMismatch, "delivery %s does not belong to stop %d (%s), expected %s", deliveryID, stop.StopOrder, stop.Session, stop.DeliveryID)
	}

	first, err := l.earliestStart(ctx, "mark_stop", req.RouteID, date)
	if err != nil {
		return res, err
	}
	now := l.Clock.Timestamp()
	row := model.ActualStop{
		RouteID:              req.RouteID,
		Date:                 date,
		Session:              model.NormalizeSession(string(stop.Session)),
		StopOrder:            stop.StopOrder,
		PlannedStopID:        stop.ID,
		DeliveryID:           deliveryID,
		UserID:               req.DriverID,
		DeliveryStatus:       status,
		ActualCompletionTime: &completedAt,
		Location:             req.CurrentLocation,
		UpdatedAt:            now,
	}
	if first == nil {
		// driver skipped Start; the first report opens the journey
		row.StartTime = &now
		row.StartedBy = req.DriverID
		res.AutoStarted = true
	}
	saved, err := l.Store.UpsertActualStop(ctx, row)
	if errors.Is(err, store.ErrConflict) {
		// the plan was reordered between resolving the stop and writing it
		retry := RetryNo
		if req.PlannedStopID != "" {
			retry = RetrySafe
		}
		return res, &Error{Kind: KindState, Code: CodeReorderConflict, Retry: retry, Err: err,
			Message: fmt.Sprintf("route %s was reoptimized while stop %d (%s) was reported; nothing was recorded, read the route order and resend", req.RouteID, stop.StopOrder, stop.Session)}
	}
	if err != nil {
		return res, l.failStore(ctx, "mark_stop", req.RouteID, date, err, true)
	}
	res.Stop = saved
	res.SessionTotal, res.SessionDone = l.sessionProgress(ctx, req.RouteID, date, saved.Session)

	if res.AutoStarted {
		l.emit(ctx, EventJourneyStarted, req.RouteID, date, now, model.StartResult{RouteID: req.RouteID, Date: date, DriverID: req.DriverID, StartedAt: now})
	}
	l.emit(ctx, EventStopMarked, req.RouteID, date, now, res)
	return res, nil
}

// resolveStop finds the planned stop a report refers to. planned_stop_id
// wins over stop_order. The delivery date comes from the request, then from
// the planned stop, then from completed_at.
func (l *Lifecycle) resolveStop(ctx context.Context, req model.MarkStopRequest, session model.Session, completedAt time.Time) (model.PlannedStop, string, error) {
	date := ""
	if req.Date != "" {
		d, err := l.resolveDate(req.Date)
		if err != nil {
			return model.PlannedStop{}, "", err
		}
		date = d
	}

	if req.PlannedStopID != "" {
		p, err := l.Store.GetPlannedStop(ctx, req.PlannedStopID)
		if isNotFound(err) {
			return p, "", notFound(CodeStopNotFound, "planned stop %s does not exist", req.PlannedStopID)
		}
		if err != nil {
			return p, "", l.failStore(ctx, "mark_stop", req.RouteID, date, err, false)
		}
		if p.RouteID != req.RouteID || (date != "" && p.Date != date) {
			return p, "", notFound(CodeStopNotFound, "planned stop %s is not on route %s", req.PlannedStopID, req.RouteID)
		}
		return p, p.Date, nil
	}

	if date == "" {
		date = l.Clock.DateOf(completedAt)
	}
	planned, err := l.Store.FindPlannedStops(ctx, req.RouteID, date)
	if err != nil {
		return model.PlannedStop{}, "", l.failStore(ctx, "mark_stop", req.RouteID, date, err, false)
	}
	var matches []model.PlannedStop
	for _, p := range planned {
		if p.StopOrder != *req.StopOrder {
			continue
		}
		if session != "" && model.NormalizeSession(string(p.Session)) != session {
			continue
		}
		matches = append(matches, p)
	}
	switch len(matches) {
	case 0:
		return model.PlannedStop{}, "", notFound(CodeStopNotFound, "route %s has no stop %d on %s", req.RouteID, *req.StopOrder, date)
	case 1:
		return matches[0], date, nil
	}
	sessions := make([]string, 0, len(matches))
	for _, m := range matches {
		sessions = append(sessions, string(m.Session))
	}
	return model.PlannedStop{}, "", invalid(CodeAmbiguousStop, "stop_order %d exists in sessions %v; send session or planned_stop_id", *req.StopOrder, sessions)
}

// sessionProgress counts non-hub stops of one session. Failures are logged
// and reported as zero; the stop write has already committed.
func (l *Lifecycle) sessionProgress(ctx context.Context, routeID, date string, session model.Session) (total, done int) {
	planned, err := l.Store.FindPlannedStops(ctx, routeID, date)
	if err != nil {
		log.Printf("req_id=%s journey op=session_progress route=%s date=%s err=%v", obs.RequestID(ctx), routeID, date, err)
		return 0, 0
	}
	actual, err := l.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{CompletedOnly: true})
	if err != nil {
		log.Printf("req_id=%s journey op=session_progress route=%s date=%s err=%v", obs.RequestID(ctx), routeID, date, err)
		return 0, 0
	}
	reached := reachedSlots(actual)
	for _, p := range planned {
		if p.IsHub() || model.NormalizeSession(string(p.Session)) != session {
			continue
		}
		total++
		if a, ok := reached[slotOf(p.Session, p.StopOrder)]; ok && l.countsDone(a) {
			done++
		}
	}
	return total, done
}

// EndSession records the explicit end of one meal session. It does not
// require a started journey.
func (l *Lifecycle) EndSession(ctx context.Context, req model.EndSessionRequest) (out model.JourneySummary, err error) {
	defer obs.Time(ctx, "journey.end_session")(&err)
	if req.RouteID == "" {
		return out, invalid(CodeMissingRoute, "route_id is required")
	}
	if req.DriverID == "" {
		return out, invalid(CodeMissingDriver, "driver_id is required")
	}
	session, ok := model.ParseSession(req.Session)
	if !ok {
		return out, invalid(CodeInvalidSession, "session %q is not one of breakfast, lunch, dinner", req.Session)
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return out, err
	}

	ended, err := l.Store.FindJourneySummaries(ctx, req.RouteID, date, store.SummaryFilter{EndedOnly: true})
	if err != nil {
		return out, l.failStore(ctx, "end_session", req.RouteID, date, err, false)
	}
	for _, s := range ended {
		if s.Session != "" && model.NormalizeSession(string(s.Session)) == session {
			return out, conflict(CodeSessionEnded, "session %s of route %s on %s already ended at %s by %s",
				session, req.RouteID, date, s.ActualEndTime.Format(time.RFC3339), s.DriverID)
		}
	}

	first, err := l.earliestStart(ctx, "end_session", req.RouteID, date)
	if err != nil {
		return out, err
	}
	now := l.Clock.Timestamp()
	row := model.JourneySummary{
		RouteID:         req.RouteID,
		Date:            date,
		Session:         session,
		DriverID:        req.DriverID,
		ActualStartTime: first,
		ActualEndTime:   &now,
		UpdatedAt:       now,
	}
	if first != nil {
		d := durationSeconds(*first, now)
		row.TotalDurationSeconds = &d
	}
	out, err = l.Store.UpsertJourneySummary(ctx, row)
	if err != nil {
		return out, l.failStore(ctx, "end_session", req.RouteID, date, err, true)
	}
	if !out.ActualEndTime.Equal(now) {
		return out, conflict(CodeSessionEnded, "session %s of route %s on %s already ended at %s",
			session, req.RouteID, date, out.ActualEndTime.Format(time.RFC3339))
	}
	l.emit(ctx, EventSessionEnded, req.RouteID, date, now, out)
	return out, nil
}

// EndJourney closes the journey and records its total duration.
func (l *Lifecycle) EndJourney(ctx context.Context, req model.EndJourneyRequest) (res model.EndJourneyResult, err error) {
	defer obs.Time(ctx, "journey.end")(&err)
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if req.UserID == "" {
		return res, invalid(CodeMissingDriver, "user_id is required")
	}
	loc := &model.GeoPoint{Lat: req.Latitude, Lng: req.Longitude}
	if err := validLocation(loc); err != nil {
		return res, err
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}

	first, err := l.earliestStart(ctx, "end_journey", req.RouteID, date)
	if err != nil {
		return res, err
	}
	if first == nil {
		return res, conflict(CodeNotStarted, "journey %s on %s was never started", req.RouteID, date)
	}
	ended, err := l.journeyEnd(ctx, "end_journey", req.RouteID, date)
	if err != nil {
		return res, err
	}
	if ended != nil {
		return res, conflict(CodeJourneyEnded, "journey %s on %s already ended at %s", req.RouteID, date, ended.ActualEndTime.Format(time.RFC3339))
	}

	now := l.Clock.Timestamp()
	secs := durationSeconds(*first, now)
	saved, err := l.Store.UpsertJourneySummary(ctx, model.JourneySummary{
		RouteID:              req.RouteID,
		Date:                 date,
		DriverID:             req.UserID,
		ActualStartTime:      first,
		ActualEndTime:        &now,
		TotalDurationSeconds: &secs,
		EndLocation:          loc,
		UpdatedAt:            now,
	})
	if err != nil {
		return res, l.failStore(ctx, "end_journey", req.RouteID, date, err, true)
	}
	if !saved.ActualEndTime.Equal(now) {
		return res, conflict(CodeJourneyEnded, "journey %s on %s already ended at %s", req.RouteID, date, saved.ActualEndTime.Format(time.RFC3339))
	}
	res = model.EndJourneyResult{
		RouteID:              req.RouteID,
		Date:                 date,
		StartedAt:            *first,
		EndedAt:              now,
		TotalDurationSeconds: secs,
		TotalDuration:        (time.Duration(secs) * time.Second).String(),
	}
	l.emit(ctx, EventJourneyEnded, req.RouteID, date, now, res)
	return res, nil
}

func (l *Lifecycle) countsDone(a model.ActualStop) bool {
	return l.Config.UnavailableCountsComplete || model.NormalizeStatus(a.DeliveryStatus) != model.StatusCustomerUnavailable
}

func durationSeconds(from, to time.Time) int64 {
	d := int64(to.Sub(from) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

type slot struct {
	session model.Session
	order   int
}

func slotOf(s model.Session, order int) slot {
	return slot{session: model.NormalizeSession(string(s)), order: order}
}

// reachedSlots indexes visited stop rows by (session, stop_order) and keeps
// the earliest completion per slot.
func reachedSlots(rows []model.ActualStop) map[slot]model.ActualStop {
	out := make(map[slot]model.ActualStop, len(rows))
	for _, a := range rows {
		if a.IsStartMarker() || !a.Reached() {
			continue
		}
		k := slotOf(a.Session, a.StopOrder)
		prev, ok := out[k]
		if !ok || earlier(a.ActualCompletionTime, prev.ActualCompletionTime) {
			out[k] = a
		}
	}
	return out
}

func earlier(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.Before(*b)
}
