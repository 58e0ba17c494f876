package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"mealroute/internal/metrics"
	"mealroute/internal/model"
	"mealroute/internal/obs"
	"mealroute/internal/routeclient"
	"mealroute/internal/store"
	"mealroute/internal/traffic"
)

const (
	// Reoptimization triggers, recorded on the audit row.
	TriggerManual  = "manual"
	TriggerTraffic = "traffic"

	// Reasons a traffic check did not reoptimize.
	SkippedCooldown         = "cooldown"
	SkippedNoRemaining      = "no_remaining_stops"
	SkippedStoreUnavailable = "store_unavailable"
	SkippedFailed           = "failed"
)

// routeState is one read of a route's plan and reports.
type routeState struct {
	planned []model.PlannedStop
	reached map[slot]model.ActualStop
}

func (l *Lifecycle) loadRoute(ctx context.Context, op, routeID, date string) (routeState, error) {
	planned, err := l.Store.FindPlannedStops(ctx, routeID, date)
	if err != nil {
		return routeState{}, l.failStore(ctx, op, routeID, date, err, false)
	}
	if len(planned) == 0 {
		return routeState{}, notFound(CodeRouteNotFound, "route %s has no planned stops on %s", routeID, date)
	}
	actual, err := l.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{CompletedOnly: true})
	if err != nil {
		return routeState{}, l.failStore(ctx, op, routeID, date, err, false)
	}
	return routeState{planned: planned, reached: reachedSlots(actual)}, nil
}

// remaining lists planned stops not yet visited, in plan order. The hub
// stop is included only when withHub is set.
func (rs routeState) remaining(withHub bool) []model.PlannedStop {
	out := []model.PlannedStop{}
	for _, p := range rs.planned {
		if p.IsHub() && !withHub {
			continue
		}
		if _, ok := rs.reached[slotOf(p.Session, p.StopOrder)]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (rs routeState) order() []model.RouteOrderEntry {
	out := make([]model.RouteOrderEntry, 0, len(rs.planned))
	for _, p := range rs.planned {
		e := model.RouteOrderEntry{PlannedStop: p, IsHub: p.IsHub()}
		if a, ok := rs.reached[slotOf(p.Session, p.StopOrder)]; ok {
			e.DeliveryStatus = model.NormalizeStatus(a.DeliveryStatus)
			e.ActualCompletionTime = a.ActualCompletionTime
			e.Completed = true
		}
		out = append(out, e)
	}
	return out
}

// CheckTraffic reads live traffic on the remaining segments and reoptimizes
// when the worst multiplier reaches the threshold. Polling is cheap: at most
// one traffic-triggered reoptimization runs per cooldown window. Without a
// current location the newest position reported on the route is used.
func (l *Lifecycle) CheckTraffic(ctx context.Context, req model.CheckTrafficRequest) (res model.CheckTrafficResult, err error) {
	defer obs.Time(ctx, "journey.check_traffic")(&err)
	defer func() { metrics.TrafficChecks.WithLabelValues(trafficOutcome(res, err)).Inc() }()
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if err := validLocation(req.CurrentLocation); err != nil {
		return res, err
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}
	rs, err := l.loadRoute(ctx, "check_traffic", req.RouteID, date)
	if err != nil {
		return res, err
	}
	if req.CurrentLocation == nil {
		req.CurrentLocation = l.lastKnownLocation(ctx, "check_traffic", req.RouteID, date)
	}
	now := l.Clock.Timestamp()
	res = model.CheckTrafficResult{RouteID: req.RouteID, Date: date, Segments: []model.SegmentTraffic{}, Threshold: l.Config.TrafficThreshold, CheckedAt: now}

	stops := rs.remaining(true)
	if len(stops) == 0 {
		res.ReoptimizationSkipped = SkippedNoRemaining
		return res, nil
	}
	if !req.AllSegments() {
		stops = stops[:1]
	}
	tr, err := l.Optimizer.CheckTraffic(ctx, routeclient.TrafficInput{
		RouteID:          req.RouteID,
		Date:             date,
		CurrentLocation:  req.CurrentLocation,
		CheckAllSegments: req.AllSegments(),
		Stops:            routeclient.StopsFrom(stops),
	})
	if err != nil {
		return res, upstreamError("traffic check", err, false)
	}
	if tr.Segments != nil {
		res.Segments = tr.Segments
	}
	if tr.Threshold != nil && *tr.Threshold > 0 {
		res.Threshold = *tr.Threshold
	}
	ev := traffic.Evaluate(res.Segments, res.Threshold)
	res.MaxMultiplier, res.ThresholdExceeded = ev.MaxMultiplier, ev.Exceeded
	if !res.ThresholdExceeded {
		return res, nil
	}

	last, err := l.Store.LastReoptimization(ctx, req.RouteID, date)
	switch {
	case err != nil && !isNotFound(err):
		log.Printf("req_id=%s journey op=check_traffic route=%s date=%s cooldown lookup err=%v", obs.RequestID(ctx), req.RouteID, date, err)
		res.ReoptimizationSkipped = SkippedStoreUnavailable
	case err == nil && now.Sub(last.CreatedAt) < l.Config.ReoptimizeCooldown:
		res.ReoptimizationSkipped = SkippedCooldown
	default:
		trafficData, _ := json.Marshal(res.Segments)
		ro, rerr := l.reoptimize(ctx, model.ReoptimizeRequest{
			RouteID:         req.RouteID,
			Date:            date,
			CurrentLocation: req.CurrentLocation,
			TrafficData:     trafficData,
		}, TriggerTraffic, res.MaxMultiplier)
		if rerr != nil {
			res.ReoptimizationSkipped = SkippedFailed
			res.ReoptimizationError = rerr.Error()
		} else {
			res.ReoptimizationResult = &ro
		}
	}
	l.emit(ctx, EventTrafficChecked, req.RouteID, date, now, res)
	return res, nil
}

func trafficOutcome(res model.CheckTrafficResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.ReoptimizationSkipped == SkippedCooldown:
		return "cooldown"
	case res.ThresholdExceeded:
		return "exceeded"
	}
	return "ok"
}

// Reoptimize asks the engine for a new order of the remaining stops and
// commits it with an audit row. Visited stops and the hub stop keep their
// slots, so stop reports stay linked. The engine starts from the request's
// location, else from the newest one reported on the route.
func (l *Lifecycle) Reoptimize(ctx context.Context, req model.ReoptimizeRequest) (res model.ReoptimizeResult, err error) {
	defer obs.Time(ctx, "journey.reoptimize")(&err)
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if req.DelayMinutes < 0 {
		return res, invalid(CodeInvalidDelay, "delay_minutes must be >= 0, got %d", req.DelayMinutes)
	}
	if err := validLocation(req.CurrentLocation); err != nil {
		return res, err
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}
	req.Date = date
	if req.CurrentLocation == nil {
		req.CurrentLocation = l.lastKnownLocation(ctx, "reoptimize", req.RouteID, date)
	}
	return l.reoptimize(ctx, req, TriggerManual, 0)
}

func (l *Lifecycle) reoptimize(ctx context.Context, req model.ReoptimizeRequest, trigger string, maxMultiplier float64) (model.ReoptimizeResult, error) {
	res := model.ReoptimizeResult{RouteID: req.RouteID, Date: req.Date}
	rs, err := l.loadRoute(ctx, "reoptimize", req.RouteID, req.Date)
	if err != nil {
		return res, err
	}
	remaining := rs.remaining(false)
	if len(remaining) == 0 {
		res.Order = rs.order()
		res.Message = "no remaining stops to reorder"
		return res, nil
	}

	resp, err := l.Optimizer.Reoptimize(ctx, routeclient.ReoptimizeInput{
		RouteID:         req.RouteID,
		Date:            req.Date,
		CurrentLocation: req.CurrentLocation,
		DelayMinutes:    req.DelayMinutes,
		TrafficData:     req.TrafficData,
		WeatherData:     req.WeatherData,
		Stops:           routeclient.StopsFrom(remaining),
	})
	if err != nil {
		return res, upstreamError("reoptimize", err, true)
	}
	moves, err := planMoves(remaining, resp.OrderedStopIDs)
	if err != nil {
		return res, err
	}

	// a stop reported while the engine was working must keep its slot
	fresh, err := l.loadRoute(ctx, "reoptimize", req.RouteID, req.Date)
	if err != nil {
		return res, err
	}
	if len(fresh.remaining(false)) != len(remaining) {
		return res, &Error{Kind: KindState, Code: CodeReorderConflict, Retry: RetrySafe,
			Message: fmt.Sprintf("stops on route %s were reported during reoptimization; nothing was changed", req.RouteID)}
	}

	now := l.Clock.Timestamp()
	audit := model.Reoptimization{
		RouteID:       req.RouteID,
		Date:          req.Date,
		Trigger:       trigger,
		DelayMinutes:  req.DelayMinutes,
		MaxMultiplier: maxMultiplier,
		StopsMoved:    len(moves),
		CreatedAt:     now,
	}
	if err := l.Store.ReorderPlannedStops(ctx, req.RouteID, req.Date, moves, audit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return res, &Error{Kind: KindState, Code: CodeReorderConflict, Retry: RetrySafe, Err: err,
				Message: fmt.Sprintf("stops on route %s were reported or moved during reoptimization; nothing was changed", req.RouteID)}
		}
		return res, l.failStore(ctx, "reoptimize", req.RouteID, req.Date, err, true)
	}
	metrics.Reoptimizations.WithLabelValues(trigger).Inc()

	res.Changed = len(moves) > 0
	res.StopsMoved = len(moves)
	res.EstimatedDurationMinutes = resp.EstimatedDurationMinutes
	res.Message = resp.Message
	if after, err := l.loadRoute(ctx, "reoptimize", req.RouteID, req.Date); err == nil {
		res.Order = after.order()
	}
	l.emit(ctx, EventRouteReoptimize, req.RouteID, req.Date, now, res)
	return res, nil
}

// planMoves maps the engine's order onto the slots the remaining stops
// already hold: per session, the freed stop_order values are refilled in the
// engine's order. The engine must return every submitted id exactly once.
func planMoves(remaining []model.PlannedStop, ordered []string) ([]model.StopReorder, error) {
	byID := make(map[string]model.PlannedStop, len(remaining))
	for _, p := range remaining {
		byID[p.ID] = p
	}
	incomplete := func(format string, args ...any) error {
		return &Error{Kind: KindUpstream, Code: CodeIncompleteResponse, Retry: RetrySafe,
			Message: "optimizer response rejected, nothing was changed: " + fmt.Sprintf(format, args...)}
	}
	if len(ordered) != len(remaining) {
		return nil, incomplete("got %d stop ids for %d stops", len(ordered), len(remaining))
	}
	seen := make(map[string]bool, len(ordered))
	for _, id := range ordered {
		if _, ok := byID[id]; !ok {
			return nil, incomplete("unknown stop id %q", id)
		}
		if seen[id] {
			return nil, incomplete("stop id %q listed twice", id)
		}
		seen[id] = true
	}

	slots := map[model.Session][]int{}
	for _, p := range remaining {
		s := model.NormalizeSession(string(p.Session))
		slots[s] = append(slots[s], p.StopOrder)
	}
	for s := range slots {
		sort.Ints(slots[s])
	}
	next := map[model.Session]int{}
	var moves []model.StopReorder
	for _, id := range ordered {
		p := byID[id]
		s := model.NormalizeSession(string(p.Session))
		newOrder := slots[s][next[s]]
		next[s]++
		if newOrder != p.StopOrder {
			moves = append(moves, model.StopReorder{PlannedStopID: id, NewOrder: newOrder})
		}
	}
	return moves, nil
}

// Plan calls the engine and stores each returned route as planned stops.
// Routes that already have stop reports are refused before anything is
// written.
func (l *Lifecycle) Plan(ctx context.Context, req model.PlanRequest) (res model.PlanResult, err error) {
	defer obs.Time(ctx, "journey.plan")(&err)
	if req.DriverCount < 1 {
		return res, invalid(CodeInvalidDriverCount, "driver_count must be >= 1, got %d", req.DriverCount)
	}
	if len(req.Deliveries) == 0 {
		return res, invalid(CodeMissingDeliveries, "deliveries must not be empty")
	}
	if err := validLocation(&req.Depot); err != nil {
		return res, err
	}
	for i, d := range req.Deliveries {
		if d.DeliveryID == "" {
			return res, invalid(CodeMissingDelivery, "deliveries[%d].delivery_id is required", i)
		}
		s, ok := model.ParseSession(d.Session)
		if !ok {
			return res, invalid(CodeInvalidSession, "deliveries[%d].session %q is not one of breakfast, lunch, dinner", i, d.Session)
		}
		req.Deliveries[i].Session = string(s)
		if d.Location == nil {
			return res, invalid(CodeInvalidLocation, "deliveries[%d].location is required", i)
		}
		if err := validLocation(d.Location); err != nil {
			return res, err
		}
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}
	req.Date = date

	resp, err := l.Optimizer.Plan(ctx, req)
	if err != nil {
		return res, upstreamError("plan", err, true)
	}
	if len(resp.Routes) == 0 {
		return res, &Error{Kind: KindUpstream, Code: CodeIncompleteResponse, Retry: RetrySafe, Message: "optimizer returned no routes"}
	}
	for i, r := range resp.Routes {
		if r.RouteID == "" {
			return res, &Error{Kind: KindUpstream, Code: CodeIncompleteResponse, Retry: RetrySafe, Message: fmt.Sprintf("route %d has no route_id", i)}
		}
		rows, err := l.Store.FindActualStops(ctx, r.RouteID, date, store.ActualStopFilter{})
		if err != nil {
			return res, l.failStore(ctx, "plan", r.RouteID, date, err, false)
		}
		if len(rows) > 0 {
			return res, conflict(CodeRouteInProgress, "route %s already has stop reports on %s; use reoptimize", r.RouteID, date)
		}
	}

	res = model.PlanResult{Date: date, Routes: make([]model.PlannedRoute, 0, len(resp.Routes))}
	for _, r := range resp.Routes {
		stops := numberStops(r.Stops)
		if err := l.Store.ReplacePlannedStops(ctx, r.RouteID, date, stops); err != nil {
			return res, l.failStore(ctx, "plan", r.RouteID, date, err, true)
		}
		saved, err := l.Store.FindPlannedStops(ctx, r.RouteID, date)
		if err != nil {
			saved = stops
		}
		res.Routes = append(res.Routes, model.PlannedRoute{RouteID: r.RouteID, DriverIndex: r.DriverIndex, Stops: saved})
	}
	return res, nil
}

// numberStops lowercases sessions and fills in missing stop orders per
// session in the engine's order.
func numberStops(in []model.PlannedStop) []model.PlannedStop {
	out := make([]model.PlannedStop, 0, len(in))
	next := map[model.Session]int{}
	for _, p := range in {
		p.Session = model.NormalizeSession(string(p.Session))
		if p.StopOrder <= 0 {
			p.StopOrder = next[p.Session] + 1
		}
		if p.StopOrder > next[p.Session] {
			next[p.Session] = p.StopOrder
		}
		out = append(out, p)
	}
	return out
}

// PredictStart asks the engine when the driver should leave to meet the
// session's delivery windows.
func (l *Lifecycle) PredictStart(ctx context.Context, req model.PredictStartRequest) (res model.PredictStartResult, err error) {
	defer obs.Time(ctx, "journey.predict_start")(&err)
	if req.RouteID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	var session model.Session
	if req.Session != "" {
		s, ok := model.ParseSession(req.Session)
		if !ok {
			return res, invalid(CodeInvalidSession, "session %q is not one of breakfast, lunch, dinner", req.Session)
		}
		session = s
	}
	date, err := l.resolveDate(req.Date)
	if err != nil {
		return res, err
	}
	planned, err := l.Store.FindPlannedStops(ctx, req.RouteID, date)
	if err != nil {
		return res, l.failStore(ctx, "predict_start", req.RouteID, date, err, false)
	}
	var stops []model.PlannedStop
	for _, p := range planned {
		if session == "" || model.NormalizeSession(string(p.Session)) == session {
			stops = append(stops, p)
		}
	}
	if len(stops) == 0 {
		return res, notFound(CodeRouteNotFound, "route %s has no planned stops on %s", req.RouteID, date)
	}
	out, err := l.Optimizer.PredictStartTime(ctx, routeclient.PredictStartInput{
		RouteID: req.RouteID, Date: date, Session: session, Stops: routeclient.StopsFrom(stops),
	})
	if err != nil {
		return res, upstreamError("predict start time", err, false)
	}
	return model.PredictStartResult{
		RouteID:            req.RouteID,
		Date:               date,
		RecommendedStartAt: out.RecommendedStartAt.UTC(),
		EstimatedMinutes:   out.EstimatedMinutes,
	}, nil
}

// LiveStatus summarizes the journey for the driver app.
func (l *Lifecycle) LiveStatus(ctx context.Context, routeID, date string) (res model.LiveStatus, err error) {
	defer obs.Time(ctx, "journey.live_status")(&err)
	if routeID == "" {
		return res, invalid(CodeMissingRoute, "route_id is required")
	}
	if date, err = l.resolveDate(date); err != nil {
		return res, err
	}
	res = model.LiveStatus{RouteID: routeID, Date: date}

	first, err := l.earliestStart(ctx, "live_status", routeID, date)
	if err != nil {
		return res, err
	}
	planned, err := l.Store.FindPlannedStops(ctx, routeID, date)
	if err != nil {
		return res, l.failStore(ctx, "live_status", routeID, date, err, false)
	}
	if first == nil && len(planned) == 0 {
		return res, notFound(CodeRouteNotFound, "route %s has no plan or reports on %s", routeID, date)
	}
	actual, err := l.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{CompletedOnly: true})
	if err != nil {
		return res, l.failStore(ctx, "live_status", routeID, date, err, false)
	}
	ended, err := l.journeyEnd(ctx, "live_status", routeID, date)
	if err != nil {
		return res, err
	}

	rs := routeState{planned: planned, reached: reachedSlots(actual)}
	for _, e := range rs.order() {
		if e.IsHub {
			continue
		}
		res.TotalStops++
		if e.Completed {
			res.CompletedStops++
		}
	}
	if rem := rs.remaining(true); len(rem) > 0 {
		next := rem[0]
		res.NextStop = &next
	}
	if first != nil {
		res.Started, res.StartedAt = true, first
		until := l.Clock.Timestamp()
		if ended != nil {
			res.Ended, res.EndedAt = true, ended.ActualEndTime
			until = *ended.ActualEndTime
		}
		res.ElapsedSeconds = durationSeconds(*first, until)
	}
	return res, nil
}

// RouteOrder returns the current plan merged with stop reports.
func (l *Lifecycle) RouteOrder(ctx context.Context, routeID, date string) (out []model.RouteOrderEntry, err error) {
	defer obs.Time(ctx, "journey.route_order")(&err)
	if routeID == "" {
		return nil, invalid(CodeMissingRoute, "route_id is required")
	}
	if date, err = l.resolveDate(date); err != nil {
		return nil, err
	}
	rs, err := l.loadRoute(ctx, "route_order", routeID, date)
	if err != nil {
		return nil, err
	}
	return rs.order(), nil
}
