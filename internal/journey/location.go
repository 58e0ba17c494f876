package journey

import (
	"context"
	"log"
	"sort"

	"mealroute/internal/model"
	"mealroute/internal/obs"
	"mealroute/internal/store"
)

// DriverLocations returns the newest reported position of each driver on a
// route, newest first. Positions come from stop reports and journey ends.
func (l *Lifecycle) DriverLocations(ctx context.Context, routeID, date string) (out []model.DriverLocation, err error) {
	defer obs.Time(ctx, "journey.driver_locations")(&err)
	if routeID == "" {
		return nil, invalid(CodeMissingRoute, "route_id is required")
	}
	if date, err = l.resolveDate(date); err != nil {
		return nil, err
	}
	out, err = l.driverLocations(ctx, routeID, date)
	if err != nil {
		return nil, l.failStore(ctx, "driver_locations", routeID, date, err, false)
	}
	return out, nil
}

func (l *Lifecycle) driverLocations(ctx context.Context, routeID, date string) ([]model.DriverLocation, error) {
	actual, err := l.Store.FindActualStops(ctx, routeID, date, store.ActualStopFilter{})
	if err != nil {
		return nil, err
	}
	summaries, err := l.Store.FindJourneySummaries(ctx, routeID, date, store.SummaryFilter{})
	if err != nil {
		return nil, err
	}
	newest := map[string]model.DriverLocation{}
	keep := func(loc model.DriverLocation) {
		if prev, ok := newest[loc.DriverID]; ok && !loc.At.After(prev.At) {
			return
		}
		newest[loc.DriverID] = loc
	}
	for _, a := range actual {
		if a.Location == nil {
			continue
		}
		keep(model.DriverLocation{DriverID: a.UserID, Lat: a.Location.Lat, Lng: a.Location.Lng, At: a.UpdatedAt})
	}
	for _, s := range summaries {
		if s.EndLocation == nil {
			continue
		}
		at := s.UpdatedAt
		if s.ActualEndTime != nil {
			at = *s.ActualEndTime
		}
		keep(model.DriverLocation{DriverID: s.DriverID, Lat: s.EndLocation.Lat, Lng: s.EndLocation.Lng, At: at})
	}

	out := make([]model.DriverLocation, 0, len(newest))
	for _, v := range newest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// lastKnownLocation is the newest position reported on the route, or nil.
// A failed read only costs the engine its starting point.
func (l *Lifecycle) lastKnownLocation(ctx context.Context, op, routeID, date string) *model.GeoPoint {
	locs, err := l.driverLocations(ctx, routeID, date)
	if err != nil {
		log.Printf("req_id=%s journey op=%s route=%s date=%s location lookup err=%v", obs.RequestID(ctx), op, routeID, date, err)
		return nil
	}
	if len(locs) == 0 {
		return nil
	}
	return &model.GeoPoint{Lat: locs[0].Lat, Lng: locs[0].Lng}
}
