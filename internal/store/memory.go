package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mealroute/internal/model"
)

// Memory is an in-memory JourneyStore used when no DATABASE_URL is set and
// as the fake behind reconciler and lifecycle tests.
type Memory struct {
	mu        sync.Mutex
	planned   map[string]model.PlannedStop    // id -> stop
	byRoute   map[string][]string             // route|date -> planned ids
	actual    map[string]model.ActualStop     // route|date|session|order -> row
	summaries map[string]model.JourneySummary // route|date|session|driver -> row
	reopts    map[string][]model.Reoptimization
}

func NewMemory() *Memory {
	return &Memory{
		planned:   map[string]model.PlannedStop{},
		byRoute:   map[string][]string{},
		actual:    map[string]model.ActualStop{},
		summaries: map[string]model.JourneySummary{},
		reopts:    map[string][]model.Reoptimization{},
	}
}

func routeKey(routeID, date string) string { return routeID + "|" + date }

func actualKey(a model.ActualStop) string {
	return fmt.Sprintf("%s|%s|%s|%d", a.RouteID, a.Date, a.Session, a.StopOrder)
}

func summaryKey(s model.JourneySummary) string {
	return s.RouteID + "|" + s.Date + "|" + string(s.Session) + "|" + s.DriverID
}

func (m *Memory) FindPlannedStops(ctx context.Context, routeID, date string) ([]model.PlannedStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PlannedStop{}
	for _, id := range m.byRoute[routeKey(routeID, date)] {
		out = append(out, m.planned[id])
	}
	sortPlanned(out)
	return out, nil
}

func (m *Memory) GetPlannedStop(ctx context.Context, id string) (model.PlannedStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.planned[id]
	if !ok {
		return model.PlannedStop{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ReplacePlannedStops(ctx context.Context, routeID, date string, stops []model.PlannedStop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, s := range stops {
		k := fmt.Sprintf("%s|%d", s.Session, s.StopOrder)
		if seen[k] {
			return fmt.Errorf("replace planned stops: duplicate stop_order %d in session %s: %w", s.StopOrder, s.Session, ErrConflict)
		}
		seen[k] = true
	}
	rk := routeKey(routeID, date)
	for _, id := range m.byRoute[rk] {
		delete(m.planned, id)
	}
	ids := make([]string, 0, len(stops))
	for _, s := range stops {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		s.RouteID, s.Date = routeID, date
		m.planned[s.ID] = s
		ids = append(ids, s.ID)
	}
	m.byRoute[rk] = ids
	return nil
}

// ReorderPlannedStops applies the same checks as the Postgres version under
// the store lock.
func (m *Memory) ReorderPlannedStops(ctx context.Context, routeID, date string, moves []model.StopReorder, audit model.Reoptimization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := routeKey(routeID, date)
	next := map[string]model.PlannedStop{}
	for _, id := range m.byRoute[rk] {
		next[id] = m.planned[id]
	}
	for _, mv := range moves {
		p, ok := next[mv.PlannedStopID]
		if !ok {
			return fmt.Errorf("reorder: planned stop %s not on route %s/%s: %w", mv.PlannedStopID, routeID, date, ErrConflict)
		}
		if m.slotReportedLocked(routeID, date, p.Session, p.StopOrder) {
			return fmt.Errorf("reorder: stop %d (%s) was reported: %w", p.StopOrder, p.Session, ErrConflict)
		}
		p.StopOrder = mv.NewOrder
		next[mv.PlannedStopID] = p
	}
	slots := map[string]bool{}
	for _, p := range next {
		k := fmt.Sprintf("%s|%d", p.Session, p.StopOrder)
		if slots[k] {
			return fmt.Errorf("reorder: stop_order %d taken twice in session %s: %w", p.StopOrder, p.Session, ErrConflict)
		}
		slots[k] = true
	}
	for id, p := range next {
		m.planned[id] = p
	}
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	audit.RouteID, audit.Date = routeID, date
	m.reopts[rk] = append(m.reopts[rk], audit)
	return nil
}

func (m *Memory) slotReportedLocked(routeID, date string, session model.Session, order int) bool {
	want := model.NormalizeSession(string(session))
	for _, a := range m.actual {
		if a.RouteID == routeID && a.Date == date && a.StopOrder == order && model.NormalizeSession(string(a.Session)) == want {
			return true
		}
	}
	return false
}

func (m *Memory) UpsertActualStop(ctx context.Context, stop model.ActualStop) (model.ActualStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.planned[stop.PlannedStopID]; ok && stop.PlannedStopID != "" {
		if p.StopOrder != stop.StopOrder || model.NormalizeSession(string(p.Session)) != model.NormalizeSession(string(stop.Session)) {
			return stop, fmt.Errorf("upsert actual stop: planned stop %s moved to %s/%d: %w", p.ID, p.Session, p.StopOrder, ErrConflict)
		}
	}
	if stop.UpdatedAt.IsZero() {
		stop.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	stop = startedBy(stop)
	k := actualKey(stop)
	if existing, ok := m.actual[k]; ok {
		merged := model.MergeActualStop(existing, stop)
		m.actual[k] = merged
		return merged, nil
	}
	if stop.ID == "" {
		stop.ID = uuid.New().String()
	}
	m.actual[k] = stop
	return stop, nil
}

func (m *Memory) FindActualStops(ctx context.Context, routeID, date string, f ActualStopFilter) ([]model.ActualStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ActualStop{}
	for _, a := range m.actual {
		if a.RouteID != routeID || a.Date != date || !matchesActual(a, f) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StopOrder != out[j].StopOrder {
			return out[i].StopOrder < out[j].StopOrder
		}
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpsertJourneySummary(ctx context.Context, s model.JourneySummary) (model.JourneySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	k := summaryKey(s)
	if existing, ok := m.summaries[k]; ok {
		merged := model.MergeJourneySummary(existing, s)
		m.summaries[k] = merged
		return merged, nil
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	m.summaries[k] = s
	return s, nil
}

func (m *Memory) FindJourneySummaries(ctx context.Context, routeID, date string, f SummaryFilter) ([]model.JourneySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.JourneySummary{}
	for _, s := range m.summaries {
		if s.RouteID != routeID || s.Date != date || !matchesSummary(s, f) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

func (m *Memory) LastReoptimization(ctx context.Context, routeID, date string) (model.Reoptimization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.reopts[routeKey(routeID, date)]
	if len(list) == 0 {
		return model.Reoptimization{}, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *Memory) ListActiveRoutes(ctx context.Context, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ended := map[string]bool{}
	for _, s := range m.summaries {
		if s.Date == date && s.Session == "" && s.ActualEndTime != nil {
			ended[s.RouteID] = true
		}
	}
	set := map[string]bool{}
	for _, a := range m.actual {
		if a.Date == date && a.StartTime != nil && !ended[a.RouteID] {
			set[a.RouteID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func sortPlanned(ps []model.PlannedStop) {
	sort.SliceStable(ps, func(i, j int) bool {
		ri, rj := model.SessionRank(ps[i].Session), model.SessionRank(ps[j].Session)
		if ri != rj {
			return ri < rj
		}
		if ps[i].Session != ps[j].Session {
			return ps[i].Session < ps[j].Session
		}
		return ps[i].StopOrder < ps[j].StopOrder
	})
}
