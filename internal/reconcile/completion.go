package reconcile

import (
	"sort"
	"time"

	"mealroute/internal/model"
)

// SessionCount is the count-based view of one session.
type SessionCount struct {
	Session   model.Session
	Total     int
	Completed int
}

// CountBasedCompletion groups non-hub planned stops by session and counts
// those whose stop_order appears among the marked stops of the same session.
// A session is complete when it has at least one stop and all are marked.
func CountBasedCompletion(planned []model.PlannedStop, marked []model.MarkedStop) (complete []model.Session, counts []SessionCount) {
	done := map[model.Session]map[int]bool{}
	for _, m := range marked {
		s := model.NormalizeSession(string(m.Session))
		if done[s] == nil {
			done[s] = map[int]bool{}
		}
		done[s][m.StopOrder] = true
	}

	bySession := map[model.Session]*SessionCount{}
	seen := map[model.Session]map[int]bool{}
	for _, p := range planned {
		if p.IsHub() {
			continue
		}
		s := model.NormalizeSession(string(p.Session))
		if seen[s] == nil {
			seen[s] = map[int]bool{}
		}
		// a stop_order counts once even if producers wrote it twice
		if seen[s][p.StopOrder] {
			continue
		}
		seen[s][p.StopOrder] = true
		c := bySession[s]
		if c == nil {
			c = &SessionCount{Session: s}
			bySession[s] = c
		}
		c.Total++
		if done[s][p.StopOrder] {
			c.Completed++
		}
	}

	for _, c := range bySession {
		counts = append(counts, *c)
		if c.Total > 0 && c.Total == c.Completed {
			complete = append(complete, c.Session)
		}
	}
	sort.Slice(counts, func(i, j int) bool { return sessionLess(counts[i].Session, counts[j].Session) })
	SortSessions(complete)
	return complete, counts
}

// MarkerBasedCompletion returns the sessions with an explicit end marker.
// The journey-wide row (empty session) is not a session.
func MarkerBasedCompletion(summaries []model.JourneySummary) []model.Session {
	set := map[model.Session]bool{}
	for _, s := range summaries {
		if s.ActualEndTime == nil {
			continue
		}
		n := model.NormalizeSession(string(s.Session))
		if n == "" {
			continue
		}
		set[n] = true
	}
	out := make([]model.Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	SortSessions(out)
	return out
}

// UnionCompletion merges both views: lowercase, deduplicated, in canonical
// session order. Marker-complete sessions are included unconditionally.
func UnionCompletion(byCount, byMarker []model.Session) []model.Session {
	set := map[model.Session]bool{}
	out := []model.Session{}
	for _, list := range [][]model.Session{byCount, byMarker} {
		for _, s := range list {
			n := model.NormalizeSession(string(s))
			if n == "" || set[n] {
				continue
			}
			set[n] = true
			out = append(out, n)
		}
	}
	SortSessions(out)
	return out
}

// SortSessions orders breakfast, lunch, dinner, then other names alphabetically.
func SortSessions(ss []model.Session) {
	sort.Slice(ss, func(i, j int) bool { return sessionLess(ss[i], ss[j]) })
}

func sessionLess(a, b model.Session) bool {
	ra, rb := model.SessionRank(a), model.SessionRank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// MarkedStops filters reached rows, deduplicates them on (lowercase session,
// stop_order) keeping the earliest completion and sorts them by stop_order,
// then session.
func MarkedStops(rows []model.ActualStop) []model.MarkedStop {
	type key struct {
		s model.Session
		o int
	}
	best := map[key]model.ActualStop{}
	for _, a := range rows {
		if a.IsStartMarker() || !a.Reached() {
			continue
		}
		k := key{model.NormalizeSession(string(a.Session)), a.StopOrder}
		prev, ok := best[k]
		if !ok || earlier(a.ActualCompletionTime, prev.ActualCompletionTime) ||
			(sameTime(a.ActualCompletionTime, prev.ActualCompletionTime) && a.ID < prev.ID) {
			best[k] = a
		}
	}
	out := make([]model.MarkedStop, 0, len(best))
	for k, a := range best {
		var at *time.Time
		if a.ActualCompletionTime != nil {
			t := a.ActualCompletionTime.UTC()
			at = &t
		}
		out = append(out, model.MarkedStop{
			StopOrder:            k.o,
			DeliveryStatus:       model.NormalizeStatus(a.DeliveryStatus),
			ActualCompletionTime: at,
			Session:              k.s,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StopOrder != out[j].StopOrder {
			return out[i].StopOrder < out[j].StopOrder
		}
		return sessionLess(out[i].Session, out[j].Session)
	})
	return out
}

// countable drops customer_unavailable stops from the count-based input.
func countable(marked []model.MarkedStop, unavailableCounts bool) []model.MarkedStop {
	if unavailableCounts {
		return marked
	}
	out := make([]model.MarkedStop, 0, len(marked))
	for _, m := range marked {
		if m.DeliveryStatus == model.StatusCustomerUnavailable {
			continue
		}
		out = append(out, m)
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

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
