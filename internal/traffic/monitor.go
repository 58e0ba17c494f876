package traffic

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mealroute/internal/model"
)

// Checker runs one traffic check, reoptimizing when warranted.
type Checker interface {
	CheckTraffic(ctx context.Context, req model.CheckTrafficRequest) (model.CheckTrafficResult, error)
}

// RouteLister lists routes started but not ended on a date.
type RouteLister interface {
	ListActiveRoutes(ctx context.Context, date string) ([]string, error)
}

// cronParser accepts standard 5-field expressions and descriptors like "@every 2m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidSchedule reports whether expr parses.
func ValidSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("traffic schedule %q: %w", expr, err)
	}
	return nil
}

type Monitor struct {
	Checker     Checker
	Routes      RouteLister
	Clock       model.Clock
	Concurrency int
	// RouteTimeout bounds one route's check, including any reoptimization.
	RouteTimeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewMonitor(c Checker, routes RouteLister, clock model.Clock) *Monitor {
	return &Monitor{Checker: c, Routes: routes, Clock: clock, Concurrency: 4, RouteTimeout: 45 * time.Second}
}

// RouteOutcome is one route's sweep result.
type RouteOutcome struct {
	RouteID     string  `json:"route_id"`
	Exceeded    bool    `json:"threshold_exceeded"`
	Multiplier  float64 `json:"max_multiplier"`
	Reoptimized bool    `json:"reoptimized"`
	Skipped     string  `json:"skipped,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type SweepReport struct {
	Date     string         `json:"date"`
	Routes   []RouteOutcome `json:"routes"`
	Duration time.Duration  `json:"duration"`
}

// Sweep checks every active route of today. Route failures are reported per
// route; only a failure to list routes fails the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	date := m.Clock.Today()
	rep := SweepReport{Date: date}
	routes, err := m.Routes.ListActiveRoutes(ctx, date)
	if err != nil {
		return rep, fmt.Errorf("traffic sweep: list active routes: %w", err)
	}
	rep.Routes = make([]RouteOutcome, len(routes))

	workers := m.Concurrency
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, id := range routes {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			rep.Routes[i] = m.checkOne(ctx, id, date)
		}(i, id)
	}
	wg.Wait()
	rep.Duration = time.Since(start)
	log.Printf("traffic sweep date=%s routes=%d dur=%dms", date, len(routes), rep.Duration.Milliseconds())
	return rep, nil
}

func (m *Monitor) checkOne(ctx context.Context, routeID, date string) RouteOutcome {
	out := RouteOutcome{RouteID: routeID}
	if m.RouteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.RouteTimeout)
		defer cancel()
	}
	res, err := m.Checker.CheckTraffic(ctx, model.CheckTrafficRequest{RouteID: routeID, Date: date})
	if err != nil {
		log.Printf("traffic sweep route=%s date=%s err=%v", routeID, date, err)
		out.Error = err.Error()
		return out
	}
	out.Exceeded = res.ThresholdExceeded
	out.Multiplier = res.MaxMultiplier
	out.Reoptimized = res.ReoptimizationResult != nil
	out.Skipped = res.ReoptimizationSkipped
	return out
}

// Start schedules Sweep. Overlapping runs are skipped.
func (m *Monitor) Start(schedule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("traffic monitor already started")
	}
	loc := m.Clock.Loc
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(schedule, m.tick); err != nil {
		return fmt.Errorf("traffic schedule %q: %w", schedule, err)
	}
	m.cron = c
	c.Start()
	log.Printf("traffic monitor started schedule=%q", schedule)
	return nil
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Printf("traffic sweep skipped: previous run still active")
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	if _, err := m.Sweep(context.Background()); err != nil {
		log.Printf("traffic sweep err=%v", err)
	}
}

// Stop stops the schedule and waits for a running sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
