package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Core journey types shared by the store, the lifecycle and the reconciler.

// DateLayout is the wire and storage format of a delivery date.
const DateLayout = "2006-01-02"

// HubStopName is the synthetic final stop the planner appends to every route.
const HubStopName = "Return to Hub"

type Session string

const (
	SessionBreakfast Session = "breakfast"
	SessionLunch     Session = "lunch"
	SessionDinner    Session = "dinner"
)

// NormalizeSession lowercases and trims a session name from any producer.
func NormalizeSession(s string) Session {
	return Session(strings.ToLower(strings.TrimSpace(s)))
}

// ParseSession normalizes s and reports whether it names a known meal session.
func ParseSession(s string) (Session, bool) {
	n := NormalizeSession(s)
	switch n {
	case SessionBreakfast, SessionLunch, SessionDinner:
		return n, true
	}
	return n, false
}

// SessionRank orders sessions breakfast, lunch, dinner; unknown names sort last.
func SessionRank(s Session) int {
	switch NormalizeSession(string(s)) {
	case SessionBreakfast:
		return 0
	case SessionLunch:
		return 1
	case SessionDinner:
		return 2
	}
	return 3
}

type DeliveryStatus string

const (
	StatusPending             DeliveryStatus = ""
	StatusDelivered           DeliveryStatus = "delivered"
	StatusArrived             DeliveryStatus = "arrived"
	StatusCustomerUnavailable DeliveryStatus = "customer_unavailable"
)

// ParseDeliveryStatus accepts any casing ("CUSTOMER_UNAVAILABLE", "Delivered").
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	st := DeliveryStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusDelivered, StatusArrived, StatusCustomerUnavailable:
		return st, true
	}
	return st, false
}

// NormalizeStatus lowercases a status written by any producer.
func NormalizeStatus(s DeliveryStatus) DeliveryStatus {
	return DeliveryStatus(strings.ToLower(strings.TrimSpace(string(s))))
}

// Reached reports whether the status alone marks the stop as reached.
func (s DeliveryStatus) Reached() bool {
	st := NormalizeStatus(s)
	return st == StatusDelivered || st == StatusArrived
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PlannedStop is one stop of a route plan. Written by planning and
// reoptimization only.
type PlannedStop struct {
	ID           string    `json:"planned_stop_id"`
	RouteID      string    `json:"route_id"`
	Date         string    `json:"date"`
	Session      Session   `json:"session"`
	StopOrder    int       `json:"stop_order"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	DeliveryName string    `json:"delivery_name"`
	Location     *GeoPoint `json:"location,omitempty"`
}

// IsHub reports whether the stop is the synthetic hub return.
func (p PlannedStop) IsHub() bool {
	return strings.EqualFold(strings.TrimSpace(p.DeliveryName), HubStopName)
}

// ActualStop is a driver-reported event for a stop. The natural key is
// (RouteID, Date, Session, StopOrder); stop order 0 with an empty session is
// the journey start marker.
type ActualStop struct {
	ID                   string         `json:"id"`
	RouteID              string         `json:"route_id"`
	Date                 string         `json:"date"`
	Session              Session        `json:"session"`
	StopOrder            int            `json:"stop_order"`
	PlannedStopID        string         `json:"planned_stop_id,omitempty"`
	DeliveryID           string         `json:"delivery_id,omitempty"`
	UserID               string         `json:"user_id"`
	DeliveryStatus       DeliveryStatus `json:"delivery_status"`
	ActualCompletionTime *time.Time     `json:"actual_completion_time,omitempty"`
	StartTime            *time.Time     `json:"start_time,omitempty"`
	// StartedBy is the driver whose write set StartTime. Both stay fixed
	// once set, whoever reports on the row later.
	StartedBy            string         `json:"started_by,omitempty"`
	Location             *GeoPoint      `json:"location,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// DriverLocation is the newest position a driver reported on a route.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

// IsStartMarker reports whether the row only records the journey start.
func (a ActualStop) IsStartMarker() bool { return a.StopOrder == 0 && a.Session == "" }

// Reached reports whether the row counts as a reported stop.
func (a ActualStop) Reached() bool {
	return a.ActualCompletionTime != nil || a.DeliveryStatus.Reached()
}

// JourneySummary records explicit session ends. Session "" is the
// journey-wide row written by endJourney.
type JourneySummary struct {
	ID                   string     `json:"id"`
	RouteID              string     `json:"route_id"`
	Date                 string     `json:"date"`
	Session              Session    `json:"session"`
	DriverID             string     `json:"driver_id"`
	ActualStartTime      *time.Time `json:"actual_start_time,omitempty"`
	ActualEndTime        *time.Time `json:"actual_end_time,omitempty"`
	TotalDurationSeconds *int64     `json:"total_duration_seconds,omitempty"`
	EndLocation          *GeoPoint  `json:"end_location,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Reoptimization is the audit row written with every committed reorder.
type Reoptimization struct {
	ID            string    `json:"id"`
	RouteID       string    `json:"route_id"`
	Date          string    `json:"date"`
	Trigger       string    `json:"trigger"` // manual, traffic
	DelayMinutes  int       `json:"delay_minutes,omitempty"`
	MaxMultiplier float64   `json:"max_multiplier,omitempty"`
	StopsMoved    int       `json:"stops_moved"`
	CreatedAt     time.Time `json:"created_at"`
}

// StopReorder moves one planned stop to a new slot within its session.
type StopReorder struct {
	PlannedStopID string
	NewOrder      int
}

// MarkedStop is one entry of JourneyStatus.MarkedStops.
type MarkedStop struct {
	StopOrder            int            `json:"stop_order"`
	DeliveryStatus       DeliveryStatus `json:"delivery_status"`
	ActualCompletionTime *time.Time     `json:"actual_completion_time"`
	Session              Session        `json:"session"`
}

// JourneyStatus is derived on demand and never stored.
type JourneyStatus struct {
	RouteID           string       `json:"route_id"`
	Date              string       `json:"date"`
	IsJourneyStarted  bool         `json:"is_journey_started"`
	MarkedStops       []MarkedStop `json:"marked_stops"`
	CompletedSessions []Session    `json:"completed_sessions"`
	DegradedSources   []string     `json:"degraded_sources,omitempty"`
}

// RouteOrderEntry is a planned stop merged with its reported state.
type RouteOrderEntry struct {
	PlannedStop
	IsHub                bool           `json:"is_hub"`
	DeliveryStatus       DeliveryStatus `json:"delivery_status"`
	ActualCompletionTime *time.Time     `json:"actual_completion_time,omitempty"`
	Completed            bool           `json:"completed"`
}

// Requests

type StartRequest struct {
	DriverID string `json:"driver_id"`
	RouteID  string `json:"route_id,omitempty"`
	Date     string `json:"date,omitempty"`
}

type StartResult struct {
	RouteID        string    `json:"route_id"`
	Date           string    `json:"date"`
	DriverID       string    `json:"driver_id"`
	StartedAt      time.Time `json:"started_at"`
	AlreadyStarted bool      `json:"already_started"`
}

type MarkStopRequest struct {
	RouteID         string     `json:"route_id"`
	PlannedStopID   string     `json:"planned_stop_id,omitempty"`
	StopOrder       *int       `json:"stop_order,omitempty"`
	Session         string     `json:"session,omitempty"`
	Date            string     `json:"date,omitempty"`
	DeliveryID      string     `json:"delivery_id,omitempty"`
	DriverID        string     `json:"driver_id,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CurrentLocation *GeoPoint  `json:"current_location,omitempty"`
	Status          string     `json:"status,omitempty"`
}

type MarkStopResult struct {
	Stop         ActualStop `json:"stop"`
	AutoStarted  bool       `json:"auto_started"`
	SessionTotal int        `json:"session_total"`
	SessionDone  int        `json:"session_done"`
}

type EndSessionRequest struct {
	RouteID  string `json:"route_id"`
	Session  string `json:"session"`
	DriverID string `json:"driver_id"`
	Date     string `json:"date,omitempty"`
}

type EndJourneyRequest struct {
	UserID    string  `json:"user_id"`
	RouteID   string  `json:"route_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Date      string  `json:"date,omitempty"`
}

type EndJourneyResult struct {
	RouteID              string    `json:"route_id"`
	Date                 string    `json:"date"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
	TotalDurationSeconds int64     `json:"total_duration_seconds"`
	TotalDuration        string    `json:"total_duration"`
}

type CheckTrafficRequest struct {
	RouteID          string    `json:"route_id"`
	Date             string    `json:"date,omitempty"`
	CurrentLocation  *GeoPoint `json:"current_location,omitempty"`
	CheckAllSegments *bool     `json:"check_all_segments,omitempty"`
}

// AllSegments applies the default of true.
func (r CheckTrafficRequest) AllSegments() bool {
	return r.CheckAllSegments == nil || *r.CheckAllSegments
}

type SegmentTraffic struct {
	FromStopID      string  `json:"from_stop_id,omitempty"`
	ToStopID        string  `json:"to_stop_id"`
	BaselineMinutes float64 `json:"baseline_minutes"`
	LiveMinutes     float64 `json:"live_minutes"`
	Multiplier      float64 `json:"multiplier"`
}

type CheckTrafficResult struct {
	RouteID               string            `json:"route_id"`
	Date                  string            `json:"date"`
	Segments              []SegmentTraffic  `json:"segments"`
	MaxMultiplier         float64           `json:"max_multiplier"`
	Threshold             float64           `json:"threshold"`
	ThresholdExceeded     bool              `json:"threshold_exceeded"`
	ReoptimizationResult  *ReoptimizeResult `json:"reoptimization_result,omitempty"`
	ReoptimizationSkipped string            `json:"reoptimization_skipped,omitempty"`
	ReoptimizationError   string            `json:"reoptimization_error,omitempty"`
	CheckedAt             time.Time         `json:"checked_at"`
}

type ReoptimizeRequest struct {
	RouteID         string          `json:"route_id"`
	Date            string          `json:"date,omitempty"`
	CurrentLocation *GeoPoint       `json:"current_location,omitempty"`
	DelayMinutes    int             `json:"delay_minutes,omitempty"`
	TrafficData     json.RawMessage `json:"traffic_data,omitempty"`
	WeatherData     json.RawMessage `json:"weather_data,omitempty"`
}

type ReoptimizeResult struct {
	RouteID                  string            `json:"route_id"`
	Date                     string            `json:"date"`
	Changed                  bool              `json:"changed"`
	StopsMoved               int               `json:"stops_moved"`
	Order                    []RouteOrderEntry `json:"order"`
	EstimatedDurationMinutes float64           `json:"estimated_duration_minutes,omitempty"`
	Message                  string            `json:"message,omitempty"`
}

// LiveStatus backs GET /journey/status/:route_id.
type LiveStatus struct {
	RouteID        string       `json:"route_id"`
	Date           string       `json:"date"`
	Started        bool         `json:"is_journey_started"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	Ended          bool         `json:"is_journey_ended"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	ElapsedSeconds int64        `json:"elapsed_seconds"`
	TotalStops     int          `json:"total_stops"`
	CompletedStops int          `json:"completed_stops"`
	NextStop       *PlannedStop `json:"next_stop,omitempty"`
}

type PlanDelivery struct {
	DeliveryID string    `json:"delivery_id"`
	Name       string    `json:"name"`
	Session    string    `json:"session"`
	Location   *GeoPoint `json:"location"`
}

type PlanRequest struct {
	Date        string         `json:"date,omitempty"`
	Depot       GeoPoint       `json:"depot"`
	Deliveries  []PlanDelivery `json:"deliveries"`
	DriverCount int            `json:"driver_count"`
}

type PlannedRoute struct {
	RouteID     string        `json:"route_id"`
	DriverIndex int           `json:"driver_index"`
	Stops       []PlannedStop `json:"stops"`
}

type PlanResult struct {
	Date   string         `json:"date"`
	Routes []PlannedRoute `json:"routes"`
}

type PredictStartRequest struct {
	RouteID string `json:"route_id"`
	Date    string `json:"date,omitempty"`
	Session string `json:"session,omitempty"`
}

type PredictStartResult struct {
	RouteID            string    `json:"route_id"`
	Date               string    `json:"date"`
	RecommendedStartAt time.Time `json:"recommended_start_at"`
	EstimatedMinutes   float64   `json:"estimated_minutes"`
}
