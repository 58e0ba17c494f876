package routeclient

import (
	"context"
	"encoding/json"
	"time"

	"mealroute/internal/model"
)

// StopInput is a stop as the engine sees it.
type StopInput struct {
	PlannedStopID string          `json:"planned_stop_id"`
	Session       model.Session   `json:"session"`
	StopOrder     int             `json:"stop_order"`
	DeliveryID    string          `json:"delivery_id,omitempty"`
	DeliveryName  string          `json:"delivery_name,omitempty"`
	Location      *model.GeoPoint `json:"location,omitempty"`
}

// StopsFrom converts planned stops to engine input, preserving order.
func StopsFrom(ps []model.PlannedStop) []StopInput {
	out := make([]StopInput, 0, len(ps))
	for _, p := range ps {
		out = append(out, StopInput{
			PlannedStopID: p.ID,
			Session:       p.Session,
			StopOrder:     p.StopOrder,
			DeliveryID:    p.DeliveryID,
			DeliveryName:  p.DeliveryName,
			Location:      p.Location,
		})
	}
	return out
}

type PlanResponse struct {
	Routes []model.PlannedRoute `json:"routes"`
}

// Plan asks the engine for one ordered route per driver.
func (c *Client) Plan(ctx context.Context, req model.PlanRequest) (PlanResponse, error) {
	var out PlanResponse
	err := c.call(ctx, "plan", "/plan", c.planTimeout, 1, req, &out)
	return out, err
}

type PredictStartInput struct {
	RouteID string        `json:"route_id"`
	Date    string        `json:"date"`
	Session model.Session `json:"session,omitempty"`
	Stops   []StopInput   `json:"stops"`
}

type PredictStartResponse struct {
	RecommendedStartAt time.Time `json:"recommended_start_at"`
	EstimatedMinutes   float64   `json:"estimated_minutes"`
}

func (c *Client) PredictStartTime(ctx context.Context, in PredictStartInput) (PredictStartResponse, error) {
	var out PredictStartResponse
	err := c.call(ctx, "predict_start_time", "/predict-start-time", c.planTimeout, 1, in, &out)
	return out, err
}

type ReoptimizeInput struct {
	RouteID         string          `json:"route_id"`
	Date            string          `json:"date"`
	CurrentLocation *model.GeoPoint `json:"current_location,omitempty"`
	DelayMinutes    int             `json:"delay_minutes,omitempty"`
	TrafficData     json.RawMessage `json:"traffic_data,omitempty"`
	WeatherData     json.RawMessage `json:"weather_data,omitempty"`
	Stops           []StopInput     `json:"stops"`
}

// ReoptimizeResponse lists the submitted stop ids in their new order.
type ReoptimizeResponse struct {
	OrderedStopIDs           []string `json:"ordered_stop_ids"`
	EstimatedDurationMinutes float64  `json:"estimated_duration_minutes,omitempty"`
	Message                  string   `json:"message,omitempty"`
}

// Reoptimize is never retried: a duplicate could produce a divergent order.
func (c *Client) Reoptimize(ctx context.Context, in ReoptimizeInput) (ReoptimizeResponse, error) {
	var out ReoptimizeResponse
	err := c.call(ctx, "reoptimize", "/reoptimize", c.planTimeout, 1, in, &out)
	return out, err
}

type TrafficInput struct {
	RouteID          string          `json:"route_id"`
	Date             string          `json:"date"`
	CurrentLocation  *model.GeoPoint `json:"current_location,omitempty"`
	CheckAllSegments bool            `json:"check_all_segments"`
	Stops            []StopInput     `json:"stops"`
}

// TrafficResponse carries per-segment multipliers. Threshold is the
// engine's configured reoptimization threshold when it reports one.
type TrafficResponse struct {
	Segments  []model.SegmentTraffic `json:"segments"`
	Threshold *float64               `json:"threshold,omitempty"`
}

// CheckTraffic is read-only and retried on transient failures within the
// traffic timeout.
func (c *Client) CheckTraffic(ctx context.Context, in TrafficInput) (TrafficResponse, error) {
	var out TrafficResponse
	err := c.call(ctx, "check_traffic", "/traffic/check", c.trafficTimeout, c.trafficAttempts, in, &out)
	return out, err
}
