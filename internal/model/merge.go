package model

import "time"

// MergeActualStop folds an incoming write into the row already stored under
// the same natural key. store.Postgres implements the same rule in its
// ON CONFLICT clause; keep the two in step.
//
// Completion and start times are monotonic: once set they are never cleared
// or moved. A delivered stop is never downgraded to arrived.
func MergeActualStop(existing, incoming ActualStop) ActualStop {
	out := existing
	if incoming.PlannedStopID != "" {
		out.PlannedStopID = incoming.PlannedStopID
	}
	if incoming.DeliveryID != "" {
		out.DeliveryID = incoming.DeliveryID
	}
	if incoming.UserID != "" {
		out.UserID = incoming.UserID
	}
	if incoming.Location != nil {
		out.Location = incoming.Location
	}
	out.DeliveryStatus = mergeStatus(existing.DeliveryStatus, incoming.DeliveryStatus)
	if out.ActualCompletionTime == nil && incoming.ActualCompletionTime != nil {
		t := *incoming.ActualCompletionTime
		out.ActualCompletionTime = &t
	}
	if out.StartTime == nil && incoming.StartTime != nil {
		t := *incoming.StartTime
		out.StartTime = &t
		out.StartedBy = incoming.StartedBy
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

func mergeStatus(existing, incoming DeliveryStatus) DeliveryStatus {
	switch {
	case incoming == StatusPending:
		return existing
	case existing == StatusDelivered && incoming == StatusArrived:
		return existing
	}
	return incoming
}

// MergeJourneySummary keeps the first recorded start and end times.
func MergeJourneySummary(existing, incoming JourneySummary) JourneySummary {
	out := existing
	if out.ActualStartTime == nil && incoming.ActualStartTime != nil {
		out.ActualStartTime = copyTime(incoming.ActualStartTime)
	}
	if out.ActualEndTime == nil && incoming.ActualEndTime != nil {
		out.ActualEndTime = copyTime(incoming.ActualEndTime)
	}
	if out.TotalDurationSeconds == nil && incoming.TotalDurationSeconds != nil {
		d := *incoming.TotalDurationSeconds
		out.TotalDurationSeconds = &d
	}
	if incoming.EndLocation != nil {
		out.EndLocation = incoming.EndLocation
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
