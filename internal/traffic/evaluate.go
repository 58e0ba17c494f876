// Package traffic decides when live traffic warrants a reoptimization and
// sweeps active routes on a cron schedule.
package traffic

import "mealroute/internal/model"

// Evaluation is the outcome of comparing segment multipliers to a threshold.
type Evaluation struct {
	MaxMultiplier float64
	Worst         *model.SegmentTraffic
	Threshold     float64
	Exceeded      bool
}

// Evaluate finds the worst segment. A multiplier equal to the threshold
// counts as exceeded. Segments with a baseline but no multiplier get one
// derived from live/baseline minutes.
func Evaluate(segments []model.SegmentTraffic, threshold float64) Evaluation {
	ev := Evaluation{Threshold: threshold}
	for i := range segments {
		m := Multiplier(segments[i])
		if ev.Worst == nil || m > ev.MaxMultiplier {
			ev.MaxMultiplier = m
			ev.Worst = &segments[i]
		}
	}
	ev.Exceeded = ev.Worst != nil && threshold > 0 && ev.MaxMultiplier >= threshold
	return ev
}

// Multiplier returns the segment's reported multiplier, or live/baseline.
func Multiplier(s model.SegmentTraffic) float64 {
	if s.Multiplier > 0 {
		return s.Multiplier
	}
	if s.BaselineMinutes > 0 && s.LiveMinutes > 0 {
		return s.LiveMinutes / s.BaselineMinutes
	}
	return 0
}
