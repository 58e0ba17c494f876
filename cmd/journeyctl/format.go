package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"mealroute/internal/model"
	"mealroute/internal/reconcile"
	"mealroute/internal/traffic"
)

func formatStatus(st model.JourneyStatus, progress []reconcile.SessionCount) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Route %s on %s\n", st.RouteID, st.Date)
	started := "no"
	if st.IsJourneyStarted {
		started = "yes"
	}
	fmt.Fprintf(&b, "Started: %s\n", started)
	if len(st.DegradedSources) > 0 {
		fmt.Fprintf(&b, "Degraded: %s\n", strings.Join(st.DegradedSources, ", "))
	}

	complete := map[model.Session]bool{}
	for _, s := range st.CompletedSessions {
		complete[s] = true
	}
	if len(progress) > 0 {
		b.WriteString("\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tDONE\tTOTAL\tCOMPLETE")
		for _, p := range progress {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%t\n", p.Session, p.Completed, p.Total, complete[p.Session])
		}
		tw.Flush()
	}

	if len(st.MarkedStops) > 0 {
		b.WriteString("\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STOP\tSESSION\tSTATUS\tCOMPLETED AT")
		for _, m := range st.MarkedStops {
			at := "-"
			if m.ActualCompletionTime != nil {
				at = m.ActualCompletionTime.UTC().Format(time.RFC3339)
			}
			status := string(m.DeliveryStatus)
			if status == "" {
				status = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.StopOrder, m.Session, status, at)
		}
		tw.Flush()
	}
	return b.String()
}

func formatSweep(rep traffic.SweepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Traffic sweep %s: %d routes in %s\n", rep.Date, len(rep.Routes), rep.Duration.Round(time.Millisecond))
	if len(rep.Routes) == 0 {
		return b.String()
	}
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tMAX\tEXCEEDED\tREOPTIMIZED\tNOTE")
	for _, r := range rep.Routes {
		note := r.Skipped
		if r.Error != "" {
			note = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%t\t%t\t%s\n", r.RouteID, r.Multiplier, r.Exceeded, r.Reoptimized, note)
	}
	tw.Flush()
	return b.String()
}
