package history

import (
	"time"
)

// DailyStats summarizes one plate's activity for a day.
type DailyStats struct {
	Entries      int     `json:"entries"`
	Exits        int     `json:"exits"`
	TotalMinutes float64 `json:"total_minutes"`
	TotalTime    string  `json:"total_time"`
	Violations   int     `json:"violations"`
}

// SameDay filters events to those starting on the calendar day of now in loc.
func SameDay(events []Event, now time.Time, loc *time.Location) []Event {
	if loc == nil {
		loc = time.UTC
	}
	start := startOfDay(now, loc)
	end := start.AddDate(0, 0, 1)

	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if !ev.EntryTime.Before(start) && ev.EntryTime.Before(end) {
			out = append(out, ev)
		}
	}
	return out
}

// ComputeStats counts gate movements, time spent in the roundabout and
// parking area, and parking violations among today's events.
func ComputeStats(events []Event, now time.Time, loc *time.Location) DailyStats {
	var stats DailyStats
	for _, ev := range SameDay(events, now, loc) {
		switch ev.Kind {
		case KindGate:
			if ev.Direction == DirectionEntry {
				stats.Entries++
			} else {
				stats.Exits++
			}
		case KindRoundabout, KindParked:
			if ev.DurationMinutes.Valid {
				stats.TotalMinutes += ev.DurationMinutes.Float64
			}
			if ev.Kind == KindParked && ev.Status == StatusViolation {
				stats.Violations++
			}
		}
	}
	stats.TotalTime = FormatTotal(stats.TotalMinutes)
	return stats
}

// Recent merges today's events with the given pairing window and returns
// at most limit sessions, most recent first. A limit of zero means no limit.
func Recent(events []Event, now time.Time, loc *time.Location, window time.Duration, limit int) []Session {
	sessions := Merge(SameDay(events, now, loc), MergeOptions{PairWindow: window})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}
