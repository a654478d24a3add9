package history

import (
	"sort"
	"time"
)

// MergeOptions tunes Merge.
type MergeOptions struct {
	// PairWindow, when positive, only pairs an Entry with an Exit that
	// follows it by more than zero and at most PairWindow.
	PairWindow time.Duration
}

// Merge stitches one plate's events into sessions, most recent first.
//
// Gate events are walked in time order. Every Entry opens a session that
// closes at the next eligible Exit, and the walk resumes after that Exit.
// An Entry without an Exit leaves the session open. Roundabout and parked
// events are claimed by the first session, in walk order, whose interval
// contains their start; each may be claimed once. Unclaimed ones become
// standalone sessions. Exits with no open Entry are ignored.
func Merge(events []Event, opts MergeOptions) []Session {
	var gates, others []Event
	for _, ev := range events {
		if ev.Kind == KindGate {
			gates = append(gates, ev)
		} else {
			others = append(others, ev)
		}
	}

	byStart := func(list []Event) func(i, j int) bool {
		return func(i, j int) bool { return list[i].EntryTime.Before(list[j].EntryTime) }
	}
	sort.SliceStable(gates, byStart(gates))
	sort.SliceStable(others, byStart(others))

	used := make([]bool, len(others))
	sessions := make([]Session, 0, len(gates)+len(others))

	for i := 0; i < len(gates); {
		gate := gates[i]
		if gate.Direction != DirectionEntry {
			i++
			continue
		}

		session := Session{
			Plate:     gate.Plate,
			EntryTime: gate.EntryTime,
			Labels:    []string{LabelEntry},
			Location:  gate.Location,
		}

		exit := nextExit(gates, i, opts.PairWindow)
		if exit >= 0 {
			session.ExitTime.SetValid(gates[exit].EntryTime)
		}

		for j, other := range others {
			if used[j] || !session.contains(other.EntryTime) {
				continue
			}
			used[j] = true
			session.absorb(other)
		}

		if exit >= 0 {
			session.Labels = append(session.Labels, LabelExit)
			i = exit + 1
		} else {
			i++
		}
		sessions = append(sessions, session)
	}

	for j, other := range others {
		if !used[j] {
			sessions = append(sessions, standalone(other))
		}
	}

	SortByRecency(sessions)
	return sessions
}

// nextExit returns the index of the first Exit after gates[i] that
// satisfies the pairing window, or -1.
func nextExit(gates []Event, i int, window time.Duration) int {
	entry := gates[i].EntryTime
	for k := i + 1; k < len(gates); k++ {
		if gates[k].Direction != DirectionExit {
			continue
		}
		if window <= 0 {
			return k
		}
		diff := gates[k].EntryTime.Sub(entry)
		if diff > 0 && diff <= window {
			return k
		}
	}
	return -1
}

// SortByRecency orders sessions by exit time (entry time while open),
// newest first. Ties keep their relative order.
func SortByRecency(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LatestTime().After(sessions[j].LatestTime())
	})
}

// MergeByPlate groups events by plate and merges each group.
func MergeByPlate(events []Event, opts MergeOptions) map[string][]Session {
	byPlate := make(map[string][]Event)
	for _, ev := range events {
		byPlate[ev.Plate] = append(byPlate[ev.Plate], ev)
	}

	out := make(map[string][]Session, len(byPlate))
	for plate, evs := range byPlate {
		out[plate] = Merge(evs, opts)
	}
	return out
}
