// Package history reconciles the gate, roundabout and parking logs into
// per-vehicle visit sessions and groups them for display.
package history

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// EventKind identifies the log stream an event came from.
type EventKind string

const (
	KindGate       EventKind = "gate"
	KindRoundabout EventKind = "roundabout"
	KindParked     EventKind = "parked"
)

// Direction applies to gate events only.
type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// Event labels as shown in a session's label list.
const (
	LabelEntry      = "Entry"
	LabelExit       = "Exit"
	LabelRoundabout = "Roundabout"
	LabelParked     = "Parked"
)

// StatusViolation marks a parked event recorded as a violation.
const StatusViolation = "violation"

// Event is a normalized log record. For gate events EntryTime holds the
// event timestamp whatever the direction, and ExitTime is always null.
type Event struct {
	ID              string
	Kind            EventKind
	Direction       Direction
	Plate           string
	EntryTime       time.Time
	ExitTime        null.Time
	DurationMinutes null.Float
	Location        string
	SlotID          null.String
	Status          string
}

// Label returns the label the event contributes to a session.
func (e Event) Label() string {
	switch e.Kind {
	case KindGate:
		if e.Direction == DirectionExit {
			return LabelExit
		}
		return LabelEntry
	case KindRoundabout:
		return LabelRoundabout
	case KindParked:
		return LabelParked
	}
	return string(e.Kind)
}

// Session is a reconstructed visit.
type Session struct {
	Plate           string      `json:"plate"`
	EntryTime       time.Time   `json:"entry_time"`
	ExitTime        null.Time   `json:"exit_time"`
	Labels          []string    `json:"event_labels"`
	Location        string      `json:"location"`
	SlotID          null.String `json:"slot_id"`
	DurationMinutes null.Float  `json:"duration_minutes"`
	Standalone      bool        `json:"standalone,omitempty"`
}

// LatestTime is the session's exit time, or its entry time while open.
func (s Session) LatestTime() time.Time {
	if s.ExitTime.Valid {
		return s.ExitTime.Time
	}
	return s.EntryTime
}

// contains reports whether t falls in [entry, exit), treating an open
// session as unbounded.
func (s Session) contains(t time.Time) bool {
	if t.Before(s.EntryTime) {
		return false
	}
	return !s.ExitTime.Valid || t.Before(s.ExitTime.Time)
}

func (s *Session) absorb(e Event) {
	s.Labels = append(s.Labels, e.Label())
	if e.Location != "" {
		s.Location = e.Location
	}
	if !s.SlotID.Valid && e.SlotID.Valid {
		s.SlotID = e.SlotID
	}
	if !s.DurationMinutes.Valid && e.DurationMinutes.Valid {
		s.DurationMinutes = e.DurationMinutes
	}
}

func standalone(e Event) Session {
	return Session{
		Plate:           e.Plate,
		EntryTime:       e.EntryTime,
		ExitTime:        e.ExitTime,
		Labels:          []string{e.Label()},
		Location:        e.Location,
		SlotID:          e.SlotID,
		DurationMinutes: e.DurationMinutes,
		Standalone:      true,
	}
}
