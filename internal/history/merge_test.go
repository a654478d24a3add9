package history

import (
	"reflect"
	"testing"
	"time"

	"gopkg.in/guregu/null.v4"
)

var manila = time.FixedZone("PHT", 8*60*60)

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, manila)
}

func gateEvent(plate string, dir Direction, ts time.Time) Event {
	return Event{Kind: KindGate, Direction: dir, Plate: plate, EntryTime: ts, Location: "Gate 3"}
}

func parkedEvent(plate string, start, end time.Time, slot string, minutes float64) Event {
	return Event{
		Kind:            KindParked,
		Plate:           plate,
		EntryTime:       start,
		ExitTime:        null.TimeFrom(end),
		DurationMinutes: null.FloatFrom(minutes),
		Location:        "Parking Area",
		SlotID:          null.StringFrom(slot),
	}
}

func roundaboutEvent(plate string, start time.Time) Event {
	return Event{Kind: KindRoundabout, Plate: plate, EntryTime: start, Location: "Roundabout"}
}

func TestMergeEntryParkedExit(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionExit, at(1, 10, 30)),
		parkedEvent("ABC123", at(1, 10, 5), at(1, 10, 25), "P1", 20),
		gateEvent("ABC123", DirectionEntry, at(1, 10, 0)),
	}

	sessions := Merge(events, MergeOptions{})
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d: %+v", len(sessions), sessions)
	}

	s := sessions[0]
	if !s.EntryTime.Equal(at(1, 10, 0)) {
		t.Errorf("entry = %v, want 10:00", s.EntryTime)
	}
	if !s.ExitTime.Valid || !s.ExitTime.Time.Equal(at(1, 10, 30)) {
		t.Errorf("exit = %v, want 10:30", s.ExitTime)
	}
	if want := []string{LabelEntry, LabelParked, LabelExit}; !reflect.DeepEqual(s.Labels, want) {
		t.Errorf("labels = %v, want %v", s.Labels, want)
	}
	if s.SlotID.String != "P1" {
		t.Errorf("slot = %v, want P1", s.SlotID)
	}
	if s.DurationMinutes.Float64 != 20 {
		t.Errorf("duration = %v, want 20", s.DurationMinutes)
	}
	if s.Location != "Parking Area" {
		t.Errorf("location = %q, want Parking Area", s.Location)
	}
	if s.Standalone {
		t.Error("paired session must not be standalone")
	}
}

func TestMergeFirstEntryClaimsOther(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 9, 0)),
		gateEvent("ABC123", DirectionEntry, at(1, 9, 10)),
		roundaboutEvent("ABC123", at(1, 9, 5)),
	}

	sessions := Merge(events, MergeOptions{})
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	// Most recent first: E2 then E1.
	e2, e1 := sessions[0], sessions[1]
	if !e1.EntryTime.Equal(at(1, 9, 0)) || !e2.EntryTime.Equal(at(1, 9, 10)) {
		t.Fatalf("unexpected order: %v, %v", sessions[0].EntryTime, sessions[1].EntryTime)
	}
	if want := []string{LabelEntry, LabelRoundabout}; !reflect.DeepEqual(e1.Labels, want) {
		t.Errorf("E1 labels = %v, want %v", e1.Labels, want)
	}
	if want := []string{LabelEntry}; !reflect.DeepEqual(e2.Labels, want) {
		t.Errorf("E2 labels = %v, want %v", e2.Labels, want)
	}
	if e1.ExitTime.Valid || e2.ExitTime.Valid {
		t.Error("sessions without an Exit must stay open")
	}
}

func TestMergeOrphanExit(t *testing.T) {
	t.Run("lone exit is dropped", func(t *testing.T) {
		sessions := Merge([]Event{gateEvent("ABC123", DirectionExit, at(1, 8, 0))}, MergeOptions{})
		if len(sessions) != 0 {
			t.Fatalf("expected no sessions, got %+v", sessions)
		}
	})

	t.Run("exit before entry is not merged", func(t *testing.T) {
		events := []Event{
			gateEvent("ABC123", DirectionExit, at(1, 8, 0)),
			gateEvent("ABC123", DirectionEntry, at(1, 9, 0)),
			gateEvent("ABC123", DirectionExit, at(1, 10, 0)),
		}
		sessions := Merge(events, MergeOptions{})
		if len(sessions) != 1 {
			t.Fatalf("expected 1 session, got %d", len(sessions))
		}
		if want := []string{LabelEntry, LabelExit}; !reflect.DeepEqual(sessions[0].Labels, want) {
			t.Errorf("labels = %v, want %v", sessions[0].Labels, want)
		}
		if !sessions[0].ExitTime.Time.Equal(at(1, 10, 0)) {
			t.Errorf("exit = %v, want 10:00", sessions[0].ExitTime.Time)
		}
	})
}

func TestMergeResumesAfterMatchedExit(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 9, 0)),
		gateEvent("ABC123", DirectionEntry, at(1, 9, 10)),
		gateEvent("ABC123", DirectionExit, at(1, 9, 30)),
		gateEvent("ABC123", DirectionEntry, at(1, 11, 0)),
	}

	sessions := Merge(events, MergeOptions{})
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(sessions), sessions)
	}
	if !sessions[0].EntryTime.Equal(at(1, 11, 0)) || sessions[0].ExitTime.Valid {
		t.Errorf("expected open 11:00 session first, got %+v", sessions[0])
	}
	if !sessions[1].EntryTime.Equal(at(1, 9, 0)) || !sessions[1].ExitTime.Time.Equal(at(1, 9, 30)) {
		t.Errorf("expected 09:00-09:30 session, got %+v", sessions[1])
	}
}

func TestMergeStandaloneOthers(t *testing.T) {
	events := []Event{
		roundaboutEvent("ABC123", at(1, 7, 0)),
		gateEvent("ABC123", DirectionEntry, at(1, 9, 0)),
		gateEvent("ABC123", DirectionExit, at(1, 9, 30)),
		// Starts exactly at the exit: outside the half-open interval.
		parkedEvent("ABC123", at(1, 9, 30), at(1, 9, 45), "P2", 15),
	}

	sessions := Merge(events, MergeOptions{})
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d: %+v", len(sessions), sessions)
	}

	parked := sessions[0]
	if !parked.Standalone || !reflect.DeepEqual(parked.Labels, []string{LabelParked}) {
		t.Errorf("expected standalone parked session first, got %+v", parked)
	}
	if parked.SlotID.String != "P2" || !parked.ExitTime.Time.Equal(at(1, 9, 45)) {
		t.Errorf("standalone session lost fields: %+v", parked)
	}

	gate := sessions[1]
	if !reflect.DeepEqual(gate.Labels, []string{LabelEntry, LabelExit}) {
		t.Errorf("gate labels = %v", gate.Labels)
	}

	round := sessions[2]
	if !round.Standalone || round.Location != "Roundabout" {
		t.Errorf("expected standalone roundabout session last, got %+v", round)
	}
}

func TestMergeFieldPropagation(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 10, 0)),
		parkedEvent("ABC123", at(1, 10, 5), at(1, 10, 8), "P1", 3),
		parkedEvent("ABC123", at(1, 10, 10), at(1, 10, 12), "P2", 2),
		roundaboutEvent("ABC123", at(1, 10, 15)),
		gateEvent("ABC123", DirectionExit, at(1, 10, 30)),
	}

	sessions := Merge(events, MergeOptions{})
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.SlotID.String != "P1" {
		t.Errorf("slot = %q, want first non-null P1", s.SlotID.String)
	}
	if s.DurationMinutes.Float64 != 3 {
		t.Errorf("duration = %v, want first non-null 3", s.DurationMinutes.Float64)
	}
	if s.Location != "Roundabout" {
		t.Errorf("location = %q, want last absorbed Roundabout", s.Location)
	}
	want := []string{LabelEntry, LabelParked, LabelParked, LabelRoundabout, LabelExit}
	if !reflect.DeepEqual(s.Labels, want) {
		t.Errorf("labels = %v, want %v", s.Labels, want)
	}
}

func TestMergePairWindow(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 8, 0)),
		gateEvent("ABC123", DirectionExit, at(1, 13, 0)),
	}

	unbounded := Merge(events, MergeOptions{})
	if len(unbounded) != 1 || !unbounded[0].ExitTime.Valid {
		t.Fatalf("expected paired session without window, got %+v", unbounded)
	}

	bounded := Merge(events, MergeOptions{PairWindow: 4 * time.Hour})
	if len(bounded) != 1 {
		t.Fatalf("expected 1 session, got %d", len(bounded))
	}
	if bounded[0].ExitTime.Valid {
		t.Errorf("exit 5h after entry must not pair within 4h window")
	}
	if !reflect.DeepEqual(bounded[0].Labels, []string{LabelEntry}) {
		t.Errorf("labels = %v", bounded[0].Labels)
	}
}

func TestMergeIdempotentAndOrdered(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 8, 0)),
		roundaboutEvent("ABC123", at(1, 8, 2)),
		gateEvent("ABC123", DirectionExit, at(1, 9, 0)),
		gateEvent("ABC123", DirectionExit, at(1, 9, 5)),
		gateEvent("ABC123", DirectionEntry, at(2, 14, 0)),
		parkedEvent("ABC123", at(2, 14, 3), at(2, 15, 0), "3", 57),
		roundaboutEvent("ABC123", at(1, 6, 0)),
		gateEvent("ABC123", DirectionEntry, at(3, 7, 0)),
		gateEvent("ABC123", DirectionExit, at(3, 7, 40)),
	}

	first := Merge(events, MergeOptions{})
	second := Merge(events, MergeOptions{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge is not idempotent:\n%+v\n%+v", first, second)
	}

	for i, s := range first {
		if s.ExitTime.Valid && s.ExitTime.Time.Before(s.EntryTime) {
			t.Errorf("session %d exits before it enters: %+v", i, s)
		}
		if i > 0 && first[i-1].LatestTime().Before(s.LatestTime()) {
			t.Errorf("sessions %d and %d out of recency order", i-1, i)
		}
	}
}

func TestMergeByPlate(t *testing.T) {
	events := []Event{
		gateEvent("ABC123", DirectionEntry, at(1, 8, 0)),
		gateEvent("XYZ789", DirectionEntry, at(1, 8, 5)),
		roundaboutEvent("XYZ789", at(1, 8, 6)),
	}

	byPlate := MergeByPlate(events, MergeOptions{})
	if len(byPlate) != 2 {
		t.Fatalf("expected 2 plates, got %d", len(byPlate))
	}
	if got := byPlate["XYZ789"][0].Labels; !reflect.DeepEqual(got, []string{LabelEntry, LabelRoundabout}) {
		t.Errorf("XYZ789 labels = %v", got)
	}
	if got := byPlate["ABC123"][0].Labels; !reflect.DeepEqual(got, []string{LabelEntry}) {
		t.Errorf("ABC123 labels = %v", got)
	}
}
