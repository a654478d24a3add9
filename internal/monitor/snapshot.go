package monitor

import (
	"github.com/ctrlpark/ctrlpark/internal/geo"
)

// Display sources.
const (
	SourceLocal = "local"
	SourceCCTV  = "cctv"
)

// SlotView is a slot as the driver's map renders it.
type SlotView struct {
	SlotState
	Location      geo.Point `json:"location"`
	Display       string    `json:"display"`
	DisplaySource string    `json:"display_source"`
	Color         string    `json:"color"`
	Accuracy      string    `json:"accuracy,omitempty"`
	Distance      *float64  `json:"distance_m,omitempty"`
}

// Snapshot is a consistent copy of a machine's state.
type Snapshot struct {
	Driver       string      `json:"driver"`
	Position     *geo.Point  `json:"position,omitempty"`
	ParkedSlot   string      `json:"parked_slot,omitempty"`
	PendingSlot  string      `json:"pending_slot,omitempty"`
	Route        string      `json:"route,omitempty"`
	Suggestion   *Suggestion `json:"suggestion,omitempty"`
	ActiveTimers int         `json:"active_timers"`
	Slots        []SlotView  `json:"slots"`
}

// Slot returns the view of slot id.
func (s Snapshot) Slot(id string) (SlotView, bool) {
	for _, v := range s.Slots {
		if v.SlotID == id {
			return v, true
		}
	}
	return SlotView{}, false
}

// Snapshot returns the current state with display overrides applied.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.decorate(&snap)
	return snap
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Driver:       m.driver.ID,
		ParkedSlot:   m.parked,
		PendingSlot:  m.pending,
		Route:        m.route,
		ActiveTimers: m.timers.count(),
		Slots:        make([]SlotView, 0, len(m.layout.Slots)),
	}
	if m.position != nil {
		p := *m.position
		snap.Position = &p
	}
	if m.suggestion != nil {
		s := *m.suggestion
		snap.Suggestion = &s
	}
	for _, s := range m.layout.Slots {
		v := SlotView{SlotState: m.slots[s.ID], Location: s.Location}
		if m.position != nil {
			d := geo.Distance(*m.position, s.Location)
			v.Distance = &d
		}
		snap.Slots = append(snap.Slots, v)
	}
	return snap
}

// decorate applies display overrides. Called without mu held.
func (m *Machine) decorate(snap *Snapshot) {
	m.displayMu.Lock()
	defer m.displayMu.Unlock()

	for i := range snap.Slots {
		v := &snap.Slots[i]
		v.Display = v.Status()
		v.DisplaySource = SourceLocal
		if status, ok := m.overrides[v.SlotID]; ok {
			v.Display = status
			v.DisplaySource = SourceCCTV
		}
		v.Color = colorFor(v.Display)
		v.Accuracy = m.accuracy[v.SlotID]
	}
}

func colorFor(status string) string {
	if status == StatusAvailable {
		return "green"
	}
	return "red"
}
