package monitor

import (
	"math"

	"github.com/ctrlpark/ctrlpark/internal/geo"
)

// Suggestion is the nearest available slot and where it was measured from.
type Suggestion struct {
	SlotID   string    `json:"slot_id"`
	Distance float64   `json:"distance_m"`
	From     string    `json:"from"`
	Origin   geo.Point `json:"origin"`
}

// Suggestion origins.
const (
	FromGate     = "gate"
	FromPosition = "position"
)

// Nearest scans slots in layout order and returns the closest available one.
// Only a strictly smaller distance replaces the current best, so the first
// slot encountered wins a tie.
func Nearest(from geo.Point, layout Layout, states map[string]SlotState) (string, float64, bool) {
	best := ""
	bestDist := math.Inf(1)
	for _, s := range layout.Slots {
		st, ok := states[s.ID]
		if !ok || !st.Available() {
			continue
		}
		if d := geo.Distance(from, s.Location); d < bestDist {
			best, bestDist = s.ID, d
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestDist, true
}
