package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/geo"
)

// State is the occupancy state of a slot as seen by one driver's machine.
type State string

const (
	StateAvailable      State = "Available"
	StatePendingConfirm State = "PendingConfirm"
	StateOccupied       State = "Occupied"
	StatePendingVacate  State = "PendingVacate"
)

// Store-side status values.
const (
	StatusAvailable = "Available"
	StatusOccupied  = "Occupied"
	StatusUnknown   = "Unknown"
)

// Accuracy grades written alongside a confirmed slot.
const (
	AccuracyUnknown = "Unknown"
	AccuracyHigh    = "High"
	AccuracyLow     = "Low"
)

var (
	ErrUnknownSlot     = errors.New("unknown parking slot")
	ErrSlotUnavailable = errors.New("parking slot is not available")
	ErrNoPosition      = errors.New("no position reported yet")
	ErrTooFar          = errors.New("too far from parking slot")
	ErrAlreadyParked   = errors.New("driver is already parked in another slot")
	ErrClosed          = errors.New("driver session closed")
	ErrInvalidStatus   = errors.New("invalid slot status")
)

// DistanceError reports a confirm attempt outside the confirm radius.
type DistanceError struct {
	SlotID   string
	Distance float64
	Limit    float64
}

func (e *DistanceError) Error() string {
	return fmt.Sprintf("slot %s is %.1f m away, must be within %.0f m", e.SlotID, e.Distance, e.Limit)
}

func (e *DistanceError) Unwrap() error {
	return ErrTooFar
}

// Thresholds are the two proximity radii in meters.
type Thresholds struct {
	ConfirmRadius float64
	VacateRadius  float64
}

// Validate requires a positive confirm radius strictly inside the vacate radius.
func (t Thresholds) Validate() error {
	if t.ConfirmRadius <= 0 {
		return fmt.Errorf("confirm radius must be positive, got %v", t.ConfirmRadius)
	}
	if t.VacateRadius <= t.ConfirmRadius {
		return fmt.Errorf("vacate radius %v must exceed confirm radius %v", t.VacateRadius, t.ConfirmRadius)
	}
	return nil
}

// InConfirm reports whether d is close enough to claim a slot.
func (t Thresholds) InConfirm(d float64) bool {
	return d <= t.ConfirmRadius
}

// BeyondVacate reports whether d is far enough to release a slot.
func (t Thresholds) BeyondVacate(d float64) bool {
	return d > t.VacateRadius
}

// Slot is a physical parking slot.
type Slot struct {
	ID       string
	Location geo.Point
}

// Layout is the fixed geometry of the lot. Slot order is significant for
// nearest-slot tie breaking.
type Layout struct {
	Name  string
	Gate  geo.Point
	Slots []Slot
}

func (l Layout) slot(id string) (Slot, bool) {
	for _, s := range l.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// SlotState is the local mirror of one slot.
type SlotState struct {
	SlotID         string    `json:"slot_id"`
	State          State     `json:"state"`
	Occupant       string    `json:"occupant,omitempty"`
	LastTransition time.Time `json:"last_transition"`
}

// Available reports whether the slot can still be claimed.
func (s SlotState) Available() bool {
	return s.State == StateAvailable || s.State == StatePendingConfirm
}

// Status is the store-side status the local state corresponds to.
func (s SlotState) Status() string {
	if s.Available() {
		return StatusAvailable
	}
	return StatusOccupied
}

// Occupant identifies the driver behind a machine.
type Occupant struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name,omitempty"`
	Department string `json:"department,omitempty"`
	Program    string `json:"program,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
}

// Change causes.
const (
	CauseSync        = "sync"
	CausePending     = "pending"
	CauseRevert      = "revert"
	CauseConfirm     = "confirm"
	CauseVacate      = "vacate"
	CauseCorroborate = "corroborate"
)

// Change is published whenever a slot's state or display status moves.
type Change struct {
	Driver  string    `json:"driver"`
	SlotID  string    `json:"slot_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Display string    `json:"display"`
	Source  string    `json:"source"`
	Cause   string    `json:"cause"`
	At      time.Time `json:"at"`
}

// Publisher receives slot changes, in order, while the machine holds its
// lock. Implementations must not block or call back into the machine.
type Publisher interface {
	Publish(Change)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Change)

func (f PublisherFunc) Publish(c Change) { f(c) }

// Publishers fans a change out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(c Change) {
	for _, p := range ps {
		if p != nil {
			p.Publish(c)
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Change) {}
