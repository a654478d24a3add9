package monitor

import (
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
)

// Purpose distinguishes the timers a slot can carry.
type Purpose string

const (
	PurposeConfirm Purpose = "confirm"
	PurposeVacate  Purpose = "vacate"
)

type timerKey struct {
	slot    string
	purpose Purpose
}

type armedTimer struct {
	timer Timer
	token uint64
}

// timerSet holds at most one live timer per {slot, purpose}. Every arm
// gets a fresh token so a callback that lost a race with cancel or re-arm
// can recognise itself as stale. Not safe for concurrent use; the owning
// Machine serialises access.
type timerSet struct {
	clock Clock
	next  uint64
	live  map[timerKey]armedTimer
}

func newTimerSet(clock Clock) *timerSet {
	return &timerSet{clock: clock, live: make(map[timerKey]armedTimer)}
}

// arm schedules fire after d, replacing any live timer for key.
func (s *timerSet) arm(key timerKey, d time.Duration, fire func(token uint64)) {
	s.cancel(key)
	s.next++
	token := s.next
	t := s.clock.AfterFunc(d, func() { fire(token) })
	s.live[key] = armedTimer{timer: t, token: token}
	metrics.Timers.WithLabelValues(string(key.purpose), "armed").Inc()
}

// cancel stops the live timer for key, reporting whether one existed.
func (s *timerSet) cancel(key timerKey) bool {
	at, ok := s.live[key]
	if !ok {
		return false
	}
	at.timer.Stop()
	delete(s.live, key)
	metrics.Timers.WithLabelValues(string(key.purpose), "cancelled").Inc()
	return true
}

func (s *timerSet) armed(key timerKey) bool {
	_, ok := s.live[key]
	return ok
}

// claim consumes the timer for key if token is still the live one.
func (s *timerSet) claim(key timerKey, token uint64) bool {
	at, ok := s.live[key]
	if !ok || at.token != token {
		return false
	}
	delete(s.live, key)
	metrics.Timers.WithLabelValues(string(key.purpose), "fired").Inc()
	return true
}

// busy reports whether any timer is live for slot.
func (s *timerSet) busy(slot string) bool {
	return s.armed(timerKey{slot, PurposeConfirm}) || s.armed(timerKey{slot, PurposeVacate})
}

func (s *timerSet) stopAll() {
	for key := range s.live {
		s.cancel(key)
	}
}

func (s *timerSet) count() int {
	return len(s.live)
}
