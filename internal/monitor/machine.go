// Package monitor drives slot occupancy for a driver from live position
// reports. Local state always advances first; store writes follow as
// best-effort effects.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/geo"
	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
)

// Options configures a Machine.
type Options struct {
	Layout       Layout
	Thresholds   Thresholds
	ConfirmDelay time.Duration
	VacateDelay  time.Duration
	// GateLabel is the location written with confirmed slots.
	GateLabel string
	Clock     Clock
	Writer    *Writer
	Publisher Publisher
}

// Machine is one driver's view of the lot.
//
// Handlers publish changes and queue store effects while holding mu, so
// both keep handler order. Effects run on the machine's effect goroutine
// and may take displayMu; nothing holding displayMu takes another lock.
// openHistory belongs to the effect goroutine.
type Machine struct {
	driver       Occupant
	layout       Layout
	thresholds   Thresholds
	confirmDelay time.Duration
	vacateDelay  time.Duration
	gateLabel    string
	clock        Clock
	writer       *Writer
	publisher    Publisher
	logger       zerolog.Logger

	mu         sync.Mutex
	slots      map[string]SlotState
	position   *geo.Point
	parked     string
	pending    string
	route      string
	suggestion *Suggestion
	timers     *timerSet
	closed     bool

	effects     *effectQueue
	openHistory map[string]string

	displayMu sync.Mutex
	overrides map[string]string
	accuracy  map[string]string
}

// batch collects what a handler produced while holding mu.
type batch struct {
	changes []Change
	effects []func()
}

// NewMachine creates a machine with every slot Available. Call Load to
// mirror the store.
func NewMachine(driver Occupant, opts Options, logger zerolog.Logger) *Machine {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}

	m := &Machine{
		driver:       driver,
		layout:       opts.Layout,
		thresholds:   opts.Thresholds,
		confirmDelay: opts.ConfirmDelay,
		vacateDelay:  opts.VacateDelay,
		gateLabel:    opts.GateLabel,
		clock:        opts.Clock,
		writer:       opts.Writer,
		publisher:    opts.Publisher,
		logger:       logger.With().Str("component", "slot-monitor").Str("driver", driver.ID).Logger(),
		slots:        make(map[string]SlotState, len(opts.Layout.Slots)),
		timers:       newTimerSet(opts.Clock),
		effects:      newEffectQueue(),
		openHistory:  make(map[string]string),
		overrides:    make(map[string]string),
		accuracy:     make(map[string]string),
	}

	now := m.clock.Now()
	for _, s := range m.layout.Slots {
		m.slots[s.ID] = SlotState{SlotID: s.ID, State: StateAvailable, LastTransition: now}
	}
	return m
}

// Driver returns the occupant identity this machine acts for.
func (m *Machine) Driver() Occupant {
	return m.driver
}

// Load mirrors the store's slot statuses and suggests the nearest available
// slot from the gate. A slot the store shows as held by this driver is
// resumed as the parked slot.
func (m *Machine) Load(ctx context.Context) error {
	docs, err := m.writer.Query(ctx, storage.CollectionSlots, storage.Query{})
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var b batch
	m.applyStore(docs, true, &b)
	m.suggestLocked(m.layout.Gate, FromGate)
	parked := m.parked
	m.commit(&b)

	m.logger.Debug().
		Int("slots", len(m.layout.Slots)).
		Str("parked", parked).
		Msg("Loaded slot statuses")
	return nil
}

// Refresh re-reads slot statuses. Slots with a live timer or held by this
// driver keep their local state; the rest take the store's value.
func (m *Machine) Refresh(ctx context.Context) error {
	docs, err := m.writer.Query(ctx, storage.CollectionSlots, storage.Query{})
	if err != nil {
		return fmt.Errorf("refresh slots: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var b batch
	m.applyStore(docs, false, &b)
	if m.position != nil {
		m.suggestLocked(*m.position, FromPosition)
	} else {
		m.suggestLocked(m.layout.Gate, FromGate)
	}
	m.commit(&b)
	return nil
}

// UpdatePosition records the driver's position and re-evaluates every
// proximity condition against it.
func (m *Machine) UpdatePosition(_ context.Context, p geo.Point) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	m.position = &p

	var b batch
	m.recheckPendingConfirm(p, &b)
	m.recheckVacate(p, &b)
	m.enterNearby(p, &b)
	m.suggestLocked(p, FromPosition)
	snap := m.snapshotLocked()
	m.commit(&b)

	m.decorate(&snap)
	return snap, nil
}

// SelectSlot is an explicit request to park in slot id. Within the confirm
// radius the slot becomes PendingConfirm and the auto-confirm timer is armed.
// The returned distance is valid whenever a position is known.
func (m *Machine) SelectSlot(_ context.Context, id string) (float64, error) {
	if _, ok := m.layout.slot(id); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if !m.slots[id].Available() {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrSlotUnavailable, id)
	}
	if m.parked != "" {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyParked, m.parked)
	}
	if m.position == nil {
		m.mu.Unlock()
		return 0, ErrNoPosition
	}

	d := m.distanceTo(id)
	m.route = id

	var b batch
	if !m.thresholds.InConfirm(d) {
		m.commit(&b)
		return d, &DistanceError{SlotID: id, Distance: d, Limit: m.thresholds.ConfirmRadius}
	}
	m.beginConfirm(id, &b)
	m.commit(&b)
	return d, nil
}

// Confirm parks the driver in slot id now instead of waiting for the timer.
func (m *Machine) Confirm(_ context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var b batch
	err := m.confirmLocked(id, &b)
	m.commit(&b)
	return err
}

// Corroborate applies an external status signal for slot id. It only
// changes what the slot displays: local state and live timers are left
// alone, so the display can disagree with a pending vacate until the
// timer resolves.
func (m *Machine) Corroborate(id, status string) error {
	canonical, ok := canonicalStatus(status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, ok := m.layout.slot(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}

	m.mu.Lock()
	st := m.slots[id]
	m.mu.Unlock()

	m.setOverride(id, canonical, st.Status())
	m.publisher.Publish(Change{
		Driver:  m.driver.ID,
		SlotID:  id,
		From:    st.State,
		To:      st.State,
		Display: canonical,
		Source:  SourceCCTV,
		Cause:   CauseCorroborate,
		At:      m.clock.Now(),
	})
	return nil
}

// Close cancels every live timer. Store writes already queued still run.
// Later calls fail with ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.timers.stopAll()
	m.effects.close()
}

// Flush waits for the store writes queued so far. After Close it waits for
// the queue to drain.
func (m *Machine) Flush() {
	m.effects.flush()
}

func (m *Machine) distanceTo(id string) float64 {
	s, _ := m.layout.slot(id)
	return geo.Distance(*m.position, s.Location)
}

// commit publishes b's changes, queues its effects and releases mu.
func (m *Machine) commit(b *batch) {
	defer m.mu.Unlock()

	for _, c := range b.changes {
		m.publisher.Publish(c)
	}
	if len(b.effects) > 0 {
		m.effects.push(b.effects...)
	}
}

func (m *Machine) setState(id string, to State, occupant, cause string, b *batch) {
	st := m.slots[id]
	if st.State == to && st.Occupant == occupant {
		return
	}
	from := st.State
	st.State = to
	st.Occupant = occupant
	st.LastTransition = m.clock.Now()
	m.slots[id] = st

	metrics.SlotTransitions.WithLabelValues(string(from), string(to)).Inc()
	b.changes = append(b.changes, Change{
		Driver:  m.driver.ID,
		SlotID:  id,
		From:    from,
		To:      to,
		Display: st.Status(),
		Source:  SourceLocal,
		Cause:   cause,
		At:      st.LastTransition,
	})
}

func (m *Machine) applyStore(docs []storage.Document, resume bool, b *batch) {
	byID := make(map[string]storage.Document, len(docs))
	for _, doc := range docs {
		id := doc.String("slot_number")
		if id == "" {
			id = doc.ID
		}
		byID[id] = doc
	}

	for _, s := range m.layout.Slots {
		if s.ID == m.parked || m.timers.busy(s.ID) {
			continue
		}
		doc, ok := byID[s.ID]
		if !ok {
			m.setState(s.ID, StateAvailable, "", CauseSync, b)
			continue
		}
		status, _ := canonicalStatus(firstNonEmpty(doc.String("status"), doc.String("map_status")))
		if status != StatusOccupied {
			m.setState(s.ID, StateAvailable, "", CauseSync, b)
			continue
		}
		occupant := doc.String("current_user")
		if resume && m.parked == "" && occupant != "" && occupant == m.driver.ID {
			m.parked = s.ID
		}
		m.setState(s.ID, StateOccupied, occupant, CauseSync, b)
	}
}

func (m *Machine) recheckPendingConfirm(p geo.Point, b *batch) {
	if m.pending == "" {
		return
	}
	id := m.pending
	if m.thresholds.InConfirm(m.distanceTo(id)) {
		return
	}
	m.timers.cancel(timerKey{id, PurposeConfirm})
	m.pending = ""
	m.setState(id, StateAvailable, "", CauseRevert, b)
	m.logger.Debug().Str("slot", id).Str("position", p.String()).Msg("Left confirm radius, pending confirm reverted")
}

func (m *Machine) recheckVacate(p geo.Point, b *batch) {
	if m.parked == "" {
		return
	}
	id := m.parked
	key := timerKey{id, PurposeVacate}

	if m.thresholds.BeyondVacate(m.distanceTo(id)) {
		if m.timers.armed(key) {
			return
		}
		m.timers.arm(key, m.vacateDelay, func(token uint64) { m.fireVacate(id, token) })
		m.setState(id, StatePendingVacate, m.driver.ID, CausePending, b)
		m.logger.Debug().Str("slot", id).Str("position", p.String()).Dur("delay", m.vacateDelay).Msg("Left vacate radius, vacate timer armed")
		return
	}
	if m.timers.cancel(key) {
		m.setState(id, StateOccupied, m.driver.ID, CauseRevert, b)
		m.logger.Debug().Str("slot", id).Msg("Returned inside vacate radius, vacate cancelled")
	}
}

// enterNearby starts a pending confirm when an idle driver stops within the
// confirm radius of an available slot.
func (m *Machine) enterNearby(p geo.Point, b *batch) {
	if m.parked != "" || m.pending != "" {
		return
	}
	id, d, ok := Nearest(p, m.layout, m.slots)
	if !ok || !m.thresholds.InConfirm(d) {
		return
	}
	m.beginConfirm(id, b)
}

func (m *Machine) beginConfirm(id string, b *batch) {
	if m.pending != "" && m.pending != id {
		prev := m.pending
		m.timers.cancel(timerKey{prev, PurposeConfirm})
		m.setState(prev, StateAvailable, "", CauseRevert, b)
	}
	m.pending = id
	m.timers.arm(timerKey{id, PurposeConfirm}, m.confirmDelay, func(token uint64) { m.fireConfirm(id, token) })
	m.setState(id, StatePendingConfirm, "", CausePending, b)
	m.logger.Debug().Str("slot", id).Dur("delay", m.confirmDelay).Msg("Confirm timer armed")
}

func (m *Machine) confirmLocked(id string, b *batch) error {
	if _, ok := m.layout.slot(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}
	if m.parked == id {
		return nil
	}
	if m.parked != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyParked, m.parked)
	}
	if !m.slots[id].Available() {
		return fmt.Errorf("%w: %s", ErrSlotUnavailable, id)
	}
	if m.position == nil {
		return ErrNoPosition
	}
	if d := m.distanceTo(id); !m.thresholds.InConfirm(d) {
		return &DistanceError{SlotID: id, Distance: d, Limit: m.thresholds.ConfirmRadius}
	}

	m.timers.cancel(timerKey{id, PurposeConfirm})
	if m.pending != "" && m.pending != id {
		m.timers.cancel(timerKey{m.pending, PurposeConfirm})
		m.setState(m.pending, StateAvailable, "", CauseRevert, b)
	}
	m.pending = ""

	now := m.clock.Now()
	m.clearOverride(id)
	m.setState(id, StateOccupied, m.driver.ID, CauseConfirm, b)
	m.parked = id
	m.route = ""
	m.suggestion = nil
	b.effects = append(b.effects, func() { m.writeConfirmed(id, now) })

	m.logger.Info().Str("slot", id).Msg("Parking confirmed")
	return nil
}

func (m *Machine) fireConfirm(id string, token uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.timers.claim(timerKey{id, PurposeConfirm}, token) {
		metrics.TimerStaleFires.WithLabelValues(string(PurposeConfirm)).Inc()
		m.mu.Unlock()
		return
	}

	var b batch
	if err := m.confirmLocked(id, &b); err != nil {
		metrics.TimerStaleFires.WithLabelValues(string(PurposeConfirm)).Inc()
		m.logger.Debug().Err(err).Str("slot", id).Msg("Confirm timer fired but condition no longer holds")
		if m.pending == id {
			m.pending = ""
			if m.slots[id].State == StatePendingConfirm {
				m.setState(id, StateAvailable, "", CauseRevert, &b)
			}
		}
	}
	m.commit(&b)
}

func (m *Machine) fireVacate(id string, token uint64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.timers.claim(timerKey{id, PurposeVacate}, token) {
		metrics.TimerStaleFires.WithLabelValues(string(PurposeVacate)).Inc()
		m.mu.Unlock()
		return
	}

	var b batch
	st := m.slots[id]
	if m.parked != id || st.State != StatePendingVacate || m.position == nil || !m.thresholds.BeyondVacate(m.distanceTo(id)) {
		metrics.TimerStaleFires.WithLabelValues(string(PurposeVacate)).Inc()
		if m.parked == id && st.State == StatePendingVacate {
			m.setState(id, StateOccupied, m.driver.ID, CauseRevert, &b)
		}
		m.commit(&b)
		return
	}

	now := m.clock.Now()
	m.clearOverride(id)
	m.setState(id, StateAvailable, "", CauseVacate, &b)
	m.parked = ""
	m.suggestLocked(*m.position, FromPosition)
	b.effects = append(b.effects, func() { m.writeVacated(id, now) })

	m.logger.Info().Str("slot", id).Msg("Slot vacated")
	m.commit(&b)
}

// suggestLocked points the driver at the nearest available slot. The route
// follows the suggestion unless the driver is parked.
func (m *Machine) suggestLocked(from geo.Point, origin string) {
	id, d, ok := Nearest(from, m.layout, m.slots)
	if !ok {
		m.suggestion = nil
		if m.parked == "" {
			m.route = ""
		}
		return
	}
	m.suggestion = &Suggestion{SlotID: id, Distance: d, From: origin, Origin: from}
	if m.parked == "" {
		m.route = id
	}
}

// writeConfirmed records a confirmed parking in the store.
func (m *Machine) writeConfirmed(id string, now time.Time) {
	m.writer.Add("slot_info", storage.CollectionSlotInfo, map[string]any{
		"location":     m.gateLabel,
		"slot_number":  id,
		"current_user": m.driver.ID,
		"accuracy":     nil,
		"timestamp":    storage.ServerTimestamp,
	})

	cctv := StatusUnknown
	if doc, err := m.writer.Get("read_slot", storage.CollectionSlots, id); err == nil {
		if s, ok := canonicalStatus(doc.String("cctv_status")); ok {
			cctv = s
		}
	}
	accuracy := accuracyFor(cctv)

	m.writer.Put("confirm", storage.CollectionSlots, id, map[string]any{
		"slot_number":  id,
		"location":     m.gateLabel,
		"status":       StatusOccupied,
		"map_status":   StatusOccupied,
		"accuracy":     accuracy,
		"current_user": m.driver.ID,
		"timestamp":    storage.ServerTimestamp,
	}, true)

	user, err := history.EncodeSlotUser(history.SlotUser{
		FullName:    m.driver.FullName,
		PlateNumber: m.driver.ID,
		Department:  m.driver.Department,
		Program:     m.driver.Program,
		PhotoURL:    m.driver.PhotoURL,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to encode slot user")
	}
	if histID, ok := m.writer.Add("open_history", storage.CollectionSlotHistory, map[string]any{
		"slot_number": id,
		"user":        user,
		"parked_time": now,
		"vacate_time": nil,
	}); ok {
		m.openHistory[id] = histID
	}

	m.displayMu.Lock()
	m.accuracy[id] = accuracy
	m.displayMu.Unlock()

	if cctv != StatusUnknown && cctv != StatusOccupied {
		m.setOverride(id, cctv, StatusOccupied)
		m.publisher.Publish(Change{
			Driver:  m.driver.ID,
			SlotID:  id,
			From:    StateOccupied,
			To:      StateOccupied,
			Display: cctv,
			Source:  SourceCCTV,
			Cause:   CauseConfirm,
			At:      m.clock.Now(),
		})
	}
}

// writeVacated releases the slot in the store and closes its history record.
func (m *Machine) writeVacated(id string, now time.Time) {
	m.writer.Put("vacate", storage.CollectionSlots, id, map[string]any{
		"slot_number":  id,
		"status":       StatusAvailable,
		"map_status":   StatusAvailable,
		"current_user": nil,
		"timestamp":    storage.ServerTimestamp,
	}, true)

	histID := m.openHistory[id]
	delete(m.openHistory, id)
	if histID == "" {
		histID = m.findOpenHistory(id)
	}
	if histID == "" {
		m.logger.Warn().Str("slot", id).Msg("No open history record to close")
	} else {
		m.writer.Put("close_history", storage.CollectionSlotHistory, histID, map[string]any{
			"vacate_time": now,
		}, true)
	}

	m.displayMu.Lock()
	delete(m.accuracy, id)
	m.displayMu.Unlock()
}

// findOpenHistory locates the newest unclosed record for slot id, used when
// the record was opened by an earlier process.
func (m *Machine) findOpenHistory(id string) string {
	docs, err := m.writer.Query(context.Background(), storage.CollectionSlotHistory, storage.Query{
		Field:   "slot_number",
		Value:   id,
		OrderBy: "parked_time",
		Desc:    true,
		Limit:   1,
	})
	if err != nil || len(docs) == 0 {
		return ""
	}
	if v, ok := docs[0].Value("vacate_time"); ok && v != nil {
		return ""
	}
	return docs[0].ID
}

func (m *Machine) setOverride(id, status, local string) {
	m.displayMu.Lock()
	defer m.displayMu.Unlock()
	if status == local {
		delete(m.overrides, id)
		return
	}
	m.overrides[id] = status
}

// clearOverride drops a stale external status once the machine itself
// parks or releases the slot.
func (m *Machine) clearOverride(id string) {
	m.displayMu.Lock()
	delete(m.overrides, id)
	m.displayMu.Unlock()
}

func canonicalStatus(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return StatusAvailable, true
	case "occupied":
		return StatusOccupied, true
	}
	return "", false
}

func accuracyFor(cctv string) string {
	switch cctv {
	case StatusUnknown:
		return AccuracyUnknown
	case StatusOccupied:
		return AccuracyHigh
	}
	return AccuracyLow
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
