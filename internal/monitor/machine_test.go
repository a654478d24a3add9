package monitor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/geo"
	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
)

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		t       Thresholds
		wantErr bool
	}{
		{name: "defaults", t: Thresholds{ConfirmRadius: 1, VacateRadius: 5}},
		{name: "equal radii", t: Thresholds{ConfirmRadius: 5, VacateRadius: 5}, wantErr: true},
		{name: "inverted", t: Thresholds{ConfirmRadius: 5, VacateRadius: 1}, wantErr: true},
		{name: "zero confirm", t: Thresholds{ConfirmRadius: 0, VacateRadius: 5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	th := Thresholds{ConfirmRadius: 1, VacateRadius: 5}
	if !th.InConfirm(1) || th.InConfirm(1.01) {
		t.Error("confirm radius should be inclusive")
	}
	if th.BeyondVacate(5) || !th.BeyondVacate(5.01) {
		t.Error("vacate radius should be strictly exceeded")
	}
}

func TestProximityEntersAndRevertsWithoutWrite(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})

	snap := move(t, m, geo.Offset(testSlot1, 0.5, 0))
	if v, _ := snap.Slot("1"); v.State != StatePendingConfirm {
		t.Fatalf("expected PendingConfirm at 0.5 m, got %s", v.State)
	}
	if snap.PendingSlot != "1" || e.clock.Pending() != 1 {
		t.Fatalf("expected one armed confirm timer, pending=%q timers=%d", snap.PendingSlot, e.clock.Pending())
	}

	snap = move(t, m, geo.Offset(testSlot1, 2, 0))
	if v, _ := snap.Slot("1"); v.State != StateAvailable {
		t.Fatalf("expected revert to Available at 2 m, got %s", v.State)
	}
	if e.clock.Pending() != 0 {
		t.Errorf("confirm timer should be cancelled, %d still pending", e.clock.Pending())
	}

	e.clock.Advance(10 * time.Second)
	if got := stateOf(t, m, "1"); got != StateAvailable {
		t.Errorf("slot 1 = %s after cancelled timer", got)
	}
	m.Flush()
	if n := e.store.writeCount(); n != 0 {
		t.Errorf("expected no store writes, got %d", n)
	}
	if got := e.rec.causes("1"); !reflect.DeepEqual(got, []string{CausePending, CauseRevert}) {
		t.Errorf("published causes = %v", got)
	}
}

func TestConfirmTimerParksDriver(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123", FullName: "Maria Santos"})

	park(t, e, m)

	snap := m.Snapshot()
	if snap.ParkedSlot != "1" || snap.Route != "" || snap.Suggestion != nil {
		t.Errorf("expected parked with route cleared, got %+v", snap)
	}
	v, _ := snap.Slot("1")
	if v.Occupant != "ABC123" || !v.LastTransition.Equal(e.clock.Now()) {
		t.Errorf("unexpected slot view: %+v", v)
	}

	slot := e.store.doc(t, storage.CollectionSlots, "1")
	if slot.String("status") != StatusOccupied || slot.String("current_user") != "ABC123" {
		t.Errorf("slot document = %+v", slot.Fields)
	}
	if slot.String("accuracy") != AccuracyUnknown {
		t.Errorf("accuracy = %q, want Unknown without camera status", slot.String("accuracy"))
	}

	infos := e.store.all(t, storage.CollectionSlotInfo)
	if len(infos) != 1 || infos[0].String("location") != "Gate 3" {
		t.Errorf("slot_info = %+v", infos)
	}

	records := e.store.all(t, storage.CollectionSlotHistory)
	if len(records) != 1 {
		t.Fatalf("expected one history record, got %d", len(records))
	}
	rec, err := history.ParseSlotRecord(records[0], time.UTC)
	if err != nil {
		t.Fatalf("ParseSlotRecord failed: %v", err)
	}
	if rec.VacateTime.Valid || !rec.Registered || rec.User.FullName != "Maria Santos" {
		t.Errorf("unexpected open record: %+v", rec)
	}
}

func TestAutoVacate(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	park(t, e, m)

	snap := move(t, m, geo.Offset(testSlot1, 10, 0))
	if v, _ := snap.Slot("1"); v.State != StatePendingVacate {
		t.Fatalf("expected PendingVacate at 10 m, got %s", v.State)
	}
	before := e.store.writeCount()

	e.clock.Advance(3 * time.Second)
	move(t, m, geo.Offset(testSlot1, 10, 0))
	if got := stateOf(t, m, "1"); got != StatePendingVacate {
		t.Fatalf("slot 1 = %s before vacate delay elapsed", got)
	}
	if e.clock.Pending() != 1 {
		t.Fatalf("repeated reports must not re-arm, %d timers pending", e.clock.Pending())
	}

	e.clock.Advance(2 * time.Second)

	snap = m.Snapshot()
	v, _ := snap.Slot("1")
	if v.State != StateAvailable || v.Occupant != "" || snap.ParkedSlot != "" {
		t.Fatalf("expected slot 1 released, got %+v parked=%q", v, snap.ParkedSlot)
	}
	if snap.Suggestion == nil || snap.Suggestion.SlotID != "1" || snap.Suggestion.From != FromPosition {
		t.Errorf("expected suggestion from live position, got %+v", snap.Suggestion)
	}
	m.Flush()
	if e.store.writeCount() <= before {
		t.Error("vacate should write to the store")
	}

	if got := e.store.doc(t, storage.CollectionSlots, "1").String("status"); got != StatusAvailable {
		t.Errorf("slot status = %q, want Available", got)
	}
	records := e.store.all(t, storage.CollectionSlotHistory)
	if len(records) != 1 {
		t.Fatalf("expected one history record, got %d", len(records))
	}
	rec, err := history.ParseSlotRecord(records[0], time.UTC)
	if err != nil {
		t.Fatalf("ParseSlotRecord failed: %v", err)
	}
	if !rec.VacateTime.Valid || rec.DurationMinutes.Int64 != 0 {
		t.Errorf("expected closed record, got %+v", rec)
	}
}

func TestAutoVacateCancelledOnReturn(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	park(t, e, m)
	before := e.store.writeCount()

	move(t, m, geo.Offset(testSlot1, 10, 0))
	e.clock.Advance(3 * time.Second)

	snap := move(t, m, geo.Offset(testSlot1, 3, 0))
	if v, _ := snap.Slot("1"); v.State != StateOccupied {
		t.Fatalf("expected Occupied after return to 3 m, got %s", v.State)
	}

	e.clock.Advance(10 * time.Second)
	if got := stateOf(t, m, "1"); got != StateOccupied {
		t.Errorf("slot 1 = %s, vacate should have been cancelled", got)
	}
	m.Flush()
	if n := e.store.writeCount(); n != before {
		t.Errorf("expected no writes after parking, got %d", n-before)
	}
}

func TestSelectSlot(t *testing.T) {
	e := newTestEnv()
	e.store.seed(storage.CollectionSlots, "2", map[string]any{"slot_number": "2", "status": "Occupied", "current_user": "OTHER1"})
	m := e.machine(t, Occupant{ID: "ABC123"})
	ctx := context.Background()

	if _, err := m.SelectSlot(ctx, "9"); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("expected ErrUnknownSlot, got %v", err)
	}
	if _, err := m.SelectSlot(ctx, "2"); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("expected ErrSlotUnavailable, got %v", err)
	}
	if _, err := m.SelectSlot(ctx, "1"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}

	move(t, m, geo.Offset(testSlot1, 0, -30))
	d, err := m.SelectSlot(ctx, "1")
	var de *DistanceError
	if !errors.As(err, &de) || !errors.Is(err, ErrTooFar) {
		t.Fatalf("expected DistanceError, got %v", err)
	}
	if de.Distance < 29 || de.Distance > 31 || d != de.Distance {
		t.Errorf("distance = %v", de.Distance)
	}
	if snap := m.Snapshot(); snap.Route != "1" {
		t.Errorf("route = %q, want 1", snap.Route)
	}

	// Inside the radius a manual select arms the timer; selecting again re-arms it.
	move(t, m, geo.Offset(testSlot1, 0.3, 0))
	if _, err := m.SelectSlot(ctx, "1"); err != nil {
		t.Fatalf("SelectSlot failed: %v", err)
	}
	if _, err := m.SelectSlot(ctx, "1"); err != nil {
		t.Fatalf("second SelectSlot failed: %v", err)
	}
	if e.clock.Pending() != 1 {
		t.Errorf("re-arm must leave exactly one timer, got %d", e.clock.Pending())
	}
	if got := stateOf(t, m, "1"); got != StatePendingConfirm {
		t.Errorf("slot 1 = %s, want PendingConfirm", got)
	}

	if err := m.Confirm(ctx, "1"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if e.clock.Pending() != 0 {
		t.Errorf("explicit confirm should cancel the timer, %d pending", e.clock.Pending())
	}
	if _, err := m.SelectSlot(ctx, "3"); !errors.Is(err, ErrAlreadyParked) {
		t.Errorf("expected ErrAlreadyParked, got %v", err)
	}
}

func TestConfirmRequiresProximity(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	ctx := context.Background()

	if err := m.Confirm(ctx, "1"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
	move(t, m, geo.Offset(testSlot1, 3, 0))
	if err := m.Confirm(ctx, "1"); !errors.Is(err, ErrTooFar) {
		t.Errorf("expected ErrTooFar, got %v", err)
	}
	m.Flush()
	if e.store.writeCount() != 0 {
		t.Error("rejected confirm must not write")
	}
}

func TestConfirmTimerRechecksAtFire(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})

	move(t, m, geo.Offset(testSlot1, 0.5, 0))

	// Reach into the machine to simulate a position change the timer
	// callback has not observed through UpdatePosition.
	m.mu.Lock()
	far := geo.Offset(testSlot1, 4, 0)
	m.position = &far
	m.mu.Unlock()

	e.clock.Advance(5 * time.Second)
	if got := stateOf(t, m, "1"); got != StateAvailable {
		t.Errorf("slot 1 = %s, stale confirm must not park", got)
	}
	m.Flush()
	if e.store.writeCount() != 0 {
		t.Errorf("stale confirm wrote %d times", e.store.writeCount())
	}
}

func TestWriteFailureKeepsLocalState(t *testing.T) {
	e := newTestEnv()
	e.store.setFailWrites(true)
	m := e.machine(t, Occupant{ID: "ABC123"})

	park(t, e, m)
	if e.store.writeCount() == 0 {
		t.Fatal("expected attempted writes")
	}

	move(t, m, geo.Offset(testSlot1, 10, 0))
	e.clock.Advance(5 * time.Second)
	if got := stateOf(t, m, "1"); got != StateAvailable {
		t.Errorf("slot 1 = %s, local vacate should proceed despite failed writes", got)
	}
	m.Flush()
	if docs := e.store.all(t, storage.CollectionSlotHistory); len(docs) != 0 {
		t.Errorf("failed writes must not persist, got %d records", len(docs))
	}
}

func TestCorroborateOverridesDisplayOnly(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	park(t, e, m)

	move(t, m, geo.Offset(testSlot1, 10, 0))
	if err := m.Corroborate("1", "available"); err != nil {
		t.Fatalf("Corroborate failed: %v", err)
	}

	v, _ := m.Snapshot().Slot("1")
	if v.State != StatePendingVacate {
		t.Errorf("local state = %s, corroboration must not change it", v.State)
	}
	if v.Display != StatusAvailable || v.DisplaySource != SourceCCTV || v.Color != "green" {
		t.Errorf("unexpected display: %+v", v)
	}
	if e.clock.Pending() != 1 {
		t.Errorf("vacate timer must survive corroboration, %d pending", e.clock.Pending())
	}

	e.clock.Advance(5 * time.Second)
	v, _ = m.Snapshot().Slot("1")
	if v.State != StateAvailable || v.DisplaySource != SourceLocal {
		t.Errorf("after vacate: %+v", v)
	}

	if err := m.Corroborate("1", "parked"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if err := m.Corroborate("9", "Occupied"); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("expected ErrUnknownSlot, got %v", err)
	}
}

func TestConfirmUsesCameraStatus(t *testing.T) {
	tests := []struct {
		cctv         string
		wantAccuracy string
		wantDisplay  string
		wantSource   string
	}{
		{cctv: "Occupied", wantAccuracy: AccuracyHigh, wantDisplay: StatusOccupied, wantSource: SourceLocal},
		{cctv: "Available", wantAccuracy: AccuracyLow, wantDisplay: StatusAvailable, wantSource: SourceCCTV},
	}
	for _, tt := range tests {
		t.Run(tt.cctv, func(t *testing.T) {
			e := newTestEnv()
			e.store.seed(storage.CollectionSlots, "1", map[string]any{"slot_number": "1", "status": "Available", "cctv_status": tt.cctv})
			m := e.machine(t, Occupant{ID: "ABC123"})
			park(t, e, m)

			v, _ := m.Snapshot().Slot("1")
			if v.Accuracy != tt.wantAccuracy || v.Display != tt.wantDisplay || v.DisplaySource != tt.wantSource {
				t.Errorf("slot view = %+v", v)
			}
			doc := e.store.doc(t, storage.CollectionSlots, "1")
			if doc.String("accuracy") != tt.wantAccuracy || doc.String("cctv_status") != tt.cctv {
				t.Errorf("slot document = %+v", doc.Fields)
			}
		})
	}
}

func TestRefreshKeepsTimedSlotsLocal(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	move(t, m, geo.Offset(testSlot1, 0.5, 0))

	e.store.seed(storage.CollectionSlots, "1", map[string]any{"status": "Occupied", "current_user": "OTHER1"})
	e.store.seed(storage.CollectionSlots, "3", map[string]any{"status": "Occupied", "current_user": "OTHER2"})

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := stateOf(t, m, "1"); got != StatePendingConfirm {
		t.Errorf("slot 1 = %s, pending slot should keep local state", got)
	}
	v, _ := m.Snapshot().Slot("3")
	if v.State != StateOccupied || v.Occupant != "OTHER2" {
		t.Errorf("slot 3 = %+v, want Occupied by OTHER2", v)
	}
}

func TestLoadResumesParkedSlot(t *testing.T) {
	e := newTestEnv()
	e.store.seed(storage.CollectionSlots, "3", map[string]any{"slot_number": "3", "status": "Occupied", "current_user": "ABC123"})

	m := e.machine(t, Occupant{ID: "ABC123"})
	snap := m.Snapshot()
	if snap.ParkedSlot != "3" {
		t.Fatalf("expected resumed parked slot 3, got %q", snap.ParkedSlot)
	}
	if snap.Suggestion == nil || snap.Suggestion.From != FromGate || snap.Suggestion.SlotID == "3" {
		t.Errorf("unexpected gate suggestion: %+v", snap.Suggestion)
	}
}

func TestVacateClosesRecordFromEarlierProcess(t *testing.T) {
	e := newTestEnv()
	e.store.seed(storage.CollectionSlots, "1", map[string]any{"slot_number": "1", "status": "Occupied", "current_user": "ABC123"})
	e.store.seed(storage.CollectionSlotHistory, "old", map[string]any{
		"slot_number": "1",
		"parked_time": e.clock.Now().Add(-time.Hour),
		"vacate_time": nil,
	})

	m := e.machine(t, Occupant{ID: "ABC123"})
	move(t, m, geo.Offset(testSlot1, 10, 0))
	e.clock.Advance(5 * time.Second)
	m.Flush()

	doc := e.store.doc(t, storage.CollectionSlotHistory, "old")
	if v, ok := doc.Value("vacate_time"); !ok || v == nil {
		t.Errorf("expected old record closed, got %+v", doc.Fields)
	}
}

func TestClosedMachineRejectsCalls(t *testing.T) {
	e := newTestEnv()
	m := e.machine(t, Occupant{ID: "ABC123"})
	move(t, m, geo.Offset(testSlot1, 0.5, 0))

	m.Close()
	if e.clock.Pending() != 0 {
		t.Errorf("Close should stop timers, %d pending", e.clock.Pending())
	}
	if _, err := m.UpdatePosition(context.Background(), testSlot1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// slowStore holds every write until released.
type slowStore struct {
	*memStore
	release chan struct{}
}

func (s *slowStore) wait(ctx context.Context) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowStore) Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.memStore.Put(ctx, collection, id, fields, merge)
}

func (s *slowStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	return s.memStore.Add(ctx, collection, fields)
}

func TestSlowStoreDoesNotBlockHandlers(t *testing.T) {
	e := newTestEnv()
	store := &slowStore{memStore: e.store, release: make(chan struct{})}
	var once sync.Once
	release := func() { once.Do(func() { close(store.release) }) }
	defer release()

	e.opts.Writer = NewWriter(store, WriterOptions{Timeout: time.Minute}, zerolog.Nop())
	m := e.machine(t, Occupant{ID: "ABC123"})
	move(t, m, geo.Offset(testSlot1, 0.5, 0))

	confirmed := make(chan error, 1)
	go func() { confirmed <- m.Confirm(context.Background(), "1") }()
	select {
	case err := <-confirmed:
		if err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Confirm waited on the store")
	}

	moved := make(chan Snapshot, 1)
	go func() {
		snap, _ := m.UpdatePosition(context.Background(), geo.Offset(testSlot1, 10, 0))
		moved <- snap
	}()
	select {
	case snap := <-moved:
		if v, _ := snap.Slot("1"); v.State != StatePendingVacate {
			t.Errorf("slot 1 = %s, want PendingVacate", v.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("UpdatePosition waited behind queued writes")
	}

	if n := e.store.writeCount(); n != 0 {
		t.Fatalf("writes landed before release: %d", n)
	}

	release()
	m.Flush()

	if got := e.store.doc(t, storage.CollectionSlots, "1").String("status"); got != StatusOccupied {
		t.Errorf("slot status = %q, want Occupied once writes drain", got)
	}
	if records := e.store.all(t, storage.CollectionSlotHistory); len(records) != 1 {
		t.Errorf("expected one history record, got %d", len(records))
	}
}
