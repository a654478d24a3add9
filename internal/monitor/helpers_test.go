package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/geo"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory DocumentStore that counts writes and can be
// told to fail them.
type memStore struct {
	mu         sync.Mutex
	docs       map[string]map[string]map[string]any
	writes     int
	failWrites bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]map[string]map[string]any)}
}

func (s *memStore) Get(_ context.Context, collection, id string) (*storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.docs[collection][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Document{ID: id, Fields: storage.MergeFields(nil, fields)}, nil
}

func (s *memStore) Query(_ context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []storage.Document
	for id, fields := range s.docs[collection] {
		docs = append(docs, storage.Document{ID: id, Fields: storage.MergeFields(nil, fields)})
	}
	return q.Apply(docs), nil
}

func (s *memStore) Put(_ context.Context, collection, id string, fields map[string]any, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites {
		return errStoreDown
	}
	s.put(collection, id, fields, merge)
	return nil
}

func (s *memStore) Add(_ context.Context, collection string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites {
		return "", errStoreDown
	}
	id, err := storage.NewID()
	if err != nil {
		return "", err
	}
	s.put(collection, id, fields, false)
	return id, nil
}

func (s *memStore) put(collection, id string, fields map[string]any, merge bool) {
	resolved := storage.ResolveFields(fields, time.Now())
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]map[string]any)
	}
	if existing, ok := s.docs[collection][id]; ok && merge {
		resolved = storage.MergeFields(existing, resolved)
	}
	s.docs[collection][id] = resolved
}

// seed writes a document without counting it.
func (s *memStore) seed(collection, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(collection, id, fields, false)
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) setFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

func (s *memStore) all(t *testing.T, collection string) []storage.Document {
	t.Helper()
	docs, _ := s.Query(context.Background(), collection, storage.Query{})
	return docs
}

func (s *memStore) doc(t *testing.T, collection, id string) storage.Document {
	t.Helper()
	doc, err := s.Get(context.Background(), collection, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", collection, id, err)
	}
	return *doc
}

var (
	testGate  = geo.Point{Lat: 14.869690, Lon: 120.801010}
	testSlot1 = geo.Point{Lat: 14.869456, Lon: 120.801326}
)

func testLayout() Layout {
	return Layout{
		Name: "Test Lot",
		Gate: testGate,
		Slots: []Slot{
			{ID: "1", Location: testSlot1},
			{ID: "2", Location: geo.Point{Lat: 14.869445, Lon: 120.801343}},
			{ID: "3", Location: geo.Point{Lat: 14.869266, Lon: 120.801608}},
			{ID: "4", Location: geo.Point{Lat: 14.869280, Lon: 120.801485}},
		},
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) Publish(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) causes(slot string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.changes {
		if c.SlotID == slot {
			out = append(out, c.Cause)
		}
	}
	return out
}

type testEnv struct {
	store *memStore
	clock *ManualClock
	opts  Options
	rec   *recorder
}

func newTestEnv() *testEnv {
	store := newMemStore()
	clock := NewManualClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := &recorder{}
	return &testEnv{
		store: store,
		clock: clock,
		rec:   rec,
		opts: Options{
			Layout:       testLayout(),
			Thresholds:   Thresholds{ConfirmRadius: 1, VacateRadius: 5},
			ConfirmDelay: 5 * time.Second,
			VacateDelay:  5 * time.Second,
			GateLabel:    "Gate 3",
			Clock:        clock,
			Writer:       NewWriter(store, WriterOptions{}, zerolog.Nop()),
			Publisher:    rec,
		},
	}
}

func (e *testEnv) machine(t *testing.T, driver Occupant) *Machine {
	t.Helper()
	m := NewMachine(driver, e.opts, zerolog.Nop())
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func move(t *testing.T, m *Machine, p geo.Point) Snapshot {
	t.Helper()
	snap, err := m.UpdatePosition(context.Background(), p)
	if err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	return snap
}

func stateOf(t *testing.T, m *Machine, slot string) State {
	t.Helper()
	v, ok := m.Snapshot().Slot(slot)
	if !ok {
		t.Fatalf("slot %s missing from snapshot", slot)
	}
	return v.State
}

// park drives m into slot 1 through the auto-confirm timer.
func park(t *testing.T, e *testEnv, m *Machine) {
	t.Helper()
	move(t, m, geo.Offset(testSlot1, 0.5, 0))
	e.clock.Advance(5 * time.Second)
	if got := stateOf(t, m, "1"); got != StateOccupied {
		t.Fatalf("expected slot 1 Occupied after confirm timer, got %s", got)
	}
	m.Flush()
}
