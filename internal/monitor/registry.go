package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// ErrNoDriver is returned when a request carries no driver identity.
var ErrNoDriver = errors.New("driver id required")

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Machine    Options
	MaxDrivers int
	IdleTTL    time.Duration
}

// Registry keeps one Machine per active driver. Machines idle for longer
// than the TTL, or pushed out by newer drivers, are closed.
type Registry struct {
	opts   Options
	cache  *expirable.LRU[string, *Machine]
	mu     sync.Mutex
	base   zerolog.Logger
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions, logger zerolog.Logger) *Registry {
	if opts.MaxDrivers <= 0 {
		opts.MaxDrivers = 1024
	}
	r := &Registry{
		opts:   opts.Machine,
		base:   logger,
		logger: logger.With().Str("component", "driver-registry").Logger(),
	}
	r.cache = expirable.NewLRU[string, *Machine](opts.MaxDrivers, r.evicted, opts.IdleTTL)
	return r
}

func (r *Registry) evicted(id string, m *Machine) {
	m.Close()
	metrics.ActiveDrivers.Dec()
	r.logger.Debug().Str("driver", id).Msg("Driver machine evicted")
}

// DriverID canonicalises a driver identity (a plate number).
func DriverID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Get returns the machine for driver, creating and loading it on first use.
// Every call renews the driver's idle TTL.
func (r *Registry) Get(ctx context.Context, driver string) (*Machine, error) {
	id := DriverID(driver)
	if id == "" {
		return nil, ErrNoDriver
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.cache.Get(id); ok {
		r.cache.Add(id, m)
		return m, nil
	}

	m := NewMachine(r.lookupOccupant(ctx, id), r.opts, r.base)
	if err := m.Load(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("load driver %s: %w", id, err)
	}
	r.cache.Add(id, m)
	metrics.ActiveDrivers.Inc()

	r.logger.Info().Str("driver", id).Msg("Driver machine created")
	return m, nil
}

// Peek returns an existing machine without creating one or renewing its TTL.
func (r *Registry) Peek(driver string) (*Machine, bool) {
	return r.cache.Peek(DriverID(driver))
}

// Len returns the number of live machines.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// RefreshAll re-reads slot statuses into every live machine.
func (r *Registry) RefreshAll(ctx context.Context) {
	for _, m := range r.cache.Values() {
		if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Warn().Err(err).Str("driver", m.Driver().ID).Msg("Failed to refresh slot statuses")
		}
	}
}

// Corroborate records an external status for slot in the store and applies
// it as a display override on every live machine.
func (r *Registry) Corroborate(slot, status string) error {
	canonical, ok := canonicalStatus(status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, ok := r.opts.Layout.slot(slot); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}

	r.opts.Writer.Put("corroborate", storage.CollectionSlots, slot, map[string]any{
		"slot_number": slot,
		"cctv_status": canonical,
	}, true)

	for _, m := range r.cache.Values() {
		if err := m.Corroborate(slot, canonical); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every machine and waits for their queued store writes.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	machines := r.cache.Values()
	r.cache.Purge()
	for _, m := range machines {
		m.Flush()
	}
}

// lookupOccupant finds the registered profile for plate. An unregistered
// plate still gets a machine, identified by the plate alone.
func (r *Registry) lookupOccupant(ctx context.Context, plate string) Occupant {
	occ := Occupant{ID: plate}

	docs, err := r.opts.Writer.Query(ctx, storage.CollectionUsers, storage.Query{})
	if err != nil {
		r.logger.Warn().Err(err).Str("driver", plate).Msg("Failed to look up driver profile")
		return occ
	}
	for _, doc := range docs {
		if DriverID(doc.String("plateNumber")) != plate {
			continue
		}
		occ.FullName = firstNonEmpty(doc.String("fullName"), doc.String("name"))
		occ.Department = doc.String("department")
		occ.Program = doc.String("program")
		occ.PhotoURL = firstNonEmpty(doc.String("photoURL"), doc.String("photoUrl"))
		break
	}
	return occ
}
