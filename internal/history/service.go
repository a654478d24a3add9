package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Location     *time.Location
	Normalizer   NormalizerOptions
	PairWindow   time.Duration // 0 leaves pairing unbounded
	RecentWindow time.Duration
	RecentLimit  int
}

// Service loads the event logs from the document store and reconciles them.
type Service struct {
	store      storage.DocumentStore
	normalizer *Normalizer
	opts       ServiceOptions
	logger     zerolog.Logger
}

// NewService creates a history service.
func NewService(store storage.DocumentStore, opts ServiceOptions, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	opts.Normalizer.Location = opts.Location

	return &Service{
		store:      store,
		normalizer: NewNormalizer(opts.Normalizer, logger),
		opts:       opts,
		logger:     logger.With().Str("component", "history").Logger(),
	}
}

// Location returns the display timezone.
func (s *Service) Location() *time.Location {
	return s.opts.Location
}

// All returns every plate's sessions grouped by day, as the admin view
// shows them.
func (s *Service) All(ctx context.Context, filter Filter) ([]DateBucket, error) {
	events, err := s.loadEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	profiles, err := s.loadProfiles(ctx)
	if err != nil {
		return nil, err
	}

	byPlate := MergeByPlate(events, MergeOptions{PairWindow: s.opts.PairWindow})
	plates := make([]string, 0, len(byPlate))
	for plate := range byPlate {
		plates = append(plates, plate)
	}
	sort.Strings(plates)

	var sessions []Session
	for _, plate := range plates {
		sessions = append(sessions, byPlate[plate]...)
	}
	metrics.SessionsMerged.Add(float64(len(sessions)))

	return Group(sessions, GroupOptions{
		Location: s.opts.Location,
		Filter:   filter,
		Profiles: profiles,
		Label:    LongDateLabel,
	}), nil
}

// ForPlate returns one plate's sessions grouped by day with relative
// labels ("Today", "Yesterday").
func (s *Service) ForPlate(ctx context.Context, plate string, now time.Time) ([]DateBucket, error) {
	events, err := s.loadEvents(ctx, plate)
	if err != nil {
		return nil, err
	}
	profiles, err := s.loadProfiles(ctx)
	if err != nil {
		return nil, err
	}

	sessions := Merge(events, MergeOptions{PairWindow: s.opts.PairWindow})
	metrics.SessionsMerged.Add(float64(len(sessions)))

	return Group(sessions, GroupOptions{
		Location: s.opts.Location,
		Filter:   FilterAll,
		Profiles: profiles,
		Label:    RelativeDateLabel(now),
	}), nil
}

// Recent returns the plate's latest sessions of the day.
func (s *Service) Recent(ctx context.Context, plate string, now time.Time) ([]Session, error) {
	events, err := s.loadEvents(ctx, plate)
	if err != nil {
		return nil, err
	}
	return Recent(events, now, s.opts.Location, s.opts.RecentWindow, s.opts.RecentLimit), nil
}

// Stats returns the plate's activity summary for the day.
func (s *Service) Stats(ctx context.Context, plate string, now time.Time) (DailyStats, error) {
	events, err := s.loadEvents(ctx, plate)
	if err != nil {
		return DailyStats{}, err
	}
	return ComputeStats(events, now, s.opts.Location), nil
}

// SlotHistory returns slot occupancy records grouped by parked day.
func (s *Service) SlotHistory(ctx context.Context, filter Filter) ([]SlotBucket, error) {
	docs, err := s.store.Query(ctx, storage.CollectionSlotHistory, storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", storage.CollectionSlotHistory, err)
	}

	records := make([]SlotRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := ParseSlotRecord(doc, s.opts.Location)
		if err != nil {
			s.logger.Warn().Str("id", doc.ID).Err(err).Msg("Dropping malformed slot history record")
			metrics.EventsDropped.WithLabelValues("slot_history").Inc()
			continue
		}
		records = append(records, rec)
	}

	return GroupSlotHistory(records, s.opts.Location, filter), nil
}

// loadEvents reads the three logs, restricted to plate when non-empty.
// Stored plates are matched after normalization, so their case and
// surrounding spaces do not matter.
func (s *Service) loadEvents(ctx context.Context, plate string) ([]Event, error) {
	plate = strings.ToUpper(strings.TrimSpace(plate))

	sources := []struct {
		collection string
		kind       EventKind
	}{
		{storage.CollectionGateLogs, KindGate},
		{storage.CollectionRoundabout, KindRoundabout},
		{storage.CollectionParked, KindParked},
	}

	var events []Event
	for _, src := range sources {
		docs, err := s.store.Query(ctx, src.collection, storage.Query{})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src.collection, err)
		}
		for _, e := range s.normalizer.Collect(src.kind, docs) {
			if plate == "" || e.Plate == plate {
				events = append(events, e)
			}
		}
	}

	s.logger.Debug().Str("plate", plate).Int("events", len(events)).Msg("Loaded events")
	return events, nil
}

// loadProfiles indexes registered users by upper-case plate number.
func (s *Service) loadProfiles(ctx context.Context) (map[string]Profile, error) {
	docs, err := s.store.Query(ctx, storage.CollectionUsers, storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", storage.CollectionUsers, err)
	}

	profiles := make(map[string]Profile, len(docs))
	for _, doc := range docs {
		plate := strings.ToUpper(strings.TrimSpace(doc.String("plateNumber")))
		if plate == "" {
			continue
		}
		name := doc.String("name")
		if name == "" {
			name = doc.String("fullName")
		}
		profiles[plate] = Profile{Plate: plate, Name: name, PhotoURL: doc.String("photoURL")}
	}
	return profiles, nil
}
