package history

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"
)

// ErrMalformedEvent is returned for records that cannot be normalized.
var ErrMalformedEvent = errors.New("history: malformed event")

// DefaultSlotID is used for parked records that carry no slot.
const DefaultSlotID = "N/A"

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// NormalizeTimestamp converts the timestamp shapes found in the logs into a
// time.Time. Zone-less strings are read in loc. Numbers are unix seconds,
// or milliseconds when too large to be seconds.
func NormalizeTimestamp(v any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	switch ts := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	case time.Time:
		if ts.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return ts, nil
	case *time.Time:
		if ts == nil || ts.IsZero() {
			return time.Time{}, fmt.Errorf("missing timestamp")
		}
		return *ts, nil
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case map[string]any:
		return wrappedTimestamp(ts)
	case float64:
		return unixTimestamp(ts)
	case int64:
		return unixTimestamp(float64(ts))
	case int:
		return unixTimestamp(float64(ts))
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// wrappedTimestamp handles {seconds, nanoseconds} objects, including the
// underscored form produced by document exports.
func wrappedTimestamp(m map[string]any) (time.Time, error) {
	var secs, nanos float64
	var ok bool
	for _, key := range []string{"seconds", "_seconds"} {
		if secs, ok = numeric(m[key]); ok {
			break
		}
	}
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp object without seconds")
	}
	for _, key := range []string{"nanoseconds", "_nanoseconds", "nanos"} {
		if n, found := numeric(m[key]); found {
			nanos = n
			break
		}
	}
	return time.Unix(int64(secs), int64(nanos)), nil
}

func unixTimestamp(n float64) (time.Time, error) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", n)
	}
	if n > 1e12 {
		ms := int64(n)
		return time.UnixMilli(ms), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// NormalizerOptions holds the defaults applied to records.
type NormalizerOptions struct {
	Location           *time.Location
	GateLocation       string
	RoundaboutLocation string
	ParkedLocation     string
}

// Normalizer converts raw log documents into Events.
type Normalizer struct {
	opts   NormalizerOptions
	logger zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts NormalizerOptions, logger zerolog.Logger) *Normalizer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Normalizer{
		opts:   opts,
		logger: logger.With().Str("component", "normalizer").Logger(),
	}
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, field, err)
}

func plateOf(doc storage.Document) (string, error) {
	plate := strings.ToUpper(strings.TrimSpace(doc.String("plate_number")))
	if plate == "" {
		return "", fmt.Errorf("%w: missing plate_number", ErrMalformedEvent)
	}
	return plate, nil
}

// Gate normalizes a gate_logs record.
func (n *Normalizer) Gate(doc storage.Document) (Event, error) {
	plate, err := plateOf(doc)
	if err != nil {
		return Event{}, err
	}

	ts, err := NormalizeTimestamp(doc.Fields["timestamp"], n.opts.Location)
	if err != nil {
		return Event{}, malformed("timestamp", err)
	}

	var dir Direction
	switch strings.ToLower(strings.TrimSpace(doc.String("event_type"))) {
	case "entry":
		dir = DirectionEntry
	case "exit":
		dir = DirectionExit
	default:
		return Event{}, fmt.Errorf("%w: unknown event_type %q", ErrMalformedEvent, doc.String("event_type"))
	}

	return Event{
		ID:        doc.ID,
		Kind:      KindGate,
		Direction: dir,
		Plate:     plate,
		EntryTime: ts,
		Location:  n.opts.GateLocation,
	}, nil
}

// Roundabout normalizes a roundabout record.
func (n *Normalizer) Roundabout(doc storage.Document) (Event, error) {
	return n.span(KindRoundabout, doc, n.opts.RoundaboutLocation)
}

// Parked normalizes a parked record. A missing slot defaults to "N/A".
func (n *Normalizer) Parked(doc storage.Document) (Event, error) {
	ev, err := n.span(KindParked, doc, n.opts.ParkedLocation)
	if err != nil {
		return Event{}, err
	}
	if slot := strings.TrimSpace(doc.String("slot")); slot != "" {
		ev.SlotID = null.StringFrom(slot)
	} else {
		ev.SlotID = null.StringFrom(DefaultSlotID)
	}
	return ev, nil
}

func (n *Normalizer) span(kind EventKind, doc storage.Document, location string) (Event, error) {
	plate, err := plateOf(doc)
	if err != nil {
		return Event{}, err
	}

	start, err := NormalizeTimestamp(doc.Fields["entry_time"], n.opts.Location)
	if err != nil {
		return Event{}, malformed("entry_time", err)
	}

	ev := Event{
		ID:        doc.ID,
		Kind:      kind,
		Plate:     plate,
		EntryTime: start,
		Location:  location,
		Status:    strings.ToLower(strings.TrimSpace(doc.String("status"))),
	}

	if raw, ok := doc.Fields["exit_time"]; ok && raw != nil {
		end, err := NormalizeTimestamp(raw, n.opts.Location)
		switch {
		case err != nil:
			n.logger.Debug().Str("id", doc.ID).Str("kind", string(kind)).Err(err).Msg("Ignoring unparseable exit_time")
		case end.Before(start):
			n.logger.Debug().Str("id", doc.ID).Str("kind", string(kind)).Msg("Ignoring exit_time before entry_time")
		default:
			ev.ExitTime = null.TimeFrom(end)
		}
	}

	if d, ok := doc.Float("duration_min"); ok && d > 0 {
		ev.DurationMinutes = null.FloatFrom(d)
	}

	return ev, nil
}

// Collect normalizes docs of one kind, dropping malformed ones.
func (n *Normalizer) Collect(kind EventKind, docs []storage.Document) []Event {
	var normalize func(storage.Document) (Event, error)
	switch kind {
	case KindGate:
		normalize = n.Gate
	case KindRoundabout:
		normalize = n.Roundabout
	case KindParked:
		normalize = n.Parked
	default:
		n.logger.Error().Str("kind", string(kind)).Msg("Unknown event kind")
		return nil
	}

	events := make([]Event, 0, len(docs))
	for _, doc := range docs {
		ev, err := normalize(doc)
		if err != nil {
			n.logger.Warn().
				Str("kind", string(kind)).
				Str("id", doc.ID).
				Err(err).
				Msg("Dropping malformed event")
			metrics.EventsDropped.WithLabelValues(string(kind)).Inc()
			continue
		}
		events = append(events, ev)
	}
	return events
}
