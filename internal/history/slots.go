package history

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/goccy/go-json"
	"gopkg.in/guregu/null.v4"
)

// SlotUser is the occupant snapshot stored with a slot history record.
type SlotUser struct {
	FullName    string `json:"fullName,omitempty"`
	PlateNumber string `json:"plateNumber,omitempty"`
	Department  string `json:"department,omitempty"`
	Program     string `json:"program,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// SlotRecord is one parked interval of a slot.
type SlotRecord struct {
	ID              string    `json:"id"`
	SlotNumber      string    `json:"slot_number"`
	ParkedTime      time.Time `json:"parked_time"`
	VacateTime      null.Time `json:"vacate_time"`
	DurationMinutes null.Int  `json:"duration_minutes"`
	User            *SlotUser `json:"user,omitempty"`
	Registered      bool      `json:"registered"`
}

// SlotBucket holds the slot records of one calendar day.
type SlotBucket struct {
	Label   string       `json:"label"`
	Date    time.Time    `json:"date"`
	Records []SlotRecord `json:"records"`
}

// EncodeSlotUser serializes an occupant snapshot the way slot history
// records store it.
func EncodeSlotUser(u SlotUser) (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encode slot user: %w", err)
	}
	return string(data), nil
}

// ParseSlotRecord normalizes a slot_history document. The user field may be
// a JSON string or an embedded object; an unreadable user leaves the record
// unregistered rather than failing it.
func ParseSlotRecord(doc storage.Document, loc *time.Location) (SlotRecord, error) {
	parked, err := NormalizeTimestamp(doc.Fields["parked_time"], loc)
	if err != nil {
		return SlotRecord{}, malformed("parked_time", err)
	}

	rec := SlotRecord{
		ID:         doc.ID,
		SlotNumber: doc.String("slot_number"),
		ParkedTime: parked,
	}

	if raw := doc.Fields["vacate_time"]; raw != nil {
		if vacated, err := NormalizeTimestamp(raw, loc); err == nil && !vacated.Before(parked) {
			rec.VacateTime = null.TimeFrom(vacated)
			rec.DurationMinutes = null.IntFrom(int64(math.Round(vacated.Sub(parked).Minutes())))
		}
	}

	rec.User = decodeSlotUser(doc.Fields["user"])
	rec.Registered = rec.User != nil && rec.User.FullName != ""
	return rec, nil
}

func decodeSlotUser(v any) *SlotUser {
	var data []byte
	switch u := v.(type) {
	case string:
		data = []byte(u)
	case map[string]any:
		var err error
		if data, err = json.Marshal(u); err != nil {
			return nil
		}
	default:
		return nil
	}

	var user SlotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil
	}
	return &user
}

// GroupSlotHistory buckets slot records by the day they were parked, newest
// day and newest record first, dropping records excluded by filter.
func GroupSlotHistory(records []SlotRecord, loc *time.Location, filter Filter) []SlotBucket {
	kept := make([]SlotRecord, 0, len(records))
	for _, rec := range records {
		if filter.Keep(rec.Registered) {
			kept = append(kept, rec)
		}
	}

	days := bucketByDay(kept, func(r SlotRecord) time.Time { return r.ParkedTime }, loc)

	buckets := make([]SlotBucket, 0, len(days))
	for _, d := range days {
		sort.SliceStable(d.items, func(i, j int) bool {
			return d.items[i].ParkedTime.After(d.items[j].ParkedTime)
		})
		buckets = append(buckets, SlotBucket{
			Label:   LongDateLabel(d.date),
			Date:    d.date,
			Records: d.items,
		})
	}
	return buckets
}
