package history

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter restricts grouped output by registration status.
type Filter string

const (
	FilterAll          Filter = "all"
	FilterRegistered   Filter = "registered"
	FilterUnregistered Filter = "unregistered"
)

// ParseFilter parses a filter name. The empty string means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterRegistered, FilterUnregistered:
		return f, nil
	}
	return "", fmt.Errorf("unknown filter %q (want all, registered or unregistered)", s)
}

// Keep reports whether an item with the given registration passes f.
func (f Filter) Keep(registered bool) bool {
	switch f {
	case FilterRegistered:
		return registered
	case FilterUnregistered:
		return !registered
	}
	return true
}

// Labeler names a date bucket. day is midnight in the display timezone.
type Labeler func(day time.Time) string

// LongDateLabel renders "March 1, 2025".
func LongDateLabel(day time.Time) string {
	return day.Format("January 2, 2006")
}

// RelativeDateLabel renders "Today" and "Yesterday" relative to now, and
// "Mar 1, 2025" otherwise.
func RelativeDateLabel(now time.Time) Labeler {
	return func(day time.Time) string {
		today := startOfDay(now, day.Location())
		switch {
		case day.Equal(today):
			return "Today"
		case day.Equal(today.AddDate(0, 0, -1)):
			return "Yesterday"
		}
		return day.Format("Jan 2, 2006")
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Profile is the registered-user data shown beside a plate.
type Profile struct {
	Plate    string `json:"plate"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Item is a session prepared for display.
type Item struct {
	Session
	Registered  bool   `json:"registered"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// DateBucket holds the items of one calendar day.
type DateBucket struct {
	Label string    `json:"label"`
	Date  time.Time `json:"date"`
	Items []Item    `json:"sessions"`
}

// GroupOptions controls Group.
type GroupOptions struct {
	Location *time.Location
	Filter   Filter
	Profiles map[string]Profile // keyed by upper-case plate
	Label    Labeler
}

// Group buckets sessions by the calendar day of their entry time. Within a
// day unregistered plates come first, then newest entry first. Days left
// empty by the filter are omitted; days are ordered newest first.
func Group(sessions []Session, opts GroupOptions) []DateBucket {
	if opts.Label == nil {
		opts.Label = LongDateLabel
	}

	items := make([]Item, 0, len(sessions))
	for _, s := range sessions {
		item := newItem(s, opts.Profiles)
		if !opts.Filter.Keep(item.Registered) {
			continue
		}
		items = append(items, item)
	}

	days := bucketByDay(items, func(it Item) time.Time { return it.EntryTime }, opts.Location)

	buckets := make([]DateBucket, 0, len(days))
	for _, d := range days {
		sort.SliceStable(d.items, func(i, j int) bool {
			a, b := d.items[i], d.items[j]
			if a.Registered != b.Registered {
				return !a.Registered
			}
			return a.EntryTime.After(b.EntryTime)
		})
		buckets = append(buckets, DateBucket{
			Label: opts.Label(d.date),
			Date:  d.date,
			Items: d.items,
		})
	}
	return buckets
}

func newItem(s Session, profiles map[string]Profile) Item {
	item := Item{Session: s, DisplayName: "Unregistered Vehicle"}
	if p, ok := profiles[strings.ToUpper(s.Plate)]; ok {
		item.Registered = true
		item.DisplayName = p.Name
		if item.DisplayName == "" {
			item.DisplayName = "Registered User"
		}
		item.PhotoURL = p.PhotoURL
	}
	if s.DurationMinutes.Valid {
		item.Duration = FormatDuration(s.DurationMinutes.Float64)
	}
	return item
}

type day[T any] struct {
	date  time.Time
	items []T
}

// bucketByDay groups items by calendar day in loc, newest day first.
// Items keep their input order within a day.
func bucketByDay[T any](items []T, at func(T) time.Time, loc *time.Location) []day[T] {
	if loc == nil {
		loc = time.UTC
	}

	index := make(map[int64]int)
	var days []day[T]
	for _, item := range items {
		d := startOfDay(at(item), loc)
		i, ok := index[d.Unix()]
		if !ok {
			i = len(days)
			index[d.Unix()] = i
			days = append(days, day[T]{date: d})
		}
		days[i].items = append(days[i].items, item)
	}

	sort.Slice(days, func(i, j int) bool { return days[i].date.After(days[j].date) })
	return days
}
