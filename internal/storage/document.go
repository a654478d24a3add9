package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is a stored record.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Value returns the raw field value and whether the field is present.
func (d Document) Value(field string) (any, bool) {
	v, ok := d.Fields[field]
	return v, ok
}

// String returns the field as a string. Non-string values are formatted;
// missing and null fields yield "".
func (d Document) String(field string) string {
	v, ok := d.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns a numeric field. Numeric strings are accepted.
func (d Document) Float(field string) (float64, bool) {
	return toFloat(d.Fields[field])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Query selects and orders documents within a collection. The zero value
// returns every document ordered by id.
type Query struct {
	Field   string // equality filter; empty disables filtering
	Value   any
	OrderBy string
	Desc    bool
	Limit   int
}

// Apply filters, orders and limits docs in memory. Documents missing the
// OrderBy field sort before all others in ascending order.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if q.Field != "" {
			v, ok := doc.Fields[q.Field]
			if !ok || !equalValues(v, q.Value) {
				continue
			}
		}
		out = append(out, doc)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func equalValues(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if af, ok := toFloat(a); ok {
		if _, isString := a.(string); !isString {
			bf, ok := toFloat(b)
			return ok && af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	_, aString := a.(string)
	_, bString := b.(string)
	if !aString && !bString {
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// NewID generates a document id. Ids are time-ordered so that documents
// created with Add list in insertion order.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate document id: %w", err)
	}
	return id.String(), nil
}

// MergeFields overlays update onto existing and returns the result.
// Neither input is modified.
func MergeFields(existing, update map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
