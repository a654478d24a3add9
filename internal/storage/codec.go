package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// timeKey tags an encoded time.Time so it round-trips as a time value
// rather than a plain string.
const timeKey = "$time"

type serverTimestamp struct{}

// ServerTimestamp may be used as a field value; backends replace it with
// their own clock reading at write time.
var ServerTimestamp any = serverTimestamp{}

// ResolveFields returns a copy of fields with every ServerTimestamp
// replaced by now.
func ResolveFields(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now
	case map[string]any:
		return ResolveFields(val, now)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, now)
		}
		return out
	}
	return v
}

// EncodeFields serializes a field map.
func EncodeFields(fields map[string]any) ([]byte, error) {
	data, err := json.Marshal(encodeValue(fields))
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}

// DecodeFields is the inverse of EncodeFields. Numbers decode as float64.
func DecodeFields(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	decoded, _ := decodeValue(raw).(map[string]any)
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{timeKey: val.UTC().Format(time.RFC3339Nano)}
	case *time.Time:
		if val == nil {
			return nil
		}
		return map[string]any{timeKey: val.UTC().Format(time.RFC3339Nano)}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	}
	return v
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if s, ok := val[timeKey].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return t
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	}
	return v
}
