// Package payload provides schema-tolerant accessors over the opaque JSON
// carried by task params and trace event payloads. Producers disagree on
// casing (snake_case vs camelCase) and nesting (flat vs under "metadata"),
// so every lookup here is total: it never panics and returns the zero value
// when a field is absent or has a surprising shape.
package payload

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Map is a decoded JSON object.
type Map map[string]any

// Parse decodes a JSON object from raw text. Invalid or non-object input
// yields an empty map, never an error: callers treat payloads as best-effort.
func Parse(raw string) Map {
	if strings.TrimSpace(raw) == "" {
		return Map{}
	}
	var m Map
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Map{}
	}
	if m == nil {
		return Map{}
	}
	return m
}

// Encode marshals the map back to JSON text. An empty map encodes as "{}".
func (m Map) Encode() string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Sub returns the nested object under key, or nil if absent or not an object.
func (m Map) Sub(key string) Map {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case map[string]any:
		return Map(v)
	case Map:
		return v
	default:
		return nil
	}
}

// String returns the first non-empty string value among keys.
func (m Map) String(keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if s := asString(m[key]); s != "" {
			return s
		}
	}
	return ""
}

// Int returns the first integer-coercible value among keys.
func (m Map) Int(keys ...string) (int, bool) {
	if m == nil {
		return 0, false
	}
	for _, key := range keys {
		if n, ok := asInt(m[key]); ok {
			return n, true
		}
	}
	return 0, false
}

// Value returns the first present value among keys, unconverted.
func (m Map) Value(keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Correlation looks a value up flat, then under a "metadata" sub-object,
// trying every key at each level. Used for trace/request/intent id
// extraction where producers nest and case the fields inconsistently.
func (m Map) Correlation(keys ...string) string {
	if s := m.String(keys...); s != "" {
		return s
	}
	return m.Sub("metadata").String(keys...)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		// JSON numbers decode as float64; ids and pids are integral in practice.
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
