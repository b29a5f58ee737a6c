package shared

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata is a string-keyed bag of JSON-compatible values attached to
// claims, agent nodes, and delegations. Values are limited to strings,
// booleans, and numbers so rows serialize cleanly and round-trip through
// the database without surprises.
type Metadata map[string]any

// Validate rejects values that would not survive a JSON round trip.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		default:
			return fmt.Errorf("metadata key %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// Clone returns a shallow copy. A nil Metadata clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JSON marshals the bag for storage. Empty and nil both encode as "{}".
func (m Metadata) JSON() (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// NumberAsInt64 coerces a metadata value to int64. Handles the types a
// metadata bag can legally hold plus json.Number from ParseMetadata.
func NumberAsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// NumberAsFloat64 coerces a metadata value to float64.
func NumberAsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseMetadata decodes a stored metadata column. Numbers decode as
// json.Number to avoid silent float truncation of token counts.
func ParseMetadata(s string) (Metadata, error) {
	if s == "" || s == "{}" {
		return Metadata{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return m, nil
}
