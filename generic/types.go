/*
Package generic provides the domain-agnostic twin core.

PURPOSE:
  A twin is a typed handle to something in the real world (a person, a
  company, an employment, a payroll run). Each twin owns an independent
  state stream. This package holds the pieces every other package shares:
  the schema registry, the payload validator, the store contract, error
  kinds and period arithmetic. It has NO knowledge of payroll.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payload:    the dynamic JSON object carried by a state
  - State:      one row of a state stream (version OR time key, ts, data)
  - TwinRecord: result of a write (id + current flattened state)
  - TwinView:   result of a read (current, history newest-first, enrichment)
  - Filters:    equality predicates for list/query

DESIGN PRINCIPLES:
  1. Append-only: versioned streams never overwrite, time-series upsert by key
  2. Schema-driven: table layout and storage class come from the descriptor
  3. Typed access: engines read payloads through accessors, never raw casts

SEE ALSO:
  - schema.go:   descriptors
  - store.go:    TwinStore contract
  - validate.go: payload normalization
*/
package generic

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FORMATS
// =============================================================================

const (
	// TimestampLayout is the ISO-8601 seconds-precision UTC layout used for ts and created_at.
	TimestampLayout = "2006-01-02T15:04:05Z"
	// DateLayout is used for every date field.
	DateLayout = "2006-01-02"
	// MonthLayout is used for every period.
	MonthLayout = "2006-01"
)

// FormatTimestamp renders t in TimestampLayout (UTC, seconds).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout, RFC3339, a zone-less timestamp
// (interpreted as UTC) or a bare date.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", DateLayout} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// =============================================================================
// PAYLOAD - Dynamic state data with typed accessors
// =============================================================================

// Payload is a state's JSON object. Values are JSON-compatible scalars.
type Payload map[string]any

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Has reports whether key is present and non-nil.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns the value as a string ("" when absent).
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Float returns the value as float64, reporting false when absent or not numeric.
func (p Payload) Float(key string) (float64, bool) {
	return ToFloat(p[key])
}

// Decimal returns the value as a decimal, reporting false when absent or not numeric.
func (p Payload) Decimal(key string) (decimal.Decimal, bool) {
	return ToDecimal(p[key])
}

// Int returns the value as int64, reporting false when absent or not integral.
func (p Payload) Int(key string) (int64, bool) {
	return ToInt(p[key])
}

// Date returns the value parsed as a YYYY-MM-DD date (a timestamp is truncated to its day).
func (p Payload) Date(key string) (time.Time, bool) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false
	}
	return ParseDate(s)
}

// Merge returns a copy of p with every key of other written over it.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// ToFloat coerces a JSON scalar (number, numeric text, bool) to float64.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case decimal.Decimal:
		return t.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToDecimal coerces a JSON scalar to a decimal.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	}
	f, ok := ToFloat(v)
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

// ToInt coerces a JSON scalar to int64; fractional values are rejected.
func ToInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err == nil {
			return i, true
		}
	}
	f, ok := ToFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// =============================================================================
// STATE STREAM ROWS
// =============================================================================

// State is one row of a state stream. Exactly one of Version (versioned
// streams) or TimeKey (time-series streams) is meaningful.
type State struct {
	TwinID  int64     `json:"twin_id"`
	Version int64     `json:"version,omitempty"`
	TimeKey string    `json:"time_key,omitempty"`
	TS      time.Time `json:"ts"`
	Data    Payload   `json:"data"`
}

// TwinRecord is returned by create and update.
type TwinRecord struct {
	ID      int64   `json:"id"`
	Current Payload `json:"current"`
}

// TwinView is returned by GetTwin. History is newest first.
type TwinView struct {
	ID      int64              `json:"id"`
	Current Payload            `json:"current"`
	History []State            `json:"history"`
	Related map[string]Payload `json:"related,omitempty"`
}

// Filters are equality predicates keyed by field name. Unknown fields are dropped.
type Filters map[string]any
