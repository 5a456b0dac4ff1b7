/*
validate.go - Payload normalization and validation

PURPOSE:
  The validator is the only place allowed to reject a mutation on
  structural grounds. It normalizes a user-supplied payload against the
  twin's field descriptors before anything reaches storage.

RULES:
  strings     trimmed, empty becomes null, optional max_length
  numbers     textual digits coerced, NaN/Infinity rejected, min/max bounds,
              non_negative clamps to zero
              format amount  -> rounded to 2 decimals
              format rate    -> must lie in [0, 1], rounded to 4 decimals
              format integer -> no fractional part
  enums       case-sensitive equality against options
  dates       YYYY-MM-DD
  bools       true/false, 1/0
  references  coerced to integer identity (existence is NOT checked)

  Unknown keys are discarded so schema evolution stays forward compatible.
  Null values are dropped: an absent key and a null key mean the same thing.

SEE ALSO:
  - schema.go: descriptors
  - store/sqlite/sqlite.go: calls Normalize on every write
*/
package generic

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// WriteMode selects create-only behavior (auto defaults, foreign-key requirements).
type WriteMode int

const (
	WriteCreate WriteMode = iota
	WriteUpdate
)

// SystemKeys pass through validation untouched. batch_id stamps states
// written by the batch processor.
var SystemKeys = []string{"batch_id"}

// Validator normalizes payloads. It is safe for concurrent use.
type Validator struct {
	clock Clock
}

// NewValidator returns a validator using clock for auto defaults.
func NewValidator(clock Clock) *Validator {
	if clock == nil {
		clock = SystemClock
	}
	return &Validator{clock: clock}
}

// Normalize returns a cleaned copy of in. Foreign-key fields are required on
// create only; on update they come from the registry row.
func (v *Validator) Normalize(d *TwinDescriptor, in Payload, mode WriteMode) (Payload, error) {
	out := make(Payload, len(in))

	for _, f := range d.Fields.All() {
		raw, present := in[f.Name]
		if !present {
			continue
		}
		val, err := normalizeValue(f, raw)
		if err != nil {
			return nil, NewValidationError(d.Name, f.Name, err.Error(), nil)
		}
		if val != nil {
			out[f.Name] = val
		}
	}

	for _, k := range SystemKeys {
		if val, ok := in[k]; ok && val != nil {
			if _, declared := d.Fields.Get(k); !declared {
				out[k] = val
			}
		}
	}

	if mode == WriteCreate {
		now := v.clock()
		for _, f := range d.Fields.All() {
			if out.Has(f.Name) {
				continue
			}
			switch f.Auto {
			case AutoNow:
				out[f.Name] = FormatTimestamp(now)
			case AutoDate:
				out[f.Name] = now.UTC().Format(DateLayout)
			}
		}
	}

	for _, f := range d.Fields.All() {
		if !f.Required || out.Has(f.Name) {
			continue
		}
		if mode == WriteUpdate && f.Storage == StorageForeignKey {
			continue
		}
		if f.Name == d.TimeKeyField() {
			return nil, NewValidationError(d.Name, f.Name, "time key is required", ErrMissingTimeKey)
		}
		return nil, NewValidationError(d.Name, f.Name, "is required", nil)
	}
	return out, nil
}

func normalizeValue(f Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Type {
	case FieldString:
		return normalizeString(f, raw)
	case FieldNumber:
		return normalizeNumber(f, raw)
	case FieldEnum:
		s, err := normalizeString(f, raw)
		if s == nil || err != nil {
			return s, err
		}
		for _, opt := range f.Options {
			if opt == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %v", s, f.Options)
	case FieldDate:
		s, err := normalizeString(f, raw)
		if s == nil || err != nil {
			return s, err
		}
		t, ok := ParseDate(s.(string))
		if !ok {
			return nil, fmt.Errorf("%q is not a YYYY-MM-DD date", s)
		}
		return t.Format(DateLayout), nil
	case FieldBool:
		return normalizeBool(raw)
	case FieldReference:
		if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
			return nil, nil
		}
		id, ok := ToInt(raw)
		if !ok {
			return nil, fmt.Errorf("%v is not an integer identity", raw)
		}
		return id, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", f.Type)
	}
}

func normalizeString(f Field, raw any) (any, error) {
	var s string
	switch t := raw.(type) {
	case string:
		s = t
	case float64, int, int64, bool:
		s = Payload{"v": t}.String("v")
	default:
		return nil, fmt.Errorf("expected text, got %T", raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if f.MaxLength > 0 && utf8.RuneCountInString(s) > f.MaxLength {
		return nil, fmt.Errorf("longer than %d characters", f.MaxLength)
	}
	if f.Format == FormatMonth {
		if _, err := ParseMonth(s); err != nil {
			return nil, fmt.Errorf("%q is not a YYYY-MM period", s)
		}
	}
	return s, nil
}

func normalizeNumber(f Field, raw any) (any, error) {
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if _, isBool := raw.(bool); isBool {
		return nil, fmt.Errorf("expected a number, got a boolean")
	}
	x, ok := ToFloat(raw)
	if !ok {
		return nil, fmt.Errorf("%v is not a finite number", raw)
	}
	d := decimal.NewFromFloat(x)
	if f.NonNegative && d.IsNegative() {
		d = decimal.Zero
	}
	if f.Min != nil && x < *f.Min {
		return nil, fmt.Errorf("%v is below minimum %v", x, *f.Min)
	}
	if f.Max != nil && x > *f.Max {
		return nil, fmt.Errorf("%v is above maximum %v", x, *f.Max)
	}

	switch f.Format {
	case FormatRate:
		if d.LessThan(decimal.Zero) || d.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("rate %v must lie in [0, 1]", x)
		}
		d = d.Round(4)
	case FormatAmount:
		d = d.Round(2)
	case FormatInteger:
		if !d.Equal(d.Truncate(0)) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
	}
	return d.InexactFloat64(), nil
}

func normalizeBool(raw any) (any, error) {
	switch t := raw.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		case "":
			return nil, nil
		}
	default:
		if f, ok := ToFloat(raw); ok && (f == 0 || f == 1) {
			return f == 1, nil
		}
	}
	return nil, fmt.Errorf("%v is not a boolean", raw)
}
