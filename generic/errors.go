/*
errors.go - Centralized error kinds for the twin core

PURPOSE:
  Every public operation of the store, the validator and the payroll engine
  reports failures as one of five kinds. Callers (HTTP handlers, CLI, batch
  jobs) decide what the user sees; the core never swallows errors.

ERROR KINDS:
  schema:     unknown twin, malformed schema document, metric dependency cycle
  validation: payload rejected by the validator (type, range, enum, required)
  not_found:  requested twin id does not exist (updates only; reads return nil)
  conflict:   time-key collision under a non-upsert schema, applied batch edits
  storage:    underlying engine failure, surfaced unchanged

USAGE:
  rec, err := store.UpdateTwin(ctx, "person", 42, payload)
  switch generic.KindOf(err) {
  case generic.KindValidation:
      // 400
  case generic.KindNotFound:
      // 404
  }

SEE ALSO:
  - schema.go:   SchemaError
  - validate.go: ValidationError
  - store/sqlite/sqlite.go: StorageError, ConflictError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSchema is the root of every schema/configuration failure.
	ErrSchema = errors.New("schema error")

	// ErrUnknownTwin is returned when a twin name is not declared in the schema.
	// It is a schema error and is never retryable.
	ErrUnknownTwin = fmt.Errorf("%w: unknown twin", ErrSchema)

	// ErrMetricCycle is returned when formula metrics depend on each other in a loop.
	ErrMetricCycle = fmt.Errorf("%w: metric dependency cycle", ErrSchema)

	// ErrValidation is the root of every payload rejection.
	ErrValidation = errors.New("validation error")

	// ErrMissingTimeKey is returned when a time-series payload carries no time key.
	ErrMissingTimeKey = fmt.Errorf("%w: missing time key", ErrValidation)

	// ErrImmutableField is returned when an update tries to change a foreign-key column.
	ErrImmutableField = fmt.Errorf("%w: immutable field", ErrValidation)

	// ErrNotFound is returned when a twin (or batch) referenced by a write does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBatchNotFound is returned when a batch id does not exist.
	ErrBatchNotFound = fmt.Errorf("%w: batch", ErrNotFound)

	// ErrConflict is returned on uniqueness violations.
	ErrConflict = errors.New("conflict")

	// ErrStorage wraps failures of the storage engine.
	ErrStorage = errors.New("storage error")

	// ErrFormula is returned by the formula evaluator for rejected expressions.
	ErrFormula = errors.New("formula error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SchemaError describes a problem with the twin schema or metric catalog.
type SchemaError struct {
	Twin   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Twin == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: twin %q: %s", e.Twin, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// UnknownTwinError names the twin that was requested.
type UnknownTwinError struct {
	Twin string
}

func (e *UnknownTwinError) Error() string { return fmt.Sprintf("unknown twin %q", e.Twin) }

func (e *UnknownTwinError) Unwrap() error { return ErrUnknownTwin }

// ValidationError describes a rejected payload field.
type ValidationError struct {
	Twin   string
	Field  string
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Twin, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: field %q: %s", e.Twin, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrValidation
}

// NewValidationError builds a ValidationError. cause may be nil or a more
// specific validation sentinel (ErrMissingTimeKey, ErrImmutableField).
func NewValidationError(twin, field, reason string, cause error) *ValidationError {
	return &ValidationError{Twin: twin, Field: field, Reason: reason, cause: cause}
}

// NotFoundError names the missing twin.
type NotFoundError struct {
	Twin string
	ID   int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %d not found", e.Twin, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Twin   string
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s (%s): %s", e.Twin, e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StorageError wraps a driver error. Both ErrStorage and the driver error
// are reachable through errors.Is.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Storage wraps err as a StorageError, keeping nil as nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR KINDS - Discriminated result for callers
// =============================================================================

type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindSchema     ErrorKind = "schema"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindStorage    ErrorKind = "storage"
	KindUnknown    ErrorKind = "unknown"
)

// KindOf classifies err. Unknown twins are reported as schema errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSchema):
		return KindSchema
	case errors.Is(err, ErrValidation), errors.Is(err, ErrFormula):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry. The core
// itself never retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrFormula)
}

// IsNotFound returns true if the error indicates a missing twin or an unknown twin name.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownTwin)
}
