/*
store.go - Persistence contract for twins and their state streams

PURPOSE:
  Defines the interface between the engines (payroll, batch) and the
  database. The store interprets the schema registry at runtime: one
  registry table and one state table per twin, layout decided by the
  descriptor.

KEY INTERFACES:
  TwinStore: create/update/get/list/query/as-of over any declared twin
  TxStore:   TwinStore plus WithTx for multi-write atomicity

APPEND-ONLY CONTRACT:
  - Versioned streams: UpdateTwin appends version = max+1, never overwrites
  - Time-series streams: UpdateTwin upserts by time key
  - NO Delete method exists. "Inactive" is a status inside the latest state.

READ SEMANTICS:
  GetTwin and StateAt return (nil, nil) when nothing matches. Writes against
  a missing id return a NotFoundError.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (default) and PostgreSQL dialects

EXAMPLE:
  rec, err := store.CreateTwin(ctx, "person", generic.Payload{"name": "Ada"})
  view, err := store.GetTwin(ctx, "person", rec.ID, false)
  // view.History has exactly one state

SEE ALSO:
  - schema.go:   descriptors that drive the layout
  - validate.go: every write is normalized first
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// TWIN STORE - Schema-driven CRUD over state streams
// =============================================================================

// TwinStore is the persistence contract every engine reads and writes through.
type TwinStore interface {
	// CreateTwin inserts the registry row and the first state atomically.
	// Activity foreign keys are promoted out of the payload into columns.
	CreateTwin(ctx context.Context, twin string, payload Payload) (*TwinRecord, error)

	// UpdateTwin appends a state (versioned) or upserts by time key (time-series).
	// Changing a foreign key is rejected with ErrImmutableField.
	UpdateTwin(ctx context.Context, twin string, id int64, payload Payload) (*TwinRecord, error)

	// GetTwin returns the current state and the full history, newest first.
	GetTwin(ctx context.Context, twin string, id int64, enrich bool) (*TwinView, error)

	// ListTwins returns the latest state of every matching twin, flattened.
	ListTwins(ctx context.Context, twin string, filters Filters, enrich bool) ([]Payload, error)

	// QueryTwins returns every matching state, not only the latest.
	// orderBy is a field name with an optional "-" prefix for descending order.
	QueryTwins(ctx context.Context, twin string, filters Filters, orderBy string, limit int) ([]State, error)

	// StateAt returns the latest state with ts <= asOf.
	StateAt(ctx context.Context, twin string, id int64, asOf time.Time) (*State, error)

	// Schema returns the registry the store was provisioned from.
	Schema() *Registry
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps TwinStore with transaction support.
// Use this when several writes must commit together (batch execution).
type TxStore interface {
	TwinStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(TwinStore) error) error
}
