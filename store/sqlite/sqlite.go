/*
Package sqlite provides the SQL implementation of generic.TwinStore.

PURPOSE:
  Interprets the schema registry at runtime. Every twin gets a registry
  table (identity, created_at, foreign keys) and a state table (twin_id,
  version or time_key, ts, data). SQLite is the default engine; the same
  statements run on PostgreSQL through the postgres dialect.

INTERFACES IMPLEMENTED:
  generic.TwinStore: schema-driven CRUD and temporal queries
  generic.TxStore:   WithTx for atomic multi-writes
  batch.Repository:  batch and batch_item persistence (batch.go)

APPEND-ONLY ENFORCEMENT:
  - Versioned streams: INSERT with version = MAX(version)+1, never UPDATE
  - Time-series streams: INSERT ... ON CONFLICT(twin_id, time_key) DO UPDATE
  - No DELETE statement exists in this package

KEY TABLES (per twin T):
  T:        id, created_at, one column per related-entity key (indexed)
  T_state:  id, twin_id, version|time_key, ts, data (JSON text)

CONCURRENCY:
  Writes are serialized by a mutex and run in a transaction so that
  MAX(version)+1 and the read-back see a consistent stream. SQLite is
  opened with a single connection, which also keeps ":memory:" databases
  coherent across calls.

USAGE:
  reg, _ := generic.LoadSchema(doc)
  store, err := sqlite.New(sqlite.DriverSQLite, "./data/payroll.db", reg)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: interface definitions
  - query.go:         the query builder
  - provision.go:     table layout
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
)

// Store implements generic.TxStore over a SQL database.
type Store struct {
	db      *sqlx.DB
	mu      sync.Mutex
	dialect dialect
	reg     *generic.Registry
	val     *generic.Validator
	clock   generic.Clock
	log     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock pins the clock used for ts and created_at stamps.
func WithClock(c generic.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens the database and provisions every twin table.
// Use ":memory:" as dsn for an in-memory SQLite database.
func New(driver, dsn string, reg *generic.Registry, opts ...Option) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == DriverSQLite && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := Open(db, reg, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Provision(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to provision database: %w", err)
	}
	return store, nil
}

// Open wraps an existing handle without provisioning.
func Open(db *sqlx.DB, reg *generic.Registry, opts ...Option) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s := &Store{
		db:      db,
		dialect: d,
		reg:     reg,
		clock:   generic.SystemClock,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.val = generic.NewValidator(s.clock)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Schema returns the registry the store was opened with.
func (s *Store) Schema() *generic.Registry { return s.reg }

func (s *Store) reader() *runner { return &runner{s: s, q: s.db} }

// write runs fn in a serialized transaction.
func (s *Store) write(ctx context.Context, op string, fn func(*runner) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return generic.Storage(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(&runner{s: s, q: tx}); err != nil {
		return err
	}
	return generic.Storage(op+": commit", tx.Commit())
}

// =============================================================================
// generic.TwinStore
// =============================================================================

func (s *Store) CreateTwin(ctx context.Context, twin string, payload generic.Payload) (*generic.TwinRecord, error) {
	var rec *generic.TwinRecord
	err := s.write(ctx, "create "+twin, func(r *runner) error {
		var err error
		rec, err = r.createTwin(ctx, twin, payload)
		return err
	})
	return rec, err
}

func (s *Store) UpdateTwin(ctx context.Context, twin string, id int64, payload generic.Payload) (*generic.TwinRecord, error) {
	var rec *generic.TwinRecord
	err := s.write(ctx, "update "+twin, func(r *runner) error {
		var err error
		rec, err = r.updateTwin(ctx, twin, id, payload)
		return err
	})
	return rec, err
}

func (s *Store) GetTwin(ctx context.Context, twin string, id int64, enrich bool) (*generic.TwinView, error) {
	return s.reader().getTwin(ctx, twin, id, enrich)
}

func (s *Store) ListTwins(ctx context.Context, twin string, filters generic.Filters, enrich bool) ([]generic.Payload, error) {
	return s.reader().listTwins(ctx, twin, filters, enrich)
}

func (s *Store) QueryTwins(ctx context.Context, twin string, filters generic.Filters, orderBy string, limit int) ([]generic.State, error) {
	return s.reader().queryTwins(ctx, twin, filters, orderBy, limit)
}

func (s *Store) StateAt(ctx context.Context, twin string, id int64, asOf time.Time) (*generic.State, error) {
	return s.reader().stateAt(ctx, twin, id, asOf)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. fn must read and write
// through the store it is given, never through s.
func (s *Store) WithTx(ctx context.Context, fn func(generic.TwinStore) error) error {
	return s.write(ctx, "tx", func(r *runner) error {
		return fn(&txStore{r: r})
	})
}

type txStore struct {
	r *runner
}

func (ts *txStore) CreateTwin(ctx context.Context, twin string, payload generic.Payload) (*generic.TwinRecord, error) {
	return ts.r.createTwin(ctx, twin, payload)
}

func (ts *txStore) UpdateTwin(ctx context.Context, twin string, id int64, payload generic.Payload) (*generic.TwinRecord, error) {
	return ts.r.updateTwin(ctx, twin, id, payload)
}

func (ts *txStore) GetTwin(ctx context.Context, twin string, id int64, enrich bool) (*generic.TwinView, error) {
	return ts.r.getTwin(ctx, twin, id, enrich)
}

func (ts *txStore) ListTwins(ctx context.Context, twin string, filters generic.Filters, enrich bool) ([]generic.Payload, error) {
	return ts.r.listTwins(ctx, twin, filters, enrich)
}

func (ts *txStore) QueryTwins(ctx context.Context, twin string, filters generic.Filters, orderBy string, limit int) ([]generic.State, error) {
	return ts.r.queryTwins(ctx, twin, filters, orderBy, limit)
}

func (ts *txStore) StateAt(ctx context.Context, twin string, id int64, asOf time.Time) (*generic.State, error) {
	return ts.r.stateAt(ctx, twin, id, asOf)
}

func (ts *txStore) Schema() *generic.Registry { return ts.r.s.reg }

// =============================================================================
// RUNNER - Operations shared by the db and tx paths
// =============================================================================

type runner struct {
	s *Store
	q sqlx.ExtContext
}

func (r *runner) builder(twin string) (queryBuilder, error) {
	t, err := r.s.reg.Twin(twin)
	if err != nil {
		return queryBuilder{}, err
	}
	return queryBuilder{d: r.s.dialect, t: t}, nil
}

func (r *runner) createTwin(ctx context.Context, twin string, payload generic.Payload) (*generic.TwinRecord, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	t := b.t
	clean, err := r.s.val.Normalize(t, payload, generic.WriteCreate)
	if err != nil {
		return nil, err
	}

	cols := []string{"created_at"}
	args := []any{generic.FormatTimestamp(r.s.clock())}
	for _, re := range t.RelatedEntities {
		id, ok := clean.Int(re.Key)
		if !ok {
			if re.Required {
				return nil, generic.NewValidationError(twin, re.Key, "related entity "+re.Entity+" is required", nil)
			}
			continue
		}
		cols = append(cols, quote(re.Key))
		args = append(args, id)
	}
	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		quote(t.RegistryTable()), joinComma(cols), joinComma(placeholders))

	var id int64
	if err := r.q.QueryRowxContext(ctx, r.q.Rebind(q), args...).Scan(&id); err != nil {
		return nil, generic.Storage("insert "+t.RegistryTable(), err)
	}
	if err := r.appendState(ctx, t, id, clean); err != nil {
		return nil, err
	}
	return r.current(ctx, b, id)
}

func (r *runner) updateTwin(ctx context.Context, twin string, id int64, payload generic.Payload) (*generic.TwinRecord, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	t := b.t

	stored, found, err := r.registryRow(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &generic.NotFoundError{Twin: twin, ID: id}
	}

	for _, key := range t.ForeignKeys() {
		raw, present := payload[key]
		if !present || raw == nil {
			continue
		}
		v, ok := generic.ToInt(raw)
		prev, had := stored[key]
		if !ok || !had || v != prev {
			return nil, generic.NewValidationError(twin, key, "foreign key cannot change after creation", generic.ErrImmutableField)
		}
	}

	clean, err := r.s.val.Normalize(t, payload, generic.WriteUpdate)
	if err != nil {
		return nil, err
	}
	if err := r.appendState(ctx, t, id, clean); err != nil {
		return nil, err
	}
	return r.current(ctx, b, id)
}

// registryRow loads the foreign-key columns of one twin.
func (r *runner) registryRow(ctx context.Context, t *generic.TwinDescriptor, id int64) (map[string]int64, bool, error) {
	cols := []string{"id"}
	for _, key := range t.ForeignKeys() {
		cols = append(cols, quote(key))
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", joinComma(cols), quote(t.RegistryTable()))

	vals := make([]sql.NullInt64, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	err := r.q.QueryRowxContext(ctx, r.q.Rebind(q), id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, generic.Storage("select "+t.RegistryTable(), err)
	}
	out := make(map[string]int64, len(cols)-1)
	for i, key := range t.ForeignKeys() {
		if vals[i+1].Valid {
			out[key] = vals[i+1].Int64
		}
	}
	return out, true, nil
}

// appendState writes the next state of a stream. Foreign keys never reach
// the data blob; a time key with storage unique_key lives only in its column.
func (r *runner) appendState(ctx context.Context, t *generic.TwinDescriptor, id int64, clean generic.Payload) error {
	data := clean.Clone()
	for _, key := range t.ForeignKeys() {
		delete(data, key)
	}
	ts := generic.FormatTimestamp(r.s.clock())
	state := quote(t.StateTable())

	if t.IsVersioned() {
		blob, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		q := fmt.Sprintf(`INSERT INTO %s (twin_id, version, ts, data)
SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ? FROM %s WHERE twin_id = ?`, state, state)
		_, err = r.q.ExecContext(ctx, r.q.Rebind(q), id, ts, string(blob), id)
		return generic.Storage("append "+t.StateTable(), err)
	}

	tk := t.TimeKeyField()
	key := data.String(tk)
	if key == "" {
		return generic.NewValidationError(t.Name, tk, "time key is required", generic.ErrMissingTimeKey)
	}
	if f, ok := t.Field(tk); ok && f.Storage == generic.StorageUniqueKey {
		delete(data, tk)
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if !t.Upsert {
		var exists int
		err := r.q.QueryRowxContext(ctx, r.q.Rebind(fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE twin_id = ? AND time_key = ?", state)), id, key).Scan(&exists)
		if err != nil {
			return generic.Storage("select "+t.StateTable(), err)
		}
		if exists > 0 {
			return &generic.ConflictError{Twin: t.Name, Key: key, Reason: "time key already written"}
		}
		_, err = r.q.ExecContext(ctx, r.q.Rebind(fmt.Sprintf(
			"INSERT INTO %s (twin_id, time_key, ts, data) VALUES (?, ?, ?, ?)", state)), id, key, ts, string(blob))
		if isUniqueViolation(err) {
			return &generic.ConflictError{Twin: t.Name, Key: key, Reason: "time key already written"}
		}
		return generic.Storage("append "+t.StateTable(), err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (twin_id, time_key, ts, data) VALUES (?, ?, ?, ?)
ON CONFLICT (twin_id, time_key) DO UPDATE SET ts = excluded.ts, data = excluded.data`, state)
	_, err = r.q.ExecContext(ctx, r.q.Rebind(q), id, key, ts, string(blob))
	return generic.Storage("upsert "+t.StateTable(), err)
}

// current reads back the latest flattened state after a write.
func (r *runner) current(ctx context.Context, b queryBuilder, id int64) (*generic.TwinRecord, error) {
	q, args := b.latest(generic.Filters{"id": id})
	row := r.q.QueryRowxContext(ctx, r.q.Rebind(q), args...)
	st, err := b.scanState(row)
	if err != nil {
		return nil, generic.Storage("read back "+b.t.StateTable(), err)
	}
	return &generic.TwinRecord{ID: id, Current: flatten(b.t, st)}, nil
}

func (r *runner) getTwin(ctx context.Context, twin string, id int64, enrich bool) (*generic.TwinView, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	states, err := r.collect(ctx, b, b.history(), id)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	view := &generic.TwinView{ID: id, Current: flatten(b.t, states[0]), History: states}
	if enrich {
		e := newEnricher(r)
		related, err := e.enrich(ctx, b.t, view.Current)
		if err != nil {
			return nil, err
		}
		view.Related = related
	}
	return view, nil
}

func (r *runner) listTwins(ctx context.Context, twin string, filters generic.Filters, enrich bool) ([]generic.Payload, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	q, args := b.latest(filters)
	states, err := r.collect(ctx, b, q, args...)
	if err != nil {
		return nil, err
	}

	out := make([]generic.Payload, 0, len(states))
	e := newEnricher(r)
	for _, st := range states {
		row := flatten(b.t, st)
		if enrich {
			if _, err := e.enrich(ctx, b.t, row); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *runner) queryTwins(ctx context.Context, twin string, filters generic.Filters, orderBy string, limit int) ([]generic.State, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	q, args := b.all(filters, orderBy, limit)
	return r.collect(ctx, b, q, args...)
}

func (r *runner) stateAt(ctx context.Context, twin string, id int64, asOf time.Time) (*generic.State, error) {
	b, err := r.builder(twin)
	if err != nil {
		return nil, err
	}
	states, err := r.collect(ctx, b, b.asOf(), id, generic.FormatTimestamp(asOf))
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (r *runner) collect(ctx context.Context, b queryBuilder, q string, args ...any) ([]generic.State, error) {
	rows, err := r.q.QueryxContext(ctx, r.q.Rebind(q), args...)
	if err != nil {
		return nil, generic.Storage("query "+b.t.StateTable(), err)
	}
	defer rows.Close()

	var out []generic.State
	for rows.Next() {
		st, err := b.scanState(rows)
		if err != nil {
			return nil, generic.Storage("scan "+b.t.StateTable(), err)
		}
		out = append(out, st)
	}
	return out, generic.Storage("iterate "+b.t.StateTable(), rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func joinComma(parts []string) string { return strings.Join(parts, ", ") }

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}
