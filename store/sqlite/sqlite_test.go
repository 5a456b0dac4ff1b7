/*
sqlite_test.go - Tests for the SQL twin store

Tests for:
- Versioned streams (append, gap-free versions, as-of reads)
- Time-series streams (upsert by key, conflict without upsert)
- Foreign-key immutability and not-found handling
- Filters, ordering and enrichment
- Transactions and storage error classification
*/
package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/store/sqlite"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// testClock is a settable wall clock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Set(ts string) {
	t, err := generic.ParseTimestamp(ts)
	if err != nil {
		panic(err)
	}
	c.now = t
}

func newStore(t *testing.T, clk *testClock) *sqlite.Store {
	t.Helper()
	reg, err := generic.LoadSchema(factory.DefaultSchemaYAML())
	require.NoError(t, err)
	return openStore(t, reg, clk)
}

func openStore(t *testing.T, reg *generic.Registry, clk *testClock) *sqlite.Store {
	t.Helper()
	var opts []sqlite.Option
	if clk != nil {
		opts = append(opts, sqlite.WithClock(clk.Now))
	}
	store, err := sqlite.New(sqlite.DriverSQLite, ":memory:", reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedPair creates a person and a company and returns their ids.
func seedPair(t *testing.T, store *sqlite.Store, name string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	p, err := store.CreateTwin(ctx, "person", generic.Payload{"name": name})
	require.NoError(t, err)
	c, err := store.CreateTwin(ctx, "company", generic.Payload{"name": "Acme"})
	require.NoError(t, err)
	return p.ID, c.ID
}

func onboarding(person, company int64) generic.Payload {
	return generic.Payload{
		"person_id":       person,
		"company_id":      company,
		"position":        "Engineer",
		"department":      "R&D",
		"employee_number": "E1",
		"employee_type":   "正式员工",
		"salary_type":     "月薪",
		"salary":          10000,
		"change_type":     "入职",
		"change_date":     "2025-01-15",
	}
}

// =============================================================================
// VERSIONED STREAMS
// =============================================================================

func TestEmploymentOnboarding(t *testing.T) {
	// GIVEN: a person and a company
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")

	// WHEN: an employment is created between them
	rec, err := store.CreateTwin(ctx, "person_company_employment", onboarding(person, company))
	require.NoError(t, err)

	// THEN: listing by person returns exactly that row
	rows, err := store.ListTwins(ctx, "person_company_employment", generic.Filters{"person_id": person}, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, rec.ID, mustInt(t, row, "id"))
	assert.Equal(t, person, mustInt(t, row, "person_id"))
	assert.Equal(t, company, mustInt(t, row, "company_id"))
	assert.Equal(t, "Engineer", row["position"])
	assert.Equal(t, "R&D", row["department"])
	assert.Equal(t, "正式员工", row["employee_type"])
	assert.Equal(t, 10000.0, row["salary"])
	assert.Equal(t, "2025-01-15", row["change_date"])
	assert.Equal(t, int64(1), mustInt(t, row, "version"))

	// AND: the history holds the single creation state
	view, err := store.GetTwin(ctx, "person_company_employment", rec.ID, false)
	require.NoError(t, err)
	require.Len(t, view.History, 1)
	assert.Equal(t, int64(1), view.History[0].Version)
}

func TestInPlaceVersioning(t *testing.T) {
	// GIVEN: an employment created on 2025-01-15
	clk := &testClock{}
	clk.Set("2025-01-15T09:00:00")
	store := newStore(t, clk)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_employment", onboarding(person, company))
	require.NoError(t, err)

	// WHEN: it is updated on 2025-03-01 with a new salary
	clk.Set("2025-03-01T09:00:00")
	update := onboarding(person, company).Merge(generic.Payload{
		"salary": 12000, "change_type": "转岗", "change_date": "2025-03-01",
	})
	cur, err := store.UpdateTwin(ctx, "person_company_employment", rec.ID, update)
	require.NoError(t, err)

	// THEN: current reflects the update and the history keeps both states
	assert.Equal(t, 12000.0, cur.Current["salary"])
	view, err := store.GetTwin(ctx, "person_company_employment", rec.ID, false)
	require.NoError(t, err)
	require.Len(t, view.History, 2)
	assert.Equal(t, int64(2), view.History[0].Version, "history is newest first")
	assert.Equal(t, 12000.0, view.Current["salary"])

	// AND: the state as of February is the original one
	asOf, _ := generic.ParseTimestamp("2025-02-01T00:00:00")
	st, err := store.StateAt(ctx, "person_company_employment", rec.ID, asOf)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 10000.0, st.Data["salary"])

	// AND: nothing exists before creation
	before, _ := generic.ParseTimestamp("2024-12-31T00:00:00")
	st, err = store.StateAt(ctx, "person_company_employment", rec.ID, before)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestVersionsAreGapFree(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	rec, err := store.CreateTwin(ctx, "person", generic.Payload{"name": "Ada"})
	require.NoError(t, err)

	// Identical payloads still append.
	for i := 0; i < 4; i++ {
		_, err := store.UpdateTwin(ctx, "person", rec.ID, generic.Payload{"name": "Ada"})
		require.NoError(t, err)
	}

	states, err := store.QueryTwins(ctx, "person", generic.Filters{"id": rec.ID}, "", 0)
	require.NoError(t, err)
	require.Len(t, states, 5)
	for i, st := range states {
		assert.Equal(t, int64(i+1), st.Version)
	}
}

func TestUpdate_ForeignKeysAreImmutable(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	other, _ := seedPair(t, store, "Grace")
	rec, err := store.CreateTwin(ctx, "person_company_employment", onboarding(person, company))
	require.NoError(t, err)

	// Repeating the same key is allowed.
	_, err = store.UpdateTwin(ctx, "person_company_employment", rec.ID, onboarding(person, company))
	require.NoError(t, err)

	_, err = store.UpdateTwin(ctx, "person_company_employment", rec.ID, onboarding(other, company))
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrImmutableField))
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))

	view, err := store.GetTwin(ctx, "person_company_employment", rec.ID, false)
	require.NoError(t, err)
	assert.Len(t, view.History, 2, "the rejected update appended nothing")
	assert.Equal(t, person, mustInt(t, view.Current, "person_id"))
}

func TestMissingTwins(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()

	view, err := store.GetTwin(ctx, "person", 404, false)
	require.NoError(t, err)
	assert.Nil(t, view, "reads of a missing id return nothing")

	_, err = store.UpdateTwin(ctx, "person", 404, generic.Payload{"name": "Ada"})
	require.Error(t, err)
	assert.Equal(t, generic.KindNotFound, generic.KindOf(err))

	_, err = store.CreateTwin(ctx, "payslip", generic.Payload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrUnknownTwin))
}

func TestCreate_RequiresRelatedEntities(t *testing.T) {
	store := newStore(t, nil)

	_, err := store.CreateTwin(context.Background(), "person_company_employment",
		generic.Payload{"change_type": "入职", "change_date": "2025-01-01"})

	require.Error(t, err)
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
}

// =============================================================================
// TIME-SERIES STREAMS
// =============================================================================

func TestTimeSeriesUpsert(t *testing.T) {
	// GIVEN: an attendance twin with a state for 2025-02-10
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_attendance", generic.Payload{
		"person_id": person, "company_id": company, "date": "2025-02-10", "check_in_time": "09:00",
	})
	require.NoError(t, err)

	// WHEN: the same key is written again with a different value
	_, err = store.UpdateTwin(ctx, "person_company_attendance", rec.ID, generic.Payload{
		"date": "2025-02-10", "check_in_time": "09:30",
	})
	require.NoError(t, err)

	// THEN: one row exists for the key and the second write won
	states, err := store.QueryTwins(ctx, "person_company_attendance", generic.Filters{"id": rec.ID}, "", 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "2025-02-10", states[0].TimeKey)
	assert.Equal(t, "09:30", states[0].Data["check_in_time"])
	assert.Equal(t, "2025-02-10", states[0].Data["date"], "the promoted time key is folded back into data")

	// AND: a new key appends
	_, err = store.UpdateTwin(ctx, "person_company_attendance", rec.ID, generic.Payload{
		"date": "2025-02-11", "check_in_time": "08:55",
	})
	require.NoError(t, err)
	view, err := store.GetTwin(ctx, "person_company_attendance", rec.ID, false)
	require.NoError(t, err)
	require.Len(t, view.History, 2)
	assert.Equal(t, "2025-02-11", view.Current["date"], "current is the greatest time key")
}

func TestTimeSeries_MissingKey(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_attendance", generic.Payload{
		"person_id": person, "company_id": company, "date": "2025-02-10",
	})
	require.NoError(t, err)

	_, err = store.UpdateTwin(ctx, "person_company_attendance", rec.ID, generic.Payload{"check_in_time": "09:00"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrMissingTimeKey))
}

func TestTimeSeries_ConflictWithoutUpsert(t *testing.T) {
	reg, err := generic.LoadSchema([]byte(`
twins:
  person: {type: entity, fields: {name: {type: string}}}
  person_leave:
    type: activity
    temporal_mode: time_series
    upsert: false
    unique_key: [person_id, date]
    related_entities: [{entity: person, key: person_id}]
    fields:
      date: {type: date, required: true}
      days: {type: number}
`))
	require.NoError(t, err)
	store := openStore(t, reg, nil)
	ctx := context.Background()
	p, err := store.CreateTwin(ctx, "person", generic.Payload{"name": "Ada"})
	require.NoError(t, err)
	rec, err := store.CreateTwin(ctx, "person_leave", generic.Payload{"person_id": p.ID, "date": "2025-05-01", "days": 1})
	require.NoError(t, err)

	_, err = store.UpdateTwin(ctx, "person_leave", rec.ID, generic.Payload{"date": "2025-05-01", "days": 0.5})

	require.Error(t, err)
	assert.Equal(t, generic.KindConflict, generic.KindOf(err))
	view, err := store.GetTwin(ctx, "person_leave", rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, view.Current["days"], "the first write is kept")
	assert.Equal(t, "2025-05-01", view.Current["date"], "a time key stored in data is still readable")
}

// =============================================================================
// FILTERS, ORDERING, ENRICHMENT
// =============================================================================

func TestListTwins_Filters(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	ada, acme := seedPair(t, store, "Ada")
	grace, _ := seedPair(t, store, "Grace")

	_, err := store.CreateTwin(ctx, "person_company_employment", onboarding(ada, acme))
	require.NoError(t, err)
	sales := onboarding(grace, acme).Merge(generic.Payload{"department": "Sales", "salary": 8000})
	_, err = store.CreateTwin(ctx, "person_company_employment", sales)
	require.NoError(t, err)

	cases := []struct {
		name    string
		filters generic.Filters
		want    int
	}{
		{"no filters", nil, 2},
		{"foreign key", generic.Filters{"company_id": acme}, 2},
		{"data field", generic.Filters{"department": "Sales"}, 1},
		{"number field", generic.Filters{"salary": "10000"}, 1},
		{"both", generic.Filters{"person_id": ada, "department": "Sales"}, 0},
		{"unknown field is dropped", generic.Filters{"shoe_size": 42}, 2},
		{"uncoercible id matches nothing", generic.Filters{"id": "abc"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := store.ListTwins(ctx, "person_company_employment", tc.filters, false)
			require.NoError(t, err)
			assert.Len(t, rows, tc.want)
		})
	}
}

func TestListTwins_FiltersMatchLatestStateOnly(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_employment", onboarding(person, company))
	require.NoError(t, err)
	_, err = store.UpdateTwin(ctx, "person_company_employment", rec.ID,
		generic.Payload{"department": "Ops", "change_type": "转岗", "change_date": "2025-04-01"})
	require.NoError(t, err)

	rows, err := store.ListTwins(ctx, "person_company_employment", generic.Filters{"department": "R&D"}, false)
	require.NoError(t, err)
	assert.Empty(t, rows)

	states, err := store.QueryTwins(ctx, "person_company_employment", generic.Filters{"department": "R&D"}, "", 0)
	require.NoError(t, err)
	assert.Len(t, states, 1, "the all-states query still sees the old row")
}

func TestQueryTwins_OrderAndLimit(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_salary_adjustment", generic.Payload{
		"person_id": person, "company_id": company, "period": "2025-01", "bonus": 300,
	})
	require.NoError(t, err)
	for period, bonus := range map[string]int{"2025-02": 900, "2025-03": 100} {
		_, err := store.UpdateTwin(ctx, "person_company_salary_adjustment", rec.ID, generic.Payload{"period": period, "bonus": bonus})
		require.NoError(t, err)
	}

	states, err := store.QueryTwins(ctx, "person_company_salary_adjustment", nil, "-bonus", 2)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "2025-02", states[0].TimeKey)
	assert.Equal(t, "2025-01", states[1].TimeKey)

	states, err = store.QueryTwins(ctx, "person_company_salary_adjustment", generic.Filters{"period": "2025-03"}, "", 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 100.0, states[0].Data["bonus"])
}

func TestEnrichment(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	person, company := seedPair(t, store, "Ada")
	rec, err := store.CreateTwin(ctx, "person_company_employment", onboarding(person, company))
	require.NoError(t, err)

	rows, err := store.ListTwins(ctx, "person_company_employment", nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ada", rows[0]["person_name"])
	assert.Equal(t, "Acme", rows[0]["company_name"])

	view, err := store.GetTwin(ctx, "person_company_employment", rec.ID, true)
	require.NoError(t, err)
	require.Contains(t, view.Related, "person")
	assert.Equal(t, "Ada", view.Related["person"]["name"])

	plain, err := store.ListTwins(ctx, "person_company_employment", nil, false)
	require.NoError(t, err)
	assert.NotContains(t, plain[0], "person_name", "enrichment is opt-in")
}

func TestSystemKeysAreStored(t *testing.T) {
	store := newStore(t, nil)
	rec, err := store.CreateTwin(context.Background(), "person", generic.Payload{"name": "Ada", "batch_id": "b-42"})
	require.NoError(t, err)
	assert.Equal(t, "b-42", rec.Current["batch_id"])
}

// =============================================================================
// PROVISIONING AND TRANSACTIONS
// =============================================================================

func TestProvision_IsIdempotent(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	rec, err := store.CreateTwin(ctx, "person", generic.Payload{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, store.Provision(ctx))
	require.NoError(t, store.Provision(ctx))

	view, err := store.GetTwin(ctx, "person", rec.ID, false)
	require.NoError(t, err)
	require.NotNil(t, view, "provisioning never drops data")
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore(t, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx generic.TwinStore) error {
		if _, err := tx.CreateTwin(ctx, "person", generic.Payload{"name": "Ada"}); err != nil {
			return err
		}
		rows, err := tx.ListTwins(ctx, "person", nil, false)
		require.NoError(t, err)
		require.Len(t, rows, 1, "writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := store.ListTwins(ctx, "person", nil, false)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// =============================================================================
// STORAGE ERRORS
// =============================================================================

func mockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	reg, err := generic.LoadSchema(factory.DefaultSchemaYAML())
	require.NoError(t, err)
	store, err := sqlite.Open(sqlx.NewDb(db, sqlite.DriverSQLite), reg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestStorageErrors_AreClassified(t *testing.T) {
	driverErr := errors.New("disk I/O error")

	t.Run("read", func(t *testing.T) {
		store, mock := mockStore(t)
		mock.ExpectQuery("SELECT").WillReturnError(driverErr)

		_, err := store.GetTwin(context.Background(), "person", 1, false)

		require.Error(t, err)
		assert.Equal(t, generic.KindStorage, generic.KindOf(err))
		assert.ErrorIs(t, err, driverErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin", func(t *testing.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin().WillReturnError(driverErr)

		_, err := store.CreateTwin(context.Background(), "person", generic.Payload{"name": "Ada"})

		require.Error(t, err)
		assert.Equal(t, generic.KindStorage, generic.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert rolls back", func(t *testing.T) {
		store, mock := mockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO").WillReturnError(driverErr)
		mock.ExpectRollback()

		_, err := store.CreateTwin(context.Background(), "person", generic.Payload{"name": "Ada"})

		require.Error(t, err)
		assert.Equal(t, generic.KindStorage, generic.KindOf(err))
		assert.True(t, generic.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	reg, err := generic.LoadSchema(factory.DefaultSchemaYAML())
	require.NoError(t, err)

	_, err = sqlite.Open(sqlx.NewDb(db, "oracle"), reg)
	assert.Error(t, err)
}

func mustInt(t *testing.T, p generic.Payload, key string) int64 {
	t.Helper()
	v, ok := p.Int(key)
	require.True(t, ok, "%s is not an integer: %v", key, p[key])
	return v
}
