/*
schema_test.go - Tests for the twin schema registry

Tests for:
- Descriptor construction (kinds, temporal modes, time keys)
- Foreign-key promotion from related_entities
- Rejection of malformed documents as schema errors
*/
package generic_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/generic"
)

const testSchema = `
twins:
  person:
    type: entity
    fields:
      name: {type: string, required: true, max_length: 8}
      status: {type: enum, options: [active, inactive]}
  company:
    type: entity
    fields:
      name: {type: string, required: true}
  person_company_employment:
    type: activity
    related_entities:
      - {entity: person, role: employee, key: person_id}
      - {entity: company, role: employer, key: company_id}
    fields:
      position: {type: string}
      salary: {type: number, format: amount, non_negative: true}
      change_type: {type: enum, required: true, options: [入职, 调薪, 离职]}
      change_date: {type: date, required: true, auto: date}
  person_company_attendance_summary:
    type: activity
    temporal_mode: time_series
    unique_key: [person_id, company_id, period]
    related_entities:
      - {entity: person, role: employee, key: person_id}
      - {entity: company, role: employer, key: company_id}
    fields:
      period: {type: string, storage: unique_key, required: true, format: month}
      actual_days: {type: number, non_negative: true}
      rate: {type: number, format: rate}
      late_count: {type: number, format: integer}
      remote: {type: bool}
`

func mustSchema(t *testing.T) *generic.Registry {
	t.Helper()
	reg, err := generic.LoadSchema([]byte(testSchema))
	require.NoError(t, err)
	return reg
}

// =============================================================================
// DESCRIPTORS
// =============================================================================

func TestLoadSchema_KeepsDeclarationOrder(t *testing.T) {
	reg := mustSchema(t)

	assert.Equal(t, []string{
		"person", "company", "person_company_employment", "person_company_attendance_summary",
	}, reg.Names())
	assert.Equal(t, []string{"position", "salary", "change_type", "change_date", "person_id", "company_id"},
		reg.MustTwin("person_company_employment").Fields.Names())
}

func TestLoadSchema_DefaultsToVersioned(t *testing.T) {
	reg := mustSchema(t)

	person := reg.MustTwin("person")
	assert.Equal(t, generic.KindEntity, person.Kind)
	assert.True(t, person.IsVersioned())
	assert.Equal(t, "", person.TimeKeyField())
	assert.Equal(t, "person_state", person.StateTable())
}

func TestLoadSchema_PromotesRelatedEntityKeys(t *testing.T) {
	// GIVEN: an activity declaring two related entities and no key fields
	reg := mustSchema(t)

	// WHEN: the descriptor is inspected
	emp := reg.MustTwin("person_company_employment")

	// THEN: both keys exist as required foreign-key reference fields
	assert.Equal(t, []string{"person_id", "company_id"}, emp.ForeignKeys())
	f, ok := emp.Field("person_id")
	require.True(t, ok)
	assert.Equal(t, generic.StorageForeignKey, f.Storage)
	assert.Equal(t, generic.FieldReference, f.Type)
	assert.Equal(t, "person", f.Entity)
	assert.True(t, f.Required)
	assert.True(t, emp.IsColumn("company_id"))
	assert.False(t, emp.IsColumn("salary"))
}

func TestLoadSchema_TimeSeriesKey(t *testing.T) {
	reg := mustSchema(t)

	sum := reg.MustTwin("person_company_attendance_summary")
	assert.False(t, sum.IsVersioned())
	assert.Equal(t, "period", sum.TimeKeyField())
	assert.True(t, sum.IsColumn("period"))
	assert.True(t, sum.Upsert, "time-series twins upsert unless told otherwise")

	period, ok := sum.Field("period")
	require.True(t, ok)
	assert.Equal(t, generic.StorageUniqueKey, period.Storage)
	actual, ok := sum.Field("actual_days")
	require.True(t, ok)
	assert.Equal(t, generic.StorageJSON, actual.Storage)
}

func TestLoadSchema_TimeKeyFromUniqueKeyList(t *testing.T) {
	doc := `
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
`
	reg, err := generic.LoadSchema([]byte(doc))
	require.NoError(t, err)

	leave := reg.MustTwin("person_leave")
	assert.Equal(t, "date", leave.TimeKeyField(), "the first non-id unique_key entry is the time key")
	assert.False(t, leave.Upsert)
}

func TestRegistry_UnknownTwin(t *testing.T) {
	reg := mustSchema(t)

	_, err := reg.Twin("payslip")

	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrUnknownTwin))
	assert.True(t, errors.Is(err, generic.ErrSchema))
	assert.Equal(t, generic.KindSchema, generic.KindOf(err))
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestLoadSchema_RejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no twins", `twins: {}`},
		{"not yaml", `twins: [`},
		{"bad name", `
twins:
  Person: {type: entity}`},
		{"unknown kind", `
twins:
  person: {type: thing}`},
		{"unknown temporal mode", `
twins:
  person: {type: entity, temporal_mode: bitemporal}`},
		{"activity without related entities", `
twins:
  person: {type: entity}
  shift: {type: activity}`},
		{"entity with related entities", `
twins:
  person: {type: entity, related_entities: [{entity: person, key: parent_id}]}`},
		{"related entity not declared", `
twins:
  shift: {type: activity, related_entities: [{entity: person, key: person_id}]}`},
		{"related entity is an activity", `
twins:
  person: {type: entity}
  a: {type: activity, related_entities: [{entity: person, key: person_id}]}
  b: {type: activity, related_entities: [{entity: a, key: a_id}]}`},
		{"time series without key", `
twins:
  person: {type: entity}
  log:
    type: activity
    temporal_mode: time_series
    related_entities: [{entity: person, key: person_id}]
    fields: {note: {type: string}}`},
		{"unique_key storage on versioned twin", `
twins:
  person:
    type: entity
    fields: {day: {type: date, storage: unique_key}}`},
		{"reserved field name", `
twins:
  person: {type: entity, fields: {version: {type: number}}}`},
		{"unknown field type", `
twins:
  person: {type: entity, fields: {age: {type: integer}}}`},
		{"enum without options", `
twins:
  person: {type: entity, fields: {status: {type: enum}}}`},
		{"unknown format", `
twins:
  person: {type: entity, fields: {salary: {type: number, format: money}}}`},
		{"foreign_key storage on entity", `
twins:
  person: {type: entity, fields: {boss_id: {type: reference, storage: foreign_key}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := generic.LoadSchema([]byte(tc.doc))

			require.Error(t, err)
			var se *generic.SchemaError
			assert.True(t, errors.As(err, &se), "want SchemaError, got %T: %v", err, err)
			assert.Equal(t, generic.KindSchema, generic.KindOf(err))
		})
	}
}

func TestFieldSet_MarshalsInDeclarationOrder(t *testing.T) {
	reg := mustSchema(t)

	out, err := reg.MustTwin("person").Fields.MarshalJSON()

	require.NoError(t, err)
	assert.Regexp(t, `^\{"name":.*,"status":.*\}$`, string(out))
}
