package sqlite

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// DIALECTS - SQLite (default) and PostgreSQL
// =============================================================================

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type dialect struct {
	name    string
	autoPK  string
	integer string
}

var dialects = map[string]dialect{
	DriverSQLite:   {name: DriverSQLite, autoPK: "INTEGER PRIMARY KEY AUTOINCREMENT", integer: "INTEGER"},
	DriverPostgres: {name: DriverPostgres, autoPK: "BIGSERIAL PRIMARY KEY", integer: "BIGINT"},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
	return d, nil
}

// quote quotes an identifier. Twin names are validated at schema load, but
// some (order) are reserved words.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// jsonField extracts a payload field from the data column with a type
// suitable for equality and ordering.
func (d dialect) jsonField(alias, key string, ft generic.FieldType) string {
	if d.name == DriverPostgres {
		expr := fmt.Sprintf("(%s.data::jsonb ->> '%s')", alias, key)
		switch ft {
		case generic.FieldNumber:
			return expr + "::numeric"
		case generic.FieldReference:
			return expr + "::bigint"
		case generic.FieldBool:
			return expr + "::boolean"
		}
		return expr
	}
	return fmt.Sprintf("json_extract(%s.data, '$.%s')", alias, key)
}

// jsonArg adapts a filter value to what jsonField compares against.
func (d dialect) jsonArg(v any) any {
	if b, ok := v.(bool); ok && d.name == DriverSQLite {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// =============================================================================
// PROVISIONER - One registry table and one state table per twin
// =============================================================================

// Provision creates every table and index the registry needs. It is
// idempotent and never drops anything.
func (s *Store) Provision(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.reg.Descriptors() {
		for _, stmt := range s.dialect.twinDDL(d) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return generic.Storage("provision "+d.Name, err)
			}
		}
		s.log.Debug("provisioned twin",
			zap.String("twin", d.Name),
			zap.String("registry_table", d.RegistryTable()),
			zap.String("state_table", d.StateTable()),
		)
	}
	for _, stmt := range s.dialect.batchDDL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return generic.Storage("provision batch", err)
		}
	}
	return nil
}

func (d dialect) twinDDL(t *generic.TwinDescriptor) []string {
	reg, state := t.RegistryTable(), t.StateTable()

	cols := []string{
		"id " + d.autoPK,
		"created_at TEXT NOT NULL",
	}
	for _, key := range t.ForeignKeys() {
		cols = append(cols, fmt.Sprintf("%s %s", quote(key), d.integer))
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(reg), strings.Join(cols, ",\n\t")),
	}
	for _, key := range t.ForeignKeys() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quote("idx_"+reg+"_"+key), quote(reg), quote(key)))
	}

	stream := "version " + d.integer + " NOT NULL"
	if !t.IsVersioned() {
		stream = "time_key TEXT NOT NULL"
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s,
	twin_id %s NOT NULL,
	%s,
	ts TEXT NOT NULL,
	data TEXT NOT NULL
)`, quote(state), d.autoPK, d.integer, stream),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(twin_id)", quote("idx_"+state+"_twin"), quote(state)),
	)
	if t.IsVersioned() {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(twin_id, version)",
			quote("idx_"+state+"_version"), quote(state)))
	} else {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(twin_id, time_key)",
			quote("idx_"+state+"_time_key"), quote(state)))
	}
	return stmts
}

func (d dialect) batchDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS batch (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	period TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL,
	created_at TEXT NOT NULL,
	applied_at TEXT
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS batch_item (
	id %s,
	batch_id TEXT NOT NULL,
	person_id %s NOT NULL,
	company_id %s NOT NULL,
	target_twin_id %s NOT NULL DEFAULT 0,
	current_values TEXT NOT NULL,
	new_values TEXT NOT NULL,
	applied %s NOT NULL DEFAULT 0,
	applied_at TEXT
)`, d.autoPK, d.integer, d.integer, d.integer, d.integer),
		"CREATE INDEX IF NOT EXISTS idx_batch_item_batch ON batch_item(batch_id)",
	}
}
