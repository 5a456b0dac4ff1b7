package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// QUERY BUILDER - The only place SQL over twin tables is assembled
// =============================================================================
//
// Three shapes are emitted from a descriptor and a filter set:
//
//   latest   one row per twin: self-join on MAX(version) or MAX(time_key)
//   all      every state row matching the filters
//   as-of    the newest row of one twin with ts <= T
//
// Related-entity filters are applied to the registry table first and reach
// the state table as "twin_id IN (SELECT id FROM registry WHERE ...)". One
// activity may have many states, so the foreign-key part must not be
// evaluated per state row.

type predicates struct {
	registry     []string
	registryArgs []any
	state        []string
	stateArgs    []any
}

type queryBuilder struct {
	d dialect
	t *generic.TwinDescriptor
}

func (b queryBuilder) streamColumn() string {
	if b.t.IsVersioned() {
		return "version"
	}
	return "time_key"
}

func (b queryBuilder) columns() string {
	cols := []string{"s.twin_id", "s." + b.streamColumn(), "s.ts", "s.data"}
	for _, key := range b.t.ForeignKeys() {
		cols = append(cols, "r."+quote(key))
	}
	return strings.Join(cols, ", ")
}

// predicates splits filters into registry and state predicates. Unknown
// fields are dropped. Keys are sorted so the SQL text is stable.
func (b queryBuilder) predicates(filters generic.Filters) predicates {
	var p predicates
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := filters[key]
		switch {
		case key == "id" || key == "twin_id":
			id, ok := generic.ToInt(raw)
			if !ok {
				p.state = append(p.state, "1 = 0")
				continue
			}
			p.state = append(p.state, "s.twin_id = ?")
			p.stateArgs = append(p.stateArgs, id)
			continue
		case key == "time_key" && !b.t.IsVersioned():
			p.state = append(p.state, "s.time_key = ?")
			p.stateArgs = append(p.stateArgs, fmt.Sprint(raw))
			continue
		}

		f, ok := b.t.Field(key)
		if !ok {
			continue
		}
		val, ok := coerceFilter(f, raw)
		if !ok {
			p.state = append(p.state, "1 = 0")
			continue
		}
		switch {
		case b.t.IsForeignKey(key):
			p.registry = append(p.registry, quote(key)+" = ?")
			p.registryArgs = append(p.registryArgs, val)
		case !b.t.IsVersioned() && key == b.t.TimeKeyField():
			p.state = append(p.state, "s.time_key = ?")
			p.stateArgs = append(p.stateArgs, fmt.Sprint(val))
		default:
			p.state = append(p.state, b.d.jsonField("s", key, f.Type)+" = ?")
			p.stateArgs = append(p.stateArgs, b.d.jsonArg(val))
		}
	}
	return p
}

func (p predicates) registryClause(t *generic.TwinDescriptor) string {
	if len(p.registry) == 0 {
		return ""
	}
	return fmt.Sprintf("twin_id IN (SELECT id FROM %s WHERE %s)",
		quote(t.RegistryTable()), strings.Join(p.registry, " AND "))
}

// latest builds the latest-per-twin query.
func (b queryBuilder) latest(filters generic.Filters) (string, []any) {
	p := b.predicates(filters)
	stream := b.streamColumn()

	inner := fmt.Sprintf("SELECT twin_id, MAX(%s) AS latest FROM %s", stream, quote(b.t.StateTable()))
	if rc := p.registryClause(b.t); rc != "" {
		inner += " WHERE " + rc
	}
	inner += " GROUP BY twin_id"

	q := fmt.Sprintf(`SELECT %s FROM %s s
JOIN (%s) m ON m.twin_id = s.twin_id AND m.latest = s.%s
JOIN %s r ON r.id = s.twin_id`,
		b.columns(), quote(b.t.StateTable()), inner, stream, quote(b.t.RegistryTable()))
	if len(p.state) > 0 {
		q += "\nWHERE " + strings.Join(p.state, " AND ")
	}
	q += "\nORDER BY s.twin_id"
	return q, append(p.registryArgs, p.stateArgs...)
}

// all builds the all-states query.
func (b queryBuilder) all(filters generic.Filters, orderBy string, limit int) (string, []any) {
	p := b.predicates(filters)

	where := p.state
	if rc := p.registryClause(b.t); rc != "" {
		where = append([]string{"s." + rc}, where...)
	}
	q := fmt.Sprintf("SELECT %s FROM %s s\nJOIN %s r ON r.id = s.twin_id",
		b.columns(), quote(b.t.StateTable()), quote(b.t.RegistryTable()))
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY " + b.orderClause(orderBy)
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}
	return q, append(p.registryArgs, p.stateArgs...)
}

// history builds the newest-first state list of one twin.
func (b queryBuilder) history() string {
	return fmt.Sprintf("SELECT %s FROM %s s\nJOIN %s r ON r.id = s.twin_id\nWHERE s.twin_id = ?\nORDER BY s.%s DESC",
		b.columns(), quote(b.t.StateTable()), quote(b.t.RegistryTable()), b.streamColumn())
}

// asOf builds the as-of query. Equal timestamps resolve to the newest row.
func (b queryBuilder) asOf() string {
	return fmt.Sprintf("SELECT %s FROM %s s\nJOIN %s r ON r.id = s.twin_id\nWHERE s.twin_id = ? AND s.ts <= ?\nORDER BY s.ts DESC, s.%s DESC, s.id DESC LIMIT 1",
		b.columns(), quote(b.t.StateTable()), quote(b.t.RegistryTable()), b.streamColumn())
}

func (b queryBuilder) orderClause(orderBy string) string {
	def := "s.twin_id, s." + b.streamColumn()
	if orderBy == "" {
		return def
	}
	dir := "ASC"
	if strings.HasPrefix(orderBy, "-") {
		dir = "DESC"
		orderBy = orderBy[1:]
	}

	var expr string
	switch {
	case orderBy == "id" || orderBy == "twin_id":
		expr = "s.twin_id"
	case orderBy == "ts":
		expr = "s.ts"
	case orderBy == "version" && b.t.IsVersioned():
		expr = "s.version"
	case orderBy == "time_key" && !b.t.IsVersioned():
		expr = "s.time_key"
	default:
		f, ok := b.t.Field(orderBy)
		if !ok {
			return def
		}
		switch {
		case b.t.IsForeignKey(orderBy):
			expr = "r." + quote(orderBy)
		case !b.t.IsVersioned() && orderBy == b.t.TimeKeyField():
			expr = "s.time_key"
		default:
			expr = b.d.jsonField("s", orderBy, f.Type)
		}
	}
	return fmt.Sprintf("%s %s, %s", expr, dir, def)
}

// coerceFilter converts a filter value to the field's storage type.
func coerceFilter(f *generic.Field, v any) (any, bool) {
	switch f.Type {
	case generic.FieldNumber:
		return generic.ToFloat(v)
	case generic.FieldReference:
		return generic.ToInt(v)
	case generic.FieldBool:
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			b, err := strconv.ParseBool(t)
			return b, err == nil
		}
		return nil, false
	default:
		s := generic.Payload{"v": v}.String("v")
		return s, s != ""
	}
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

// scanState reads one row produced by columns(). Foreign-key columns are
// folded into Data, and a promoted time key is copied back under its field name.
func (b queryBuilder) scanState(row rowScanner) (generic.State, error) {
	var (
		st      generic.State
		ts      string
		data    string
		version sql.NullInt64
		timeKey sql.NullString
	)
	fks := make([]sql.NullInt64, len(b.t.ForeignKeys()))
	dest := []any{&st.TwinID}
	if b.t.IsVersioned() {
		dest = append(dest, &version)
	} else {
		dest = append(dest, &timeKey)
	}
	dest = append(dest, &ts, &data)
	for i := range fks {
		dest = append(dest, &fks[i])
	}
	if err := row.Scan(dest...); err != nil {
		return generic.State{}, err
	}

	st.Version = version.Int64
	st.TimeKey = timeKey.String
	parsed, err := generic.ParseTimestamp(ts)
	if err != nil {
		return generic.State{}, err
	}
	st.TS = parsed
	if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
		return generic.State{}, fmt.Errorf("decode state data: %w", err)
	}
	if st.Data == nil {
		st.Data = generic.Payload{}
	}
	for i, key := range b.t.ForeignKeys() {
		if fks[i].Valid {
			st.Data[key] = fks[i].Int64
		}
	}
	if !b.t.IsVersioned() {
		st.Data[b.t.TimeKeyField()] = st.TimeKey
	}
	return st, nil
}

// flatten renders a state as a single row: id, ts, version (or the time-key
// field), foreign keys and data fields.
func flatten(t *generic.TwinDescriptor, st generic.State) generic.Payload {
	out := st.Data.Clone()
	out["id"] = st.TwinID
	out["ts"] = generic.FormatTimestamp(st.TS)
	if t.IsVersioned() {
		out["version"] = st.Version
	} else {
		out[t.TimeKeyField()] = st.TimeKey
	}
	return out
}
