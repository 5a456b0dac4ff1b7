package payroll

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/generic"
)

// Lookup table names read by the built-in transforms.
const (
	LookupPositionBaseRatio    = "position_base_ratio"
	LookupPositionPerfRatio    = "position_perf_ratio"
	LookupEmployeeTypeDiscount = "employee_type_discount"
	LookupGradeCoefficient     = "grade_coefficient"
)

// defaultLookups apply when the catalog omits a table.
var defaultLookups = map[string]Lookup{
	LookupPositionBaseRatio:    {Default: decimal.RequireFromString("0.7")},
	LookupPositionPerfRatio:    {Default: decimal.RequireFromString("0.3")},
	LookupEmployeeTypeDiscount: {Default: decimal.NewFromInt(1)},
	LookupGradeCoefficient:     {Default: decimal.NewFromInt(1), Values: formula.DefaultGrades},
}

// =============================================================================
// REGISTRY - Validated catalog in resolution order
// =============================================================================

// Registry holds the metric catalog sorted so every dependency precedes its
// dependents. It is read-only after NewRegistry.
type Registry struct {
	ordered []Metric
	index   map[string]int
	deps    map[string][]string
	lookups map[string]Lookup
}

// NewRegistry validates metrics and sorts them topologically. Ties follow
// catalog order. A dependency cycle is an ErrMetricCycle.
func NewRegistry(metrics []Metric, lookups map[string]Lookup) (*Registry, error) {
	r := &Registry{
		index:   make(map[string]int, len(metrics)),
		deps:    make(map[string][]string, len(metrics)),
		lookups: make(map[string]Lookup, len(defaultLookups)+len(lookups)),
	}
	for name, l := range defaultLookups {
		r.lookups[name] = l
	}
	for name, l := range lookups {
		r.lookups[name] = l
	}

	keys := make(map[string]bool, len(metrics))
	normalized := make([]Metric, 0, len(metrics))
	for _, m := range metrics {
		m, err := normalizeMetric(m)
		if err != nil {
			return nil, err
		}
		if keys[m.Key] {
			return nil, metricError(m.Key, "declared twice")
		}
		keys[m.Key] = true
		normalized = append(normalized, m)
	}

	for _, m := range normalized {
		deps, err := dependencies(m, keys)
		if err != nil {
			return nil, err
		}
		r.deps[m.Key] = deps
	}

	ordered, err := topoSort(normalized, r.deps)
	if err != nil {
		return nil, err
	}
	r.ordered = ordered
	for i, m := range ordered {
		r.index[m.Key] = i
	}
	return r, nil
}

// Ordered returns metrics in resolution order.
func (r *Registry) Ordered() []Metric {
	out := make([]Metric, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Metric returns the named metric.
func (r *Registry) Metric(key string) (Metric, bool) {
	i, ok := r.index[key]
	if !ok {
		return Metric{}, false
	}
	return r.ordered[i], true
}

// DependsOn returns the resolved dependency keys of a metric.
func (r *Registry) DependsOn(key string) []string {
	return append([]string(nil), r.deps[key]...)
}

// Lookup returns a named table (an empty table with a zero default if unknown).
func (r *Registry) Lookup(name string) Lookup { return r.lookups[name] }

// Labels maps metric keys to labels, for readable formulas.
func (r *Registry) Labels() map[string]string {
	out := make(map[string]string, len(r.ordered))
	for _, m := range r.ordered {
		if m.Label != "" {
			out[m.Key] = m.Label
		}
	}
	return out
}

// CheckSchema verifies that every twin and field a metric reads is declared.
func (r *Registry) CheckSchema(schema *generic.Registry) error {
	for _, m := range r.ordered {
		src := m.Source
		var twin string
		var fields []string
		switch m.TemporalType {
		case PointInTime, PeriodRecord, ConfigLookup:
			twin, fields = src.Twin, []string{src.Field, src.EffectiveField}
		case YTDSum, PrevValue:
			twin, fields = src.Twin, []string{src.Metric}
		case CrossPeriod:
			twin = src.Twin
		default:
			continue
		}
		t, err := schema.Twin(twin)
		if err != nil {
			return metricError(m.Key, err.Error())
		}
		for _, f := range fields {
			if f == "" {
				continue
			}
			if _, ok := t.Field(f); !ok {
				return metricError(m.Key, fmt.Sprintf("twin %q has no field %q", twin, f))
			}
		}
		if m.TemporalType != ConfigLookup && (!t.IsForeignKey("person_id") || !t.IsForeignKey("company_id")) {
			return metricError(m.Key, fmt.Sprintf("twin %q is not keyed by person_id and company_id", twin))
		}
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func metricError(key, reason string) error {
	return &generic.SchemaError{Reason: fmt.Sprintf("metric %q: %s", key, reason)}
}

func normalizeMetric(m Metric) (Metric, error) {
	if m.Key == "" {
		return m, metricError(m.Key, "key is required")
	}
	if m.ValueType == "" {
		m.ValueType = ValueNumber
	}
	if m.ValueType != ValueNumber && m.ValueType != ValueText {
		return m, metricError(m.Key, fmt.Sprintf("unknown value_type %q", m.ValueType))
	}

	src := &m.Source
	reads := false
	switch m.TemporalType {
	case Constant:
		if src.Value == nil {
			src.Value = m.Default
		}
		if _, ok := generic.ToDecimal(src.Value); !ok && !m.IsText() {
			return m, metricError(m.Key, "constant needs a numeric source.value")
		}
	case PointInTime:
		reads = true
		if src.Mode == "" {
			src.Mode = ModeVersionHistory
		}
		if src.Mode != ModeVersionHistory && src.Mode != ModeActivityScan {
			return m, metricError(m.Key, fmt.Sprintf("unknown mode %q", src.Mode))
		}
		if src.Twin == "" || src.Field == "" || src.EffectiveField == "" {
			return m, metricError(m.Key, "point_in_time needs source.twin, source.field and source.effective_field")
		}
		if src.Transform != "" {
			if _, ok := transforms[src.Transform]; !ok {
				return m, metricError(m.Key, fmt.Sprintf("unknown transform %q", src.Transform))
			}
		}
	case PeriodRecord:
		reads = true
		if src.Twin == "" || src.Field == "" {
			return m, metricError(m.Key, "period_record needs source.twin and source.field")
		}
	case ConfigLookup:
		reads = true
		if src.Twin == "" || src.Field == "" || src.EffectiveField == "" {
			return m, metricError(m.Key, "config_lookup needs source.twin, source.field and source.effective_field")
		}
	case YTDSum, PrevValue:
		if src.Metric == "" {
			return m, metricError(m.Key, string(m.TemporalType)+" needs source.metric")
		}
		if src.Twin == "" {
			src.Twin = PayrollTwin
		}
	case CrossPeriod:
		if _, ok := resolvers[src.Resolver]; !ok {
			return m, metricError(m.Key, fmt.Sprintf("unknown resolver %q", src.Resolver))
		}
		if src.Twin == "" {
			src.Twin = EmploymentTwin
		}
	case Formula:
		if strings.TrimSpace(src.Expression) == "" {
			return m, metricError(m.Key, "formula needs source.expression")
		}
	default:
		return m, metricError(m.Key, fmt.Sprintf("unknown temporal_type %q", m.TemporalType))
	}

	switch m.PeriodBasis {
	case "":
		m.PeriodBasis = BasisNone
		if reads {
			m.PeriodBasis = BasisSalary
		}
	case BasisSalary, BasisDeductionTax, BasisNone:
	default:
		return m, metricError(m.Key, fmt.Sprintf("unknown period_basis %q", m.PeriodBasis))
	}
	return m, nil
}

// dependencies returns declared depends_on plus every catalog key the
// expression references. An unparsable expression has only its declared
// dependencies; the engine reports the parse failure at compute time.
func dependencies(m Metric, keys map[string]bool) ([]string, error) {
	if m.TemporalType != Formula {
		return nil, nil
	}
	seen := make(map[string]bool)
	var deps []string
	add := func(k string) {
		if !seen[k] && k != m.Key {
			seen[k] = true
			deps = append(deps, k)
		}
	}
	for _, d := range m.Source.DependsOn {
		if !keys[d] {
			return nil, metricError(m.Key, fmt.Sprintf("depends_on %q is not a metric", d))
		}
		if d == m.Key {
			return nil, fmt.Errorf("%w: %s depends on itself", generic.ErrMetricCycle, m.Key)
		}
		add(d)
	}
	if expr, err := formula.Parse(m.Source.Expression); err == nil {
		for _, id := range expr.Identifiers() {
			if id == m.Key {
				return nil, fmt.Errorf("%w: %s depends on itself", generic.ErrMetricCycle, m.Key)
			}
			if keys[id] {
				add(id)
			}
		}
	}
	return deps, nil
}

// topoSort is Kahn's algorithm; among ready metrics the earliest in the
// catalog goes first.
func topoSort(metrics []Metric, deps map[string][]string) ([]Metric, error) {
	pending := make(map[string]int, len(metrics))
	dependents := make(map[string][]string)
	for _, m := range metrics {
		pending[m.Key] = len(deps[m.Key])
		for _, d := range deps[m.Key] {
			dependents[d] = append(dependents[d], m.Key)
		}
	}

	done := make(map[string]bool, len(metrics))
	out := make([]Metric, 0, len(metrics))
	for len(out) < len(metrics) {
		progressed := false
		for _, m := range metrics {
			if done[m.Key] || pending[m.Key] > 0 {
				continue
			}
			done[m.Key] = true
			out = append(out, m)
			for _, dep := range dependents[m.Key] {
				pending[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, m := range metrics {
				if !done[m.Key] {
					stuck = append(stuck, m.Key)
				}
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("%w: %s", generic.ErrMetricCycle, strings.Join(stuck, ", "))
		}
	}
	return out, nil
}
