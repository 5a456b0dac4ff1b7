/*
Package payroll computes a person's monthly payroll from the twin store.

PURPOSE:
  Metrics are declared in a flat catalog. Each metric says HOW it reads
  history (its temporal type) and WHICH period it reads (its basis). The
  engine resolves every metric in dependency order for one
  (person, company, salary period) triple and returns a flat value map.

KEY CONCEPTS:
  - Salary period:         month in which earnings accrue (YYYY-MM)
  - Deduction-tax period:  salary period + 1 month (withholding cycle)
  - Reference day:         26th of the deduction-tax period; its year is the YTD year

TEMPORAL TYPES:
  constant        source.value
  point_in_time   version_history: newest effective state of the (person, company) twin
                  activity_scan:   newest effective twin among many event twins
  period_record   state whose time key equals the period
  config_lookup   newest effective row of a configuration table
  ytd_sum         sum of a payroll field over prior deduction periods of the YTD year
  prev_value      payroll field of the prior period, 0 across a year boundary
  cross_period    named resolver (months_employed_in_year)
  formula         expression over metrics already resolved in this run

DETERMINISM:
  For a fixed database snapshot Compute is a pure function of its inputs.
  Every tie is broken explicitly (greatest version, then greatest id).

SEE ALSO:
  - registry.go:   catalog validation and topological order
  - engine.go:     dispatch
  - transforms.go: named value transforms
  - resolvers.go:  cross-period resolvers
*/
package payroll

import (
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// METRIC DEFINITIONS
// =============================================================================

type TemporalType string

const (
	Constant     TemporalType = "constant"
	PointInTime  TemporalType = "point_in_time"
	PeriodRecord TemporalType = "period_record"
	ConfigLookup TemporalType = "config_lookup"
	YTDSum       TemporalType = "ytd_sum"
	PrevValue    TemporalType = "prev_value"
	CrossPeriod  TemporalType = "cross_period"
	Formula      TemporalType = "formula"
)

type PeriodBasis string

const (
	BasisSalary       PeriodBasis = "salary"
	BasisDeductionTax PeriodBasis = "deduction_tax"
	BasisNone         PeriodBasis = "none"
)

type ValueType string

const (
	ValueNumber ValueType = "number"
	ValueText   ValueType = "text"
)

// Scan modes of point_in_time metrics.
const (
	ModeVersionHistory = "version_history"
	ModeActivityScan   = "activity_scan"
)

// Twins read by default when a source omits its twin.
const (
	PayrollTwin    = "person_company_payroll"
	EmploymentTwin = "person_company_employment"
)

// Source says where a metric reads from. Which fields matter depends on the
// temporal type.
type Source struct {
	Value          any      `yaml:"value,omitempty" json:"value,omitempty"`
	Mode           string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Twin           string   `yaml:"twin,omitempty" json:"twin,omitempty"`
	Field          string   `yaml:"field,omitempty" json:"field,omitempty"`
	EffectiveField string   `yaml:"effective_field,omitempty" json:"effective_field,omitempty"`
	Transform      string   `yaml:"transform,omitempty" json:"transform,omitempty"`
	Metric         string   `yaml:"metric,omitempty" json:"metric,omitempty"`
	Resolver       string   `yaml:"resolver,omitempty" json:"resolver,omitempty"`
	Expression     string   `yaml:"expression,omitempty" json:"expression,omitempty"`
	DependsOn      []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Metric is one catalog entry.
type Metric struct {
	Key          string       `yaml:"key" json:"key"`
	Label        string       `yaml:"label,omitempty" json:"label,omitempty"`
	TemporalType TemporalType `yaml:"temporal_type" json:"temporal_type"`
	PeriodBasis  PeriodBasis  `yaml:"period_basis,omitempty" json:"period_basis"`
	ValueType    ValueType    `yaml:"value_type,omitempty" json:"value_type"`
	Default      any          `yaml:"default,omitempty" json:"default,omitempty"`
	Source       Source       `yaml:"source" json:"source"`
}

// IsText reports whether the metric yields a string.
func (m Metric) IsText() bool { return m.ValueType == ValueText }

// DefaultDecimal is the numeric fallback (0 when unset).
func (m Metric) DefaultDecimal() decimal.Decimal {
	d, _ := generic.ToDecimal(m.Default)
	return d
}

// DefaultText is the text fallback ("" when unset).
func (m Metric) DefaultText() string {
	return generic.Payload{"v": m.Default}.String("v")
}

// Lookup is a named table mapping a text key to a coefficient.
type Lookup struct {
	Default decimal.Decimal
	Values  map[string]decimal.Decimal
}

// Get returns the coefficient for key, or the table default.
func (l Lookup) Get(key string) decimal.Decimal {
	if v, ok := l.Values[key]; ok {
		return v
	}
	return l.Default
}
