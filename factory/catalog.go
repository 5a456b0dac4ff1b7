/*
Package factory loads the twin schema and the metric catalog from YAML.

PURPOSE:
  Converts YAML documents into a generic.Registry and a payroll metric
  catalog. Payroll rules live in configuration: HR can add a metric,
  change a coefficient or point a metric at another twin without a code
  change. Built-in presets are embedded so the engine boots with no files.

CATALOG SCHEMA:
  lookups:
    position_base_ratio:
      default: 0.7
      values: {实习生: 0.9}
  metrics:
    - key: monthly_salary
      temporal_type: point_in_time
      source: {twin: person_company_employment, field: salary,
               effective_field: change_date, transform: salary_to_monthly}
    - key: gross_pay
      temporal_type: formula
      source: {expression: "base_amount + perf_amount"}

KEY FEATURES:
  - Unknown keys are rejected (typos in a catalog fail at boot)
  - Lookup values are decimals, never floats, once parsed
  - An empty path means "use the embedded preset"

USAGE:
  f := factory.NewCatalogFactory()
  schema, err := f.LoadSchemaFile(cfg.SchemaFile)
  catalog, err := f.LoadCatalogFile(cfg.MetricsFile)
  metrics, err := catalog.Registry(schema)

SEE ALSO:
  - generic/schema.go:  the twin schema format
  - payroll/metric.go:  metric definitions
  - presets/:           embedded defaults
*/
package factory

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

//go:embed presets/twins.yaml
var defaultSchema []byte

//go:embed presets/metrics.yaml
var defaultCatalog []byte

// DefaultSchemaYAML returns the embedded twin schema document.
func DefaultSchemaYAML() []byte { return append([]byte(nil), defaultSchema...) }

// DefaultCatalogYAML returns the embedded metric catalog document.
func DefaultCatalogYAML() []byte { return append([]byte(nil), defaultCatalog...) }

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// CatalogYAML is the YAML representation of a metric catalog.
type CatalogYAML struct {
	Lookups map[string]LookupYAML `yaml:"lookups,omitempty"`
	Metrics []payroll.Metric      `yaml:"metrics"`
}

// LookupYAML represents one coefficient table.
type LookupYAML struct {
	Default float64            `yaml:"default"`
	Values  map[string]float64 `yaml:"values,omitempty"`
}

// Catalog is a parsed metric catalog.
type Catalog struct {
	Metrics []payroll.Metric
	Lookups map[string]payroll.Lookup
}

// Registry validates the catalog and, when schema is non-nil, checks every
// twin and field it reads.
func (c *Catalog) Registry(schema *generic.Registry) (*payroll.Registry, error) {
	reg, err := payroll.NewRegistry(c.Metrics, c.Lookups)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		if err := reg.CheckSchema(schema); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Grades returns the grade coefficient table for the formula evaluator.
func (c *Catalog) Grades() map[string]decimal.Decimal {
	l, ok := c.Lookups[payroll.LookupGradeCoefficient]
	if !ok {
		return nil
	}
	return l.Values
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts YAML documents to schema and catalog values.
type CatalogFactory struct{}

// NewCatalogFactory creates a new catalog factory.
func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseSchema parses a twin schema document.
func (f *CatalogFactory) ParseSchema(doc []byte) (*generic.Registry, error) {
	return generic.LoadSchema(doc)
}

// LoadSchemaFile reads a twin schema from path, or the embedded preset when
// path is empty.
func (f *CatalogFactory) LoadSchemaFile(path string) (*generic.Registry, error) {
	doc, err := readOr(path, defaultSchema)
	if err != nil {
		return nil, err
	}
	return f.ParseSchema(doc)
}

// ParseCatalog parses a metric catalog document.
func (f *CatalogFactory) ParseCatalog(doc []byte) (*Catalog, error) {
	var cy CatalogYAML
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&cy); err != nil {
		return nil, &generic.SchemaError{Reason: fmt.Sprintf("failed to parse metric catalog: %v", err)}
	}
	return f.FromYAML(cy)
}

// LoadCatalogFile reads a metric catalog from path, or the embedded preset
// when path is empty.
func (f *CatalogFactory) LoadCatalogFile(path string) (*Catalog, error) {
	doc, err := readOr(path, defaultCatalog)
	if err != nil {
		return nil, err
	}
	return f.ParseCatalog(doc)
}

// FromYAML converts CatalogYAML to a Catalog.
func (f *CatalogFactory) FromYAML(cy CatalogYAML) (*Catalog, error) {
	if len(cy.Metrics) == 0 {
		return nil, &generic.SchemaError{Reason: "metric catalog declares no metrics"}
	}
	c := &Catalog{
		Metrics: cy.Metrics,
		Lookups: make(map[string]payroll.Lookup, len(cy.Lookups)),
	}
	for name, ly := range cy.Lookups {
		c.Lookups[name] = parseLookup(ly)
	}
	return c, nil
}

// ToYAML converts a Catalog back to its YAML representation.
func (f *CatalogFactory) ToYAML(c *Catalog) CatalogYAML {
	cy := CatalogYAML{Metrics: c.Metrics}
	if len(c.Lookups) > 0 {
		cy.Lookups = make(map[string]LookupYAML, len(c.Lookups))
	}
	for name, l := range c.Lookups {
		ly := LookupYAML{Default: l.Default.InexactFloat64()}
		if len(l.Values) > 0 {
			ly.Values = make(map[string]float64, len(l.Values))
			for k, v := range l.Values {
				ly.Values[k] = v.InexactFloat64()
			}
		}
		cy.Lookups[name] = ly
	}
	return cy
}

// LookupNames returns the catalog's table names, sorted.
func (c *Catalog) LookupNames() []string {
	names := make([]string, 0, len(c.Lookups))
	for name := range c.Lookups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseLookup(ly LookupYAML) payroll.Lookup {
	l := payroll.Lookup{Default: decimal.NewFromFloat(ly.Default)}
	if len(ly.Values) > 0 {
		l.Values = make(map[string]decimal.Decimal, len(ly.Values))
		for k, v := range ly.Values {
			l.Values[k] = decimal.NewFromFloat(v)
		}
	}
	return l
}

func readOr(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return doc, nil
}
