/*
Package core owns the long-lived pieces of the payroll engine.

PURPOSE:
  One explicit Context replaces module-level singletons: the schema
  registry, the metric registry, the formula evaluator (and its AST cache)
  and the storage handle are built once at boot and passed by reference.

BOOT ORDER:
  1. schema     twins.yaml (file or embedded preset)
  2. catalog    metrics.yaml, validated against the schema
  3. store      opened and provisioned from the schema
  4. evaluator  grade table from the catalog
  5. engine     payroll.Engine over store + registry + evaluator
  6. batches    batch.Processor over store + engine

Everything except the store is read-only after New returns.
*/
package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

// Options configure New. Zero values select the embedded presets and an
// in-memory SQLite database.
type Options struct {
	Driver      string
	DSN         string
	SchemaFile  string
	MetricsFile string
	Logger      *zap.Logger
	Registerer  prometheus.Registerer
	Clock       generic.Clock
}

// Context is the engine's shared state.
type Context struct {
	Schema   *generic.Registry
	Catalog  *factory.Catalog
	Metrics  *payroll.Registry
	Formulas *formula.Evaluator
	Store    *sqlite.Store
	Engine   *payroll.Engine
	Batches  *batch.Processor
	Logger   *zap.Logger
	Clock    generic.Clock
}

// New builds a Context. The caller must Close it.
func New(ctx context.Context, opts Options) (*Context, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DSN == "" {
		opts.DSN = ":memory:"
	}

	f := factory.NewCatalogFactory()
	schema, err := f.LoadSchemaFile(opts.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	catalog, err := f.LoadCatalogFile(opts.MetricsFile)
	if err != nil {
		return nil, fmt.Errorf("load metric catalog: %w", err)
	}
	metrics, err := catalog.Registry(schema)
	if err != nil {
		return nil, fmt.Errorf("build metric registry: %w", err)
	}

	if opts.Clock == nil {
		opts.Clock = generic.SystemClock
	}
	storeOpts := []sqlite.Option{sqlite.WithLogger(log.Named("store")), sqlite.WithClock(opts.Clock)}
	batchOpts := []batch.Option{batch.WithLogger(log.Named("batch")), batch.WithClock(opts.Clock)}
	store, err := sqlite.New(opts.Driver, opts.DSN, schema, storeOpts...)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		store.Close()
		return nil, err
	}

	var evalOpts []formula.Option
	if grades := catalog.Grades(); len(grades) > 0 {
		evalOpts = append(evalOpts, formula.WithGrades(grades))
	}
	eval := formula.NewEvaluator(evalOpts...)

	engineOpts := []payroll.EngineOption{payroll.WithLogger(log.Named("payroll"))}
	if opts.Registerer != nil {
		engineOpts = append(engineOpts, payroll.WithRegisterer(opts.Registerer))
	}
	engine := payroll.NewEngine(store, metrics, eval, engineOpts...)

	log.Info("core ready",
		zap.Int("twins", len(schema.Names())),
		zap.Int("metrics", len(metrics.Ordered())),
	)
	return &Context{
		Schema:   schema,
		Catalog:  catalog,
		Metrics:  metrics,
		Formulas: eval,
		Store:    store,
		Engine:   engine,
		Batches:  batch.NewProcessor(store, store, engine, batchOpts...),
		Logger:   log,
		Clock:    opts.Clock,
	}, nil
}

// Close releases the storage handle.
func (c *Context) Close() error {
	return c.Store.Close()
}
