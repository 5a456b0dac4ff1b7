package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine computes payroll. It reads only through the TwinStore and the
// formula evaluator and never writes.
type Engine struct {
	store        generic.TwinStore
	metrics      *Registry
	eval         *formula.Evaluator
	log          *zap.Logger
	computations *prometheus.CounterVec
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithRegisterer exports payroll_computations_total{outcome} to reg.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payroll_computations_total",
			Help: "Payroll computations by outcome.",
		}, []string{"outcome"})
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				c = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		e.computations = c
	}
}

// NewEngine builds an engine over store.
func NewEngine(store generic.TwinStore, metrics *Registry, eval *formula.Evaluator, opts ...EngineOption) *Engine {
	e := &Engine{store: store, metrics: metrics, eval: eval, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the metric registry.
func (e *Engine) Registry() *Registry { return e.metrics }

// Warning records a metric that fell back to its default.
type Warning struct {
	Metric  string `json:"metric"`
	Message string `json:"message"`
}

// Result is the output of Compute. Values holds every numeric metric,
// Text every text metric.
type Result struct {
	PersonID        int64                      `json:"person_id"`
	CompanyID       int64                      `json:"company_id"`
	Period          string                     `json:"period"`
	DeductionPeriod string                     `json:"deduction_period"`
	Values          map[string]decimal.Decimal `json:"values"`
	Text            map[string]string          `json:"text,omitempty"`
	Warnings        []Warning                  `json:"warnings,omitempty"`
}

// Value returns a numeric metric (zero if absent).
func (r *Result) Value(key string) decimal.Decimal { return r.Values[key] }

// Compute resolves every metric for (person, company, salary period).
// Storage failures are returned; formula failures become warnings.
func (e *Engine) Compute(ctx context.Context, personID, companyID int64, salaryPeriod string) (*Result, error) {
	res, err := e.compute(ctx, personID, companyID, salaryPeriod)
	if e.computations != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(generic.KindOf(err))
		}
		e.computations.WithLabelValues(outcome).Inc()
	}
	return res, err
}

func (e *Engine) compute(ctx context.Context, personID, companyID int64, salaryPeriod string) (*Result, error) {
	sp, err := generic.ParseMonth(salaryPeriod)
	if err != nil {
		return nil, err
	}
	r := &run{
		e:         e,
		ctx:       ctx,
		person:    personID,
		company:   companyID,
		salary:    sp,
		deduction: sp.DeductionPeriod(),
		vars:      make(map[string]any),
		memo:      newStreamMemo(e.store, personID, companyID),
		res: &Result{
			PersonID:        personID,
			CompanyID:       companyID,
			Period:          sp.String(),
			DeductionPeriod: sp.DeductionPeriod().String(),
			Values:          make(map[string]decimal.Decimal),
			Text:            make(map[string]string),
		},
	}
	for _, m := range e.metrics.Ordered() {
		if err := r.resolve(m); err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Key, err)
		}
	}
	return r.res, nil
}

// =============================================================================
// RUN - State of one Compute call
// =============================================================================

type run struct {
	e         *Engine
	ctx       context.Context
	person    int64
	company   int64
	salary    generic.Month
	deduction generic.Month
	vars      map[string]any
	memo      *streamMemo
	res       *Result
}

func (r *run) period(m Metric) generic.Month {
	if m.PeriodBasis == BasisDeductionTax {
		return r.deduction
	}
	return r.salary
}

func (r *run) resolve(m Metric) error {
	var (
		v   any
		ok  bool
		err error
	)
	switch m.TemporalType {
	case Constant:
		v, ok = m.Source.Value, m.Source.Value != nil
	case PointInTime:
		if m.Source.Mode == ModeActivityScan {
			v, ok, err = r.activityScan(m)
		} else {
			v, ok, err = r.versionHistory(m)
		}
	case PeriodRecord:
		v, ok, err = r.periodRecord(m)
	case ConfigLookup:
		v, ok, err = r.configLookup(m)
	case YTDSum:
		v, ok, err = r.ytdSum(m)
	case PrevValue:
		v, ok, err = r.prevValue(m)
	case CrossPeriod:
		v, ok, err = resolvers[m.Source.Resolver](r, m)
	case Formula:
		v, ok = r.formula(m)
	}
	if err != nil {
		return err
	}
	r.set(m, v, ok)
	return nil
}

func (r *run) set(m Metric, v any, ok bool) {
	if m.IsText() {
		s := generic.Payload{"v": v}.String("v")
		if !ok || s == "" {
			s = m.DefaultText()
		}
		r.res.Text[m.Key] = s
		r.vars[m.Key] = s
		return
	}
	d, isNum := generic.ToDecimal(v)
	if !ok || !isNum {
		d = m.DefaultDecimal()
	}
	r.res.Values[m.Key] = d
	r.vars[m.Key] = d
}

func (r *run) warn(m Metric, err error) {
	r.res.Warnings = append(r.res.Warnings, Warning{Metric: m.Key, Message: err.Error()})
	r.e.log.Warn("formula failed, using default",
		zap.String("metric", m.Key),
		zap.String("expression", m.Source.Expression),
		zap.Int64("person_id", r.person),
		zap.Int64("company_id", r.company),
		zap.String("period", r.salary.String()),
		zap.Error(err),
	)
}

// =============================================================================
// RESOLUTION BY TEMPORAL TYPE
// =============================================================================

// versionHistory scans every version of the (person, company) twin and
// picks the state with the greatest effective date not after the period's
// last day. Equal dates resolve to the greatest version.
func (r *run) versionHistory(m Metric) (any, bool, error) {
	id, err := r.memo.primaryTwin(r.ctx, m.Source.Twin)
	if err != nil || id == 0 {
		return nil, false, err
	}
	states, err := r.memo.history(r.ctx, m.Source.Twin, id)
	if err != nil {
		return nil, false, err
	}
	cutoff := r.period(m).LastDay()

	var (
		best     *generic.State
		bestDate time.Time
	)
	for i := range states {
		st := &states[i]
		eff, ok := st.Data.Date(m.Source.EffectiveField)
		if !ok || eff.After(cutoff) {
			continue
		}
		if best == nil || eff.After(bestDate) || eff.Equal(bestDate) && st.Version > best.Version {
			best, bestDate = st, eff
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return r.read(m, best.Data)
}

// activityScan treats each twin as one event and picks the latest state of
// the twin with the greatest effective date. Equal dates resolve to the
// greatest twin id.
func (r *run) activityScan(m Metric) (any, bool, error) {
	rows, err := r.memo.latest(r.ctx, m.Source.Twin)
	if err != nil {
		return nil, false, err
	}
	cutoff := r.period(m).LastDay()

	var (
		best     generic.Payload
		bestID   int64
		bestDate time.Time
	)
	for _, row := range rows {
		eff, ok := row.Date(m.Source.EffectiveField)
		if !ok || eff.After(cutoff) {
			continue
		}
		id, _ := row.Int("id")
		if best == nil || eff.After(bestDate) || eff.Equal(bestDate) && id > bestID {
			best, bestID, bestDate = row, id, eff
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return r.read(m, best)
}

// periodRecord reads the state keyed by the metric's period.
func (r *run) periodRecord(m Metric) (any, bool, error) {
	row, err := r.memo.periodState(r.ctx, m.Source.Twin, r.period(m).String())
	if err != nil || row == nil {
		return nil, false, err
	}
	return r.read(m, row)
}

// configLookup reads the configuration row with the greatest effective date
// not after the period's last day. Equal dates resolve to the greatest id.
func (r *run) configLookup(m Metric) (any, bool, error) {
	rows, err := r.memo.table(r.ctx, m.Source.Twin)
	if err != nil {
		return nil, false, err
	}
	cutoff := r.period(m).LastDay()

	var (
		best     generic.Payload
		bestID   int64
		bestDate time.Time
	)
	for _, row := range rows {
		eff, ok := row.Date(m.Source.EffectiveField)
		if !ok || eff.After(cutoff) || !row.Has(m.Source.Field) {
			continue
		}
		id, _ := row.Int("id")
		if best == nil || eff.After(bestDate) || eff.Equal(bestDate) && id > bestID {
			best, bestID, bestDate = row, id, eff
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best[m.Source.Field], true, nil
}

// read extracts the source field and applies the transform, if any.
func (r *run) read(m Metric, state generic.Payload) (any, bool, error) {
	v, present := state[m.Source.Field]
	if m.Source.Transform == "" {
		return v, present && v != nil, nil
	}
	out, ok := transforms[m.Source.Transform](r.e.metrics, v, state)
	return out, ok, nil
}

// formula evaluates against the metrics resolved so far. A parse or
// evaluation failure yields the default and a warning.
func (r *run) formula(m Metric) (any, bool) {
	v, err := r.e.eval.Eval(m.Source.Expression, r.vars)
	if err != nil {
		r.warn(m, err)
		return nil, false
	}
	return v, true
}
