package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// Twins written by each flow.
const (
	SocialSecurityBaseTwin = "person_company_social_security_base"
	HousingFundBaseTwin    = "person_company_housing_fund_base"
	TaxDeductionTwin       = "person_company_tax_deduction"
)

// TaxDeductionFields are the values a tax-deduction batch may set.
var TaxDeductionFields = []string{
	"children_education",
	"continuing_education",
	"housing_loan_interest",
	"housing_rent",
	"elderly_support",
	"infant_care",
}

// Twin returns the stream a batch kind writes to.
func (k Kind) Twin() (string, error) {
	switch k {
	case KindSocialSecurityBase:
		return SocialSecurityBaseTwin, nil
	case KindHousingFundBase:
		return HousingFundBaseTwin, nil
	case KindTaxDeduction:
		return TaxDeductionTwin, nil
	}
	return "", generic.NewValidationError("batch", "kind", fmt.Sprintf("unknown batch kind %q", k), nil)
}

// =============================================================================
// REQUESTS
// =============================================================================

// Targets select the affected people from their latest employment states.
// Zero values match everything. Terminated employments never match.
type Targets struct {
	CompanyID    int64   `json:"company_id,omitempty"`
	Department   string  `json:"department,omitempty"`
	EmployeeType string  `json:"employee_type,omitempty"`
	PersonIDs    []int64 `json:"person_ids,omitempty"`
}

func (t Targets) filters() generic.Filters {
	f := generic.Filters{}
	if t.CompanyID != 0 {
		f["company_id"] = t.CompanyID
	}
	if t.Department != "" {
		f["department"] = t.Department
	}
	if t.EmployeeType != "" {
		f["employee_type"] = t.EmployeeType
	}
	return f
}

// StageRequest describes a bulk change.
//
// Base flows: new_base = min(max(current or DefaultBase, MinBase), MaxBase).
// Housing fund: the rate is Rate, else the current rate, else DefaultRate.
// Tax deduction: Values are written for Period.
type StageRequest struct {
	Kind          Kind            `json:"kind"`
	Period        string          `json:"period"`
	EffectiveDate string          `json:"effective_date,omitempty"`
	Targets       Targets         `json:"targets"`
	MinBase       *float64        `json:"min_base,omitempty"`
	MaxBase       *float64        `json:"max_base,omitempty"`
	DefaultBase   float64         `json:"default_base,omitempty"`
	Rate          *float64        `json:"rate,omitempty"`
	DefaultRate   float64         `json:"default_rate,omitempty"`
	Values        generic.Payload `json:"values,omitempty"`
}

// ExecuteReport counts what one Execute call did.
type ExecuteReport struct {
	BatchID string `json:"batch_id"`
	Status  Status `json:"status"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor runs the batch flows. It reads people through the TwinStore
// and persists batches through the Repository.
type Processor struct {
	store  generic.TwinStore
	repo   Repository
	engine *payroll.Engine
	clock  generic.Clock
	log    *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock pins the clock for created_at and applied_at stamps.
func WithClock(c generic.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithLogger sets the processor logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// NewProcessor creates a processor. engine may be nil when payroll
// summaries are not needed.
func NewProcessor(store generic.TwinStore, repo Repository, engine *payroll.Engine, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		repo:   repo,
		engine: engine,
		clock:  generic.SystemClock,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// =============================================================================
// STAGE
// =============================================================================

// Stage resolves the affected people, captures current values, proposes new
// ones and persists a pending batch.
func (p *Processor) Stage(ctx context.Context, req StageRequest) (*Batch, []Item, error) {
	twin, err := req.Kind.Twin()
	if err != nil {
		return nil, nil, err
	}
	period, err := generic.ParseMonth(req.Period)
	if err != nil {
		return nil, nil, err
	}
	effective := req.EffectiveDate
	if effective == "" {
		effective = period.FirstDay().Format(generic.DateLayout)
	}
	if _, ok := generic.ParseDate(effective); !ok {
		return nil, nil, generic.NewValidationError("batch", "effective_date", fmt.Sprintf("invalid date %q", effective), nil)
	}
	if req.MinBase != nil && req.MaxBase != nil && *req.MinBase > *req.MaxBase {
		return nil, nil, generic.NewValidationError("batch", "min_base", "min_base exceeds max_base", nil)
	}

	targets, err := p.resolveTargets(ctx, req.Targets)
	if err != nil {
		return nil, nil, err
	}

	b := &Batch{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Status:    StatusPending,
		Period:    period.String(),
		Params:    req.params(effective),
		CreatedAt: p.clock(),
	}

	items := make([]Item, 0, len(targets))
	for _, t := range targets {
		it := Item{PersonID: t.PersonID, CompanyID: t.CompanyID}
		switch req.Kind {
		case KindTaxDeduction:
			err = p.stageTaxDeduction(ctx, twin, period, req, &it)
		default:
			err = p.stageBase(ctx, twin, effective, req, &it)
		}
		if err != nil {
			return nil, nil, err
		}
		items = append(items, it)
	}

	saved, err := p.repo.SaveBatch(ctx, b, items)
	if err != nil {
		return nil, nil, err
	}
	p.log.Info("batch staged",
		zap.String("batch_id", b.ID),
		zap.String("kind", string(b.Kind)),
		zap.String("period", b.Period),
		zap.Int("items", len(saved)),
	)
	return b, saved, nil
}

func (req StageRequest) params(effective string) generic.Payload {
	params := generic.Payload{
		"effective_date": effective,
		"targets":        req.Targets,
	}
	if req.MinBase != nil {
		params["min_base"] = *req.MinBase
	}
	if req.MaxBase != nil {
		params["max_base"] = *req.MaxBase
	}
	if req.DefaultBase != 0 {
		params["default_base"] = req.DefaultBase
	}
	if req.Rate != nil {
		params["rate"] = *req.Rate
	}
	if req.DefaultRate != 0 {
		params["default_rate"] = req.DefaultRate
	}
	if len(req.Values) > 0 {
		params["values"] = req.Values
	}
	return params
}

// resolveTargets returns one employment per (person, company), taken from
// the latest employment states. Terminated employments are skipped.
func (p *Processor) resolveTargets(ctx context.Context, t Targets) ([]payroll.Employment, error) {
	rows, err := p.store.ListTwins(ctx, payroll.EmploymentTwin, t.filters(), false)
	if err != nil {
		return nil, err
	}
	only := make(map[int64]bool, len(t.PersonIDs))
	for _, id := range t.PersonIDs {
		only[id] = true
	}

	type pair struct{ person, company int64 }
	newest := make(map[pair]int64)
	byPair := make(map[pair]payroll.Employment)
	for _, row := range rows {
		emp, err := payroll.DecodeEmployment(row)
		if err != nil {
			return nil, fmt.Errorf("decode employment: %w", err)
		}
		if emp.Terminated() || len(only) > 0 && !only[emp.PersonID] {
			continue
		}
		id, _ := row.Int("id")
		k := pair{emp.PersonID, emp.CompanyID}
		if id > newest[k] {
			newest[k] = id
			byPair[k] = emp
		}
	}

	out := make([]payroll.Employment, 0, len(byPair))
	for _, emp := range byPair {
		out = append(out, emp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		return out[i].CompanyID < out[j].CompanyID
	})
	return out, nil
}

// latestTwin returns the newest (person, company) twin of a stream and its
// latest state, or (0, nil).
func (p *Processor) latestTwin(ctx context.Context, twin string, personID, companyID int64) (int64, generic.Payload, error) {
	rows, err := p.store.ListTwins(ctx, twin, generic.Filters{"person_id": personID, "company_id": companyID}, false)
	if err != nil {
		return 0, nil, err
	}
	var (
		bestID  int64
		bestRow generic.Payload
	)
	for _, row := range rows {
		if id, ok := row.Int("id"); ok && id > bestID {
			bestID, bestRow = id, row
		}
	}
	return bestID, bestRow, nil
}

func (p *Processor) stageBase(ctx context.Context, twin, effective string, req StageRequest, it *Item) error {
	id, cur, err := p.latestTwin(ctx, twin, it.PersonID, it.CompanyID)
	if err != nil {
		return err
	}
	it.TargetTwinID = id
	it.Current = generic.Payload{}

	base := decimal.NewFromFloat(req.DefaultBase)
	if v, ok := cur.Decimal("base_amount"); ok {
		it.Current["base_amount"] = v.InexactFloat64()
		base = v
	}
	if cur.Has("effective_date") {
		it.Current["effective_date"] = cur.String("effective_date")
	}
	it.Proposed = generic.Payload{
		"base_amount":    ClampBase(base, req.MinBase, req.MaxBase).InexactFloat64(),
		"effective_date": effective,
	}

	if req.Kind == KindHousingFundBase {
		rate := req.DefaultRate
		if v, ok := cur.Float("rate"); ok {
			it.Current["rate"] = v
			rate = v
		}
		if req.Rate != nil {
			rate = *req.Rate
		}
		it.Proposed["rate"] = rate
	}
	return nil
}

func (p *Processor) stageTaxDeduction(ctx context.Context, twin string, period generic.Month, req StageRequest, it *Item) error {
	id, _, err := p.latestTwin(ctx, twin, it.PersonID, it.CompanyID)
	if err != nil {
		return err
	}
	it.TargetTwinID = id
	it.Current = generic.Payload{}
	if id != 0 {
		states, err := p.store.QueryTwins(ctx, twin, generic.Filters{"id": id, "time_key": period.String()}, "", 1)
		if err != nil {
			return err
		}
		if len(states) > 0 {
			for _, f := range TaxDeductionFields {
				if states[0].Data.Has(f) {
					it.Current[f] = states[0].Data[f]
				}
			}
		}
	}

	it.Proposed = generic.Payload{"period": period.String()}
	for _, f := range TaxDeductionFields {
		switch {
		case req.Values.Has(f):
			it.Proposed[f] = req.Values[f]
		case it.Current.Has(f):
			it.Proposed[f] = it.Current[f]
		}
	}
	return nil
}

// ClampBase applies min(max(base, min), max). Nil bounds are open.
func ClampBase(base decimal.Decimal, min, max *float64) decimal.Decimal {
	if min != nil {
		base = decimal.Max(base, decimal.NewFromFloat(*min))
	}
	if max != nil {
		base = decimal.Min(base, decimal.NewFromFloat(*max))
	}
	return base
}

// =============================================================================
// EDIT
// =============================================================================

// EditItem overwrites proposed values on one item. Keys not in values keep
// their staged value. Applied items cannot be edited.
func (p *Processor) EditItem(ctx context.Context, batchID string, itemID int64, values generic.Payload) (*Item, error) {
	items, err := p.repo.Items(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID != itemID {
			continue
		}
		proposed := it.Proposed.Clone()
		for k, v := range values {
			if strings.TrimSpace(k) == "" {
				continue
			}
			proposed[k] = v
		}
		return p.repo.UpdateItem(ctx, batchID, itemID, proposed)
	}
	if _, err := p.repo.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: item %d of %s", generic.ErrBatchNotFound, itemID, batchID)
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute applies every pending item, each in its own transaction, then
// marks the batch applied. Items already applied are skipped, so running
// Execute again is a no-op.
func (p *Processor) Execute(ctx context.Context, batchID string) (*ExecuteReport, error) {
	b, err := p.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	twin, err := b.Kind.Twin()
	if err != nil {
		return nil, err
	}
	items, err := p.repo.Items(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &ExecuteReport{BatchID: batchID}
	for _, it := range items {
		if it.Applied {
			report.Skipped++
			continue
		}
		item := it
		applied, err := p.repo.ApplyItem(ctx, batchID, it.ID, p.clock(), func(tx generic.TwinStore) error {
			return appendItem(ctx, tx, twin, b, item)
		})
		if err != nil {
			p.log.Error("batch item failed",
				zap.String("batch_id", batchID),
				zap.Int64("item_id", it.ID),
				zap.Int64("person_id", it.PersonID),
				zap.Error(err),
			)
			return report, fmt.Errorf("item %d: %w", it.ID, err)
		}
		if applied {
			report.Applied++
		} else {
			report.Skipped++
		}
	}

	if b.Status != StatusApplied {
		if err := p.repo.SetStatus(ctx, batchID, StatusApplied, p.clock()); err != nil {
			return report, err
		}
	}
	report.Status = StatusApplied
	p.log.Info("batch executed",
		zap.String("batch_id", batchID),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// appendItem writes one item's state, stamped with the batch id. Updates
// start from the target's stored state so fields the batch does not touch
// survive the full-state write.
func appendItem(ctx context.Context, tx generic.TwinStore, twin string, b *Batch, it Item) error {
	if it.TargetTwinID != 0 {
		prev, err := storedState(ctx, tx, twin, it)
		if err != nil {
			return err
		}
		payload := prev.Merge(it.Proposed)
		payload["batch_id"] = b.ID
		_, err = tx.UpdateTwin(ctx, twin, it.TargetTwinID, payload)
		return err
	}
	payload := it.Current.Merge(it.Proposed)
	payload["batch_id"] = b.ID
	payload["person_id"] = it.PersonID
	payload["company_id"] = it.CompanyID
	_, err := tx.CreateTwin(ctx, twin, payload)
	return err
}

// storedState reads the data an update builds on: the latest state of a
// versioned twin, or the state at the proposed time key of a time-series
// twin (empty when that period has none yet).
func storedState(ctx context.Context, tx generic.TwinStore, twin string, it Item) (generic.Payload, error) {
	desc, err := tx.Schema().Twin(twin)
	if err != nil {
		return nil, err
	}
	var data generic.Payload
	if desc.IsVersioned() {
		view, err := tx.GetTwin(ctx, twin, it.TargetTwinID, false)
		if err != nil {
			return nil, err
		}
		data = view.Current
	} else {
		states, err := tx.QueryTwins(ctx, twin, generic.Filters{
			"id":       it.TargetTwinID,
			"time_key": it.Proposed.String(desc.TimeKeyField()),
		}, "", 1)
		if err != nil {
			return nil, err
		}
		if len(states) > 0 {
			data = states[0].Data
		}
	}
	out := data.Clone()
	for _, k := range []string{"id", "ts", "version", "batch_id"} {
		delete(out, k)
	}
	return out, nil
}

// Get returns a batch and its items.
func (p *Processor) Get(ctx context.Context, batchID string) (*Batch, []Item, error) {
	b, err := p.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	items, err := p.repo.Items(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return b, items, nil
}
