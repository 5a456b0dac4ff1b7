package payroll

import (
	"context"

	"github.com/warp/payroll-engine/generic"
)

// Payload renders a result as a payroll state: every numeric metric
// rounded to cents, every text metric as is, plus the period keys.
// Fields the payroll twin does not declare are dropped by the store.
func (r *Result) Payload() generic.Payload {
	p := make(generic.Payload, len(r.Values)+len(r.Text)+4)
	for k, v := range r.Values {
		p[k] = v.Round(2).InexactFloat64()
	}
	for k, v := range r.Text {
		p[k] = v
	}
	p["person_id"] = r.PersonID
	p["company_id"] = r.CompanyID
	p["salary_period"] = r.Period
	p["deduction_period"] = r.DeductionPeriod
	return p
}

// Persist stores a computed result in the payroll stream, keyed by salary
// period. The engine never calls it; computing and saving are separate steps.
func Persist(ctx context.Context, store generic.TwinStore, res *Result) (*generic.TwinRecord, error) {
	existing, err := store.ListTwins(ctx, PayrollTwin, generic.Filters{
		"person_id":  res.PersonID,
		"company_id": res.CompanyID,
	}, false)
	if err != nil {
		return nil, err
	}
	var id int64
	for _, row := range existing {
		if v, ok := row.Int("id"); ok && v > id {
			id = v
		}
	}
	if id == 0 {
		return store.CreateTwin(ctx, PayrollTwin, res.Payload())
	}
	return store.UpdateTwin(ctx, PayrollTwin, id, res.Payload())
}
