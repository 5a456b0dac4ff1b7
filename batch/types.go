/*
Package batch stages, edits and applies bulk changes to state streams.

PURPOSE:
  Three flows share one shape: social-security base, housing-fund base and
  tax deductions. A fourth, the payroll summary, is read-only.

LIFECYCLE:
  Stage    resolve targets from the latest employment states, capture each
           person's current values, propose clamped new values, persist a
           pending batch plus one item per person
  Edit     overwrite proposed values on any item not yet applied
  Execute  per item, in one transaction: skip if applied, append a state
           stamped with batch_id, mark applied. Then mark the batch applied.

IDEMPOTENCE:
  Re-executing a batch whose items are all applied appends nothing.

SEE ALSO:
  - processor.go:            the flows
  - store/sqlite/batch.go:   Repository implementation
*/
package batch

import (
	"context"
	"time"

	"github.com/warp/payroll-engine/generic"
)

// Kind selects the target stream of a batch.
type Kind string

const (
	KindSocialSecurityBase Kind = "social_security_base"
	KindHousingFundBase    Kind = "housing_fund_base"
	KindTaxDeduction       Kind = "tax_deduction"
)

// Status of a batch.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
)

// Batch is a staged bulk mutation.
type Batch struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"status"`
	Period    string          `json:"period"`
	Params    generic.Payload `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
	AppliedAt *time.Time      `json:"applied_at,omitempty"`
}

// Item is one affected person. TargetTwinID is 0 when execution must create
// the twin.
type Item struct {
	ID           int64           `json:"id"`
	BatchID      string          `json:"batch_id"`
	PersonID     int64           `json:"person_id"`
	CompanyID    int64           `json:"company_id"`
	TargetTwinID int64           `json:"target_twin_id"`
	Current      generic.Payload `json:"current"`
	Proposed     generic.Payload `json:"proposed"`
	Applied      bool            `json:"applied"`
	AppliedAt    *time.Time      `json:"applied_at,omitempty"`
}

// Repository persists batches. ApplyItem must run fn and the applied flag
// update in one transaction and report false when the item was already applied.
type Repository interface {
	SaveBatch(ctx context.Context, b *Batch, items []Item) ([]Item, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	Items(ctx context.Context, batchID string) ([]Item, error)
	UpdateItem(ctx context.Context, batchID string, itemID int64, proposed generic.Payload) (*Item, error)
	ApplyItem(ctx context.Context, batchID string, itemID int64, at time.Time, fn func(generic.TwinStore) error) (bool, error)
	SetStatus(ctx context.Context, batchID string, status Status, at time.Time) error
}
