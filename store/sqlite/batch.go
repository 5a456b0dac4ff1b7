package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// batch.Repository
// =============================================================================

const itemColumns = "id, batch_id, person_id, company_id, target_twin_id, current_values, new_values, applied, applied_at"

// SaveBatch inserts the batch and its items atomically and returns the
// items with their ids.
func (s *Store) SaveBatch(ctx context.Context, b *batch.Batch, items []batch.Item) ([]batch.Item, error) {
	params, err := json.Marshal(b.Params)
	if err != nil {
		return nil, fmt.Errorf("encode batch params: %w", err)
	}
	out := make([]batch.Item, 0, len(items))

	err = s.write(ctx, "save batch", func(r *runner) error {
		_, err := r.q.ExecContext(ctx, r.q.Rebind(
			"INSERT INTO batch (id, kind, status, period, params, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
			b.ID, string(b.Kind), string(b.Status), b.Period, string(params), generic.FormatTimestamp(b.CreatedAt))
		if err != nil {
			return generic.Storage("insert batch", err)
		}
		for _, it := range items {
			cur, err := json.Marshal(it.Current)
			if err != nil {
				return fmt.Errorf("encode current values: %w", err)
			}
			next, err := json.Marshal(it.Proposed)
			if err != nil {
				return fmt.Errorf("encode new values: %w", err)
			}
			err = r.q.QueryRowxContext(ctx, r.q.Rebind(`INSERT INTO batch_item
(batch_id, person_id, company_id, target_twin_id, current_values, new_values, applied)
VALUES (?, ?, ?, ?, ?, ?, 0) RETURNING id`),
				b.ID, it.PersonID, it.CompanyID, it.TargetTwinID, string(cur), string(next)).Scan(&it.ID)
			if err != nil {
				return generic.Storage("insert batch_item", err)
			}
			it.BatchID = b.ID
			out = append(out, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBatch returns the batch or ErrBatchNotFound.
func (s *Store) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	var (
		b                 batch.Batch
		kind, status      string
		params, createdAt string
		appliedAt         sql.NullString
	)
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		"SELECT id, kind, status, period, params, created_at, applied_at FROM batch WHERE id = ?"), id).
		Scan(&b.ID, &kind, &status, &b.Period, &params, &createdAt, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, generic.Storage("select batch", err)
	}
	b.Kind = batch.Kind(kind)
	b.Status = batch.Status(status)
	if err := json.Unmarshal([]byte(params), &b.Params); err != nil {
		return nil, fmt.Errorf("decode batch params: %w", err)
	}
	if b.CreatedAt, err = generic.ParseTimestamp(createdAt); err != nil {
		return nil, err
	}
	b.AppliedAt = parseNullTime(appliedAt)
	return &b, nil
}

// Items returns the batch items in insertion order.
func (s *Store) Items(ctx context.Context, batchID string) ([]batch.Item, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(
		"SELECT "+itemColumns+" FROM batch_item WHERE batch_id = ? ORDER BY id"), batchID)
	if err != nil {
		return nil, generic.Storage("select batch_item", err)
	}
	defer rows.Close()

	var items []batch.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, generic.Storage("iterate batch_item", rows.Err())
}

// UpdateItem overwrites the proposed values of an item. Applied items are
// a conflict.
func (s *Store) UpdateItem(ctx context.Context, batchID string, itemID int64, proposed generic.Payload) (*batch.Item, error) {
	next, err := json.Marshal(proposed)
	if err != nil {
		return nil, fmt.Errorf("encode new values: %w", err)
	}
	var out batch.Item
	err = s.write(ctx, "update batch_item", func(r *runner) error {
		it, err := r.item(ctx, batchID, itemID)
		if err != nil {
			return err
		}
		if it.Applied {
			return &generic.ConflictError{Twin: "batch_item", Key: fmt.Sprint(itemID), Reason: "item already applied"}
		}
		_, err = r.q.ExecContext(ctx, r.q.Rebind("UPDATE batch_item SET new_values = ? WHERE id = ?"), string(next), itemID)
		if err != nil {
			return generic.Storage("update batch_item", err)
		}
		it.Proposed = proposed
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyItem runs fn and marks the item applied in one transaction.
func (s *Store) ApplyItem(ctx context.Context, batchID string, itemID int64, at time.Time, fn func(generic.TwinStore) error) (bool, error) {
	applied := false
	err := s.write(ctx, "apply batch_item", func(r *runner) error {
		it, err := r.item(ctx, batchID, itemID)
		if err != nil {
			return err
		}
		if it.Applied {
			return nil
		}
		if err := fn(&txStore{r: r}); err != nil {
			return err
		}
		_, err = r.q.ExecContext(ctx, r.q.Rebind("UPDATE batch_item SET applied = 1, applied_at = ? WHERE id = ?"),
			generic.FormatTimestamp(at), itemID)
		if err != nil {
			return generic.Storage("mark batch_item applied", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// SetStatus updates the batch status; StatusApplied also stamps applied_at.
func (s *Store) SetStatus(ctx context.Context, batchID string, status batch.Status, at time.Time) error {
	return s.write(ctx, "update batch", func(r *runner) error {
		var res sql.Result
		var err error
		if status == batch.StatusApplied {
			res, err = r.q.ExecContext(ctx, r.q.Rebind("UPDATE batch SET status = ?, applied_at = ? WHERE id = ?"),
				string(status), generic.FormatTimestamp(at), batchID)
		} else {
			res, err = r.q.ExecContext(ctx, r.q.Rebind("UPDATE batch SET status = ? WHERE id = ?"), string(status), batchID)
		}
		if err != nil {
			return generic.Storage("update batch", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", generic.ErrBatchNotFound, batchID)
		}
		return nil
	})
}

func (r *runner) item(ctx context.Context, batchID string, itemID int64) (batch.Item, error) {
	row := r.q.QueryRowxContext(ctx, r.q.Rebind(
		"SELECT "+itemColumns+" FROM batch_item WHERE id = ? AND batch_id = ?"), itemID, batchID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.Item{}, fmt.Errorf("%w: item %d of %s", generic.ErrBatchNotFound, itemID, batchID)
	}
	return it, err
}

func scanItem(row rowScanner) (batch.Item, error) {
	var (
		it        batch.Item
		cur, next string
		applied   int64
		appliedAt sql.NullString
	)
	err := row.Scan(&it.ID, &it.BatchID, &it.PersonID, &it.CompanyID, &it.TargetTwinID, &cur, &next, &applied, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, err
	}
	if err != nil {
		return it, generic.Storage("scan batch_item", err)
	}
	if err := json.Unmarshal([]byte(cur), &it.Current); err != nil {
		return it, fmt.Errorf("decode current values: %w", err)
	}
	if err := json.Unmarshal([]byte(next), &it.Proposed); err != nil {
		return it, fmt.Errorf("decode new values: %w", err)
	}
	it.Applied = applied != 0
	it.AppliedAt = parseNullTime(appliedAt)
	return it, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := generic.ParseTimestamp(v.String)
	if err != nil {
		return nil
	}
	return &t
}
