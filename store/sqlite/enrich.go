package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// ENRICHMENT - Denormalized display fields from related entities (read-only)
// =============================================================================

var displayFields = []string{"name", "label", "title"}

// enricher resolves related entities once per call.
type enricher struct {
	r     *runner
	cache map[string]generic.Payload
}

func newEnricher(r *runner) *enricher {
	return &enricher{r: r, cache: make(map[string]generic.Payload)}
}

// enrich adds "<key without _id>_name" to row for each related entity and
// returns the related entities' latest states keyed the same way.
func (e *enricher) enrich(ctx context.Context, t *generic.TwinDescriptor, row generic.Payload) (map[string]generic.Payload, error) {
	if t.Kind != generic.KindActivity {
		return nil, nil
	}
	related := make(map[string]generic.Payload, len(t.RelatedEntities))
	for _, re := range t.RelatedEntities {
		id, ok := row.Int(re.Key)
		if !ok {
			continue
		}
		cur, err := e.latest(ctx, re.Entity, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			continue
		}
		prefix := strings.TrimSuffix(re.Key, "_id")
		if name := displayValue(e.r.s.reg.MustTwin(re.Entity), cur); name != "" {
			row[prefix+"_name"] = name
		}
		related[prefix] = cur
	}
	return related, nil
}

func (e *enricher) latest(ctx context.Context, entity string, id int64) (generic.Payload, error) {
	key := fmt.Sprintf("%s/%d", entity, id)
	if cur, ok := e.cache[key]; ok {
		return cur, nil
	}
	b, err := e.r.builder(entity)
	if err != nil {
		return nil, err
	}
	q, args := b.latest(generic.Filters{"id": id})
	states, err := e.r.collect(ctx, b, q, args...)
	if err != nil {
		return nil, err
	}
	var cur generic.Payload
	if len(states) > 0 {
		cur = flatten(b.t, states[0])
	}
	e.cache[key] = cur
	return cur, nil
}

// displayValue picks the first of name|label|title, else the first non-id field.
func displayValue(t *generic.TwinDescriptor, cur generic.Payload) string {
	for _, f := range displayFields {
		if cur.Has(f) {
			return cur.String(f)
		}
	}
	for _, f := range t.Fields.All() {
		if !f.IsIDLike() && cur.Has(f.Name) {
			return cur.String(f.Name)
		}
	}
	return ""
}
