package payroll

import (
	"context"

	"github.com/warp/payroll-engine/generic"
)

// streamMemo caches the store reads of one Compute call. Several metrics
// read the same stream; each stream is fetched once per run.
type streamMemo struct {
	store   generic.TwinStore
	person  int64
	company int64

	primary   map[string]int64
	histories map[string][]generic.State
	latests   map[string][]generic.Payload
	tables    map[string][]generic.Payload
	periods   map[string]map[string]generic.Payload
}

func newStreamMemo(store generic.TwinStore, person, company int64) *streamMemo {
	return &streamMemo{
		store:     store,
		person:    person,
		company:   company,
		primary:   make(map[string]int64),
		histories: make(map[string][]generic.State),
		latests:   make(map[string][]generic.Payload),
		tables:    make(map[string][]generic.Payload),
		periods:   make(map[string]map[string]generic.Payload),
	}
}

func (m *streamMemo) pair() generic.Filters {
	return generic.Filters{"person_id": m.person, "company_id": m.company}
}

// latest returns the latest state of every (person, company) twin.
func (m *streamMemo) latest(ctx context.Context, twin string) ([]generic.Payload, error) {
	if rows, ok := m.latests[twin]; ok {
		return rows, nil
	}
	rows, err := m.store.ListTwins(ctx, twin, m.pair(), false)
	if err != nil {
		return nil, err
	}
	m.latests[twin] = rows
	return rows, nil
}

// primaryTwin is the (person, company) twin a versioned metric reads. When
// several exist the newest (greatest id) wins. Zero means none.
func (m *streamMemo) primaryTwin(ctx context.Context, twin string) (int64, error) {
	if id, ok := m.primary[twin]; ok {
		return id, nil
	}
	rows, err := m.latest(ctx, twin)
	if err != nil {
		return 0, err
	}
	var best int64
	for _, row := range rows {
		if id, ok := row.Int("id"); ok && id > best {
			best = id
		}
	}
	m.primary[twin] = best
	return best, nil
}

// history returns every state of one twin, newest first.
func (m *streamMemo) history(ctx context.Context, twin string, id int64) ([]generic.State, error) {
	if states, ok := m.histories[twin]; ok {
		return states, nil
	}
	view, err := m.store.GetTwin(ctx, twin, id, false)
	if err != nil {
		return nil, err
	}
	var states []generic.State
	if view != nil {
		states = view.History
	}
	m.histories[twin] = states
	return states, nil
}

// table returns the latest state of every twin, unfiltered. Used for
// configuration entities.
func (m *streamMemo) table(ctx context.Context, twin string) ([]generic.Payload, error) {
	if rows, ok := m.tables[twin]; ok {
		return rows, nil
	}
	rows, err := m.store.ListTwins(ctx, twin, nil, false)
	if err != nil {
		return nil, err
	}
	m.tables[twin] = rows
	return rows, nil
}

// byPeriod maps time key to state data over every (person, company) twin of
// a time-series stream. When two twins share a key the greater id wins.
func (m *streamMemo) byPeriod(ctx context.Context, twin string) (map[string]generic.Payload, error) {
	if idx, ok := m.periods[twin]; ok {
		return idx, nil
	}
	states, err := m.store.QueryTwins(ctx, twin, m.pair(), "", 0)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]generic.Payload, len(states))
	for _, st := range states {
		idx[st.TimeKey] = st.Data
	}
	m.periods[twin] = idx
	return idx, nil
}

// periodState returns the state keyed by period, or nil.
func (m *streamMemo) periodState(ctx context.Context, twin, period string) (generic.Payload, error) {
	idx, err := m.byPeriod(ctx, twin)
	if err != nil {
		return nil, err
	}
	return idx[period], nil
}
