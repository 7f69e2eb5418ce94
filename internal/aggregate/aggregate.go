package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"votecast/domain/core"
	"votecast/domain/election"
	"votecast/internal"
)

// Selector resolves one typed grouping attribute for a unit. Selectors
// are constructed up front, so grouping never falls back to runtime
// column-name lookup.
type Selector struct {
	Name  string
	Value func(u election.Unit) (string, bool)
}

// ByRegion groups by the top-level geography. Defined for every unit,
// including unexpected ones.
var ByRegion = Selector{
	Name: "region_code",
	Value: func(u election.Unit) (string, bool) {
		return u.RegionCode, true
	},
}

// ByAttribute groups by a baseline attribute such as district or county
// category. Unexpected units carry no baseline attributes, so this
// selector does not resolve for them and they drop out of the aggregate.
func ByAttribute(name string) Selector {
	return Selector{
		Name: name,
		Value: func(u election.Unit) (string, bool) {
			v, ok := u.Attributes[name]
			return v, ok
		},
	}
}

// PredictedUnit pairs an unobserved unit with its denormalized point
// prediction.
type PredictedUnit struct {
	Unit election.Unit
	Pred float64
}

// BoundedUnit pairs an unobserved unit with its denormalized interval
// bounds at one confidence level.
type BoundedUnit struct {
	Unit         election.Unit
	Lower, Upper float64
}

// PointRow is one group's summed point prediction.
type PointRow struct {
	Keys []string
	Pred float64
}

// IntervalRow is one group's summed interval bounds.
type IntervalRow struct {
	Keys         []string
	Lower, Upper float64
}

// Aggregator sums unit-level estimates up to geographic aggregates. Known
// votes from observed units always count; unexpected units count only in
// groupings every one of their keys resolves for (in practice, region
// only). Groups present on one side of a sum default the other side to
// zero.
type Aggregator struct {
	log *internal.Logger
}

// New creates an aggregator.
func New(log *internal.Logger) *Aggregator {
	if log == nil {
		log = internal.DefaultLogger
	}
	return &Aggregator{log: log}
}

// Points sums current results over observed (and, where the keys resolve,
// unexpected) units and adds the unobserved point predictions per group.
func (a *Aggregator) Points(observed, unexpected []election.Unit, unobserved []PredictedUnit, keys []Selector) ([]PointRow, error) {
	groups, err := a.knownVotes(observed, unexpected, keys)
	if err != nil {
		return nil, err
	}
	for _, pu := range unobserved {
		groups.addSums(resolveKeys(pu.Unit, keys), pu.Pred, pu.Pred)
	}

	rows := make([]PointRow, 0, len(groups.entries))
	for _, e := range groups.sorted() {
		rows = append(rows, PointRow{Keys: e.keys, Pred: e.known + e.a})
	}
	return rows, nil
}

// Intervals adds the group's known votes to both the summed lower and
// summed upper bounds. Per-unit marginal bounds are summed directly; no
// joint distribution is re-derived at the aggregate scale.
func (a *Aggregator) Intervals(observed, unexpected []election.Unit, unobserved []BoundedUnit, keys []Selector) ([]IntervalRow, error) {
	groups, err := a.knownVotes(observed, unexpected, keys)
	if err != nil {
		return nil, err
	}
	for _, bu := range unobserved {
		groups.addSums(resolveKeys(bu.Unit, keys), bu.Lower, bu.Upper)
	}

	rows := make([]IntervalRow, 0, len(groups.entries))
	for _, e := range groups.sorted() {
		rows = append(rows, IntervalRow{Keys: e.keys, Lower: e.known + e.a, Upper: e.known + e.b})
	}
	return rows, nil
}

// knownVotes builds the base table of already-counted votes per group.
func (a *Aggregator) knownVotes(observed, unexpected []election.Unit, keys []Selector) (*groupTable, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no group keys", core.ErrAggregation)
	}
	groups := newGroupTable()
	for _, u := range observed {
		groups.addKnown(resolveKeys(u, keys), u.CurrentResult)
	}
	for _, u := range unexpected {
		kv, ok := resolveAll(u, keys)
		if !ok {
			// A key (e.g. district) is unknown for this unit at this
			// granularity; it cannot be placed in any group.
			continue
		}
		groups.addKnown(kv, u.CurrentResult)
	}
	return groups, nil
}

// resolveKeys resolves key values for a baseline-known unit, defaulting a
// missing attribute to the empty category.
func resolveKeys(u election.Unit, keys []Selector) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, _ := k.Value(u)
		out[i] = v
	}
	return out
}

// resolveAll resolves key values, reporting failure when any key is
// undefined for the unit.
func resolveAll(u election.Unit, keys []Selector) ([]string, bool) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, ok := k.Value(u)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// groupTable accumulates per-group sums keyed by the joined key values.
type groupTable struct {
	entries map[string]*groupEntry
}

type groupEntry struct {
	keys  []string
	known float64
	a, b  float64 // summed pred (a==b), or summed lower/upper
}

func newGroupTable() *groupTable {
	return &groupTable{entries: make(map[string]*groupEntry)}
}

func (t *groupTable) get(keys []string) *groupEntry {
	id := strings.Join(keys, "\x1f")
	e, ok := t.entries[id]
	if !ok {
		e = &groupEntry{keys: append([]string(nil), keys...)}
		t.entries[id] = e
	}
	return e
}

func (t *groupTable) addKnown(keys []string, v float64) {
	t.get(keys).known += v
}

func (t *groupTable) addSums(keys []string, a, b float64) {
	e := t.get(keys)
	e.a += a
	e.b += b
}

// sorted returns the entries ordered by their key values for
// deterministic downstream consumption.
func (t *groupTable) sorted() []*groupEntry {
	out := make([]*groupEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := range out[i].keys {
			if out[i].keys[k] != out[j].keys[k] {
				return out[i].keys[k] < out[j].keys[k]
			}
		}
		return false
	})
	return out
}
