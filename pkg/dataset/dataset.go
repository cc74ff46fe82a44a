// Package dataset implements the keyed container of Series the planner
// reads to resolve DataRequirements and the evaluator reads to drive
// batch/incremental execution.
package dataset

import (
	"fmt"

	"github.com/algomatic/taexpr/pkg/series"
)

// Key identifies one (symbol, timeframe, source) group within a Dataset.
type Key struct {
	Symbol    string
	Timeframe string
	Source    string // ohlcv|trades|orderbook|liquidation
}

// Event is one raw trades/orderbook/liquidation record, consumed by
// ir.Filter/ir.Aggregate before a numeric reduction becomes a Series.
// Fields beyond Timestamp are a generic attribute bag — the concrete
// trades/orderbook/liquidation schemas are a frontend/adapter concern;
// this engine only needs to read named numeric attributes off of it.
type Event struct {
	Timestamp int64
	Fields    map[string]float64
}

// Dataset is an immutable keyed container of Series (for ohlcv-shaped
// sources) and raw Event collections (for trades/orderbook/liquidation).
// Select returns a read-only view; WithAppended returns a new Dataset that
// shares untouched series/collections with its parent.
type Dataset struct {
	series      map[Key]map[string]series.Series[float64]
	collections map[Key][]Event
	version     uint64
}

// New constructs an empty Dataset. Use WithSeries/WithCollection (or
// WithAppended) to populate it — Dataset itself never mutates in place.
func New() Dataset {
	return Dataset{
		series:      make(map[Key]map[string]series.Series[float64]),
		collections: make(map[Key][]Event),
	}
}

// Version returns a monotonically increasing counter bumped by every
// WithSeries/WithCollection/WithAppended call that derived this Dataset
// from a parent. Two Dataset values with equal Version were either the
// exact same construction or are indistinguishable for caching purposes;
// it is the "dataset_version" half of the evaluator's batch result cache
// key.
func (d Dataset) Version() uint64 { return d.version }

// WithSeries returns a new Dataset with the given field series added (or
// replacing the prior series under the same key+field). All other
// keys/fields are shared, unmodified, with the receiver.
func (d Dataset) WithSeries(key Key, field string, s series.Series[float64]) Dataset {
	out := Dataset{series: make(map[Key]map[string]series.Series[float64], len(d.series)+1), collections: d.collections, version: d.version + 1}
	for k, fields := range d.series {
		out.series[k] = fields
	}
	existing := out.series[key]
	fresh := make(map[string]series.Series[float64], len(existing)+1)
	for f, v := range existing {
		fresh[f] = v
	}
	fresh[field] = s
	out.series[key] = fresh
	return out
}

// WithCollection returns a new Dataset with the given raw event collection
// attached under key (trades/orderbook/liquidation sources).
func (d Dataset) WithCollection(key Key, events []Event) Dataset {
	out := Dataset{series: d.series, collections: make(map[Key][]Event, len(d.collections)+1), version: d.version + 1}
	for k, v := range d.collections {
		out.collections[k] = v
	}
	out.collections[key] = events
	return out
}

// Select returns the field->Series map for one (symbol, timeframe,
// source), or (nil, false) if nothing is registered under that key. The
// returned map must be treated as read-only.
func (d Dataset) Select(key Key) (map[string]series.Series[float64], bool) {
	v, ok := d.series[key]
	return v, ok
}

// Field resolves a single field Series, returning taerrors-friendly
// booleans for "no such key" vs "key exists but no such field" so the
// caller (the planner) can distinguish UnknownSource from UnknownField.
func (d Dataset) Field(key Key, field string) (series.Series[float64], bool, bool) {
	fields, ok := d.series[key]
	if !ok {
		return series.Series[float64]{}, false, false
	}
	s, ok := fields[field]
	return s, ok, true
}

// HasSource reports whether any series exists for the given key at all,
// regardless of field.
func (d Dataset) HasSource(key Key) bool {
	_, ok := d.series[key]
	return ok
}

// Collection returns the raw event collection for a trades/orderbook/
// liquidation key.
func (d Dataset) Collection(key Key) ([]Event, bool) {
	v, ok := d.collections[key]
	return v, ok
}

// WithAppended returns a new Dataset where the named field series has one
// additional bar appended. It is the incremental-mode counterpart to
// WithSeries: existing readers holding the parent Dataset observe no
// change — the new view shares the same series identity up to the old
// length, plus the appended suffix.
func (d Dataset) WithAppended(key Key, field string, timestamp int64, value float64, available bool) (Dataset, error) {
	fields, ok := d.series[key]
	if !ok {
		return Dataset{}, fmt.Errorf("dataset: no series registered for %+v", key)
	}
	s, ok := fields[field]
	if !ok {
		return Dataset{}, fmt.Errorf("dataset: no field %q registered for %+v", field, key)
	}
	appended, err := s.Append(timestamp, value, available)
	if err != nil {
		return Dataset{}, err
	}
	return d.WithSeries(key, field, appended), nil
}
