// Package series implements the immutable timestamped Series[T] type that
// every leaf, kernel output, and plan-node result in the engine is built
// from.
//
// A Series never mutates after construction: Append always returns a new
// Series. Existing readers holding the old Series keep observing exactly
// the length and contents they started with — the concurrency model
// depends on this.
package series

import "fmt"

// Numeric constrains the two value types the engine materializes as
// Series: float64 for all numeric kernels/IR, bool for event/comparison
// outputs. int never appears as a materialized series type — only as a
// scalar literal or parameter value.
type Numeric interface {
	~float64 | ~bool
}

// Series is an immutable ordered sequence of (timestamp, value,
// available) triples for one (symbol, timeframe, source, field).
type Series[T Numeric] struct {
	symbol    string
	timeframe string
	source    string
	field     string

	timestamps []int64 // nanoseconds UTC, strictly increasing
	values     []T
	available  []bool
}

// New constructs a Series, validating the core invariant: equal-length
// parallel slices and strictly increasing timestamps. The slices are not
// copied — callers must treat them as owned by the Series from this point
// on (idiomatic Go "ownership transfer on construction").
func New[T Numeric](symbol, timeframe, source, field string, timestamps []int64, values []T, available []bool) (Series[T], error) {
	if len(timestamps) != len(values) || len(values) != len(available) {
		return Series[T]{}, fmt.Errorf("series: mismatched lengths ts=%d values=%d mask=%d",
			len(timestamps), len(values), len(available))
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			return Series[T]{}, fmt.Errorf("series: timestamps not strictly increasing at index %d", i)
		}
	}
	return Series[T]{
		symbol: symbol, timeframe: timeframe, source: source, field: field,
		timestamps: timestamps, values: values, available: available,
	}, nil
}

// Empty returns a zero-length Series carrying the given identity
// attributes, used as the batch-mode result for a history shorter than any
// usable window.
func Empty[T Numeric](symbol, timeframe, source, field string) Series[T] {
	return Series[T]{symbol: symbol, timeframe: timeframe, source: source, field: field}
}

func (s Series[T]) Symbol() string    { return s.symbol }
func (s Series[T]) Timeframe() string { return s.timeframe }
func (s Series[T]) Source() string    { return s.source }
func (s Series[T]) Field() string     { return s.field }
func (s Series[T]) Len() int          { return len(s.timestamps) }

// At returns the value, availability, and timestamp at index i. Reading an
// unavailable index's value is legal (it returns the placeholder that was
// stored) but must never be treated as semantically meaningful — callers
// MUST check available first.
func (s Series[T]) At(i int) (value T, available bool, timestamp int64) {
	return s.values[i], s.available[i], s.timestamps[i]
}

func (s Series[T]) Timestamp(i int) int64 { return s.timestamps[i] }
func (s Series[T]) Value(i int) T         { return s.values[i] }
func (s Series[T]) Available(i int) bool  { return s.available[i] }

// Timestamps, Values, and AvailabilityMask return read-only views onto the
// backing slices. Callers must not mutate the returned slices.
func (s Series[T]) Timestamps() []int64  { return s.timestamps }
func (s Series[T]) Values() []T          { return s.values }
func (s Series[T]) AvailabilityMask() []bool { return s.available }

// LastTimestamp returns the timestamp of the final element, or -1 if empty.
// Used by the evaluator to seed a leaf's ordering check, which requires
// strictly increasing timestamps.
func (s Series[T]) LastTimestamp() int64 {
	if len(s.timestamps) == 0 {
		return -1
	}
	return s.timestamps[len(s.timestamps)-1]
}

// Append returns a new Series with one row appended. The new timestamp
// must be strictly greater than the current last timestamp. Existing
// Series values (held by other readers) are unaffected: Append copies
// the backing slices, so the new Series never shares an array with s.
func (s Series[T]) Append(timestamp int64, value T, available bool) (Series[T], error) {
	if len(s.timestamps) > 0 && timestamp <= s.timestamps[len(s.timestamps)-1] {
		return Series[T]{}, fmt.Errorf("series: append timestamp %d not strictly greater than last %d",
			timestamp, s.timestamps[len(s.timestamps)-1])
	}
	ts := append(append([]int64(nil), s.timestamps...), timestamp)
	vals := append(append([]T(nil), s.values...), value)
	avail := append(append([]bool(nil), s.available...), available)
	return Series[T]{
		symbol: s.symbol, timeframe: s.timeframe, source: s.source, field: s.field,
		timestamps: ts, values: vals, available: avail,
	}, nil
}

// Slice returns a read-only view over [from, to). The returned Series
// shares backing arrays with s — no copy.
func (s Series[T]) Slice(from, to int) Series[T] {
	return Series[T]{
		symbol: s.symbol, timeframe: s.timeframe, source: s.source, field: s.field,
		timestamps: s.timestamps[from:to], values: s.values[from:to], available: s.available[from:to],
	}
}
