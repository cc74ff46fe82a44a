package evaluator

import (
	"context"
	"testing"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
)

// TestFfillAlignmentCarriesLastKnownValue checks spec §4.4 step 5's
// explicitly-requested ffill policy: a sparse right-hand series' last
// known value is carried forward onto every left-hand timestamp, rather
// than dropping the timestamps the inner join would.
func TestFfillAlignmentCarriesLastKnownValue(t *testing.T) {
	left := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	right := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "signal", "value")
	bin := ir.NewBinaryOp(ir.Span{}, ir.OpSub, left, right).WithAlign(ir.AlignFfill)

	plan, err := planner.Build(bin, catalog.MustLoad(), kernel.Default(), planner.Context{Symbol: "BTC", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}

	denseTS := []int64{0, 1, 2, 3, 4}
	denseVals := []float64{10, 11, 12, 13, 14}
	denseAvail := []bool{true, true, true, true, true}
	closeSeries, err := series.New("BTC", "1h", "ohlcv", "close", denseTS, denseVals, denseAvail)
	if err != nil {
		t.Fatal(err)
	}

	sparseTS := []int64{0, 2, 4}
	sparseVals := []float64{1, 2, 3}
	sparseAvail := []bool{true, true, true}
	signalSeries, err := series.New("BTC", "1h", "signal", "value", sparseTS, sparseVals, sparseAvail)
	if err != nil {
		t.Fatal(err)
	}

	ds := dataset.New().
		WithSeries(dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}, "close", closeSeries).
		WithSeries(dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "signal"}, "value", signalSeries)

	results, err := Batch(context.Background(), plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	out := results.ByNode[plan.Root]

	// ffill keeps every left-hand (close) timestamp: 0..4, never shrinking
	// to the inner-join's {0,2,4}. Right operand forward-fills its last
	// known value at the odd timestamps.
	wantTS := []int64{0, 1, 2, 3, 4}
	wantVals := []float64{9, 10, 10, 11, 11} // close - ffill(signal)
	if out.Numbers.Len() != len(wantTS) {
		t.Fatalf("expected %d samples (ffill keeps every left timestamp), got %d", len(wantTS), out.Numbers.Len())
	}
	for i, wantTs := range wantTS {
		v, avail, ts := out.Numbers.At(i)
		if ts != wantTs {
			t.Fatalf("index %d: timestamp = %d, want %d", i, ts, wantTs)
		}
		if !avail {
			t.Fatalf("index %d: expected available", i)
		}
		if v != wantVals[i] {
			t.Errorf("index %d: value = %v, want %v", i, v, wantVals[i])
		}
	}
}

// TestInnerAlignmentStillIntersects checks that omitting Align (the
// default) still behaves as a strict timestamp intersection, dropping
// timestamps the right operand hasn't reported yet.
func TestInnerAlignmentStillIntersects(t *testing.T) {
	left := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	right := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "signal", "value")
	bin := ir.NewBinaryOp(ir.Span{}, ir.OpSub, left, right)

	plan, err := planner.Build(bin, catalog.MustLoad(), kernel.Default(), planner.Context{Symbol: "BTC", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}

	closeSeries, err := series.New("BTC", "1h", "ohlcv", "close",
		[]int64{0, 1, 2, 3, 4}, []float64{10, 11, 12, 13, 14}, []bool{true, true, true, true, true})
	if err != nil {
		t.Fatal(err)
	}
	signalSeries, err := series.New("BTC", "1h", "signal", "value",
		[]int64{0, 2, 4}, []float64{1, 2, 3}, []bool{true, true, true})
	if err != nil {
		t.Fatal(err)
	}

	ds := dataset.New().
		WithSeries(dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}, "close", closeSeries).
		WithSeries(dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "signal"}, "value", signalSeries)

	results, err := Batch(context.Background(), plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	out := results.ByNode[plan.Root]
	if out.Numbers.Len() != 3 {
		t.Fatalf("expected inner join to keep only shared timestamps, got %d samples", out.Numbers.Len())
	}
}
