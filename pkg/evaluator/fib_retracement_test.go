package evaluator

import (
	"context"
	"math"
	"testing"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
)

// fibRetracementPlan builds fib_retracement(high, low, strength=1) so a
// swing pivot confirms within a handful of bars.
func fibRetracementPlan(t *testing.T) *planner.Plan {
	t.Helper()
	highRef := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "high")
	lowRef := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "low")
	call := ir.NewCall(ir.Span{}, "fib_retracement", []ir.Node{highRef, lowRef},
		[]ir.Param{{Name: "strength", Value: ir.IntParam(1)}})
	plan, err := planner.Build(call, catalog.MustLoad(), kernel.Default(), planner.Context{Symbol: "BTC", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func highLowDataset(t *testing.T, highs, lows []float64) dataset.Dataset {
	t.Helper()
	ts := make([]int64, len(highs))
	avail := make([]bool, len(highs))
	for i := range highs {
		ts[i] = int64(i)
		avail[i] = true
	}
	key := dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}
	highSeries, err := series.New("BTC", "1h", "ohlcv", "high", ts, highs, avail)
	if err != nil {
		t.Fatal(err)
	}
	lowSeries, err := series.New("BTC", "1h", "ohlcv", "low", ts, lows, avail)
	if err != nil {
		t.Fatal(err)
	}
	return dataset.New().WithSeries(key, "high", highSeries).WithSeries(key, "low", lowSeries)
}

// TestFibRetracementUsesLatchedSwingPrices pins fib_retracement's computed
// levels to a hand-worked swing-pivot scenario (strength=1, window=3): a
// high pivot of 5 at index 2 and a low pivot of 0 at the same index are
// both confirmed and latched on the very next tick (index 3) once the
// confirmation window closes. Before either kernel/planner.composite.go fix
// this landed as a bool-series OR reinterpreted as a number; these values
// would previously have come out as 0 or 1, never 5/0/3.82/etc.
func TestFibRetracementUsesLatchedSwingPrices(t *testing.T) {
	plan := fibRetracementPlan(t)
	highs := []float64{1, 2, 5, 2, 1, 1, 1}
	lows := []float64{5, 4, 0, 4, 5, 5, 5}
	ds := highLowDataset(t, highs, lows)

	results, err := Batch(context.Background(), plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	root := findPlanNode(plan, plan.Root)
	if root == nil || root.Op == nil {
		t.Fatalf("expected fib_retracement root to be a structure node, got %+v", root)
	}

	wantLevel := map[string]float64{
		"level_0":    5,
		"level_236":  5 - 5*0.236,
		"level_382":  5 - 5*0.382,
		"level_500":  5 - 5*0.5,
		"level_618":  5 - 5*0.618,
		"level_1000": 0,
	}
	// Swing high latches at index 2's sample (value 5), confirmed once the
	// window closes on index 3; swing low mirrors it at value 0. Both
	// levels read unavailable before that and hold the latched value for
	// every tick after.
	wantAvailFrom := 3

	for name, want := range wantLevel {
		out, ok := results.Field(root.Op.StructureFields, name)
		if !ok {
			t.Fatalf("missing field %q in results", name)
		}
		if out.Numbers.Len() != len(highs) {
			t.Fatalf("field %q: expected %d samples, got %d", name, len(highs), out.Numbers.Len())
		}
		for i := 0; i < out.Numbers.Len(); i++ {
			v, avail, _ := out.Numbers.At(i)
			wantAvail := i >= wantAvailFrom
			if avail != wantAvail {
				t.Fatalf("field %q index %d: availability = %v, want %v", name, i, avail, wantAvail)
			}
			if avail && math.Abs(v-want) > 1e-9 {
				t.Fatalf("field %q index %d: value = %v, want %v", name, i, v, want)
			}
		}
	}
}

func findPlanNode(plan *planner.Plan, id string) *planner.PlanNode {
	for i := range plan.Nodes {
		if plan.Nodes[i].NodeID == id {
			return &plan.Nodes[i]
		}
	}
	return nil
}
