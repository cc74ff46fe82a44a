package evaluator

import (
	"context"
	"math"
	"testing"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
)

// smaPlan builds the spec's scenario-1 expression: sma(close, period=3).
func smaPlan(t *testing.T) *planner.Plan {
	t.Helper()
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	call := ir.NewCall(ir.Span{}, "sma", []ir.Node{ref}, []ir.Param{{Name: "length", Value: ir.IntParam(3)}})
	plan, err := planner.Build(call, catalog.MustLoad(), kernel.Default(), planner.Context{Symbol: "BTC", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

// TestSMAParitySpecScenario checks spec §8 scenario 1 directly: closes =
// [1..7], sma(close, 3) = [_,_,2,3,4,5,6] with mask [F,F,T,T,T,T,T].
func TestSMAParitySpecScenario(t *testing.T) {
	plan := smaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3, 4, 5, 6, 7})

	results, err := Batch(context.Background(), plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	out := results.ByNode[plan.Root]
	wantVals := []float64{0, 0, 2, 3, 4, 5, 6}
	wantMask := []bool{false, false, true, true, true, true, true}
	if out.Numbers.Len() != len(wantVals) {
		t.Fatalf("expected %d samples, got %d", len(wantVals), out.Numbers.Len())
	}
	for i := range wantVals {
		v, avail, _ := out.Numbers.At(i)
		if avail != wantMask[i] {
			t.Fatalf("index %d: availability = %v, want %v", i, avail, wantMask[i])
		}
		if avail && v != wantVals[i] {
			t.Fatalf("index %d: value = %v, want %v", i, v, wantVals[i])
		}
	}
}

// TestBatchIncrementalParity enforces the spec §8 universal invariant:
// evaluate_batch(E, H).series == evaluate_incremental(initialize(E), H).series
// elementwise. History is replayed through a Session one tick at a time and
// compared against a single Batch pass over the full history.
func TestBatchIncrementalParity(t *testing.T) {
	plan := smaPlan(t)
	full := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	batchDS := closeDataset(t, full)
	batchResults, err := Batch(context.Background(), plan, batchDS, Options{})
	if err != nil {
		t.Fatal(err)
	}
	batchOut := batchResults.ByNode[plan.Root]

	seedDS := closeDataset(t, full[:1])
	sess, err := Initialize(plan, seedDS, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(full); i++ {
		err := sess.Step(context.Background(), LeafEvent{
			Key:       closeKey(),
			Field:     "close",
			Timestamp: int64(i),
			Value:     full[i],
			Available: true,
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	incOut := sess.Results().ByNode[plan.Root]

	if batchOut.Numbers.Len() != incOut.Numbers.Len() {
		t.Fatalf("length mismatch: batch=%d incremental=%d", batchOut.Numbers.Len(), incOut.Numbers.Len())
	}
	for i := 0; i < batchOut.Numbers.Len(); i++ {
		bv, bavail, bts := batchOut.Numbers.At(i)
		iv, iavail, its := incOut.Numbers.At(i)
		if bts != its {
			t.Fatalf("index %d: timestamp mismatch batch=%d incremental=%d", i, bts, its)
		}
		if bavail != iavail {
			t.Fatalf("index %d: availability mismatch batch=%v incremental=%v", i, bavail, iavail)
		}
		if bavail && math.Abs(bv-iv) > 1e-9 {
			t.Fatalf("index %d: value mismatch batch=%v incremental=%v", i, bv, iv)
		}
	}
}

// TestSnapshotRestoreReplayEquivalence enforces spec §8's replay equivalence
// property: restore(snapshot-at-k).step(H[k+1:]) == initialize(E).step(H[0:]).
func TestSnapshotRestoreReplayEquivalence(t *testing.T) {
	plan := smaPlan(t)
	full := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	seedDS := closeDataset(t, full[:1])
	direct, err := Initialize(plan, seedDS, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(full); i++ {
		if err := direct.Step(context.Background(), LeafEvent{
			Key: closeKey(), Field: "close", Timestamp: int64(i), Value: full[i], Available: true,
		}); err != nil {
			t.Fatalf("direct step %d: %v", i, err)
		}
	}
	wantOut := direct.Results().ByNode[plan.Root]

	const splitAt = 6 // snapshot after feeding indices [0, splitAt)
	partialValues := make([]float64, splitAt)
	copy(partialValues, full[:splitAt])
	partialDS := closeDataset(t, partialValues)
	sess, err := Initialize(plan, partialDS, Options{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := sess.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	restored, err := Restore(snap, plan, partialDS, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := splitAt; i < len(full); i++ {
		if err := restored.Step(context.Background(), LeafEvent{
			Key: closeKey(), Field: "close", Timestamp: int64(i), Value: full[i], Available: true,
		}); err != nil {
			t.Fatalf("restored step %d: %v", i, err)
		}
	}
	gotOut := restored.Results().ByNode[plan.Root]

	if wantOut.Numbers.Len() != gotOut.Numbers.Len() {
		t.Fatalf("length mismatch: direct=%d restored=%d", wantOut.Numbers.Len(), gotOut.Numbers.Len())
	}
	for i := 0; i < wantOut.Numbers.Len(); i++ {
		wv, wavail, wts := wantOut.Numbers.At(i)
		gv, gavail, gts := gotOut.Numbers.At(i)
		if wts != gts || wavail != gavail {
			t.Fatalf("index %d: mismatch direct=(%d,%v) restored=(%d,%v)", i, wts, wavail, gts, gavail)
		}
		if wavail && math.Abs(wv-gv) > 1e-9 {
			t.Fatalf("index %d: value mismatch direct=%v restored=%v", i, wv, gv)
		}
	}
}

// TestOutOfOrderStepRejected enforces the §5 ordering invariant: a leaf
// event with a timestamp not strictly greater than the last one observed
// fails with OrderingViolation and leaves state unchanged.
func TestOutOfOrderStepRejected(t *testing.T) {
	plan := smaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3})
	sess, err := Initialize(plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Step(context.Background(), LeafEvent{
		Key: closeKey(), Field: "close", Timestamp: 1, Value: 9, Available: true,
	}); err == nil {
		t.Fatal("expected OrderingViolation for non-increasing timestamp")
	}
}
