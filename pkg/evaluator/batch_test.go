package evaluator

import (
	"context"
	"testing"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/config"
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
)

func closeKey() dataset.Key { return dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"} }

func closeDataset(t *testing.T, values []float64) dataset.Dataset {
	t.Helper()
	ts := make([]int64, len(values))
	avail := make([]bool, len(values))
	for i := range values {
		ts[i] = int64(i)
		avail[i] = true
	}
	s, err := series.New("BTC", "1h", "ohlcv", "close", ts, values, avail)
	if err != nil {
		t.Fatal(err)
	}
	return dataset.New().WithSeries(closeKey(), "close", s)
}

func emaPlan(t *testing.T) *planner.Plan {
	t.Helper()
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{ref}, []ir.Param{{Name: "length", Value: ir.IntParam(3)}})
	plan, err := planner.Build(call, catalog.MustLoad(), kernel.Default(), planner.Context{Symbol: "BTC", Timeframe: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestBatchProducesRootSeries(t *testing.T) {
	plan := emaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3, 4, 5, 6, 7, 8})

	results, err := Batch(context.Background(), plan, ds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	out, ok := results.ByNode[plan.Root]
	if !ok {
		t.Fatalf("root node %q missing from results", plan.Root)
	}
	if out.Kind != "number" || out.Scalar {
		t.Fatalf("unexpected output shape: %+v", out)
	}
	if out.Numbers.Len() != 8 {
		t.Fatalf("expected 8 samples, got %d", out.Numbers.Len())
	}
}

func TestBatchRespectsContextCancellation(t *testing.T) {
	plan := emaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Batch(ctx, plan, ds, Options{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestBatchConcurrentMatchesSequential(t *testing.T) {
	plan := emaPlan(t)
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	seq, err := Batch(context.Background(), plan, closeDataset(t, values), Options{})
	if err != nil {
		t.Fatal(err)
	}
	par, err := Batch(context.Background(), plan, closeDataset(t, values), Options{
		Concurrency: config.Concurrency{MaxParallelSubgraphs: 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	seqOut := seq.ByNode[plan.Root]
	parOut := par.ByNode[plan.Root]
	if seqOut.Numbers.Len() != parOut.Numbers.Len() {
		t.Fatalf("length mismatch: sequential=%d concurrent=%d", seqOut.Numbers.Len(), parOut.Numbers.Len())
	}
	for i := 0; i < seqOut.Numbers.Len(); i++ {
		sv, savail, _ := seqOut.Numbers.At(i)
		pv, pavail, _ := parOut.Numbers.At(i)
		if savail != pavail {
			t.Fatalf("index %d: availability mismatch sequential=%v concurrent=%v", i, savail, pavail)
		}
		if savail && sv != pv {
			t.Fatalf("index %d: value mismatch sequential=%v concurrent=%v", i, sv, pv)
		}
	}
}

func TestBatchResultCacheHit(t *testing.T) {
	plan := emaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3, 4, 5})
	m := NewMetrics()
	cache := NewResultCache()

	first, err := Batch(context.Background(), plan, ds, Options{Metrics: m, Cache: cache})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Batch(context.Background(), plan, ds, Options{Metrics: m, Cache: cache})
	if err != nil {
		t.Fatal(err)
	}

	firstOut := first.ByNode[plan.Root]
	secondOut := second.ByNode[plan.Root]
	if firstOut.Numbers.Len() != secondOut.Numbers.Len() {
		t.Fatalf("cached result length mismatch: %d vs %d", firstOut.Numbers.Len(), secondOut.Numbers.Len())
	}

	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var hits float64
	for _, mf := range metricFamilies {
		if mf.GetName() == "taexpr_evaluator_batch_cache_hits_total" {
			hits = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if hits != 1 {
		t.Fatalf("expected exactly one cache hit after the second Batch call, got %v", hits)
	}
}

func TestBatchResultCacheMissesOnDatasetChange(t *testing.T) {
	plan := emaPlan(t)
	cache := NewResultCache()
	m := NewMetrics()

	if _, err := Batch(context.Background(), plan, closeDataset(t, []float64{1, 2, 3}), Options{Metrics: m, Cache: cache}); err != nil {
		t.Fatal(err)
	}
	if _, err := Batch(context.Background(), plan, closeDataset(t, []float64{1, 2, 3, 4}), Options{Metrics: m, Cache: cache}); err != nil {
		t.Fatal(err)
	}

	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var hits float64
	for _, mf := range metricFamilies {
		if mf.GetName() == "taexpr_evaluator_batch_cache_hits_total" {
			hits = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if hits != 0 {
		t.Fatalf("expected no cache hits for two distinct datasets, got %v", hits)
	}
}

func TestBatchRecordsMetrics(t *testing.T) {
	plan := emaPlan(t)
	ds := closeDataset(t, []float64{1, 2, 3, 4, 5})
	m := NewMetrics()

	if _, err := Batch(context.Background(), plan, ds, Options{Metrics: m}); err != nil {
		t.Fatal(err)
	}
	metricFamilies, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "taexpr_evaluator_batch_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected batch duration histogram to be recorded")
	}
}
