package preview

import (
	"context"
	"testing"

	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
)

func smaCall(length int64) ir.Node {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	return ir.NewCall(ir.Span{}, "sma", []ir.Node{ref}, []ir.Param{{Name: "length", Value: ir.IntParam(length)}})
}

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
	key := dataset.Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}
	return dataset.New().WithSeries(key, "close", s)
}

func opts() Options {
	return Options{Context: planner.Context{Symbol: "BTC", Timeframe: "1h"}}
}

func TestValidateCompilesWithoutDataset(t *testing.T) {
	res := Validate(smaCall(3), opts())
	if !res.OK {
		t.Fatalf("expected valid expression, got error: %+v", res.Error)
	}
	if len(res.Value.Indicators) == 0 {
		t.Fatal("expected at least one indicator in capability manifest")
	}
}

func TestAnalyzeReportsLookbackAndSafetyMargin(t *testing.T) {
	res := Analyze(smaCall(10), opts())
	if !res.OK {
		t.Fatalf("expected analyze to succeed, got error: %+v", res.Error)
	}
	if res.Value.Lookback != 10 {
		t.Fatalf("expected lookback 10, got %d", res.Value.Lookback)
	}
	// safety_buffer = max(10% of lookback, 20 bars) by default.
	if res.Value.MinBarsRecommended != 10+20 {
		t.Fatalf("expected min_bars_recommended 30, got %d", res.Value.MinBarsRecommended)
	}
}

func TestPreviewEmitsSeriesAndTrim(t *testing.T) {
	ds := closeDataset(t, []float64{1, 2, 3, 4, 5, 6, 7})
	res := Preview(context.Background(), smaCall(3), ds, opts())
	if !res.OK {
		t.Fatalf("expected preview to succeed, got error: %+v", res.Error)
	}
	if res.Value.Trim != 2 {
		t.Fatalf("expected trim of 2 unavailable leading bars, got %d", res.Value.Trim)
	}
	if len(res.Value.Emissions) == 0 {
		t.Fatal("expected at least one emission for the sma call")
	}
	emission := res.Value.Emissions[0]
	if emission.Indicator != "mean" {
		t.Fatalf("expected sma to resolve to the mean kernel/indicator id, got %q", emission.Indicator)
	}
	if emission.RenderHints.PaneHint != PanePriceOverlay {
		t.Fatalf("expected sma to overlay price pane, got %q", emission.RenderHints.PaneHint)
	}
}

func TestValidateRejectsUnknownIndicator(t *testing.T) {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
	call := ir.NewCall(ir.Span{}, "not_a_real_indicator", []ir.Node{ref}, nil)
	res := Validate(call, opts())
	if res.OK {
		t.Fatal("expected validate to fail for an unknown indicator id")
	}
}
