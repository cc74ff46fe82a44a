package dataset

import (
	"testing"

	"github.com/algomatic/taexpr/pkg/series"
)

func mustSeries(t *testing.T, ts []int64, vals []float64) series.Series[float64] {
	t.Helper()
	mask := make([]bool, len(vals))
	for i := range mask {
		mask[i] = true
	}
	s, err := series.New[float64]("BTC", "1h", "ohlcv", "close", ts, vals, mask)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWithSeriesIsolatesParent(t *testing.T) {
	d := New()
	key := Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}
	d2 := d.WithSeries(key, "close", mustSeries(t, []int64{1, 2}, []float64{1, 2}))

	if d.HasSource(key) {
		t.Fatal("parent dataset mutated by WithSeries")
	}
	if !d2.HasSource(key) {
		t.Fatal("child dataset missing series")
	}
}

func TestWithAppended(t *testing.T) {
	d := New()
	key := Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}
	d = d.WithSeries(key, "close", mustSeries(t, []int64{1, 2}, []float64{1, 2}))

	d2, err := d.WithAppended(key, "close", 3, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	s, ok, _ := d.Field(key, "close")
	if !ok || s.Len() != 2 {
		t.Fatalf("parent series mutated: len=%d", s.Len())
	}
	s2, ok, _ := d2.Field(key, "close")
	if !ok || s2.Len() != 3 {
		t.Fatalf("child series missing append: len=%d", s2.Len())
	}
}

func TestFieldDistinguishesUnknownSourceFromField(t *testing.T) {
	d := New()
	key := Key{Symbol: "BTC", Timeframe: "1h", Source: "ohlcv"}
	d = d.WithSeries(key, "close", mustSeries(t, []int64{1}, []float64{1}))

	_, _, sourceExists := d.Field(key, "volume")
	if !sourceExists {
		t.Error("expected source to exist even though field does not")
	}
	_, _, sourceExists = d.Field(Key{Symbol: "ETH", Timeframe: "1h", Source: "ohlcv"}, "close")
	if sourceExists {
		t.Error("expected unknown source to report sourceExists=false")
	}
}
