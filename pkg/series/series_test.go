package series

import "testing"

func TestNewRejectsMismatchedLengths(t *testing.T) {
	_, err := New[float64]("BTC", "1h", "ohlcv", "close", []int64{1, 2}, []float64{1}, []bool{true, true})
	if err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}

func TestNewRejectsNonIncreasingTimestamps(t *testing.T) {
	_, err := New[float64]("BTC", "1h", "ohlcv", "close", []int64{1, 1}, []float64{1, 2}, []bool{true, true})
	if err == nil {
		t.Fatal("expected error for non-increasing timestamps")
	}
}

func TestAppendPreservesPriorView(t *testing.T) {
	s, err := New[float64]("BTC", "1h", "ohlcv", "close", []int64{1, 2}, []float64{10, 20}, []bool{true, true})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := s.Append(3, 30, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("original series length mutated: got %d want 2", s.Len())
	}
	if s2.Len() != 3 {
		t.Errorf("appended series length: got %d want 3", s2.Len())
	}
	v, ok, ts := s2.At(2)
	if v != 30 || !ok || ts != 3 {
		t.Errorf("appended row wrong: v=%v ok=%v ts=%v", v, ok, ts)
	}
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	s, _ := New[float64]("BTC", "1h", "ohlcv", "close", []int64{5}, []float64{1}, []bool{true})
	if _, err := s.Append(3, 2, true); err == nil {
		t.Fatal("expected error appending out-of-order timestamp")
	}
}

func TestSliceShares(t *testing.T) {
	s, _ := New[float64]("BTC", "1h", "ohlcv", "close", []int64{1, 2, 3}, []float64{1, 2, 3}, []bool{true, true, true})
	sub := s.Slice(1, 3)
	if sub.Len() != 2 {
		t.Fatalf("expected slice length 2, got %d", sub.Len())
	}
	if v := sub.Value(0); v != 2 {
		t.Errorf("expected first sliced value 2, got %v", v)
	}
}
