package kernel

import (
	"math"
	"testing"
)

func step1(t *testing.T, k Kernel, s State, ts int64, vals ...float64) Emit {
	t.Helper()
	inputs := make([]Input, len(vals))
	for i, v := range vals {
		inputs[i] = NumInput(v, true)
	}
	e, err := k.Step(s, Update{Timestamp: ts, Inputs: inputs})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRollingMeanWarmsUpAtN(t *testing.T) {
	k := rollingKernel{reduce: reduceMean}
	s, err := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 3}})
	if err != nil {
		t.Fatal(err)
	}
	var last Emit
	for i, v := range []float64{1, 2, 3, 4} {
		last = step1(t, k, s, int64(i), v)
	}
	if !last.Available {
		t.Fatal("expected available after 3+ samples")
	}
	if last.Value.Num != 3 { // mean(2,3,4)
		t.Errorf("got %v want 3", last.Value.Num)
	}
}

func TestRollingIgnoresUnavailableSamples(t *testing.T) {
	k := rollingKernel{reduce: reduceSum}
	s, _ := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 2}})
	k.Step(s, Update{Timestamp: 0, Inputs: []Input{{Available: false}}})
	e1 := step1(t, k, s, 1, 5)
	e2 := step1(t, k, s, 2, 5)
	if !e2.Available || e2.Value.Num != 10 {
		t.Errorf("expected sum 10 ignoring the unavailable sample, got %+v (e1=%+v)", e2, e1)
	}
}

func TestEMASeedsFromFirstSample(t *testing.T) {
	k := recursiveKernel{alphaFor: emaAlpha}
	s, _ := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 1}})
	e := step1(t, k, s, 0, 10)
	if !e.Available || e.Value.Num != 10 {
		t.Errorf("expected ema(1) to equal first sample immediately, got %+v", e)
	}
}

func TestRMASuspendsOnUnavailableInput(t *testing.T) {
	k := recursiveKernel{alphaFor: rmaAlpha}
	s, _ := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 2}})
	step1(t, k, s, 0, 10)
	before := s.(*recursiveState).value
	k.Step(s, Update{Timestamp: 1, Inputs: []Input{{Available: false}}})
	after := s.(*recursiveState).value
	if before != after {
		t.Errorf("expected state unchanged on unavailable input: before=%v after=%v", before, after)
	}
}

func TestCrossUpFiresOnlyOnActualCross(t *testing.T) {
	k := crossKernel{fires: crossUp}
	s, _ := k.New(nil)
	step1(t, k, s, 0, 1, 2) // a=1 below b=2
	e := step1(t, k, s, 1, 3, 2) // a=3 above b=2: cross up
	if !e.Value.Bool {
		t.Error("expected crossup to fire")
	}
	e2 := step1(t, k, s, 2, 4, 2) // still above, no new cross
	if e2.Value.Bool {
		t.Error("expected crossup not to re-fire while already above")
	}
}

// TestCrossUpAvailabilityMatchesSpecScenario4 checks spec §8 scenario 4
// exactly: fast = [1,2,3,4,5], slow = [5,4,3,2,1], crossup(fast, slow) =
// [F,F,F,T,F] with availability false at index 0 (only one sample seen,
// below the kernel's own WarmupHint{Length: 2}) and true from index 1.
func TestCrossUpAvailabilityMatchesSpecScenario4(t *testing.T) {
	k := crossKernel{fires: crossUp}
	s, _ := k.New(nil)
	fast := []float64{1, 2, 3, 4, 5}
	slow := []float64{5, 4, 3, 2, 1}
	wantAvail := []bool{false, true, true, true, true}
	wantFire := []bool{false, false, false, true, false}
	for i := range fast {
		e := step1(t, k, s, int64(i), fast[i], slow[i])
		if e.Available != wantAvail[i] {
			t.Errorf("index %d: available=%v, want %v", i, e.Available, wantAvail[i])
		}
		if e.Available && e.Value.Bool != wantFire[i] {
			t.Errorf("index %d: fired=%v, want %v", i, e.Value.Bool, wantFire[i])
		}
	}
}

// TestStdKernelMatchesNaiveTwoPass checks the incremental Welford std
// kernel against a naive two-pass mean/sum-of-squares computation over a
// sliding window, including a window eviction (length 3 over 5 samples).
func TestStdKernelMatchesNaiveTwoPass(t *testing.T) {
	k := stdKernel{}
	s, err := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 3}})
	if err != nil {
		t.Fatal(err)
	}
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var last Emit
	for i, v := range samples {
		last = step1(t, k, s, int64(i), v)
		if i < 2 {
			if last.Available {
				t.Fatalf("index %d: expected unavailable before warmup", i)
			}
			continue
		}
		window := samples[i-2 : i+1]
		want := naiveStd(window)
		if !last.Available {
			t.Fatalf("index %d: expected available", i)
		}
		if math.Abs(last.Value.Num-want) > 1e-9 {
			t.Errorf("index %d: got std=%v want %v", i, last.Value.Num, want)
		}
	}
}

func naiveStd(buf []float64) float64 {
	var sum float64
	for _, v := range buf {
		sum += v
	}
	mean := sum / float64(len(buf))
	var sumSq float64
	for _, v := range buf {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(buf)-1))
}

func TestDiffKernel(t *testing.T) {
	k := diffCombine()
	s, _ := k.New(map[string]ParamValue{"k": {Kind: KindNumber, Num: 1}})
	step1(t, k, s, 0, 10)
	e := step1(t, k, s, 1, 15)
	if !e.Available || e.Value.Num != 5 {
		t.Errorf("expected diff=5, got %+v", e)
	}
}

func TestTrueRangeUsesPriorClose(t *testing.T) {
	k := trueRangeKernel{}
	s, _ := k.New(nil)
	step1(t, k, s, 0, 10, 8, 9) // high, low, close
	e := step1(t, k, s, 1, 12, 9, 11)
	// true range = max(hl=3, hc=|12-9|=3, lc=|9-9|=0) = 3
	if !e.Available || e.Value.Num != 3 {
		t.Errorf("expected true_range=3, got %+v", e)
	}
}

func TestStochasticRange(t *testing.T) {
	k := stochasticKernel{}
	s, _ := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 3}})
	var last Emit
	highs := []float64{10, 11, 12, 13}
	lows := []float64{5, 6, 7, 8}
	closes := []float64{8, 9, 12, 13}
	for i := range highs {
		last, _ = k.Step(s, Update{Timestamp: int64(i), Inputs: []Input{
			NumInput(highs[i], true), NumInput(lows[i], true), NumInput(closes[i], true),
		}})
	}
	if !last.Available {
		t.Fatal("expected stochastic available after warmup")
	}
	if last.Value.Num < 0 || last.Value.Num > 100 {
		t.Errorf("stochastic %%K out of range: %v", last.Value.Num)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	k := rollingKernel{reduce: reduceMean}
	s, _ := k.New(map[string]ParamValue{"length": {Kind: KindNumber, Num: 3}})
	step1(t, k, s, 0, 1)
	step1(t, k, s, 1, 2)

	data, err := k.Snapshot(s)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := k.Restore(data)
	if err != nil {
		t.Fatal(err)
	}
	want := step1(t, k, s, 2, 3)
	got := step1(t, k, restored, 2, 3)
	if got != want {
		t.Errorf("restored state diverged: got %+v want %+v", got, want)
	}
}

func TestDefaultRegistryHasCanonicalKernels(t *testing.T) {
	r := Default()
	for _, id := range []string{
		"sum", "mean", "std", "min", "max", "argmax", "argmin", "median",
		"ema", "rma", "wma", "hma",
		"cumsum", "obv", "vwap",
		"diff", "roc", "shift", "true_range", "positive_values", "negative_values",
		"crossup", "crossdown", "rising", "falling", "in_channel", "enter", "exit",
		"stochastic", "cci", "mfi", "vortex_plus", "vortex_minus", "adx",
		"supertrend", "psar", "klinger", "fisher", "swing_high", "swing_low",
	} {
		if _, ok := r.Lookup(id); !ok {
			t.Errorf("expected registry to contain kernel %q", id)
		}
	}
}
