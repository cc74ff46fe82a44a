package kernel

import (
	"encoding/json"
	"math"
	"sort"
)

// rollingState is the shared circular-buffer state for every window
// reducer. Only available samples are stored: an unavailable input is
// skipped and does not advance the window, so buf holds the n most recent
// available samples (fewer only before the first n have arrived). The
// window is not measured in raw input ticks, so an unavailable tick never
// shortens it.
type rollingState struct {
	n   int
	buf []float64
}

func (*rollingState) isKernelState() {}

func newRollingState(n int) *rollingState {
	return &rollingState{n: n, buf: make([]float64, 0, n)}
}

func (s *rollingState) push(v float64) (dropped float64, hadDropped bool) {
	if len(s.buf) == s.n {
		dropped, hadDropped = s.buf[0], true
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, v)
	return dropped, hadDropped
}

// welfordState is rollingState's sliding-window variant for std: it keeps
// the same fixed-size buffer (needed for snapshot/restore and to know
// which sample falls out of the window) but maintains the running mean
// and sum-of-squared-deviations (M2) incrementally via Welford's online
// algorithm, so a tick costs O(1) instead of a two-pass recompute over
// the whole window.
type welfordState struct {
	n    int
	buf  []float64
	mean float64
	m2   float64
}

func (*welfordState) isKernelState() {}

func newWelfordState(n int) *welfordState {
	return &welfordState{n: n, buf: make([]float64, 0, n)}
}

// push slides v into the window, evicting the oldest sample once the
// window is full, updating mean/m2 for both the removal and the add.
func (s *welfordState) push(v float64) {
	if len(s.buf) == s.n {
		s.removeStat(s.buf[0])
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, v)
	s.addStat(v)
}

func (s *welfordState) addStat(v float64) {
	count := float64(len(s.buf))
	delta := v - s.mean
	s.mean += delta / count
	s.m2 += delta * (v - s.mean)
}

// removeStat reverses addStat for the sample about to fall out of the
// window, deriving mean_{n-1}/M2_{n-1} from mean_n/M2_n and the departing
// value x — the sliding-window extension of Welford's algorithm.
func (s *welfordState) removeStat(x float64) {
	n := float64(len(s.buf))
	if n <= 1 {
		s.mean, s.m2 = 0, 0
		return
	}
	newMean := (s.mean*n - x) / (n - 1)
	s.m2 -= (x - newMean) * (x - s.mean)
	s.mean = newMean
}

func (s *welfordState) variance() float64 {
	if len(s.buf) < 2 {
		return 0
	}
	return s.m2 / float64(len(s.buf)-1)
}

type stdKernel struct{}

func (stdKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return newWelfordState(n), nil
}

func (stdKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*welfordState)
	in := update.Inputs[0]
	if in.Available {
		s.push(in.Value.Num)
	}
	if len(s.buf) < s.n {
		return unavailable(), nil
	}
	return Emit{Value: Num(math.Sqrt(s.variance())), Available: true}, nil
}

func (stdKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14)}
}

type welfordSnapshot struct {
	N    int       `json:"n"`
	Buf  []float64 `json:"buf"`
	Mean float64   `json:"mean"`
	M2   float64   `json:"m2"`
}

func (stdKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*welfordState)
	return json.Marshal(welfordSnapshot{N: s.n, Buf: append([]float64(nil), s.buf...), Mean: s.mean, M2: s.m2})
}

func (stdKernel) Restore(data []byte) (State, error) {
	var snap welfordSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	s := newWelfordState(snap.N)
	s.buf = append(s.buf[:0], snap.Buf...)
	s.mean, s.m2 = snap.Mean, snap.M2
	return s, nil
}

type rollingKernel struct {
	reduce func(buf []float64) Value
}

func (k rollingKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return newRollingState(n), nil
}

func (k rollingKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*rollingState)
	in := update.Inputs[0]
	if !in.Available {
		if len(s.buf) < s.n {
			return unavailable(), nil
		}
		return Emit{Value: k.reduce(s.buf), Available: true}, nil
	}
	s.push(in.Value.Num)
	if len(s.buf) < s.n {
		return unavailable(), nil
	}
	return Emit{Value: k.reduce(s.buf), Available: true}, nil
}

func (k rollingKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14)}
}

type rollingSnapshot struct {
	N   int       `json:"n"`
	Buf []float64 `json:"buf"`
}

func (k rollingKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*rollingState)
	return json.Marshal(rollingSnapshot{N: s.n, Buf: append([]float64(nil), s.buf...)})
}

func (k rollingKernel) Restore(data []byte) (State, error) {
	var snap rollingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	s := newRollingState(snap.N)
	s.buf = append(s.buf[:0], snap.Buf...)
	return s, nil
}

func reduceSum(buf []float64) Value {
	var total float64
	for _, v := range buf {
		total += v
	}
	return Num(total)
}

func reduceMean(buf []float64) Value {
	v := reduceSum(buf)
	return Num(v.Num / float64(len(buf)))
}

func reduceMin(buf []float64) Value {
	m := buf[0]
	for _, v := range buf[1:] {
		if v < m {
			m = v
		}
	}
	return Num(m)
}

func reduceMax(buf []float64) Value {
	m := buf[0]
	for _, v := range buf[1:] {
		if v > m {
			m = v
		}
	}
	return Num(m)
}

func reduceArgmax(buf []float64) Value {
	idx, m := 0, buf[0]
	for i, v := range buf[1:] {
		if v > m {
			m, idx = v, i+1
		}
	}
	return Num(float64(idx))
}

func reduceArgmin(buf []float64) Value {
	idx, m := 0, buf[0]
	for i, v := range buf[1:] {
		if v < m {
			m, idx = v, i+1
		}
	}
	return Num(float64(idx))
}

func reduceMedian(buf []float64) Value {
	sorted := append([]float64(nil), buf...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return Num((sorted[mid-1] + sorted[mid]) / 2)
	}
	return Num(sorted[mid])
}

func registerRolling(r *Registry) {
	r.Register("sum", rollingKernel{reduce: reduceSum})
	r.Register("mean", rollingKernel{reduce: reduceMean})
	r.Register("std", stdKernel{})
	r.Register("min", rollingKernel{reduce: reduceMin})
	r.Register("max", rollingKernel{reduce: reduceMax})
	r.Register("argmax", rollingKernel{reduce: reduceArgmax})
	r.Register("argmin", rollingKernel{reduce: reduceArgmin})
	r.Register("median", rollingKernel{reduce: reduceMedian})
}
