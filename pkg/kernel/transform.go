package kernel

import "encoding/json"

// lagState keeps the last k+1 raw samples to compute diff/roc/shift, all of
// which compare the current sample against the one k bars back.
type lagState struct {
	k    int
	hist []float64
	seen int
}

func (*lagState) isKernelState() {}

func newLagState(k int) *lagState {
	return &lagState{k: k, hist: make([]float64, 0, k+1)}
}

func (s *lagState) pushAndLag(v float64) (lag float64, ok bool) {
	if len(s.hist) == s.k+1 {
		s.hist = s.hist[1:]
	}
	s.hist = append(s.hist, v)
	s.seen++
	if len(s.hist) <= s.k {
		return 0, false
	}
	return s.hist[0], true
}

type lagKernel struct {
	combine func(current, lagged float64) float64
}

func (k lagKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "k", paramInt(params, "period", 1))
	if n <= 0 {
		return nil, invalidParam("k", "must be positive")
	}
	return newLagState(n), nil
}

func (k lagKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*lagState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	lag, ok := s.pushAndLag(in.Value.Num)
	if !ok {
		return unavailable(), nil
	}
	return Emit{Value: Num(k.combine(in.Value.Num, lag)), Available: true}, nil
}

func (k lagKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	n := paramInt(params, "k", paramInt(params, "period", 1))
	return WarmupHint{Kind: WarmupWindow, Length: n}
}

type lagSnapshot struct {
	K    int       `json:"k"`
	Hist []float64 `json:"hist"`
	Seen int       `json:"seen"`
}

func (lagKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*lagState)
	return json.Marshal(lagSnapshot{K: s.k, Hist: append([]float64(nil), s.hist...), Seen: s.seen})
}

func (lagKernel) Restore(data []byte) (State, error) {
	var snap lagSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &lagState{k: snap.K, hist: snap.Hist, seen: snap.Seen}, nil
}

// shiftKernel just re-emits the lagged value verbatim (no arithmetic
// combine), so it shares lagState/lagKernel machinery with a pass-through
// combine function.
func passThroughLag() Kernel { return lagKernel{combine: func(_, lagged float64) float64 { return lagged }} }
func diffCombine() Kernel    { return lagKernel{combine: func(cur, lagged float64) float64 { return cur - lagged }} }
func rocCombine() Kernel {
	return lagKernel{combine: func(cur, lagged float64) float64 {
		if lagged == 0 {
			return 0
		}
		return (cur - lagged) / lagged * 100
	}}
}

// trueRangeState needs the prior close alongside the current high/low.
type trueRangeState struct {
	prevClose float64
	seeded    bool
}

func (*trueRangeState) isKernelState() {}

type trueRangeKernel struct{}

func (trueRangeKernel) New(params map[string]ParamValue) (State, error) {
	return &trueRangeState{}, nil
}

func (trueRangeKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*trueRangeState)
	high, low, close := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !high.Available || !low.Available || !close.Available {
		return unavailable(), nil
	}
	hl := high.Value.Num - low.Value.Num
	var tr float64
	if !s.seeded {
		tr = hl
	} else {
		hc := abs(high.Value.Num - s.prevClose)
		lc := abs(low.Value.Num - s.prevClose)
		tr = maxOf3(hl, hc, lc)
	}
	s.prevClose = close.Value.Num
	s.seeded = true
	return Emit{Value: Num(tr), Available: true}, nil
}

func (trueRangeKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupNone, Length: 0}
}

func (trueRangeKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*trueRangeState))
}

func (trueRangeKernel) Restore(data []byte) (State, error) {
	var s trueRangeState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func maxOf3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

// signState holds nothing — positive_values/negative_values are pure,
// stateless per-tick masks, but still implement State for protocol
// uniformity.
type signState struct{}

func (*signState) isKernelState() {}

type signKernel struct {
	keep func(v float64) bool
}

func (signKernel) New(params map[string]ParamValue) (State, error) { return &signState{}, nil }

func (k signKernel) Step(state State, update Update) (Emit, error) {
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	if k.keep(in.Value.Num) {
		return Emit{Value: Num(in.Value.Num), Available: true}, nil
	}
	return Emit{Value: Num(0), Available: true}, nil
}

func (signKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupNone, Length: 0}
}

func (signKernel) Snapshot(state State) ([]byte, error) { return []byte("{}"), nil }
func (signKernel) Restore(data []byte) (State, error)   { return &signState{}, nil }

func registerTransforms(r *Registry) {
	r.Register("diff", diffCombine())
	r.Register("roc", rocCombine())
	r.Register("shift", passThroughLag())
	r.Register("true_range", trueRangeKernel{})
	r.Register("positive_values", signKernel{keep: func(v float64) bool { return v > 0 }})
	r.Register("negative_values", signKernel{keep: func(v float64) bool { return v < 0 }})
}
