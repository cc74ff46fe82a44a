package kernel

import "encoding/json"

// recursiveState holds a single running accumulator plus a warmup sample
// counter, shared by ema/rma. wma/hma instead keep a short window buffer
// since their formulas are not purely recursive.
type recursiveState struct {
	n       int
	alpha   float64
	value   float64
	seeded  bool
	seen    int
}

func (*recursiveState) isKernelState() {}

type recursiveKernel struct {
	alphaFor func(n int) float64
}

func (k recursiveKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &recursiveState{n: n, alpha: k.alphaFor(n)}, nil
}

func (k recursiveKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*recursiveState)
	in := update.Inputs[0]
	if !in.Available {
		// recursive smoothers suspend update until an available input
		// arrives.
		if s.seeded && s.seen >= s.n {
			return Emit{Value: Num(s.value), Available: true}, nil
		}
		return unavailable(), nil
	}
	if !s.seeded {
		s.value = in.Value.Num
		s.seeded = true
	} else {
		s.value = s.alpha*in.Value.Num + (1-s.alpha)*s.value
	}
	s.seen++
	if s.seen < s.n {
		return unavailable(), nil
	}
	return Emit{Value: Num(s.value), Available: true}, nil
}

func (k recursiveKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupRecursive, Length: paramInt(params, "length", 14)}
}

type recursiveSnapshot struct {
	N      int     `json:"n"`
	Alpha  float64 `json:"alpha"`
	Value  float64 `json:"value"`
	Seeded bool    `json:"seeded"`
	Seen   int     `json:"seen"`
}

func (k recursiveKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*recursiveState)
	return json.Marshal(recursiveSnapshot{N: s.n, Alpha: s.alpha, Value: s.value, Seeded: s.seeded, Seen: s.seen})
}

func (k recursiveKernel) Restore(data []byte) (State, error) {
	var snap recursiveSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &recursiveState{n: snap.N, alpha: snap.Alpha, value: snap.Value, seeded: snap.Seeded, seen: snap.Seen}, nil
}

func emaAlpha(n int) float64 { return 2.0 / (float64(n) + 1) }
func rmaAlpha(n int) float64 { return 1.0 / float64(n) }

// windowedState is a plain fixed-window buffer used by wma/hma, whose
// formulas recompute from the whole window every tick rather than
// carrying a single recursive accumulator.
type windowedState struct {
	n   int
	buf []float64
}

func (*windowedState) isKernelState() {}

type wmaKernel struct{}

func (wmaKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &windowedState{n: n, buf: make([]float64, 0, n)}, nil
}

func wmaOf(buf []float64) float64 {
	var num, den float64
	for i, v := range buf {
		w := float64(i + 1)
		num += w * v
		den += w
	}
	return num / den
}

func (wmaKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*windowedState)
	in := update.Inputs[0]
	if !in.Available {
		if len(s.buf) < s.n {
			return unavailable(), nil
		}
		return Emit{Value: Num(wmaOf(s.buf)), Available: true}, nil
	}
	if len(s.buf) == s.n {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, in.Value.Num)
	if len(s.buf) < s.n {
		return unavailable(), nil
	}
	return Emit{Value: Num(wmaOf(s.buf)), Available: true}, nil
}

func (wmaKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14)}
}

type windowedSnapshot struct {
	N   int       `json:"n"`
	Buf []float64 `json:"buf"`
}

func (wmaKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*windowedState)
	return json.Marshal(windowedSnapshot{N: s.n, Buf: append([]float64(nil), s.buf...)})
}

func (wmaKernel) Restore(data []byte) (State, error) {
	var snap windowedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &windowedState{n: snap.N, buf: append([]float64(nil), snap.Buf...)}, nil
}

// hmaKernel implements the Hull moving average: hma(n) = wma(2*wma(n/2) -
// wma(n), round(sqrt(n))), composed here as one kernel over two inner wma
// windows rather than a catalog sub-DAG, since it needs no cross-node
// wiring the planner would otherwise have to express.
type hmaState struct {
	half, full, sqrtN *windowedState
}

func (*hmaState) isKernelState() {}

type hmaKernel struct{}

func roundInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

func sqrtInt(n int) int {
	f := 1.0
	x := float64(n)
	for i := 0; i < 20; i++ {
		f = 0.5 * (f + x/f)
	}
	return roundInt(f)
}

func (hmaKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	half := n / 2
	if half <= 0 {
		half = 1
	}
	sn := sqrtInt(n)
	if sn <= 0 {
		sn = 1
	}
	return &hmaState{
		half: &windowedState{n: half, buf: make([]float64, 0, half)},
		full: &windowedState{n: n, buf: make([]float64, 0, n)},
		sqrtN: &windowedState{n: sn, buf: make([]float64, 0, sn)},
	}, nil
}

func pushWindow(s *windowedState, v float64) {
	if len(s.buf) == s.n {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, v)
}

func (hmaKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*hmaState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	pushWindow(s.half, in.Value.Num)
	pushWindow(s.full, in.Value.Num)
	if len(s.half.buf) < s.half.n || len(s.full.buf) < s.full.n {
		return unavailable(), nil
	}
	raw := 2*wmaOf(s.half.buf) - wmaOf(s.full.buf)
	pushWindow(s.sqrtN, raw)
	if len(s.sqrtN.buf) < s.sqrtN.n {
		return unavailable(), nil
	}
	return Emit{Value: Num(wmaOf(s.sqrtN.buf)), Available: true}, nil
}

func (hmaKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	n := paramInt(params, "length", 14)
	return WarmupHint{Kind: WarmupWindow, Length: n + sqrtInt(n)}
}

func (hmaKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*hmaState)
	return json.Marshal(struct {
		Half  windowedSnapshot `json:"half"`
		Full  windowedSnapshot `json:"full"`
		SqrtN windowedSnapshot `json:"sqrt_n"`
	}{
		Half:  windowedSnapshot{N: s.half.n, Buf: s.half.buf},
		Full:  windowedSnapshot{N: s.full.n, Buf: s.full.buf},
		SqrtN: windowedSnapshot{N: s.sqrtN.n, Buf: s.sqrtN.buf},
	})
}

func (hmaKernel) Restore(data []byte) (State, error) {
	var snap struct {
		Half  windowedSnapshot `json:"half"`
		Full  windowedSnapshot `json:"full"`
		SqrtN windowedSnapshot `json:"sqrt_n"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &hmaState{
		half:  &windowedState{n: snap.Half.N, buf: snap.Half.Buf},
		full:  &windowedState{n: snap.Full.N, buf: snap.Full.Buf},
		sqrtN: &windowedState{n: snap.SqrtN.N, buf: snap.SqrtN.Buf},
	}, nil
}

func registerSmoothers(r *Registry) {
	r.Register("ema", recursiveKernel{alphaFor: emaAlpha})
	r.Register("rma", recursiveKernel{alphaFor: rmaAlpha})
	r.Register("wma", wmaKernel{})
	r.Register("hma", hmaKernel{})
}
