package kernel

import (
	"encoding/json"
	"math"
)

// This file holds the canonical indicators whose recurrence genuinely
// fuses several input series into one piece of state — stochastic, cci,
// mfi, vortex, adx, supertrend, psar, klinger, fisher and swing_points.
// Indicators expressible as a thin recombination of primitives already in
// rolling.go/smoothers.go/cumulative.go/transform.go (rsi, atr, macd,
// bbands, keltner, donchian, cmf, ao, coppock, elder_ray, williams_r,
// ichimoku) are left to the catalog's sub-DAG expansion instead of
// duplicating that arithmetic here — see pkg/catalog's indicator
// definitions for the wiring.

// --- stochastic: %K = (close - min(low,n)) / (max(high,n) - min(low,n)) * 100

type stochasticState struct {
	n          int
	highs, lows []float64
}

func (*stochasticState) isKernelState() {}

type stochasticKernel struct{}

func (stochasticKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &stochasticState{n: n}, nil
}

func (stochasticKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*stochasticState)
	high, low, close := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !high.Available || !low.Available || !close.Available {
		return unavailable(), nil
	}
	if len(s.highs) == s.n {
		s.highs, s.lows = s.highs[1:], s.lows[1:]
	}
	s.highs = append(s.highs, high.Value.Num)
	s.lows = append(s.lows, low.Value.Num)
	if len(s.highs) < s.n {
		return unavailable(), nil
	}
	hh, ll := reduceMax(s.highs).Num, reduceMin(s.lows).Num
	if hh == ll {
		return Emit{Value: Num(50), Available: true}, nil
	}
	k := (close.Value.Num - ll) / (hh - ll) * 100
	return Emit{Value: Num(k), Available: true}, nil
}

func (stochasticKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14)}
}

type stochasticSnapshot struct {
	N     int       `json:"n"`
	Highs []float64 `json:"highs"`
	Lows  []float64 `json:"lows"`
}

func (stochasticKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*stochasticState)
	return json.Marshal(stochasticSnapshot{N: s.n, Highs: s.highs, Lows: s.lows})
}

func (stochasticKernel) Restore(data []byte) (State, error) {
	var snap stochasticSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &stochasticState{n: snap.N, highs: snap.Highs, lows: snap.Lows}, nil
}

// --- cci: (typical_price - sma(tp,n)) / (0.015 * mean_abs_deviation(tp,n))
// input: [typical_price]

type cciState struct {
	n   int
	buf []float64
}

func (*cciState) isKernelState() {}

type cciKernel struct{}

func (cciKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 20)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &cciState{n: n}, nil
}

func (cciKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*cciState)
	tp := update.Inputs[0]
	if !tp.Available {
		return unavailable(), nil
	}
	if len(s.buf) == s.n {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, tp.Value.Num)
	if len(s.buf) < s.n {
		return unavailable(), nil
	}
	mean := reduceMean(s.buf).Num
	var mad float64
	for _, v := range s.buf {
		mad += abs(v - mean)
	}
	mad /= float64(len(s.buf))
	if mad == 0 {
		return Emit{Value: Num(0), Available: true}, nil
	}
	return Emit{Value: Num((tp.Value.Num - mean) / (0.015 * mad)), Available: true}, nil
}

func (cciKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 20)}
}

type cciSnapshot struct {
	N   int       `json:"n"`
	Buf []float64 `json:"buf"`
}

func (cciKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*cciState)
	return json.Marshal(cciSnapshot{N: s.n, Buf: s.buf})
}

func (cciKernel) Restore(data []byte) (State, error) {
	var snap cciSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &cciState{n: snap.N, buf: snap.Buf}, nil
}

// --- mfi: money flow index over n. inputs: [typical_price, volume]

type mfiState struct {
	n              int
	prevTP         float64
	seeded         bool
	posFlow, negFlow []float64
}

func (*mfiState) isKernelState() {}

type mfiKernel struct{}

func (mfiKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &mfiState{n: n}, nil
}

func (mfiKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*mfiState)
	tp, vol := update.Inputs[0], update.Inputs[1]
	if !tp.Available || !vol.Available {
		return unavailable(), nil
	}
	rawFlow := tp.Value.Num * vol.Value.Num
	var pos, neg float64
	if s.seeded {
		if tp.Value.Num > s.prevTP {
			pos = rawFlow
		} else if tp.Value.Num < s.prevTP {
			neg = rawFlow
		}
	}
	s.prevTP, s.seeded = tp.Value.Num, true
	if len(s.posFlow) == s.n {
		s.posFlow, s.negFlow = s.posFlow[1:], s.negFlow[1:]
	}
	s.posFlow = append(s.posFlow, pos)
	s.negFlow = append(s.negFlow, neg)
	if len(s.posFlow) < s.n {
		return unavailable(), nil
	}
	posSum, negSum := reduceSum(s.posFlow).Num, reduceSum(s.negFlow).Num
	if negSum == 0 {
		return Emit{Value: Num(100), Available: true}, nil
	}
	ratio := posSum / negSum
	mfi := 100 - (100 / (1 + ratio))
	return Emit{Value: Num(mfi), Available: true}, nil
}

func (mfiKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14) + 1}
}

func (mfiKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*mfiState)
	return json.Marshal(struct {
		N       int       `json:"n"`
		PrevTP  float64   `json:"prev_tp"`
		Seeded  bool      `json:"seeded"`
		PosFlow []float64 `json:"pos_flow"`
		NegFlow []float64 `json:"neg_flow"`
	}{s.n, s.prevTP, s.seeded, s.posFlow, s.negFlow})
}

func (mfiKernel) Restore(data []byte) (State, error) {
	var snap struct {
		N       int       `json:"n"`
		PrevTP  float64   `json:"prev_tp"`
		Seeded  bool      `json:"seeded"`
		PosFlow []float64 `json:"pos_flow"`
		NegFlow []float64 `json:"neg_flow"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &mfiState{n: snap.N, prevTP: snap.PrevTP, seeded: snap.Seeded, posFlow: snap.PosFlow, negFlow: snap.NegFlow}, nil
}

// --- vortex: VI+/VI- over n. Emits Structured{vi_plus, vi_minus} encoded
// as a single numeric passthrough is insufficient (Structured outputs are
// catalog-level composition), so each instance emits one line — VI+ when
// selectPlus is set, VI- otherwise — and the catalog wires two instances
// (vortex_plus, vortex_minus) for the
// Structured output, matching the "multi-output via two kernel instances
// behind one Structured IndicatorMeta" binding documented in the catalog.
type vortexState struct {
	n                        int
	prevHigh, prevLow, prevClose float64
	seeded                   bool
	vmPlus, vmMinus, tr      []float64
}

func (*vortexState) isKernelState() {}

type vortexKernel struct {
	selectPlus bool
}

func (vortexKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &vortexState{n: n}, nil
}

func (k vortexKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*vortexState)
	high, low, close := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !high.Available || !low.Available || !close.Available {
		return unavailable(), nil
	}
	var vmP, vmM, tr float64
	if s.seeded {
		vmP = abs(high.Value.Num - s.prevLow)
		vmM = abs(low.Value.Num - s.prevHigh)
		tr = maxOf3(high.Value.Num-low.Value.Num, abs(high.Value.Num-s.prevClose), abs(low.Value.Num-s.prevClose))
	}
	s.prevHigh, s.prevLow, s.prevClose, s.seeded = high.Value.Num, low.Value.Num, close.Value.Num, true
	if len(s.vmPlus) == s.n {
		s.vmPlus, s.vmMinus, s.tr = s.vmPlus[1:], s.vmMinus[1:], s.tr[1:]
	}
	s.vmPlus = append(s.vmPlus, vmP)
	s.vmMinus = append(s.vmMinus, vmM)
	s.tr = append(s.tr, tr)
	if len(s.vmPlus) < s.n {
		return unavailable(), nil
	}
	trSum := reduceSum(s.tr).Num
	if trSum == 0 {
		return Emit{Value: Num(0), Available: true}, nil
	}
	if k.selectPlus {
		return Emit{Value: Num(reduceSum(s.vmPlus).Num / trSum), Available: true}, nil
	}
	return Emit{Value: Num(reduceSum(s.vmMinus).Num / trSum), Available: true}, nil
}

func (vortexKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 14) + 1}
}

func (vortexKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*vortexState)
	return json.Marshal(struct {
		N        int       `json:"n"`
		PrevHigh float64   `json:"prev_high"`
		PrevLow  float64   `json:"prev_low"`
		PrevClose float64  `json:"prev_close"`
		Seeded   bool      `json:"seeded"`
		VMPlus   []float64 `json:"vm_plus"`
		VMMinus  []float64 `json:"vm_minus"`
		TR       []float64 `json:"tr"`
	}{s.n, s.prevHigh, s.prevLow, s.prevClose, s.seeded, s.vmPlus, s.vmMinus, s.tr})
}

func (vortexKernel) Restore(data []byte) (State, error) {
	var snap struct {
		N        int       `json:"n"`
		PrevHigh float64   `json:"prev_high"`
		PrevLow  float64   `json:"prev_low"`
		PrevClose float64  `json:"prev_close"`
		Seeded   bool      `json:"seeded"`
		VMPlus   []float64 `json:"vm_plus"`
		VMMinus  []float64 `json:"vm_minus"`
		TR       []float64 `json:"tr"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &vortexState{n: snap.N, prevHigh: snap.PrevHigh, prevLow: snap.PrevLow, prevClose: snap.PrevClose,
		seeded: snap.Seeded, vmPlus: snap.VMPlus, vmMinus: snap.VMMinus, tr: snap.TR}, nil
}

// --- adx: Wilder's average directional index over n. inputs: [high, low, close]

type adxState struct {
	n                            int
	prevHigh, prevLow, prevClose float64
	seeded                       bool
	smoothPlusDM, smoothMinusDM, smoothTR float64
	dxBuf                        []float64
	warmCount                    int
}

func (*adxState) isKernelState() {}

type adxKernel struct{}

func (adxKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 14)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &adxState{n: n}, nil
}

func (adxKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*adxState)
	high, low, close := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !high.Available || !low.Available || !close.Available {
		return unavailable(), nil
	}
	if !s.seeded {
		s.prevHigh, s.prevLow, s.prevClose, s.seeded = high.Value.Num, low.Value.Num, close.Value.Num, true
		return unavailable(), nil
	}
	upMove := high.Value.Num - s.prevHigh
	downMove := s.prevLow - low.Value.Num
	var plusDM, minusDM float64
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	tr := maxOf3(high.Value.Num-low.Value.Num, abs(high.Value.Num-s.prevClose), abs(low.Value.Num-s.prevClose))

	alpha := 1.0 / float64(s.n)
	if s.warmCount == 0 {
		s.smoothPlusDM, s.smoothMinusDM, s.smoothTR = plusDM, minusDM, tr
	} else {
		s.smoothPlusDM = s.smoothPlusDM*(1-alpha) + plusDM*alpha
		s.smoothMinusDM = s.smoothMinusDM*(1-alpha) + minusDM*alpha
		s.smoothTR = s.smoothTR*(1-alpha) + tr*alpha
	}
	s.prevHigh, s.prevLow, s.prevClose = high.Value.Num, low.Value.Num, close.Value.Num
	s.warmCount++

	var dx float64
	if s.smoothTR != 0 {
		diPlus := 100 * s.smoothPlusDM / s.smoothTR
		diMinus := 100 * s.smoothMinusDM / s.smoothTR
		if diPlus+diMinus != 0 {
			dx = 100 * abs(diPlus-diMinus) / (diPlus + diMinus)
		}
	}
	if len(s.dxBuf) == s.n {
		s.dxBuf = s.dxBuf[1:]
	}
	s.dxBuf = append(s.dxBuf, dx)
	if len(s.dxBuf) < s.n {
		return unavailable(), nil
	}
	return Emit{Value: Num(reduceMean(s.dxBuf).Num), Available: true}, nil
}

func (adxKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: 2 * paramInt(params, "length", 14)}
}

func (adxKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*adxState))
}

func (adxKernel) Restore(data []byte) (State, error) {
	var s adxState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- supertrend: basis ATR band with trend flip. inputs: [high, low, close]

type supertrendState struct {
	n                int
	multiplier       float64
	prevClose        float64
	seeded           bool
	finalUpper, finalLower float64
	trendUp          bool
	atr              *trueRangeState
	atrRma           *recursiveState
}

func (*supertrendState) isKernelState() {}

type supertrendKernel struct{}

func (supertrendKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 10)
	mult := params["multiplier"]
	m := 3.0
	if mult.Kind == KindNumber && mult.Num != 0 {
		m = mult.Num
	}
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &supertrendState{
		n: n, multiplier: m, trendUp: true,
		atr:    &trueRangeState{},
		atrRma: &recursiveState{n: n, alpha: rmaAlpha(n)},
	}, nil
}

func (supertrendKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*supertrendState)
	high, low, close := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !high.Available || !low.Available || !close.Available {
		return unavailable(), nil
	}
	trEmit, _ := (trueRangeKernel{}).Step(s.atr, Update{Inputs: []Input{high, low, close}})
	atrEmit, _ := (recursiveKernel{alphaFor: rmaAlpha}).Step(s.atrRma, Update{Inputs: []Input{{Value: trEmit.Value, Available: trEmit.Available}}})
	if !atrEmit.Available {
		s.prevClose, s.seeded = close.Value.Num, true
		return unavailable(), nil
	}
	mid := (high.Value.Num + low.Value.Num) / 2
	basicUpper := mid + s.multiplier*atrEmit.Value.Num
	basicLower := mid - s.multiplier*atrEmit.Value.Num

	if !s.seeded {
		s.finalUpper, s.finalLower = basicUpper, basicLower
	} else {
		if basicUpper < s.finalUpper || s.prevClose > s.finalUpper {
			s.finalUpper = basicUpper
		}
		if basicLower > s.finalLower || s.prevClose < s.finalLower {
			s.finalLower = basicLower
		}
		if s.trendUp && close.Value.Num < s.finalLower {
			s.trendUp = false
		} else if !s.trendUp && close.Value.Num > s.finalUpper {
			s.trendUp = true
		}
	}
	s.prevClose, s.seeded = close.Value.Num, true

	if s.trendUp {
		return Emit{Value: Num(s.finalLower), Available: true}, nil
	}
	return Emit{Value: Num(s.finalUpper), Available: true}, nil
}

func (supertrendKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 10)}
}

type supertrendSnapshot struct {
	N          int     `json:"n"`
	Multiplier float64 `json:"multiplier"`
	PrevClose  float64 `json:"prev_close"`
	Seeded     bool    `json:"seeded"`
	FinalUpper float64 `json:"final_upper"`
	FinalLower float64 `json:"final_lower"`
	TrendUp    bool    `json:"trend_up"`
	ATRPrevClose float64 `json:"atr_prev_close"`
	ATRSeeded  bool    `json:"atr_seeded"`
	RmaValue   float64 `json:"rma_value"`
	RmaSeeded  bool    `json:"rma_seeded"`
	RmaSeen    int     `json:"rma_seen"`
}

func (supertrendKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*supertrendState)
	return json.Marshal(supertrendSnapshot{
		N: s.n, Multiplier: s.multiplier, PrevClose: s.prevClose, Seeded: s.seeded,
		FinalUpper: s.finalUpper, FinalLower: s.finalLower, TrendUp: s.trendUp,
		ATRPrevClose: s.atr.prevClose, ATRSeeded: s.atr.seeded,
		RmaValue: s.atrRma.value, RmaSeeded: s.atrRma.seeded, RmaSeen: s.atrRma.seen,
	})
}

func (supertrendKernel) Restore(data []byte) (State, error) {
	var snap supertrendSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &supertrendState{
		n: snap.N, multiplier: snap.Multiplier, prevClose: snap.PrevClose, seeded: snap.Seeded,
		finalUpper: snap.FinalUpper, finalLower: snap.FinalLower, trendUp: snap.TrendUp,
		atr:    &trueRangeState{prevClose: snap.ATRPrevClose, seeded: snap.ATRSeeded},
		atrRma: &recursiveState{n: snap.N, alpha: rmaAlpha(snap.N), value: snap.RmaValue, seeded: snap.RmaSeeded, seen: snap.RmaSeen},
	}, nil
}

// --- psar: Wilder's parabolic stop and reverse. inputs: [high, low]

type psarState struct {
	accelStart, accelStep, accelMax float64
	seeded                          bool
	trendUp                         bool
	sar, ep, accel                  float64
	prevHigh, prevLow               float64
}

func (*psarState) isKernelState() {}

type psarKernel struct{}

func (psarKernel) New(params map[string]ParamValue) (State, error) {
	start := 0.02
	step := 0.02
	max := 0.2
	if p, ok := params["accel_start"]; ok {
		start = p.Num
	}
	if p, ok := params["accel_step"]; ok {
		step = p.Num
	}
	if p, ok := params["accel_max"]; ok {
		max = p.Num
	}
	return &psarState{accelStart: start, accelStep: step, accelMax: max}, nil
}

func (psarKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*psarState)
	high, low := update.Inputs[0], update.Inputs[1]
	if !high.Available || !low.Available {
		return unavailable(), nil
	}
	if !s.seeded {
		s.seeded = true
		s.trendUp = true
		s.sar = low.Value.Num
		s.ep = high.Value.Num
		s.accel = s.accelStart
		s.prevHigh, s.prevLow = high.Value.Num, low.Value.Num
		return Emit{Value: Num(s.sar), Available: true}, nil
	}
	nextSAR := s.sar + s.accel*(s.ep-s.sar)
	if s.trendUp {
		if low.Value.Num < nextSAR {
			s.trendUp = false
			nextSAR = s.ep
			s.ep = low.Value.Num
			s.accel = s.accelStart
		} else {
			if high.Value.Num > s.ep {
				s.ep = high.Value.Num
				s.accel = minF(s.accel+s.accelStep, s.accelMax)
			}
			nextSAR = minF(nextSAR, s.prevLow, low.Value.Num)
		}
	} else {
		if high.Value.Num > nextSAR {
			s.trendUp = true
			nextSAR = s.ep
			s.ep = high.Value.Num
			s.accel = s.accelStart
		} else {
			if low.Value.Num < s.ep {
				s.ep = low.Value.Num
				s.accel = minF(s.accel+s.accelStep, s.accelMax)
			}
			nextSAR = maxF(nextSAR, s.prevHigh, high.Value.Num)
		}
	}
	s.sar = nextSAR
	s.prevHigh, s.prevLow = high.Value.Num, low.Value.Num
	return Emit{Value: Num(s.sar), Available: true}, nil
}

func minF(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxF(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func (psarKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupRecursive, Length: 1}
}

func (psarKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*psarState))
}

func (psarKernel) Restore(data []byte) (State, error) {
	var s psarState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// --- klinger: volume force oscillator. inputs: [high, low, close, volume]

type klingerState struct {
	prevTrend  float64
	prevHLC    float64
	seeded     bool
	fastEMA, slowEMA *recursiveState
}

func (*klingerState) isKernelState() {}

type klingerKernel struct{}

func (klingerKernel) New(params map[string]ParamValue) (State, error) {
	fast := paramInt(params, "fast_length", 34)
	slow := paramInt(params, "slow_length", 55)
	return &klingerState{
		fastEMA: &recursiveState{n: fast, alpha: emaAlpha(fast)},
		slowEMA: &recursiveState{n: slow, alpha: emaAlpha(slow)},
	}, nil
}

func (klingerKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*klingerState)
	high, low, close, vol := update.Inputs[0], update.Inputs[1], update.Inputs[2], update.Inputs[3]
	if !high.Available || !low.Available || !close.Available || !vol.Available {
		return unavailable(), nil
	}
	hlc := high.Value.Num + low.Value.Num + close.Value.Num
	trend := 1.0
	if s.seeded && hlc < s.prevHLC {
		trend = -1.0
	}
	vf := vol.Value.Num * trend * abs(2*((high.Value.Num-low.Value.Num)/maxF(high.Value.Num-low.Value.Num, 1e-9)-1)) * 100
	s.prevHLC, s.seeded = hlc, true

	fastEmit, _ := (recursiveKernel{alphaFor: emaAlpha}).Step(s.fastEMA, Update{Inputs: []Input{NumInput(vf, true)}})
	slowEmit, _ := (recursiveKernel{alphaFor: emaAlpha}).Step(s.slowEMA, Update{Inputs: []Input{NumInput(vf, true)}})
	if !fastEmit.Available || !slowEmit.Available {
		return unavailable(), nil
	}
	return Emit{Value: Num(fastEmit.Value.Num - slowEmit.Value.Num), Available: true}, nil
}

func (klingerKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupRecursive, Length: paramInt(params, "slow_length", 55)}
}

type klingerSnapshot struct {
	PrevHLC  float64 `json:"prev_hlc"`
	Seeded   bool    `json:"seeded"`
	Fast     recursiveSnapshot `json:"fast"`
	Slow     recursiveSnapshot `json:"slow"`
}

func (klingerKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*klingerState)
	return json.Marshal(klingerSnapshot{
		PrevHLC: s.prevHLC, Seeded: s.seeded,
		Fast: recursiveSnapshot{N: s.fastEMA.n, Alpha: s.fastEMA.alpha, Value: s.fastEMA.value, Seeded: s.fastEMA.seeded, Seen: s.fastEMA.seen},
		Slow: recursiveSnapshot{N: s.slowEMA.n, Alpha: s.slowEMA.alpha, Value: s.slowEMA.value, Seeded: s.slowEMA.seeded, Seen: s.slowEMA.seen},
	})
}

func (klingerKernel) Restore(data []byte) (State, error) {
	var snap klingerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &klingerState{
		prevHLC: snap.PrevHLC, seeded: snap.Seeded,
		fastEMA: &recursiveState{n: snap.Fast.N, alpha: snap.Fast.Alpha, value: snap.Fast.Value, seeded: snap.Fast.Seeded, seen: snap.Fast.Seen},
		slowEMA: &recursiveState{n: snap.Slow.N, alpha: snap.Slow.Alpha, value: snap.Slow.Value, seeded: snap.Slow.Seeded, seen: snap.Slow.Seen},
	}, nil
}

// --- fisher transform: recursive normalized-price transform. input: [value in 0..1 range from an external stochastic-style normalization]

type fisherState struct {
	n             int
	buf           []float64
	prevFish      float64
	prevValue     float64
	seeded        bool
}

func (*fisherState) isKernelState() {}

type fisherKernel struct{}

func (fisherKernel) New(params map[string]ParamValue) (State, error) {
	n := paramInt(params, "length", 9)
	if n <= 0 {
		return nil, invalidParam("length", "must be positive")
	}
	return &fisherState{n: n}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (fisherKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*fisherState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	if len(s.buf) == s.n {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, in.Value.Num)
	if len(s.buf) < s.n {
		return unavailable(), nil
	}
	hh, ll := reduceMax(s.buf).Num, reduceMin(s.buf).Num
	var normalized float64
	if hh != ll {
		normalized = 2*((in.Value.Num-ll)/(hh-ll)) - 1
	}
	value := 0.33*2*clamp(normalized, -0.999, 0.999) + 0.67*s.prevValue
	value = clamp(value, -0.999, 0.999)
	fish := 0.5*logOnePlusOverOneMinus(value) + 0.5*s.prevFish
	s.prevValue, s.prevFish, s.seeded = value, fish, true
	return Emit{Value: Num(fish), Available: true}, nil
}

func logOnePlusOverOneMinus(v float64) float64 {
	// ln((1+v)/(1-v)); v is clamped strictly inside (-1, 1) by the caller.
	num, den := 1+v, 1-v
	if den == 0 {
		den = 1e-9
	}
	return math.Log(num / den)
}

func (fisherKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: paramInt(params, "length", 9)}
}

type fisherSnapshot struct {
	N         int       `json:"n"`
	Buf       []float64 `json:"buf"`
	PrevFish  float64   `json:"prev_fish"`
	PrevValue float64   `json:"prev_value"`
	Seeded    bool      `json:"seeded"`
}

func (fisherKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*fisherState)
	return json.Marshal(fisherSnapshot{N: s.n, Buf: s.buf, PrevFish: s.prevFish, PrevValue: s.prevValue, Seeded: s.seeded})
}

func (fisherKernel) Restore(data []byte) (State, error) {
	var snap fisherSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &fisherState{n: snap.N, buf: snap.Buf, prevFish: snap.PrevFish, prevValue: snap.PrevValue, seeded: snap.Seeded}, nil
}

// --- swing_points: emits 1 for a confirmed local high/low pivot with a
// lookback/lookforward of `strength` bars on each side, 0 otherwise.
// Detection lags `strength` bars behind the live edge by construction.
type swingPointsState struct {
	strength int
	highs, lows []float64
	detectHigh  bool
}

func (*swingPointsState) isKernelState() {}

type swingPointsKernel struct {
	detectHigh bool
}

func (k swingPointsKernel) New(params map[string]ParamValue) (State, error) {
	strength := paramInt(params, "strength", 5)
	if strength <= 0 {
		return nil, invalidParam("strength", "must be positive")
	}
	return &swingPointsState{strength: strength, detectHigh: k.detectHigh}, nil
}

func (swingPointsKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*swingPointsState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	window := 2*s.strength + 1
	if len(s.highs) == window {
		s.highs = s.highs[1:]
	}
	s.highs = append(s.highs, in.Value.Num)
	if len(s.highs) < window {
		return unavailable(), nil
	}
	pivotIdx := s.strength
	pivot := s.highs[pivotIdx]
	isExtreme := true
	for i, v := range s.highs {
		if i == pivotIdx {
			continue
		}
		if s.detectHigh && v >= pivot {
			isExtreme = false
			break
		}
		if !s.detectHigh && v <= pivot {
			isExtreme = false
			break
		}
	}
	if isExtreme {
		return Emit{Value: Bool(true), Available: true}, nil
	}
	return Emit{Value: Bool(false), Available: true}, nil
}

func (k swingPointsKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	strength := paramInt(params, "strength", 5)
	return WarmupHint{Kind: WarmupWindow, Length: 2*strength + 1}
}

type swingPointsSnapshot struct {
	Strength int       `json:"strength"`
	Highs    []float64 `json:"highs"`
	DetectHigh bool    `json:"detect_high"`
}

func (swingPointsKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*swingPointsState)
	return json.Marshal(swingPointsSnapshot{Strength: s.strength, Highs: s.highs, DetectHigh: s.detectHigh})
}

func (swingPointsKernel) Restore(data []byte) (State, error) {
	var snap swingPointsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &swingPointsState{strength: snap.Strength, highs: snap.Highs, detectHigh: snap.DetectHigh}, nil
}

// swingPriceState is swingPointsState's price-latching sibling: same
// pivot-confirmation window, but instead of emitting a confirmation
// boolean every tick, it latches the confirmed pivot's actual price and
// holds it until the next confirmed pivot replaces it. fib_retracement
// needs the real high/low level, not a signal that one occurred.
type swingPriceState struct {
	strength   int
	buf        []float64
	detectHigh bool
	latched    bool
	price      float64
}

func (*swingPriceState) isKernelState() {}

type swingPriceKernel struct {
	detectHigh bool
}

func (k swingPriceKernel) New(params map[string]ParamValue) (State, error) {
	strength := paramInt(params, "strength", 5)
	if strength <= 0 {
		return nil, invalidParam("strength", "must be positive")
	}
	return &swingPriceState{strength: strength, detectHigh: k.detectHigh}, nil
}

func (swingPriceKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*swingPriceState)
	in := update.Inputs[0]
	if !in.Available {
		return s.emit(), nil
	}
	window := 2*s.strength + 1
	if len(s.buf) == window {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, in.Value.Num)
	if len(s.buf) < window {
		return s.emit(), nil
	}
	pivotIdx := s.strength
	pivot := s.buf[pivotIdx]
	isExtreme := true
	for i, v := range s.buf {
		if i == pivotIdx {
			continue
		}
		if s.detectHigh && v >= pivot {
			isExtreme = false
			break
		}
		if !s.detectHigh && v <= pivot {
			isExtreme = false
			break
		}
	}
	if isExtreme {
		s.latched = true
		s.price = pivot
	}
	return s.emit(), nil
}

func (s *swingPriceState) emit() Emit {
	if !s.latched {
		return unavailable()
	}
	return Emit{Value: Num(s.price), Available: true}
}

func (k swingPriceKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	strength := paramInt(params, "strength", 5)
	return WarmupHint{Kind: WarmupWindow, Length: 2*strength + 1}
}

type swingPriceSnapshot struct {
	Strength   int       `json:"strength"`
	Buf        []float64 `json:"buf"`
	DetectHigh bool      `json:"detect_high"`
	Latched    bool      `json:"latched"`
	Price      float64   `json:"price"`
}

func (swingPriceKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*swingPriceState)
	return json.Marshal(swingPriceSnapshot{Strength: s.strength, Buf: s.buf, DetectHigh: s.detectHigh, Latched: s.latched, Price: s.price})
}

func (swingPriceKernel) Restore(data []byte) (State, error) {
	var snap swingPriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &swingPriceState{strength: snap.Strength, buf: snap.Buf, detectHigh: snap.DetectHigh, latched: snap.Latched, price: snap.Price}, nil
}

func registerComposed(r *Registry) {
	r.Register("stochastic", stochasticKernel{})
	r.Register("cci", cciKernel{})
	r.Register("mfi", mfiKernel{})
	r.Register("vortex_plus", vortexKernel{selectPlus: true})
	r.Register("vortex_minus", vortexKernel{selectPlus: false})
	r.Register("adx", adxKernel{})
	r.Register("supertrend", supertrendKernel{})
	r.Register("psar", psarKernel{})
	r.Register("klinger", klingerKernel{})
	r.Register("fisher", fisherKernel{})
	r.Register("swing_high", swingPointsKernel{detectHigh: true})
	r.Register("swing_low", swingPointsKernel{detectHigh: false})
	r.Register("swing_high_price", swingPriceKernel{detectHigh: true})
	r.Register("swing_low_price", swingPriceKernel{detectHigh: false})
}
