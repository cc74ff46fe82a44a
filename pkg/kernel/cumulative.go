package kernel

import "encoding/json"

type cumsumState struct {
	total  float64
	seeded bool
}

func (*cumsumState) isKernelState() {}

type cumsumKernel struct{}

func (cumsumKernel) New(params map[string]ParamValue) (State, error) {
	return &cumsumState{}, nil
}

func (cumsumKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*cumsumState)
	in := update.Inputs[0]
	if !in.Available {
		if s.seeded {
			return Emit{Value: Num(s.total), Available: true}, nil
		}
		return unavailable(), nil
	}
	s.total += in.Value.Num
	s.seeded = true
	return Emit{Value: Num(s.total), Available: true}, nil
}

func (cumsumKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupCumulative, Length: 1}
}

func (cumsumKernel) Snapshot(state State) ([]byte, error) {
	s := state.(*cumsumState)
	return json.Marshal(s)
}

func (cumsumKernel) Restore(data []byte) (State, error) {
	var s cumsumState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// obvState accumulates on-balance volume: inputs are [close, volume].
type obvState struct {
	total     float64
	lastClose float64
	seeded    bool
}

func (*obvState) isKernelState() {}

type obvKernel struct{}

func (obvKernel) New(params map[string]ParamValue) (State, error) { return &obvState{}, nil }

func (obvKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*obvState)
	closeIn, volIn := update.Inputs[0], update.Inputs[1]
	if !closeIn.Available || !volIn.Available {
		if s.seeded {
			return Emit{Value: Num(s.total), Available: true}, nil
		}
		return unavailable(), nil
	}
	if s.seeded {
		switch {
		case closeIn.Value.Num > s.lastClose:
			s.total += volIn.Value.Num
		case closeIn.Value.Num < s.lastClose:
			s.total -= volIn.Value.Num
		}
	}
	s.lastClose = closeIn.Value.Num
	s.seeded = true
	return Emit{Value: Num(s.total), Available: true}, nil
}

func (obvKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupCumulative, Length: 1}
}

func (obvKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*obvState))
}

func (obvKernel) Restore(data []byte) (State, error) {
	var s obvState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// vwapState accumulates volume-weighted average price, either rolling
// (reset never) or session-anchored (reset when a new session boundary
// elapses, tracked in nanoseconds since the configured anchor period).
type vwapState struct {
	anchor       string
	sessionNanos int64
	pvSum, vSum  float64
	sessionStart int64
	seeded       bool
}

func (*vwapState) isKernelState() {}

type vwapKernel struct{}

func (vwapKernel) New(params map[string]ParamValue) (State, error) {
	anchor := paramStr(params, "anchor", "rolling")
	if anchor != "rolling" && anchor != "session" {
		return nil, invalidParam("anchor", "must be \"rolling\" or \"session\"")
	}
	return &vwapState{anchor: anchor, sessionNanos: int64(24 * 3600 * 1e9)}, nil
}

func (k vwapKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*vwapState)
	priceIn, volIn := update.Inputs[0], update.Inputs[1]
	if !priceIn.Available || !volIn.Available {
		if s.seeded && s.vSum != 0 {
			return Emit{Value: Num(s.pvSum / s.vSum), Available: true}, nil
		}
		return unavailable(), nil
	}
	if s.anchor == "session" {
		if !s.seeded || update.Timestamp-s.sessionStart >= s.sessionNanos {
			s.sessionStart = update.Timestamp
			s.pvSum, s.vSum = 0, 0
		}
	}
	s.pvSum += priceIn.Value.Num * volIn.Value.Num
	s.vSum += volIn.Value.Num
	s.seeded = true
	if s.vSum == 0 {
		return unavailable(), nil
	}
	return Emit{Value: Num(s.pvSum / s.vSum), Available: true}, nil
}

func (vwapKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupCumulative, Length: 1}
}

func (vwapKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*vwapState))
}

func (vwapKernel) Restore(data []byte) (State, error) {
	var s vwapState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func registerCumulative(r *Registry) {
	r.Register("cumsum", cumsumKernel{})
	r.Register("obv", obvKernel{})
	r.Register("vwap", vwapKernel{})
}
