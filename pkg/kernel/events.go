package kernel

import "encoding/json"

// pairState tracks the previous tick's two operand values so cross/rising/
// falling can compare consecutive samples. Cross events require two
// consecutive available samples on both operands.
type pairState struct {
	prevA, prevB   float64
	haveBoth       bool
}

func (*pairState) isKernelState() {}

type crossKernel struct {
	fires func(prevA, prevB, a, b float64) bool
}

func (crossKernel) New(params map[string]ParamValue) (State, error) { return &pairState{}, nil }

func (k crossKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*pairState)
	a, b := update.Inputs[0], update.Inputs[1]
	if !a.Available || !b.Available {
		return unavailable(), nil
	}
	var out Emit
	if s.haveBoth {
		out = Emit{Value: Bool(k.fires(s.prevA, s.prevB, a.Value.Num, b.Value.Num)), Available: true}
	} else {
		out = unavailable()
	}
	s.prevA, s.prevB, s.haveBoth = a.Value.Num, b.Value.Num, true
	return out, nil
}

func (crossKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: 2}
}

func (crossKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*pairState))
}

func (crossKernel) Restore(data []byte) (State, error) {
	var s pairState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func crossUp(prevA, prevB, a, b float64) bool   { return prevA <= prevB && a > b }
func crossDown(prevA, prevB, a, b float64) bool { return prevA >= prevB && a < b }

// singleState tracks only the previous sample of one operand, for
// rising/falling.
type singleState struct {
	prev    float64
	haveOne bool
}

func (*singleState) isKernelState() {}

type trendKernel struct {
	fires func(prev, cur float64) bool
}

func (trendKernel) New(params map[string]ParamValue) (State, error) { return &singleState{}, nil }

func (k trendKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*singleState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	var out Emit
	if s.haveOne {
		out = Emit{Value: Bool(k.fires(s.prev, in.Value.Num)), Available: true}
	} else {
		out = unavailable()
	}
	s.prev, s.haveOne = in.Value.Num, true
	return out, nil
}

func (trendKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: 2}
}

func (trendKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*singleState))
}

func (trendKernel) Restore(data []byte) (State, error) {
	var s singleState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// inChannelState is stateless per tick: inputs are [value, lower, upper].
type inChannelState struct{}

func (*inChannelState) isKernelState() {}

type inChannelKernel struct{}

func (inChannelKernel) New(params map[string]ParamValue) (State, error) {
	return &inChannelState{}, nil
}

func (inChannelKernel) Step(state State, update Update) (Emit, error) {
	value, lower, upper := update.Inputs[0], update.Inputs[1], update.Inputs[2]
	if !value.Available || !lower.Available || !upper.Available {
		return unavailable(), nil
	}
	in := value.Value.Num >= lower.Value.Num && value.Value.Num <= upper.Value.Num
	return Emit{Value: Bool(in), Available: true}, nil
}

func (inChannelKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupNone, Length: 0}
}

func (inChannelKernel) Snapshot(state State) ([]byte, error) { return []byte("{}"), nil }
func (inChannelKernel) Restore(data []byte) (State, error)   { return &inChannelState{}, nil }

// transitionState tracks the previous tick's boolean condition value for
// enter/exit (rising/falling edge on a bool series).
type transitionState struct {
	prev     bool
	haveOne  bool
}

func (*transitionState) isKernelState() {}

type transitionKernel struct {
	fires func(prev, cur bool) bool
}

func (transitionKernel) New(params map[string]ParamValue) (State, error) {
	return &transitionState{}, nil
}

func (k transitionKernel) Step(state State, update Update) (Emit, error) {
	s := state.(*transitionState)
	in := update.Inputs[0]
	if !in.Available {
		return unavailable(), nil
	}
	var out Emit
	if s.haveOne {
		out = Emit{Value: Bool(k.fires(s.prev, in.Value.Bool)), Available: true}
	} else {
		out = unavailable()
	}
	s.prev, s.haveOne = in.Value.Bool, true
	return out, nil
}

func (transitionKernel) WarmupHint(params map[string]ParamValue) WarmupHint {
	return WarmupHint{Kind: WarmupWindow, Length: 2}
}

func (transitionKernel) Snapshot(state State) ([]byte, error) {
	return json.Marshal(state.(*transitionState))
}

func (transitionKernel) Restore(data []byte) (State, error) {
	var s transitionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func enterFires(prev, cur bool) bool { return !prev && cur }
func exitFires(prev, cur bool) bool  { return prev && !cur }

func registerEvents(r *Registry) {
	r.Register("crossup", crossKernel{fires: crossUp})
	r.Register("crossdown", crossKernel{fires: crossDown})
	r.Register("rising", trendKernel{fires: func(prev, cur float64) bool { return cur > prev }})
	r.Register("falling", trendKernel{fires: func(prev, cur float64) bool { return cur < prev }})
	r.Register("in_channel", inChannelKernel{})
	r.Register("enter", transitionKernel{fires: enterFires})
	r.Register("exit", transitionKernel{fires: exitFires})
}
