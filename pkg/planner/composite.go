package planner

import (
	"fmt"
	"hash/fnv"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// planComposite expands a Call whose catalog entry declares
// runtime_binding.kind == "composite" into a sub-DAG of synthetic plan
// nodes (kernel calls plus arithmetic glue), and rewrites pn itself into
// the sub-DAG's final node (catalog entries are "expanded either into a single
// kernel or into a sub-DAG — the catalog declares which").
func (b *builder) planComposite(pn *PlanNode, meta catalog.IndicatorMeta, call ir.Call, params catalog.TypedParams, childLookback int) error {
	cb := &compositeBuilder{builder: b, parentHash: pn.IRHash, inputs: pn.ChildIDs, childLookback: childLookback, params: params}
	fn, ok := compositeBuilders[meta.RuntimeBinding.ID]
	if !ok {
		return &taerrors.InternalError{Message: fmt.Sprintf("planner: no composite builder registered for %q", meta.RuntimeBinding.ID)}
	}
	final, err := fn(cb)
	if err != nil {
		return err
	}
	// Splice final's content into pn itself so pn.NodeID (the Call's own
	// stable node_id) remains the handle callers/MemberAccess reference,
	// while still being backed by the sub-DAG cb built underneath it. The
	// synthetic "final" node was only a scaffold to get there — drop it
	// and re-point its children's Parents at pn instead, so the plan
	// never carries an unreachable duplicate of its own root.
	pn.Kind = final.Kind
	pn.ChildIDs = final.ChildIDs
	pn.Kernel = final.Kernel
	pn.Op = final.Op
	pn.OutputTag = final.OutputTag
	pn.Lookback = final.Lookback
	pn.CompositeID = meta.RuntimeBinding.ID
	b.discard(final, pn.NodeID)
	return nil
}

// discard removes a synthetic scaffold node from the builder's bookkeeping
// once its content has been absorbed by replacementID, repointing any
// child's Parents entry that referenced it.
func (b *builder) discard(node *PlanNode, replacementID string) {
	delete(b.byHash, node.IRHash)
	delete(b.byID, node.NodeID)
	for i, p := range b.order {
		if p == node {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for _, cid := range node.ChildIDs {
		c, ok := b.byID[cid]
		if !ok {
			continue
		}
		for i, parentID := range c.Parents {
			if parentID == node.NodeID {
				c.Parents[i] = replacementID
			}
		}
	}
}

type compositeBuilder struct {
	builder       *builder
	parentHash    ir.Hash
	inputs        []string // node_ids of the Call's own Args, in order
	childLookback int
	params        catalog.TypedParams
	counter       int
}

func (cb *compositeBuilder) nextHash() ir.Hash {
	cb.counter++
	return synthHash(cb.parentHash, fmt.Sprintf("#%d", cb.counter))
}

func synthHash(parent ir.Hash, suffix string) ir.Hash {
	f := fnv.New64a()
	f.Write([]byte(suffix))
	return ir.Hash(uint64(parent) ^ f.Sum64())
}

func (cb *compositeBuilder) literal(v float64) *PlanNode {
	h := cb.nextHash()
	pn := &PlanNode{NodeID: nodeID(h), IRHash: h, Kind: KindLiteral, OutputTag: ir.Scalar(ir.ElemNumber), Literal: &LiteralValue{Kind: ir.ParamNumber, Num: v}}
	cb.builder.register(pn, h)
	return pn
}

// boolOutputKernels lists the composite-builder kernel ids whose Step emits
// kernel.KindBool rather than a number — the evaluator dispatches on the
// Emit's own Value.Kind at runtime regardless of what OutputTag says, but
// kernelOf still needs to tag the PlanNode with the right element kind so
// anything inspecting the static shape (MemberAccess, the top-level Call's
// Structured tag) isn't told every composite sub-node is a number.
var boolOutputKernels = map[string]bool{
	"swing_high": true,
	"swing_low":  true,
}

func (cb *compositeBuilder) kernelOf(kernelID string, children []*PlanNode, params map[string]interface{}) (*PlanNode, error) {
	k, ok := cb.builder.kernels.Lookup(kernelID)
	if !ok {
		return nil, &taerrors.InternalError{Message: fmt.Sprintf("planner: composite referenced unregistered kernel %q", kernelID)}
	}
	typed := toTypedParams(params)
	hint := k.WarmupHint(typed)
	lookback := 0
	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.NodeID
		if c.Lookback > lookback {
			lookback = c.Lookback
		}
	}
	lookback += hint.Length
	elem := ir.ElemNumber
	if boolOutputKernels[kernelID] {
		elem = ir.ElemBool
	}
	h := cb.nextHash()
	pn := &PlanNode{
		NodeID: nodeID(h), IRHash: h, Kind: KindKernel, ChildIDs: childIDs,
		Kernel: &KernelBinding{KernelID: kernelID, Params: typed},
		OutputTag: ir.SeriesOf(elem), Lookback: lookback,
	}
	cb.builder.register(pn, h)
	return pn, nil
}

func (cb *compositeBuilder) binary(op ir.BinOp, left, right *PlanNode) *PlanNode {
	h := cb.nextHash()
	lookback := left.Lookback
	if right.Lookback > lookback {
		lookback = right.Lookback
	}
	pn := &PlanNode{
		NodeID: nodeID(h), IRHash: h, Kind: KindOp,
		ChildIDs: []string{left.NodeID, right.NodeID},
		Op:       &OpSpec{IsBinary: true, BinOp: op},
		OutputTag: ir.SeriesOf(ir.ElemNumber), Lookback: lookback,
	}
	cb.builder.register(pn, h)
	return pn
}

func (cb *compositeBuilder) unary(op ir.UnOp, child *PlanNode) *PlanNode {
	h := cb.nextHash()
	pn := &PlanNode{
		NodeID: nodeID(h), IRHash: h, Kind: KindOp,
		ChildIDs: []string{child.NodeID},
		Op:       &OpSpec{IsUnary: true, UnOp: op},
		OutputTag: child.OutputTag, Lookback: child.Lookback,
	}
	cb.builder.register(pn, h)
	return pn
}

func (cb *compositeBuilder) structure(compositeID string, fields map[string]*PlanNode) *PlanNode {
	h := cb.nextHash()
	childIDs := make([]string, 0, len(fields))
	structFields := make(map[string]string, len(fields))
	lookback := 0
	outTag := make(map[string]ir.Tag, len(fields))
	for name, c := range fields {
		childIDs = append(childIDs, c.NodeID)
		structFields[name] = c.NodeID
		if c.Lookback > lookback {
			lookback = c.Lookback
		}
		outTag[name] = c.OutputTag
	}
	pn := &PlanNode{
		NodeID: nodeID(h), IRHash: h, Kind: KindStruct,
		ChildIDs: childIDs,
		Op:       &OpSpec{StructureFields: structFields, CompositeID: compositeID},
		OutputTag: ir.Structured(outTag), Lookback: lookback,
	}
	cb.builder.register(pn, h)
	return pn
}

func (cb *compositeBuilder) byID(id string) *PlanNode { return cb.builder.byID[id] }

func (cb *compositeBuilder) input(i int) *PlanNode { return cb.byID(cb.inputs[i]) }

func (cb *compositeBuilder) intParam(name string, fallback int) int {
	if v, ok := cb.params[name]; ok {
		return int(v.Num)
	}
	return fallback
}

func (cb *compositeBuilder) numParam(name string, fallback float64) float64 {
	if v, ok := cb.params[name]; ok {
		return v.Num
	}
	return fallback
}

func toTypedParams(m map[string]interface{}) catalog.TypedParams {
	out := make(catalog.TypedParams, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = kernel.ParamValue{Kind: kernel.KindNumber, Num: float64(n)}
		case float64:
			out[k] = kernel.ParamValue{Kind: kernel.KindNumber, Num: n}
		case string:
			out[k] = kernel.ParamValue{Kind: kernel.KindString, Str: n}
		}
	}
	return out
}

type compositeFn func(*compositeBuilder) (*PlanNode, error)

var compositeBuilders = map[string]compositeFn{
	"rsi":             buildRSI,
	"macd":            buildMACD,
	"bbands":          buildBBands,
	"atr":             buildATR,
	"keltner":         buildKeltner,
	"donchian":        buildDonchian,
	"cmf":             buildCMF,
	"ao":              buildAO,
	"coppock":         buildCoppock,
	"williams_r":      buildWilliamsR,
	"ichimoku":        buildIchimoku,
	"elder_ray":       buildElderRay,
	"fib_retracement": buildFibRetracement,
	"swing_points":    buildSwingPoints,
	"vortex":          buildVortex,
	"cci":             buildCCI,
	"mfi":             buildMFI,
	"fisher":          buildFisher,
}

func buildRSI(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 14)
	close := cb.input(0)
	change, err := cb.kernelOf("diff", []*PlanNode{close}, map[string]interface{}{"k": 1})
	if err != nil {
		return nil, err
	}
	gain, err := cb.kernelOf("positive_values", []*PlanNode{change}, nil)
	if err != nil {
		return nil, err
	}
	negLoss, err := cb.kernelOf("negative_values", []*PlanNode{change}, nil)
	if err != nil {
		return nil, err
	}
	loss := cb.unary(ir.OpNeg, negLoss)
	avgGain, err := cb.kernelOf("rma", []*PlanNode{gain}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	avgLoss, err := cb.kernelOf("rma", []*PlanNode{loss}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	rs := cb.binary(ir.OpDiv, avgGain, avgLoss)
	onePlusRS := cb.binary(ir.OpAdd, cb.literal(1), rs)
	frac := cb.binary(ir.OpDiv, cb.literal(100), onePlusRS)
	return cb.binary(ir.OpSub, cb.literal(100), frac), nil
}

func buildMACD(cb *compositeBuilder) (*PlanNode, error) {
	fast := cb.intParam("fast_length", 12)
	slow := cb.intParam("slow_length", 26)
	signalLen := cb.intParam("signal_length", 9)
	close := cb.input(0)
	emaFast, err := cb.kernelOf("ema", []*PlanNode{close}, map[string]interface{}{"length": fast})
	if err != nil {
		return nil, err
	}
	emaSlow, err := cb.kernelOf("ema", []*PlanNode{close}, map[string]interface{}{"length": slow})
	if err != nil {
		return nil, err
	}
	macdLine := cb.binary(ir.OpSub, emaFast, emaSlow)
	signal, err := cb.kernelOf("ema", []*PlanNode{macdLine}, map[string]interface{}{"length": signalLen})
	if err != nil {
		return nil, err
	}
	histogram := cb.binary(ir.OpSub, macdLine, signal)
	return cb.structure("macd", map[string]*PlanNode{"macd": macdLine, "signal": signal, "histogram": histogram}), nil
}

func buildBBands(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 20)
	stddevMult := cb.numParam("stddev", 2)
	close := cb.input(0)
	mid, err := cb.kernelOf("mean", []*PlanNode{close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	std, err := cb.kernelOf("std", []*PlanNode{close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	band := cb.binary(ir.OpMul, cb.literal(stddevMult), std)
	upper := cb.binary(ir.OpAdd, mid, band)
	lower := cb.binary(ir.OpSub, mid, band)
	return cb.structure("bbands", map[string]*PlanNode{"basis": mid, "upper": upper, "lower": lower}), nil
}

func buildATR(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 14)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	tr, err := cb.kernelOf("true_range", []*PlanNode{high, low, close}, nil)
	if err != nil {
		return nil, err
	}
	return cb.kernelOf("rma", []*PlanNode{tr}, map[string]interface{}{"length": length})
}

func buildKeltner(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 20)
	mult := cb.numParam("multiplier", 2)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	mid, err := cb.kernelOf("ema", []*PlanNode{close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	tr, err := cb.kernelOf("true_range", []*PlanNode{high, low, close}, nil)
	if err != nil {
		return nil, err
	}
	atr, err := cb.kernelOf("rma", []*PlanNode{tr}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	band := cb.binary(ir.OpMul, cb.literal(mult), atr)
	upper := cb.binary(ir.OpAdd, mid, band)
	lower := cb.binary(ir.OpSub, mid, band)
	return cb.structure("keltner", map[string]*PlanNode{"basis": mid, "upper": upper, "lower": lower}), nil
}

func buildDonchian(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 20)
	high, low := cb.input(0), cb.input(1)
	upper, err := cb.kernelOf("max", []*PlanNode{high}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	lower, err := cb.kernelOf("min", []*PlanNode{low}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	sum := cb.binary(ir.OpAdd, upper, lower)
	basis := cb.binary(ir.OpDiv, sum, cb.literal(2))
	return cb.structure("donchian", map[string]*PlanNode{"upper": upper, "basis": basis, "lower": lower}), nil
}

func buildCMF(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 20)
	high, low, close, volume := cb.input(0), cb.input(1), cb.input(2), cb.input(3)
	// money flow multiplier = ((close-low)-(high-close)) / (high-low)
	closeLow := cb.binary(ir.OpSub, close, low)
	highClose := cb.binary(ir.OpSub, high, close)
	numerator := cb.binary(ir.OpSub, closeLow, highClose)
	hl := cb.binary(ir.OpSub, high, low)
	multiplier := cb.binary(ir.OpDiv, numerator, hl)
	mfVolume := cb.binary(ir.OpMul, multiplier, volume)
	mfSum, err := cb.kernelOf("sum", []*PlanNode{mfVolume}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	volSum, err := cb.kernelOf("sum", []*PlanNode{volume}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	return cb.binary(ir.OpDiv, mfSum, volSum), nil
}

func buildAO(cb *compositeBuilder) (*PlanNode, error) {
	fast := cb.intParam("fast_length", 5)
	slow := cb.intParam("slow_length", 34)
	high, low := cb.input(0), cb.input(1)
	median := cb.binary(ir.OpDiv, cb.binary(ir.OpAdd, high, low), cb.literal(2))
	fastSMA, err := cb.kernelOf("mean", []*PlanNode{median}, map[string]interface{}{"length": fast})
	if err != nil {
		return nil, err
	}
	slowSMA, err := cb.kernelOf("mean", []*PlanNode{median}, map[string]interface{}{"length": slow})
	if err != nil {
		return nil, err
	}
	return cb.binary(ir.OpSub, fastSMA, slowSMA), nil
}

func buildCoppock(cb *compositeBuilder) (*PlanNode, error) {
	roc1 := cb.intParam("roc1_length", 14)
	roc2 := cb.intParam("roc2_length", 11)
	wmaLen := cb.intParam("wma_length", 10)
	close := cb.input(0)
	r1, err := cb.kernelOf("roc", []*PlanNode{close}, map[string]interface{}{"k": roc1})
	if err != nil {
		return nil, err
	}
	r2, err := cb.kernelOf("roc", []*PlanNode{close}, map[string]interface{}{"k": roc2})
	if err != nil {
		return nil, err
	}
	summed := cb.binary(ir.OpAdd, r1, r2)
	return cb.kernelOf("wma", []*PlanNode{summed}, map[string]interface{}{"length": wmaLen})
}

func buildWilliamsR(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 14)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	highest, err := cb.kernelOf("max", []*PlanNode{high}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	lowest, err := cb.kernelOf("min", []*PlanNode{low}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	numerator := cb.binary(ir.OpSub, highest, close)
	hl := cb.binary(ir.OpSub, highest, lowest)
	ratio := cb.binary(ir.OpDiv, numerator, hl)
	return cb.binary(ir.OpMul, ratio, cb.literal(-100)), nil
}

func buildElderRay(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 13)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	baseline, err := cb.kernelOf("ema", []*PlanNode{close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	bullPower := cb.binary(ir.OpSub, high, baseline)
	bearPower := cb.binary(ir.OpSub, low, baseline)
	return cb.structure("elder_ray", map[string]*PlanNode{"bull_power": bullPower, "bear_power": bearPower}), nil
}

// buildIchimoku composes the three classic lines from rolling highs/lows
// at three horizons; lagging span/cloud-shift rendering is a presentation
// concern left to the frontend, not a planning-stage responsibility.
func buildIchimoku(cb *compositeBuilder) (*PlanNode, error) {
	conv := cb.intParam("conversion_length", 9)
	base := cb.intParam("base_length", 26)
	spanB := cb.intParam("span_b_length", 52)
	high, low := cb.input(0), cb.input(1)

	midpoint := func(length int) (*PlanNode, error) {
		hi, err := cb.kernelOf("max", []*PlanNode{high}, map[string]interface{}{"length": length})
		if err != nil {
			return nil, err
		}
		lo, err := cb.kernelOf("min", []*PlanNode{low}, map[string]interface{}{"length": length})
		if err != nil {
			return nil, err
		}
		return cb.binary(ir.OpDiv, cb.binary(ir.OpAdd, hi, lo), cb.literal(2)), nil
	}

	conversion, err := midpoint(conv)
	if err != nil {
		return nil, err
	}
	baseline, err := midpoint(base)
	if err != nil {
		return nil, err
	}
	spanA := cb.binary(ir.OpDiv, cb.binary(ir.OpAdd, conversion, baseline), cb.literal(2))
	spanBLine, err := midpoint(spanB)
	if err != nil {
		return nil, err
	}
	return cb.structure("ichimoku", map[string]*PlanNode{
		"conversion": conversion, "base": baseline, "span_a": spanA, "span_b": spanBLine,
	}), nil
}

// buildFibRetracement expands into two swing_*_price kernel instances (high
// and low pivot prices, latched and held until the next confirmed pivot)
// plus the ratio-projection step over the resulting range: level_0 sits at
// the most recent swing high, level_1000 at the swing low, with the classic
// intermediate ratios spaced between them. Cross-checked against
// original_source/laakhay/ta/indicators/pattern/fib.py, which projects
// ratios from the actual confirmed pivot prices, not from the pivot
// confirmation signal swing_points exposes.
func buildFibRetracement(cb *compositeBuilder) (*PlanNode, error) {
	strength := cb.intParam("strength", 5)
	high, low := cb.input(0), cb.input(1)
	swingHigh, err := cb.kernelOf("swing_high_price", []*PlanNode{high}, map[string]interface{}{"strength": strength})
	if err != nil {
		return nil, err
	}
	swingLow, err := cb.kernelOf("swing_low_price", []*PlanNode{low}, map[string]interface{}{"strength": strength})
	if err != nil {
		return nil, err
	}
	rng := cb.binary(ir.OpSub, swingHigh, swingLow)
	levels := map[string]*PlanNode{"level_0": swingHigh, "level_1000": swingLow}
	for name, ratioPct := range map[string]float64{"level_236": 23.6, "level_382": 38.2, "level_500": 50, "level_618": 61.8} {
		ratio := decimal.NewFromFloat(ratioPct).Div(decimal.NewFromInt(100))
		f, _ := ratio.Float64()
		scaled := cb.binary(ir.OpMul, rng, cb.literal(f))
		levels[name] = cb.binary(ir.OpSub, swingHigh, scaled)
	}
	return cb.structure("fib_retracement", levels), nil
}

// buildSwingPoints assembles the two independent swing_high/swing_low
// kernel instances into one structured call — the catalog declares this
// composite even though it performs no arithmetic of its own, matching the
// two-output pivot-detection shape a single kernel can't expose alone.
func buildSwingPoints(cb *compositeBuilder) (*PlanNode, error) {
	strength := cb.intParam("strength", 5)
	high, low := cb.input(0), cb.input(1)
	swingHigh, err := cb.kernelOf("swing_high", []*PlanNode{high}, map[string]interface{}{"strength": strength})
	if err != nil {
		return nil, err
	}
	swingLow, err := cb.kernelOf("swing_low", []*PlanNode{low}, map[string]interface{}{"strength": strength})
	if err != nil {
		return nil, err
	}
	return cb.structure("swing_points", map[string]*PlanNode{"swing_high": swingHigh, "swing_low": swingLow}), nil
}

// buildVortex assembles the vi_plus/vi_minus lines from the two directional
// vortex kernel instances, each driven off the same high/low/close inputs.
func buildVortex(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 14)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	viPlus, err := cb.kernelOf("vortex_plus", []*PlanNode{high, low, close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	viMinus, err := cb.kernelOf("vortex_minus", []*PlanNode{high, low, close}, map[string]interface{}{"length": length})
	if err != nil {
		return nil, err
	}
	return cb.structure("vortex", map[string]*PlanNode{"vi_plus": viPlus, "vi_minus": viMinus}), nil
}

// buildCCI feeds the cci kernel its typical price (the average of high,
// low, close) rather than a raw field, since the kernel itself only knows
// how to reduce one numeric input per tick.
func buildCCI(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 20)
	high, low, close := cb.input(0), cb.input(1), cb.input(2)
	tp := typicalPrice(cb, high, low, close)
	return cb.kernelOf("cci", []*PlanNode{tp}, map[string]interface{}{"length": length})
}

// buildMFI feeds the mfi kernel the typical price alongside volume, for the
// same reason buildCCI derives a typical price ahead of its kernel call.
func buildMFI(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 14)
	high, low, close, volume := cb.input(0), cb.input(1), cb.input(2), cb.input(3)
	tp := typicalPrice(cb, high, low, close)
	return cb.kernelOf("mfi", []*PlanNode{tp, volume}, map[string]interface{}{"length": length})
}

// buildFisher feeds the fisher kernel the median price (high+low)/2, the
// customary input for the Fisher Transform.
func buildFisher(cb *compositeBuilder) (*PlanNode, error) {
	length := cb.intParam("length", 9)
	high, low := cb.input(0), cb.input(1)
	median := cb.binary(ir.OpDiv, cb.binary(ir.OpAdd, high, low), cb.literal(2))
	return cb.kernelOf("fisher", []*PlanNode{median}, map[string]interface{}{"length": length})
}

func typicalPrice(cb *compositeBuilder, high, low, close *PlanNode) *PlanNode {
	sum := cb.binary(ir.OpAdd, cb.binary(ir.OpAdd, high, low), close)
	return cb.binary(ir.OpDiv, sum, cb.literal(3))
}
