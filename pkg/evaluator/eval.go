// Package evaluator drives a planner.Plan against a dataset.Dataset, either
// all at once (Batch) or bar-by-bar against live appends (Session). Both
// modes share evalNode, the single-node step this file implements, so the
// parity contract between them — same plan, same dataset, same result — is
// structural rather than a property that has to be separately maintained.
package evaluator

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// evalContext carries everything evalNode needs beyond the one PlanNode and
// its already-evaluated children: the full plan (for MemberAccess/struct
// field resolution), the kernel registry, and the ambient logging/metrics.
type evalContext struct {
	byID    map[string]*planner.PlanNode
	kernels *kernel.Registry
	ds      dataset.Dataset
	metrics *Metrics
	logger  *slog.Logger
}

// evalNode computes pn's value given its already-evaluated children. values
// must already hold an entry for every id in pn.ChildIDs.
func (ec *evalContext) evalNode(pn *planner.PlanNode, values map[string]value) (value, error) {
	switch pn.Kind {
	case planner.KindLiteral:
		return literalValue(pn.Literal), nil
	case planner.KindLeaf:
		return ec.evalLeaf(pn)
	case planner.KindKernel:
		return ec.evalKernel(pn, values)
	case planner.KindStruct:
		return ec.evalStruct(pn, values)
	case planner.KindOp:
		return ec.evalOp(pn, values)
	default:
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: unhandled plan node kind %q", pn.Kind)}
	}
}

func literalValue(lv *planner.LiteralValue) value {
	if lv == nil {
		return numberValue(0)
	}
	switch lv.Kind {
	case ir.ParamBool:
		return boolValue(lv.Bool)
	case ir.ParamInt:
		return numberValue(float64(lv.Int))
	default:
		return numberValue(lv.Num)
	}
}

func (ec *evalContext) evalLeaf(pn *planner.PlanNode) (value, error) {
	req := pn.Requirement
	key := dataset.Key{Symbol: req.Symbol, Timeframe: req.Timeframe, Source: req.Source}
	if req.Field == "" {
		events, ok := ec.ds.Collection(key)
		if !ok {
			return value{}, &taerrors.MissingData{Symbol: req.Symbol, Timeframe: req.Timeframe, Source: req.Source, Field: req.Field, HaveBars: 0, NeedBars: req.MinBars}
		}
		return collectionValue(events), nil
	}
	s, ok, sourceExists := ec.ds.Field(key, req.Field)
	if !ok {
		have := 0
		if sourceExists {
			if fields, exists := ec.ds.Select(key); exists {
				if existing, ok := fields[req.Field]; ok {
					have = existing.Len()
				}
			}
		}
		return value{}, &taerrors.MissingData{Symbol: req.Symbol, Timeframe: req.Timeframe, Source: req.Source, Field: req.Field, HaveBars: have, NeedBars: req.MinBars}
	}
	if s.Len() < req.MinBars {
		return value{}, &taerrors.MissingData{Symbol: req.Symbol, Timeframe: req.Timeframe, Source: req.Source, Field: req.Field, HaveBars: s.Len(), NeedBars: req.MinBars}
	}
	return numberSeriesValue(s), nil
}

// evalStruct doesn't materialize a series of its own — a composite's named
// outputs are reached through Op.StructureFields, not through this node's
// own value. It carries forward its first field's value purely so every
// plan node has a values[] entry to satisfy uniform bookkeeping.
func (ec *evalContext) evalStruct(pn *planner.PlanNode, values map[string]value) (value, error) {
	for _, cid := range pn.ChildIDs {
		return values[cid], nil
	}
	return value{}, nil
}

// evalKernel runs a KindKernel node over its children's full history with a
// fresh kernel.State, the batch-mode fast path. Session reuses the same
// loop through evalKernelWithState so a persistent state carried across
// Step calls produces identical output to a from-scratch Batch replay.
func (ec *evalContext) evalKernel(pn *planner.PlanNode, values map[string]value) (value, error) {
	v, _, err := ec.evalKernelWithState(pn, values, nil)
	return v, err
}

// evalKernelWithState is evalKernel generalized over an externally owned
// kernel.State: nil constructs cold state (the Batch path), non-nil
// resumes it (Session.Initialize seeding a persistent state before the
// first Step). It returns the state so the caller can retain it.
func (ec *evalContext) evalKernelWithState(pn *planner.PlanNode, values map[string]value, state kernel.State) (value, kernel.State, error) {
	k, ok := ec.kernels.Lookup(pn.Kernel.KernelID)
	if !ok {
		return value{}, nil, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: kernel %q not registered", pn.Kernel.KernelID)}
	}
	tracks := make([]kernelTrack, len(pn.ChildIDs))
	for i, cid := range pn.ChildIDs {
		t, err := newKernelTrack(values[cid])
		if err != nil {
			return value{}, nil, err
		}
		tracks[i] = t
	}
	ts := intersectTimestamps(tracks)

	if state == nil {
		var err error
		state, err = k.New(pn.Kernel.Params)
		if err != nil {
			return value{}, nil, err
		}
	}

	outNum := make([]float64, 0, len(ts))
	outBool := make([]bool, 0, len(ts))
	outAvail := make([]bool, 0, len(ts))
	sawBool := false
	for _, t := range ts {
		inputs := make([]kernel.Input, len(tracks))
		for i, tr := range tracks {
			inputs[i] = tr.inputAt(t)
		}
		emit, err := safeStep(k, state, kernel.Update{Timestamp: t, Inputs: inputs}, pn.NodeID, ec.metrics, ec.logger)
		if err != nil {
			return value{}, nil, err
		}
		if emit.Value.Kind == kernel.KindBool {
			sawBool = true
			outBool = append(outBool, emit.Value.Bool)
		} else {
			outNum = append(outNum, emit.Value.Num)
		}
		outAvail = append(outAvail, emit.Available)
	}

	if sawBool {
		s, err := series.New("", "", "", pn.NodeID, ts, outBool, outAvail)
		if err != nil {
			return value{}, nil, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(s), state, nil
	}
	s, err := series.New("", "", "", pn.NodeID, ts, outNum, outAvail)
	if err != nil {
		return value{}, nil, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(s), state, nil
}

// safeStep recovers a kernel Step panic the way engine.ProbeEngine.safeCall
// recovers a condition function panic: log it and surface an unavailable
// tick rather than letting the panic cross the evaluator boundary.
func safeStep(k kernel.Kernel, state kernel.State, update kernel.Update, nodeID string, m *Metrics, logger *slog.Logger) (emit kernel.Emit, err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("kernel step panicked", "node_id", nodeID, "error", r)
			}
			if m != nil {
				m.panicsRecovered.WithLabelValues(nodeID).Inc()
			}
			emit = kernel.Emit{Available: false}
			err = nil
		}
	}()
	if m != nil {
		m.stepsTotal.WithLabelValues(nodeID).Inc()
	}
	return k.Step(state, update)
}

// kernelTrack is one kernel child's timeline, generalized over Number/Bool
// so evalKernel can intersect timestamps across mixed-type inputs (e.g. a
// numeric typical-price series alongside a boolean regime flag) without two
// separate code paths.
type kernelTrack struct {
	numeric bool
	num     series.Series[float64]
	boolean series.Series[bool]
}

func newKernelTrack(v value) (kernelTrack, error) {
	switch v.kind {
	case valNumberSeries:
		return kernelTrack{numeric: true, num: v.numSeries}, nil
	case valBoolSeries:
		return kernelTrack{numeric: false, boolean: v.boolSeries}, nil
	default:
		return kernelTrack{}, &taerrors.InternalError{Message: "evaluator: kernel input must be a series"}
	}
}

func (t kernelTrack) len() int {
	if t.numeric {
		return t.num.Len()
	}
	return t.boolean.Len()
}

func (t kernelTrack) timestamp(i int) int64 {
	if t.numeric {
		return t.num.Timestamp(i)
	}
	return t.boolean.Timestamp(i)
}

func (t kernelTrack) inputAt(ts int64) kernel.Input {
	if t.numeric {
		i := sort.Search(t.num.Len(), func(i int) bool { return t.num.Timestamp(i) >= ts })
		if i >= t.num.Len() || t.num.Timestamp(i) != ts {
			return kernel.NumInput(0, false)
		}
		v, ok, _ := t.num.At(i)
		return kernel.NumInput(v, ok)
	}
	i := sort.Search(t.boolean.Len(), func(i int) bool { return t.boolean.Timestamp(i) >= ts })
	if i >= t.boolean.Len() || t.boolean.Timestamp(i) != ts {
		return kernel.BoolInput(false, false)
	}
	v, ok, _ := t.boolean.At(i)
	return kernel.BoolInput(v, ok)
}

// intersectTimestamps returns the sorted, strictly-increasing set of
// timestamps common to every track — the "inner" alignment policy.
func intersectTimestamps(tracks []kernelTrack) []int64 {
	if len(tracks) == 0 {
		return nil
	}
	seen := make(map[int64]int, tracks[0].len())
	for i := 0; i < tracks[0].len(); i++ {
		seen[tracks[0].timestamp(i)] = 1
	}
	for _, tr := range tracks[1:] {
		present := make(map[int64]bool, tr.len())
		for i := 0; i < tr.len(); i++ {
			present[tr.timestamp(i)] = true
		}
		for ts, count := range seen {
			if present[ts] {
				seen[ts] = count + 1
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for ts, count := range seen {
		if count == len(tracks) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
