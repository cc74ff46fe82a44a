package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// Session drives a Plan incrementally: Initialize replays a history
// Dataset through every node once (cold -> warmed-up kernel states, same
// values Batch would produce); Step appends one new leaf event, recomputes
// only the nodes reverse-reachable from the touched leaf ("dirty" nodes),
// and leaves every other node's cached value untouched. A Session
// owns its state exclusively and is not safe for concurrent use
// ("methods are not reentrant").
//
// KindKernel nodes carry a persistent kernel.State across Step calls, so a
// recursive smoother's accumulated history is never replayed — each Step
// advances it by exactly the one new tick, the uniform
// (state, update) -> (state', output, availability) contract
// requires. Non-kernel nodes (binary/unary ops, shifts, filters,
// aggregates, struct assembly) have no state of their own; a dirty one is
// simply recomputed in full from its already-updated children, which is
// cheap because these are pure recombinations rather than stateful
// reductions.
//
// Simplification: a kernel node is stepped once per Step call at the
// incoming event's own timestamp. When that node reads two children
// rooted in different leaves that do not both receive a tick at the same
// timestamp in the same Step call (a genuine cross-symbol join), the
// unmatched side reads as unavailable for that tick rather than stalling
// the whole session — consistent with the rule that "any input with
// available=false... MUST be treated as missing," just extended to
// alignment misses as well as declared-unavailable samples.
type Session struct {
	plan    *planner.Plan
	byID    map[string]*planner.PlanNode
	kernels *kernel.Registry
	ds      dataset.Dataset

	nodeStates map[string]*nodeState // KindKernel nodes only
	leafStates map[string]*leafState
	leafByKey  map[string]string // leafKeyString -> leaf plan node_id
	cache      map[string]value  // every node's currently materialized value

	metrics *Metrics
	logger  *slog.Logger
	epoch   uint64
}

// LeafEvent is one incremental append: a new bar on a (symbol, timeframe,
// source, field) leaf. Collection sources (trades/orderbook/liquidation)
// are out of scope for Step — concrete data I/O is scoped to the host, and
// a tick-by-tick collection append is exactly the kind of adapter-specific
// plumbing that belongs there; a host streaming raw ticks is expected to
// pre-aggregate into bars before calling Step, the same way Aggregate
// nodes reduce a Collection to a Series in Batch mode.
type LeafEvent struct {
	Key       dataset.Key
	Field     string
	Timestamp int64
	Value     float64
	Available bool
}

// Initialize builds a Session by replaying history through plan once,
// seeding every KindKernel node's persistent state and every other node's
// cached value exactly as Batch would compute them.
func Initialize(plan *planner.Plan, history dataset.Dataset, opts Options) (*Session, error) {
	opts = opts.resolve()
	s := &Session{
		plan:       plan,
		byID:       indexByID(plan.Nodes),
		kernels:    opts.Kernels,
		ds:         history,
		nodeStates: make(map[string]*nodeState),
		leafStates: make(map[string]*leafState),
		leafByKey:  make(map[string]string),
		cache:      make(map[string]value, len(plan.Nodes)),
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	ec := &evalContext{byID: s.byID, kernels: s.kernels, ds: s.ds, metrics: s.metrics, logger: s.logger}
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		if pn.Kind == planner.KindKernel {
			v, err := s.initKernelNode(ec, pn)
			if err != nil {
				return nil, err
			}
			s.cache[pn.NodeID] = v
			continue
		}
		v, err := ec.evalNode(pn, s.cache)
		if err != nil {
			return nil, err
		}
		s.cache[pn.NodeID] = v
		if pn.Kind == planner.KindLeaf && pn.Requirement != nil {
			s.seedLeafState(pn)
		}
	}
	return s, nil
}

func (s *Session) seedLeafState(pn *planner.PlanNode) {
	req := pn.Requirement
	key := dataset.Key{Symbol: req.Symbol, Timeframe: req.Timeframe, Source: req.Source}
	lk := leafKeyString(key, req.Field)
	ls := &leafState{}
	if sv, ok, _ := s.ds.Field(key, req.Field); ok && sv.Len() > 0 {
		ls.lastTimestamp = sv.LastTimestamp()
		ls.seenAny = true
	}
	s.leafStates[lk] = ls
	s.leafByKey[lk] = pn.NodeID
}

// initKernelNode seeds one KindKernel node's persistent nodeState: runs
// the same full-history loop evalKernel does (via evalKernelWithState),
// then replays the resulting availability mask through nodeState.advance
// so the node's warmup status matches what it would be had Step been
// called once per historical tick.
func (s *Session) initKernelNode(ec *evalContext, pn *planner.PlanNode) (value, error) {
	v, state, err := ec.evalKernelWithState(pn, s.cache, nil)
	if err != nil {
		return value{}, err
	}
	k, ok := s.kernels.Lookup(pn.Kernel.KernelID)
	if !ok {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: kernel %q not registered", pn.Kernel.KernelID)}
	}
	hint := k.WarmupHint(pn.Kernel.Params)
	ns := &nodeState{kernelState: state}
	for _, avail := range valueAvailability(v) {
		ns.advance(avail, hint.Length)
	}
	s.nodeStates[pn.NodeID] = ns
	return v, nil
}

func valueAvailability(v value) []bool {
	switch v.kind {
	case valNumberSeries:
		return v.numSeries.AvailabilityMask()
	case valBoolSeries:
		return v.boolSeries.AvailabilityMask()
	default:
		return nil
	}
}

func leafKeyString(key dataset.Key, field string) string {
	return key.Symbol + "|" + key.Timeframe + "|" + key.Source + "|" + field
}

// Step appends one new leaf tick, enforces the strictly increasing
// per-leaf ordering invariant (a timestamp equal to the leaf's last one is
// rejected as well), and recomputes every node reverse-
// reachable from the touched leaf, in topological order, leaving
// everything else in the plan untouched.
func (s *Session) Step(ctx context.Context, event LeafEvent) error {
	start := time.Now()
	lk := leafKeyString(event.Key, event.Field)
	leafNodeID, ok := s.leafByKey[lk]
	if !ok {
		return &taerrors.InternalError{Message: fmt.Sprintf("evaluator: session has no leaf plan node for %+v field %q", event.Key, event.Field)}
	}
	ls := s.leafStates[lk]
	if ls.seenAny && event.Timestamp <= ls.lastTimestamp {
		return &taerrors.OrderingViolation{Leaf: lk, LastTS: ls.lastTimestamp, IncomingTS: event.Timestamp}
	}

	newDS, err := s.ds.WithAppended(event.Key, event.Field, event.Timestamp, event.Value, event.Available)
	if err != nil {
		return err
	}

	dirty := s.reverseReachable(leafNodeID)
	ec := &evalContext{byID: s.byID, kernels: s.kernels, ds: newDS, metrics: s.metrics, logger: s.logger}

	for i := range s.plan.Nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		pn := &s.plan.Nodes[i]
		if !dirty[pn.NodeID] {
			continue
		}
		var v value
		var err error
		switch pn.Kind {
		case planner.KindLeaf:
			v, err = ec.evalLeaf(pn)
		case planner.KindKernel:
			v, err = s.stepKernelNode(ec, pn, event.Timestamp)
		default:
			v, err = ec.evalNode(pn, s.cache)
		}
		if err != nil {
			return err
		}
		s.cache[pn.NodeID] = v
	}

	s.ds = newDS
	ls.lastTimestamp = event.Timestamp
	ls.seenAny = true
	s.epoch++
	if s.metrics != nil {
		s.metrics.stepDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// stepKernelNode advances one KindKernel node's persistent state by
// exactly the one new tick at ts, appending the result to its cached
// output series. If any child lacks a value at ts — an alignment miss,
// see Session's doc comment — the node's cache and state are left
// unchanged for this tick.
func (s *Session) stepKernelNode(ec *evalContext, pn *planner.PlanNode, ts int64) (value, error) {
	ns := s.nodeStates[pn.NodeID]
	if ns == nil {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: no persistent state for kernel node %s", pn.NodeID)}
	}
	k, ok := s.kernels.Lookup(pn.Kernel.KernelID)
	if !ok {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: kernel %q not registered", pn.Kernel.KernelID)}
	}
	existing, hasExisting := s.cache[pn.NodeID]

	inputs := make([]kernel.Input, len(pn.ChildIDs))
	for i, cid := range pn.ChildIDs {
		in, ok := valueInputAt(s.cache[cid], ts)
		if !ok {
			if hasExisting {
				return existing, nil
			}
			return value{}, nil
		}
		inputs[i] = in
	}

	emit, err := safeStep(k, ns.kernelState, kernel.Update{Timestamp: ts, Inputs: inputs}, pn.NodeID, ec.metrics, ec.logger)
	if err != nil {
		return value{}, err
	}
	hint := k.WarmupHint(pn.Kernel.Params)
	from, to := ns.advance(emit.Available, hint.Length)
	if s.metrics != nil && from != to {
		s.metrics.warmupTransitions.WithLabelValues(pn.NodeID, to.String()).Inc()
	}
	return appendTick(existing, hasExisting, ts, emit)
}

// valueInputAt looks up v's value/availability at timestamp ts, reporting
// ok=false when v carries no sample at exactly ts (missing alignment) or
// is not a series at all.
func valueInputAt(v value, ts int64) (kernel.Input, bool) {
	switch v.kind {
	case valNumberSeries:
		i := sort.Search(v.numSeries.Len(), func(i int) bool { return v.numSeries.Timestamp(i) >= ts })
		if i >= v.numSeries.Len() || v.numSeries.Timestamp(i) != ts {
			return kernel.Input{}, false
		}
		val, avail, _ := v.numSeries.At(i)
		return kernel.NumInput(val, avail), true
	case valBoolSeries:
		i := sort.Search(v.boolSeries.Len(), func(i int) bool { return v.boolSeries.Timestamp(i) >= ts })
		if i >= v.boolSeries.Len() || v.boolSeries.Timestamp(i) != ts {
			return kernel.Input{}, false
		}
		val, avail, _ := v.boolSeries.At(i)
		return kernel.BoolInput(val, avail), true
	case valNumber:
		return kernel.NumInput(v.num, true), true
	case valBool:
		return kernel.BoolInput(v.boolean, true), true
	default:
		return kernel.Input{}, false
	}
}

// appendTick folds one kernel Emit onto existing's series, starting a
// fresh empty series when existing isn't one yet (a node stepped for the
// first time, or the first tick after Restore).
func appendTick(existing value, hasExisting bool, ts int64, emit kernel.Emit) (value, error) {
	if emit.Value.Kind == kernel.KindBool {
		s := series.Empty[bool]("", "", "", "")
		if hasExisting && existing.kind == valBoolSeries {
			s = existing.boolSeries
		}
		appended, err := s.Append(ts, emit.Value.Bool, emit.Available)
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(appended), nil
	}
	s := series.Empty[float64]("", "", "", "")
	if hasExisting && existing.kind == valNumberSeries {
		s = existing.numSeries
	}
	appended, err := s.Append(ts, emit.Value.Num, emit.Available)
	if err != nil {
		return value{}, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(appended), nil
}

// reverseReachable returns the set of node_ids reachable from rootID by
// following PlanNode.Parents — the "dirty" set a Step call must
// recompute.
func (s *Session) reverseReachable(rootID string) map[string]bool {
	dirty := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		pn := s.byID[id]
		if pn == nil {
			continue
		}
		for _, p := range pn.Parents {
			if !dirty[p] {
				dirty[p] = true
				queue = append(queue, p)
			}
		}
	}
	return dirty
}

// Results returns a Results snapshot of every node's currently cached
// value, in the same shape Batch returns.
func (s *Session) Results() Results {
	out := make(map[string]Output, len(s.cache))
	for id, v := range s.cache {
		out[id] = v.toOutput()
	}
	return Results{Root: s.plan.Root, ByNode: out}
}
