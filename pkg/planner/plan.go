// Package planner turns a normalized, typechecked IR tree into a Plan: a
// topologically sorted execution DAG with resolved kernel bindings, data
// requirements, lookback windows, and an alignment policy per node.
package planner

import (
	"fmt"
	"sort"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// NodeKind discriminates what a PlanNode does at evaluation time.
type NodeKind string

const (
	KindLeaf    NodeKind = "leaf"    // SourceRef
	KindLiteral NodeKind = "literal" // Literal
	KindKernel  NodeKind = "kernel"  // Call bound directly to a kernel
	KindOp      NodeKind = "op"      // BinaryOp/UnaryOp/TimeShift/Filter/Aggregate/MemberAccess
	KindStruct  NodeKind = "struct"  // composite indicator's named-output assembly node
)

// KernelBinding is the resolved kernel_id + coerced params for a
// KindKernel node.
type KernelBinding struct {
	KernelID string
	Params   catalog.TypedParams
}

// LiteralValue is the constant a KindLiteral node carries, converted to
// evaluator-native scalar shapes from the IR's decimal/int/bool literal.
type LiteralValue struct {
	Kind ir.ParamKind
	Num  float64
	Bool bool
	Int  int64
}

// DataRequirement is one distinct leaf series the evaluator must source
// from the dataset before the plan can run.
type DataRequirement struct {
	Symbol    string
	Exchange  string
	Timeframe string
	Source    string
	Field     string
	MinBars   int
}

// Alignment records how a node's output timeline relates to its inputs.
type Alignment struct {
	Policy    string // "inner" | "ffill"
	Timeframe string
}

// PlanNode is one entry of the topologically sorted execution DAG.
type PlanNode struct {
	NodeID      string
	IRHash      ir.Hash
	Kind        NodeKind
	Parents     []string // node_ids with this node as a direct input
	ChildIDs    []string // node_ids this node directly consumes, in order
	Kernel      *KernelBinding
	Requirement *DataRequirement
	OutputTag   ir.Tag
	Lookback    int
	Alignment   Alignment

	// Literal carries the constant value for a KindLiteral node. Nil for
	// every other NodeKind.
	Literal *LiteralValue

	// CompositeID names the catalog runtime_binding.id this node was
	// expanded from when it's the root of a composite indicator's sub-DAG,
	// whatever NodeKind that root happens to be. Empty for plain nodes.
	CompositeID string

	// Op carries the non-kernel operator detail (BinaryOp/UnaryOp/
	// TimeShift/Filter/Aggregate/MemberAccess) needed by the evaluator.
	Op *OpSpec
}

// OpSpec describes a non-kernel plan node's operator.
type OpSpec struct {
	BinOp     ir.BinOp
	Align     ir.AlignPolicy // join policy for a two-Series BinaryOp
	UnOp      ir.UnOp
	Shift     ir.ShiftDelta
	Predicate ir.Predicate
	Field     string
	Reducer   ir.ReducerKind
	Member    string
	IsBinary, IsUnary, IsShift, IsFilter, IsAggregate, IsMember bool

	// StructureFields maps a KindStruct node's declared output name to the
	// child node_id supplying it, for a composite indicator's final
	// multi-output assembly step.
	StructureFields map[string]string
	// CompositeID names the catalog runtime_binding.id this node and its
	// synthetic children were expanded from, for diagnostics/serialization.
	CompositeID string
}

// CapabilityManifest summarizes what a plan actually exercises, used by
// preview/analyze and by capacity planning.
type CapabilityManifest struct {
	Sources    []string
	Fields     []string
	Operators  []string
	Indicators []string
}

// Plan is the deterministic, serializable output of Build.
type Plan struct {
	SchemaVersion int
	Root          string
	Nodes         []PlanNode // topologically sorted
	Requirements  []DataRequirement
	Capability    CapabilityManifest
}

// Schema describes which (symbol, timeframe, source, field) leaves a
// dataset declares. Build does not take or consult a Schema: a leaf the
// dataset lacks is reported as MissingData by the evaluator when it reads
// the Dataset.
type Schema interface {
	// HasField reports whether the dataset declares a series at
	// (symbol, timeframe, source, field).
	HasField(symbol, timeframe, source, field string) bool
}

// Context supplies the ambient (symbol, exchange, timeframe) a SourceRef
// falls back to when it doesn't override them explicitly.
type Context struct {
	Symbol    string
	Exchange  string
	Timeframe string
}

type builder struct {
	catalog  *catalog.Catalog
	kernels  *kernel.Registry
	ctx      Context
	byHash   map[ir.Hash]*PlanNode
	byID     map[string]*PlanNode
	order    []*PlanNode
	requires map[DataRequirement]struct{}

	symbolsSeen     map[string]struct{}
	sawImplicitLeaf bool
}

// Build walks a normalized+typechecked IR root end to end — CSE-aware
// node planning, kernel binding, lookback and data-requirement
// computation, alignment checking, topological sort, and capability
// manifest — and returns the resulting Plan.
func Build(root ir.Node, cat *catalog.Catalog, kernels *kernel.Registry, ctx Context) (*Plan, error) {
	b := &builder{
		catalog:     cat,
		kernels:     kernels,
		ctx:         ctx,
		byHash:      make(map[ir.Hash]*PlanNode),
		byID:        make(map[string]*PlanNode),
		requires:    make(map[DataRequirement]struct{}),
		symbolsSeen: make(map[string]struct{}),
	}
	rootPN, err := b.walk(root)
	if err != nil {
		return nil, err
	}
	if len(b.symbolsSeen) > 1 && b.sawImplicitLeaf {
		symbols := make([]string, 0, len(b.symbolsSeen))
		for s := range b.symbolsSeen {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		return nil, &taerrors.AlignmentError{Left: symbols[0], Right: symbols[1], Reason: "mixed explicit and implicit symbol references without a selector resolving the implicit one"}
	}
	sorted, err := topoSort(b.order)
	if err != nil {
		return nil, err
	}
	reqs := make([]DataRequirement, 0, len(b.requires))
	for r := range b.requires {
		reqs = append(reqs, r)
	}
	sort.Slice(reqs, func(i, j int) bool { return requirementLess(reqs[i], reqs[j]) })

	plan := &Plan{
		SchemaVersion: 1,
		Root:          rootPN.NodeID,
		Nodes:         sorted,
		Requirements:  reqs,
		Capability:    buildCapabilityManifest(sorted),
	}
	return plan, nil
}

func requirementLess(a, b DataRequirement) bool {
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	if a.Timeframe != b.Timeframe {
		return a.Timeframe < b.Timeframe
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Field < b.Field
}

// walk is the post-order DAG traversal that assigns every distinct
// StableHash exactly one PlanNode, assigned before its parents are
// visited, so a shared subexpression (post-normalize CSE) is planned once
// and referenced by every parent.
func (b *builder) walk(node ir.Node) (*PlanNode, error) {
	h := node.StableHash()
	if existing, ok := b.byHash[h]; ok {
		return existing, nil
	}

	childIDs := make([]string, 0, len(node.Children()))
	childLookback := 0
	for _, c := range node.Children() {
		cpn, err := b.walk(c)
		if err != nil {
			return nil, err
		}
		childIDs = append(childIDs, cpn.NodeID)
		if cpn.Lookback > childLookback {
			childLookback = cpn.Lookback
		}
	}

	pn := &PlanNode{
		NodeID:   nodeID(h),
		IRHash:   h,
		ChildIDs: childIDs,
	}

	switch n := node.(type) {
	case ir.Literal:
		pn.Kind = KindLiteral
		pn.OutputTag = literalTag(n)
		pn.Lookback = 0
		pn.Literal = literalValue(n)
	case ir.SourceRef:
		if err := b.planSourceRef(pn, n); err != nil {
			return nil, err
		}
	case ir.Call:
		if err := b.planCall(pn, n, childLookback); err != nil {
			return nil, err
		}
	case ir.BinaryOp:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsBinary: true, BinOp: n.Op, Align: n.Align.Resolved()}
		pn.Lookback = childLookback
	case ir.UnaryOp:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsUnary: true, UnOp: n.Op}
		pn.Lookback = childLookback
	case ir.TimeShift:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsShift: true, Shift: n.Delta}
		pn.Lookback = childLookback + int(n.Delta.Bars)
	case ir.Filter:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsFilter: true, Predicate: n.Predicate}
		pn.Lookback = childLookback
	case ir.Aggregate:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsAggregate: true, Field: n.Field, Reducer: n.Reducer}
		pn.Lookback = childLookback
	case ir.MemberAccess:
		pn.Kind = KindOp
		pn.Op = &OpSpec{IsMember: true, Member: n.Name}
		pn.Lookback = childLookback
	default:
		return nil, &taerrors.InternalError{Message: fmt.Sprintf("planner: unhandled node type %T", node)}
	}

	pn.Alignment = Alignment{Policy: string(ir.AlignInner), Timeframe: b.ctx.Timeframe}
	if pn.Op != nil && pn.Op.IsBinary {
		pn.Alignment.Policy = string(pn.Op.Align)
	}

	b.register(pn, h)
	return pn, nil
}

// register records pn under both lookup keys and wires it into every
// direct child's Parents list. Composite builders call this for the
// synthetic intermediate nodes they create, the same way walk does for
// nodes parsed straight off the IR.
func (b *builder) register(pn *PlanNode, h ir.Hash) {
	b.byHash[h] = pn
	b.byID[pn.NodeID] = pn
	b.order = append(b.order, pn)
	for _, cid := range pn.ChildIDs {
		if c, ok := b.byID[cid]; ok {
			c.Parents = append(c.Parents, pn.NodeID)
		}
	}
}

func nodeID(h ir.Hash) string { return fmt.Sprintf("n%016x", uint64(h)) }

func literalTag(n ir.Literal) ir.Tag {
	switch n.Kind {
	case ir.ParamBool:
		return ir.Scalar(ir.ElemBool)
	case ir.ParamInt:
		return ir.Scalar(ir.ElemInt)
	default:
		return ir.Scalar(ir.ElemNumber)
	}
}

// literalValue converts an ir.Literal's decimal/int/bool payload into the
// evaluator-native LiteralValue carried on its PlanNode.
func literalValue(n ir.Literal) *LiteralValue {
	num, _ := n.Num.Float64()
	return &LiteralValue{Kind: n.Kind, Num: num, Bool: n.Bool, Int: n.Int}
}

func (b *builder) planSourceRef(pn *PlanNode, n ir.SourceRef) error {
	pn.Kind = KindLeaf
	symbol := b.ctx.Symbol
	if n.Symbol != nil {
		symbol = *n.Symbol
	}
	exchange := b.ctx.Exchange
	if n.Exchange != nil {
		exchange = *n.Exchange
	}
	timeframe := n.Timeframe
	if timeframe == "" {
		timeframe = b.ctx.Timeframe
	}
	b.symbolsSeen[symbol] = struct{}{}
	if n.Symbol == nil {
		b.sawImplicitLeaf = true
	}
	req := DataRequirement{Symbol: symbol, Exchange: exchange, Timeframe: timeframe, Source: n.Source, Field: n.Field}
	pn.Requirement = &req
	pn.OutputTag = ir.SeriesOf(ir.ElemNumber)
	pn.Lookback = 1
	pn.Alignment = Alignment{Policy: string(ir.AlignInner), Timeframe: timeframe}
	b.trackRequirement(req, pn.Lookback)
	return nil
}

// trackRequirement folds a leaf's min_bars need into the shared
// requirement set, keeping the maximum across every subgraph that reads
// the same (symbol, timeframe, source, field).
func (b *builder) trackRequirement(req DataRequirement, minBars int) {
	for existing := range b.requires {
		if existing.Symbol == req.Symbol && existing.Exchange == req.Exchange &&
			existing.Timeframe == req.Timeframe && existing.Source == req.Source && existing.Field == req.Field {
			if minBars > existing.MinBars {
				delete(b.requires, existing)
				existing.MinBars = minBars
				b.requires[existing] = struct{}{}
			}
			return
		}
	}
	req.MinBars = minBars
	b.requires[req] = struct{}{}
}

func (b *builder) planCall(pn *PlanNode, n ir.Call, childLookback int) error {
	meta, ok := b.catalog.Find(n.ID)
	if !ok {
		return &taerrors.UnknownIndicator{Name: n.ID}
	}
	params, err := b.catalog.CoerceParams(meta, n.Params)
	if err != nil {
		return err
	}

	if meta.RuntimeBinding.Kind == "composite" {
		return b.planComposite(pn, meta, n, params, childLookback)
	}

	k, ok := b.kernels.Lookup(meta.RuntimeBinding.KernelID)
	if !ok {
		return &taerrors.InternalError{Message: fmt.Sprintf("planner: kernel %q not registered for indicator %q", meta.RuntimeBinding.KernelID, meta.ID)}
	}
	hint := k.WarmupHint(params)
	pn.Kind = KindKernel
	pn.Kernel = &KernelBinding{KernelID: meta.RuntimeBinding.KernelID, Params: params}
	pn.Lookback = childLookback + hint.Length
	if len(meta.Outputs) > 1 {
		fields := make(map[string]ir.Tag, len(meta.Outputs))
		for _, o := range meta.Outputs {
			fields[o.Name] = ir.SeriesOf(ir.ElemNumber)
		}
		pn.OutputTag = ir.Structured(fields)
	} else {
		pn.OutputTag = ir.SeriesOf(ir.ElemNumber)
	}
	return nil
}
