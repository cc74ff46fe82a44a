package planner

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/kernel"
)

func testContext() Context { return Context{Symbol: "BTC", Exchange: "binance", Timeframe: "1h"} }

func closeRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
}

func highRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "high")
}

func lowRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "low")
}

func volumeRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "volume")
}

func buildPlan(t *testing.T, node ir.Node) *Plan {
	t.Helper()
	plan, err := Build(node, catalog.MustLoad(), kernel.Default(), testContext())
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestBuildSimpleKernelCallProducesDataRequirement(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	plan := buildPlan(t, call)
	if len(plan.Requirements) != 1 {
		t.Fatalf("expected exactly one data requirement, got %d", len(plan.Requirements))
	}
	req := plan.Requirements[0]
	if req.Symbol != "BTC" || req.Source != "ohlcv" || req.Field != "close" {
		t.Fatalf("unexpected requirement: %+v", req)
	}
}

func TestBuildTopologicalOrderRespectsDependencies(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	plan := buildPlan(t, call)
	index := make(map[string]int, len(plan.Nodes))
	for i, n := range plan.Nodes {
		index[n.NodeID] = i
	}
	for _, n := range plan.Nodes {
		for _, c := range n.ChildIDs {
			if index[c] >= index[n.NodeID] {
				t.Fatalf("child %s does not precede parent %s in topological order", c, n.NodeID)
			}
		}
	}
}

func TestBuildSharedSubexpressionPlannedOnce(t *testing.T) {
	ema9 := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	ema9Again := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpSub, ema9, ema9Again)
	plan := buildPlan(t, expr)
	root := findNode(plan, plan.Root)
	if root.ChildIDs[0] != root.ChildIDs[1] {
		t.Fatalf("expected structurally identical ema calls to plan to the same node_id, got %s vs %s", root.ChildIDs[0], root.ChildIDs[1])
	}
}

func TestBuildExplicitSymbolOverrideIsHonored(t *testing.T) {
	other := "ETH"
	ref := ir.NewSourceRef(ir.Span{}, &other, nil, "1h", "ohlcv", "close")
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{ref}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	plan, err := Build(call, catalog.MustLoad(), kernel.Default(), testContext())
	if err != nil {
		t.Fatalf("expected an explicit symbol override to be accepted, got %v", err)
	}
	if plan.Requirements[0].Symbol != "ETH" {
		t.Fatalf("expected requirement symbol ETH, got %s", plan.Requirements[0].Symbol)
	}
}

func TestBuildUnknownIndicatorErrors(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "not_a_real_indicator", []ir.Node{closeRef()}, nil)
	if _, err := Build(call, catalog.MustLoad(), kernel.Default(), testContext()); err == nil {
		t.Fatal("expected unknown indicator error")
	}
}

func TestBuildLiteralNodeCarriesItsValue(t *testing.T) {
	five := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(5))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpSub, closeRef(), five)
	plan := buildPlan(t, expr)
	var lit *PlanNode
	for i := range plan.Nodes {
		if plan.Nodes[i].Kind == KindLiteral {
			lit = &plan.Nodes[i]
		}
	}
	if lit == nil {
		t.Fatal("expected a literal plan node")
	}
	if lit.Literal == nil || lit.Literal.Num != 5 {
		t.Fatalf("expected literal value 5 to survive planning, got %+v", lit.Literal)
	}
}

func TestBuildCompositeRSIProducesSubDAG(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "rsi", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(14)}})
	plan := buildPlan(t, call)
	if len(plan.Nodes) < 5 {
		t.Fatalf("expected rsi to expand into several sub-DAG nodes, got %d", len(plan.Nodes))
	}
	root := findNode(plan, plan.Root)
	if root.Kind != KindOp {
		t.Fatalf("expected rsi's root node to be the final arithmetic combination, got kind %s", root.Kind)
	}
}

func TestBuildCompositeMACDProducesStructuredOutput(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "macd", []ir.Node{closeRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	if root.Kind != KindStruct {
		t.Fatalf("expected macd's root node to be a struct assembly, got kind %s", root.Kind)
	}
	if _, ok := root.Op.StructureFields["histogram"]; !ok {
		t.Fatalf("expected a histogram field, got %+v", root.Op.StructureFields)
	}
}

func TestBuildCompositeBBandsExposesBasisField(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "bbands", []ir.Node{closeRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	for _, field := range []string{"basis", "upper", "lower"} {
		if _, ok := root.Op.StructureFields[field]; !ok {
			t.Fatalf("expected bbands field %q, got %+v", field, root.Op.StructureFields)
		}
	}
}

func TestBuildCompositeKeltnerAndDonchianExposeBasisField(t *testing.T) {
	for _, id := range []string{"keltner", "donchian"} {
		call := ir.NewCall(ir.Span{}, id, []ir.Node{highRef(), lowRef(), closeRef()}, nil)
		if id == "donchian" {
			call = ir.NewCall(ir.Span{}, id, []ir.Node{highRef(), lowRef()}, nil)
		}
		plan := buildPlan(t, call)
		root := findNode(plan, plan.Root)
		if _, ok := root.Op.StructureFields["basis"]; !ok {
			t.Fatalf("%s: expected a basis field, got %+v", id, root.Op.StructureFields)
		}
	}
}

func TestBuildCompositeFibRetracementExposesSixLevels(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "fib_retracement", []ir.Node{highRef(), lowRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	for _, field := range []string{"level_0", "level_236", "level_382", "level_500", "level_618", "level_1000"} {
		if _, ok := root.Op.StructureFields[field]; !ok {
			t.Fatalf("expected fib_retracement field %q, got %+v", field, root.Op.StructureFields)
		}
	}
}

func TestBuildCompositeSwingPointsExposesHighAndLow(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "swing_points", []ir.Node{highRef(), lowRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	for _, field := range []string{"swing_high", "swing_low"} {
		if _, ok := root.Op.StructureFields[field]; !ok {
			t.Fatalf("expected swing_points field %q, got %+v", field, root.Op.StructureFields)
		}
	}
}

func TestBuildCompositeVortexExposesPlusAndMinus(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "vortex", []ir.Node{highRef(), lowRef(), closeRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	for _, field := range []string{"vi_plus", "vi_minus"} {
		if _, ok := root.Op.StructureFields[field]; !ok {
			t.Fatalf("expected vortex field %q, got %+v", field, root.Op.StructureFields)
		}
	}
}

func TestBuildCompositeCCIPlansToSingleKernelOutput(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "cci", []ir.Node{highRef(), lowRef(), closeRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	if root.Kind != KindKernel || root.Kernel.KernelID != "cci" {
		t.Fatalf("expected cci to plan directly to the cci kernel, got kind %s kernel %+v", root.Kind, root.Kernel)
	}
}

func TestBuildCompositeMFIPlansToSingleKernelOutput(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "mfi", []ir.Node{highRef(), lowRef(), closeRef(), volumeRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	if root.Kind != KindKernel || root.Kernel.KernelID != "mfi" {
		t.Fatalf("expected mfi to plan directly to the mfi kernel, got kind %s kernel %+v", root.Kind, root.Kernel)
	}
}

func TestBuildCompositeFisherPlansToSingleKernelOutput(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "fisher", []ir.Node{highRef(), lowRef()}, nil)
	plan := buildPlan(t, call)
	root := findNode(plan, plan.Root)
	if root.Kind != KindKernel || root.Kernel.KernelID != "fisher" {
		t.Fatalf("expected fisher to plan directly to the fisher kernel, got kind %s kernel %+v", root.Kind, root.Kernel)
	}
}

func TestBuildCompositeDoesNotLeaveOrphanScaffoldNode(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "rsi", []ir.Node{closeRef()}, nil)
	plan := buildPlan(t, call)
	reachable := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		n := findNode(plan, id)
		for _, c := range n.ChildIDs {
			visit(c)
		}
	}
	visit(plan.Root)
	for _, n := range plan.Nodes {
		if !reachable[n.NodeID] {
			t.Fatalf("plan contains an unreachable node %s (scaffold leak)", n.NodeID)
		}
	}
}

func TestBuildCapabilityManifestListsCompositeIndicatorByItsOwnID(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "rsi", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(14)}})
	plan := buildPlan(t, call)
	found := false
	for _, id := range plan.Capability.Indicators {
		if id == "rsi" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rsi itself in capability indicators, got %+v", plan.Capability.Indicators)
	}
}

func TestBuildCapabilityManifestListsIndicatorsAndSources(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	plan := buildPlan(t, call)
	if len(plan.Capability.Sources) == 0 || plan.Capability.Sources[0] != "ohlcv" {
		t.Fatalf("expected ohlcv in capability sources, got %+v", plan.Capability.Sources)
	}
	if len(plan.Capability.Indicators) == 0 || plan.Capability.Indicators[0] != "ema" {
		t.Fatalf("expected ema in capability indicators, got %+v", plan.Capability.Indicators)
	}
}

func TestPlanSerializesDeterministically(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	a := buildPlan(t, call)
	b := buildPlan(t, call)
	aJSON, err := ToJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	bJSON, err := ToJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(aJSON) != string(bJSON) {
		t.Fatal("expected byte-identical serialization for two builds of the same IR")
	}
}

func TestCacheAvoidsRebuildOnHit(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	cache := NewCache()
	calls := 0
	build := func() (*Plan, error) {
		calls++
		return Build(call, catalog.MustLoad(), kernel.Default(), testContext())
	}
	if _, err := cache.GetOrBuild(uint64(call.StableHash()), build); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetOrBuild(uint64(call.StableHash()), build); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected build to run exactly once across two GetOrBuild calls, ran %d times", calls)
	}
}

func findNode(plan *Plan, id string) PlanNode {
	for _, n := range plan.Nodes {
		if n.NodeID == id {
			return n
		}
	}
	panic("node not found: " + id)
}
