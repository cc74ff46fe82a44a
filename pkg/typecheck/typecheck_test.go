package typecheck

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
)

func newChecker() *Checker {
	return NewChecker(catalog.MustLoad(), DefaultSchema())
}

func closeRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "close")
}

func TestSourceRefInfersSeriesNumber(t *testing.T) {
	tag, err := newChecker().Infer(closeRef())
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagSeries || tag.Elem != ir.ElemNumber {
		t.Fatalf("expected Series<number>, got %s", tag.String())
	}
}

func TestSourceRefUnknownFieldErrors(t *testing.T) {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "ohlcv", "not_a_field")
	if _, err := newChecker().Infer(ref); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestSourceRefUnknownSourceErrors(t *testing.T) {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "not_a_source", "close")
	if _, err := newChecker().Infer(ref); err == nil {
		t.Fatal("expected unknown source error")
	}
}

func TestTradesSourceInfersCollection(t *testing.T) {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "trades", "")
	tag, err := newChecker().Infer(ref)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagCollection || tag.Elem != ir.ElemTrades {
		t.Fatalf("expected Collection<trades>, got %s", tag.String())
	}
}

func TestSingleOutputCallInfersSeries(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	tag, err := newChecker().Infer(call)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagSeries {
		t.Fatalf("expected Series, got %s", tag.String())
	}
}

func TestMultiOutputCallInfersStructured(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "macd", []ir.Node{closeRef()}, nil)
	tag, err := newChecker().Infer(call)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagStructured {
		t.Fatalf("expected Structured, got %s", tag.String())
	}
	if _, ok := tag.Fields["signal"]; !ok {
		t.Fatalf("expected a signal field, got %+v", tag.Fields)
	}
}

func TestMemberAccessProjectsStructuredField(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "macd", []ir.Node{closeRef()}, nil)
	access := ir.NewMemberAccess(ir.Span{}, call, "signal")
	tag, err := newChecker().Infer(access)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagSeries {
		t.Fatalf("expected Series, got %s", tag.String())
	}
}

func TestMemberAccessOnNonStructuredErrors(t *testing.T) {
	access := ir.NewMemberAccess(ir.Span{}, closeRef(), "signal")
	if _, err := newChecker().Infer(access); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestBooleanOperatorsRequireBoolOperands(t *testing.T) {
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpAnd, closeRef(), closeRef())
	if _, err := newChecker().Infer(expr); err == nil {
		t.Fatal("expected type mismatch: '&' requires boolean operands")
	}
}

func TestComparisonProducesBoolSeries(t *testing.T) {
	lit := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(50))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpGt, closeRef(), lit)
	tag, err := newChecker().Infer(expr)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagSeries || tag.Elem != ir.ElemBool {
		t.Fatalf("expected Series<bool>, got %s", tag.String())
	}
}

func TestArithmeticRequiresNumericOperands(t *testing.T) {
	trades := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "trades", "")
	lit := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(1))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpAdd, trades, lit)
	if _, err := newChecker().Infer(expr); err == nil {
		t.Fatal("expected type mismatch: arithmetic over a Collection operand")
	}
}

func TestScalarScalarArithmeticStaysScalar(t *testing.T) {
	a := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(2))
	b := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(3))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpAdd, a, b)
	tag, err := newChecker().Infer(expr)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagScalar {
		t.Fatalf("expected Scalar, got %s", tag.String())
	}
}

func TestFilterRequiresCollectionChild(t *testing.T) {
	pred := ir.Predicate{Field: "amount", Op: ir.CmpGt, Value: ir.NumberParam(decimal.NewFromInt(1000000))}
	filter := ir.NewFilter(ir.Span{}, closeRef(), pred)
	if _, err := newChecker().Infer(filter); err == nil {
		t.Fatal("expected type mismatch: Filter over a non-Collection child")
	}
}

func TestAggregateOverCollectionInfersSeriesNumber(t *testing.T) {
	trades := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "trades", "")
	agg := ir.NewAggregate(ir.Span{}, trades, "amount", ir.ReduceSum)
	tag, err := newChecker().Infer(agg)
	if err != nil {
		t.Fatal(err)
	}
	if tag.Kind != ir.TagSeries || tag.Elem != ir.ElemNumber {
		t.Fatalf("expected Series<number>, got %s", tag.String())
	}
}

func TestTimeShiftRequiresSeriesChild(t *testing.T) {
	lit := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(1))
	shift := ir.NewTimeShift(ir.Span{}, lit, ir.ShiftDelta{Bars: 1})
	if _, err := newChecker().Infer(shift); err == nil {
		t.Fatal("expected type mismatch: TimeShift over a Scalar child")
	}
}

func TestUnknownIndicatorErrors(t *testing.T) {
	call := ir.NewCall(ir.Span{}, "not_a_real_indicator", []ir.Node{closeRef()}, nil)
	if _, err := newChecker().Infer(call); err == nil {
		t.Fatal("expected unknown indicator error")
	}
}
