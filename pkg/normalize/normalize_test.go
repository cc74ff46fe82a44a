package normalize

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
)

func closeRef() ir.SourceRef {
	return ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "", "")
}

func TestCanonicalizeSourcesFillsDefaults(t *testing.T) {
	out := canonicalizeSources(closeRef())
	ref, ok := out.(ir.SourceRef)
	if !ok {
		t.Fatalf("expected SourceRef, got %T", out)
	}
	if ref.Source != "ohlcv" || ref.Field != "close" {
		t.Fatalf("expected defaulted source=ohlcv field=close, got %q/%q", ref.Source, ref.Field)
	}
}

func TestCanonicalizeSourcesLeavesCollectionFieldEmpty(t *testing.T) {
	ref := ir.NewSourceRef(ir.Span{}, nil, nil, "1h", "trades", "")
	out := canonicalizeSources(ref)
	got, ok := out.(ir.SourceRef)
	if !ok {
		t.Fatalf("expected SourceRef, got %T", out)
	}
	if got.Field != "" {
		t.Fatalf("expected a collection source to keep an empty field, got %q", got.Field)
	}
}

func TestNormalizeResolvesAliasAndPositionalParams(t *testing.T) {
	c := catalog.MustLoad()
	// "RSI" is an alias for "rsi"; 9 is supplied positionally for "length".
	call := ir.NewCall(ir.Span{}, "RSI", []ir.Node{closeRef()}, []ir.Param{
		{Name: "", Value: ir.IntParam(9)},
	})
	out, err := Normalize(call, c)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out.(ir.Call)
	if !ok {
		t.Fatalf("expected Call, got %T", out)
	}
	if got.ID != "rsi" {
		t.Fatalf("expected canonical id rsi, got %s", got.ID)
	}
	if len(got.Params) != 1 || got.Params[0].Name != "length" || got.Params[0].Value.Int != 9 {
		t.Fatalf("expected length=9, got %+v", got.Params)
	}
}

func TestNormalizeFillsDeclaredDefault(t *testing.T) {
	c := catalog.MustLoad()
	call := ir.NewCall(ir.Span{}, "rsi", []ir.Node{closeRef()}, nil)
	out, err := Normalize(call, c)
	if err != nil {
		t.Fatal(err)
	}
	got := out.(ir.Call)
	if len(got.Params) != 1 || got.Params[0].Name != "length" {
		t.Fatalf("expected default length param filled, got %+v", got.Params)
	}
}

func TestNormalizeUnknownIndicatorErrors(t *testing.T) {
	c := catalog.MustLoad()
	call := ir.NewCall(ir.Span{}, "not_a_real_indicator", []ir.Node{closeRef()}, nil)
	if _, err := Normalize(call, c); err == nil {
		t.Fatal("expected unknown indicator error")
	}
}

func TestFoldConstantsCollapsesLiteralArithmetic(t *testing.T) {
	two := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(2))
	three := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(3))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpAdd, two, three)
	out := foldConstants(expr)
	lit, ok := out.(ir.Literal)
	if !ok {
		t.Fatalf("expected folded Literal, got %T", out)
	}
	if !lit.Num.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5, got %s", lit.Num.String())
	}
}

func TestFoldConstantsLeavesSeriesOperandsAlone(t *testing.T) {
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpAdd, closeRef(), ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(1)))
	out := foldConstants(expr)
	if _, ok := out.(ir.BinaryOp); !ok {
		t.Fatalf("expected unfolded BinaryOp, got %T", out)
	}
}

func TestFoldConstantsSkipsDivisionByZero(t *testing.T) {
	zero := ir.NewLiteralNumber(ir.Span{}, decimal.Zero)
	one := ir.NewLiteralNumber(ir.Span{}, decimal.NewFromInt(1))
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpDiv, one, zero)
	out := foldConstants(expr)
	if _, ok := out.(ir.BinaryOp); !ok {
		t.Fatalf("expected division by zero left unfolded for runtime handling, got %T", out)
	}
}

func TestCSEAssignsEqualHashToIdenticalSubtrees(t *testing.T) {
	left := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	right := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpSub, left, right)
	out := eliminateCommonSubexpressions(expr)
	bin := out.(ir.BinaryOp)
	if bin.Left.StableHash() != bin.Right.StableHash() {
		t.Fatal("expected structurally identical subtrees to share a stable hash after CSE")
	}
}

func TestNormalizePreservesAlignPolicy(t *testing.T) {
	c := catalog.MustLoad()
	ema9 := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	ema21 := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(21)}})
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpSub, ema9, ema21).WithAlign(ir.AlignFfill)

	out, err := Normalize(expr, c)
	if err != nil {
		t.Fatal(err)
	}
	bin, ok := out.(ir.BinaryOp)
	if !ok {
		t.Fatalf("expected BinaryOp, got %T", out)
	}
	if bin.Align.Resolved() != ir.AlignFfill {
		t.Fatalf("expected an explicit ffill request to survive canonicalize/fold/CSE, got %q", bin.Align)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	c := catalog.MustLoad()
	call := ir.NewCall(ir.Span{}, "RSI", []ir.Node{closeRef()}, []ir.Param{
		{Name: "", Value: ir.IntParam(9)},
	})
	once, err := Normalize(call, c)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Normalize(once, c)
	if err != nil {
		t.Fatal(err)
	}
	if once.StableHash() != twice.StableHash() {
		t.Fatal("expected normalize(normalize(e)) == normalize(e)")
	}
}

func TestNormalizeIdempotentOverArithmeticExpression(t *testing.T) {
	c := catalog.MustLoad()
	ema9 := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(9)}})
	ema21 := ir.NewCall(ir.Span{}, "ema", []ir.Node{closeRef()}, []ir.Param{{Name: "length", Value: ir.IntParam(21)}})
	expr := ir.NewBinaryOp(ir.Span{}, ir.OpSub, ema9, ema21)
	once, err := Normalize(expr, c)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Normalize(once, c)
	if err != nil {
		t.Fatal(err)
	}
	if once.StableHash() != twice.StableHash() {
		t.Fatal("expected idempotence over a compound expression")
	}
}
