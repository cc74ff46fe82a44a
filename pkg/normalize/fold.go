package normalize

import (
	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/ir"
)

// foldConstants collapses any arithmetic/comparison/unary subtree whose
// operands are all Literals into a single Literal, bottom-up, using
// decimal arithmetic so repeated folding never accumulates binary
// floating-point error (the folded result can therefore differ slightly
// from what float64 math would give for the same expression).
// Series-valued or mixed subtrees are left untouched — folding is only
// ever a compile-time simplification, never a semantic change.
func foldConstants(node ir.Node) ir.Node {
	switch n := node.(type) {
	case ir.BinaryOp:
		left := foldConstants(n.Left)
		right := foldConstants(n.Right)
		if ll, ok := left.(ir.Literal); ok {
			if rl, ok := right.(ir.Literal); ok {
				if folded, ok := foldBinary(n.Span(), n.Op, ll, rl); ok {
					return folded
				}
			}
		}
		return ir.NewBinaryOp(n.Span(), n.Op, left, right).WithAlign(n.Align)
	case ir.UnaryOp:
		child := foldConstants(n.Child)
		if cl, ok := child.(ir.Literal); ok {
			if folded, ok := foldUnary(n.Span(), n.Op, cl); ok {
				return folded
			}
		}
		return ir.NewUnaryOp(n.Span(), n.Op, child)
	case ir.Call:
		args := mapChildren(n.Args, foldConstants)
		return ir.NewCall(n.Span(), n.ID, args, n.Params)
	case ir.TimeShift:
		return ir.NewTimeShift(n.Span(), foldConstants(n.Child), n.Delta)
	case ir.Filter:
		return ir.NewFilter(n.Span(), foldConstants(n.Child), n.Predicate)
	case ir.Aggregate:
		return ir.NewAggregate(n.Span(), foldConstants(n.Child), n.Field, n.Reducer)
	case ir.MemberAccess:
		return ir.NewMemberAccess(n.Span(), foldConstants(n.Child), n.Name)
	default:
		return node
	}
}

func foldBinary(span ir.Span, op ir.BinOp, l, r ir.Literal) (ir.Literal, bool) {
	if l.Kind != ir.ParamNumber && l.Kind != ir.ParamInt {
		return ir.Literal{}, false
	}
	if r.Kind != ir.ParamNumber && r.Kind != ir.ParamInt {
		return ir.Literal{}, false
	}
	a := literalDecimal(l)
	b := literalDecimal(r)
	switch op {
	case ir.OpAdd:
		return ir.NewLiteralNumber(span, a.Add(b)), true
	case ir.OpSub:
		return ir.NewLiteralNumber(span, a.Sub(b)), true
	case ir.OpMul:
		return ir.NewLiteralNumber(span, a.Mul(b)), true
	case ir.OpDiv:
		if b.IsZero() {
			return ir.Literal{}, false
		}
		return ir.NewLiteralNumber(span, a.Div(b)), true
	case ir.OpMod:
		if b.IsZero() {
			return ir.Literal{}, false
		}
		return ir.NewLiteralNumber(span, a.Mod(b)), true
	case ir.OpEq:
		return ir.NewLiteralBool(span, a.Equal(b)), true
	case ir.OpNeq:
		return ir.NewLiteralBool(span, !a.Equal(b)), true
	case ir.OpLt:
		return ir.NewLiteralBool(span, a.LessThan(b)), true
	case ir.OpLte:
		return ir.NewLiteralBool(span, a.LessThanOrEqual(b)), true
	case ir.OpGt:
		return ir.NewLiteralBool(span, a.GreaterThan(b)), true
	case ir.OpGte:
		return ir.NewLiteralBool(span, a.GreaterThanOrEqual(b)), true
	default:
		return ir.Literal{}, false
	}
}

func foldUnary(span ir.Span, op ir.UnOp, c ir.Literal) (ir.Literal, bool) {
	switch op {
	case ir.OpNeg:
		if c.Kind != ir.ParamNumber && c.Kind != ir.ParamInt {
			return ir.Literal{}, false
		}
		return ir.NewLiteralNumber(span, literalDecimal(c).Neg()), true
	case ir.OpNot:
		if c.Kind != ir.ParamBool {
			return ir.Literal{}, false
		}
		return ir.NewLiteralBool(span, !c.Bool), true
	default:
		return ir.Literal{}, false
	}
}

func literalDecimal(l ir.Literal) decimal.Decimal {
	if l.Kind == ir.ParamInt {
		return decimal.NewFromInt(l.Int)
	}
	return l.Num
}
