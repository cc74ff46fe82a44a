// Package typecheck infers a Tag for every node in a normalized IR tree,
// bottom-up, rejecting operator/indicator applications the type algebra
// doesn't accept. Runs after normalize and before planning.
package typecheck

import (
	"fmt"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// SourceSchema tells the checker what each (source, field) pair on a
// SourceRef resolves to, so "close" on "ohlcv" typechecks as Series<number>
// while "trades" itself typechecks as Collection<trades>. The evaluator's
// dataset schema is the single source of truth for this at runtime;
// typecheck only needs the shape, not the data.
type SourceSchema struct {
	// CollectionElem, non-empty, marks source as a raw Collection(kind)
	// with no per-field Series — e.g. "trades" -> ElemTrades. Filter and
	// Aggregate are the only operators that may consume it.
	CollectionElem ir.Elem
	// Fields maps a Series source's field names to their element kind —
	// e.g. ohlcv: {open,high,low,close,volume: number}.
	Fields map[string]ir.Elem
}

// Schema is the full set of known (source -> SourceSchema) bindings a
// Checker consults.
type Schema map[string]SourceSchema

// DefaultSchema is the canonical binding for the built-in market-data
// sources (ohlcv, trades, orderbook, liquidation).
func DefaultSchema() Schema {
	return Schema{
		"ohlcv": {
			Fields: map[string]ir.Elem{
				"open": ir.ElemNumber, "high": ir.ElemNumber, "low": ir.ElemNumber,
				"close": ir.ElemNumber, "volume": ir.ElemNumber,
			},
		},
		"trades":       {CollectionElem: ir.ElemTrades},
		"book":         {CollectionElem: ir.ElemBook},
		"liquidations": {CollectionElem: ir.ElemLiquidation},
	}
}

// Checker infers Tags against a fixed catalog and source schema.
type Checker struct {
	catalog *catalog.Catalog
	schema  Schema
}

func NewChecker(cat *catalog.Catalog, schema Schema) *Checker {
	return &Checker{catalog: cat, schema: schema}
}

// Infer walks node bottom-up and returns its Tag, or the first
// taerrors.Coded type violation encountered.
func (c *Checker) Infer(node ir.Node) (ir.Tag, error) {
	switch n := node.(type) {
	case ir.Literal:
		return literalTag(n), nil
	case ir.SourceRef:
		return c.sourceRefTag(n)
	case ir.Call:
		return c.callTag(n)
	case ir.BinaryOp:
		return c.binaryOpTag(n)
	case ir.UnaryOp:
		return c.unaryOpTag(n)
	case ir.TimeShift:
		return c.timeShiftTag(n)
	case ir.Filter:
		return c.filterTag(n)
	case ir.Aggregate:
		return c.aggregateTag(n)
	case ir.MemberAccess:
		return c.memberAccessTag(n)
	default:
		return ir.Tag{}, &taerrors.InternalError{Message: fmt.Sprintf("typecheck: unhandled node type %T", node)}
	}
}

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

func (c *Checker) sourceRefTag(n ir.SourceRef) (ir.Tag, error) {
	sch, ok := c.schema[n.Source]
	if !ok {
		return ir.Tag{}, &taerrors.UnknownSource{Source: n.Source}
	}
	if sch.CollectionElem != "" {
		return ir.Collection(sch.CollectionElem), nil
	}
	elem, ok := sch.Fields[n.Field]
	if !ok {
		return ir.Tag{}, &taerrors.UnknownField{Source: n.Source, Field: n.Field}
	}
	return ir.SeriesOf(elem), nil
}

func (c *Checker) callTag(n ir.Call) (ir.Tag, error) {
	meta, ok := c.catalog.Find(n.ID)
	if !ok {
		return ir.Tag{}, &taerrors.UnknownIndicator{Name: n.ID}
	}
	for _, arg := range n.Args {
		if _, err := c.Infer(arg); err != nil {
			return ir.Tag{}, err
		}
	}
	if len(meta.Outputs) == 1 {
		return ir.SeriesOf(ir.ElemNumber), nil
	}
	fields := make(map[string]ir.Tag, len(meta.Outputs))
	for _, o := range meta.Outputs {
		fields[o.Name] = ir.SeriesOf(ir.ElemNumber)
	}
	return ir.Structured(fields), nil
}

func (c *Checker) binaryOpTag(n ir.BinaryOp) (ir.Tag, error) {
	left, err := c.Infer(n.Left)
	if err != nil {
		return ir.Tag{}, err
	}
	right, err := c.Infer(n.Right)
	if err != nil {
		return ir.Tag{}, err
	}
	switch n.Op {
	case ir.OpAnd, ir.OpOr:
		if !left.IsBoolLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "Scalar<bool>|Series<bool>", left)
		}
		if !right.IsBoolLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "Scalar<bool>|Series<bool>", right)
		}
		return boolResult(left, right), nil
	case ir.OpEq, ir.OpNeq, ir.OpLt, ir.OpLte, ir.OpGt, ir.OpGte:
		if !left.IsNumericLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "numeric", left)
		}
		if !right.IsNumericLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "numeric", right)
		}
		return boolResult(left, right), nil
	default: // arithmetic
		if !left.IsNumericLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "numeric", left)
		}
		if !right.IsNumericLike() {
			return ir.Tag{}, typeMismatch("BinaryOp", "numeric", right)
		}
		return numericResult(left, right), nil
	}
}

// boolResult/numericResult implement the broadcast rule: a Series operand
// on either side promotes the result to Series; Scalar op Scalar stays
// Scalar.
func boolResult(left, right ir.Tag) ir.Tag {
	if left.Kind == ir.TagSeries || right.Kind == ir.TagSeries {
		return ir.SeriesOf(ir.ElemBool)
	}
	return ir.Scalar(ir.ElemBool)
}

func numericResult(left, right ir.Tag) ir.Tag {
	if left.Kind == ir.TagSeries || right.Kind == ir.TagSeries {
		return ir.SeriesOf(ir.ElemNumber)
	}
	return ir.Scalar(ir.ElemNumber)
}

func (c *Checker) unaryOpTag(n ir.UnaryOp) (ir.Tag, error) {
	child, err := c.Infer(n.Child)
	if err != nil {
		return ir.Tag{}, err
	}
	switch n.Op {
	case ir.OpNot:
		if !child.IsBoolLike() {
			return ir.Tag{}, typeMismatch("UnaryOp", "Scalar<bool>|Series<bool>", child)
		}
		return child, nil
	default: // OpNeg
		if !child.IsNumericLike() {
			return ir.Tag{}, typeMismatch("UnaryOp", "numeric", child)
		}
		return child, nil
	}
}

func (c *Checker) timeShiftTag(n ir.TimeShift) (ir.Tag, error) {
	child, err := c.Infer(n.Child)
	if err != nil {
		return ir.Tag{}, err
	}
	if child.Kind != ir.TagSeries {
		return ir.Tag{}, typeMismatch("TimeShift", "Series<*>", child)
	}
	return child, nil
}

func (c *Checker) filterTag(n ir.Filter) (ir.Tag, error) {
	child, err := c.Infer(n.Child)
	if err != nil {
		return ir.Tag{}, err
	}
	if child.Kind != ir.TagCollection {
		return ir.Tag{}, typeMismatch("Filter", "Collection<*>", child)
	}
	return child, nil
}

func (c *Checker) aggregateTag(n ir.Aggregate) (ir.Tag, error) {
	child, err := c.Infer(n.Child)
	if err != nil {
		return ir.Tag{}, err
	}
	if child.Kind != ir.TagCollection {
		return ir.Tag{}, typeMismatch("Aggregate", "Collection<*>", child)
	}
	if n.Reducer == ir.ReduceCount {
		return ir.SeriesOf(ir.ElemInt), nil
	}
	return ir.SeriesOf(ir.ElemNumber), nil
}

func (c *Checker) memberAccessTag(n ir.MemberAccess) (ir.Tag, error) {
	child, err := c.Infer(n.Child)
	if err != nil {
		return ir.Tag{}, err
	}
	if child.Kind != ir.TagStructured {
		return ir.Tag{}, typeMismatch("MemberAccess", "Structured{...}", child)
	}
	field, ok := child.Fields[n.Name]
	if !ok {
		return ir.Tag{}, &taerrors.UnknownField{Source: "Structured", Field: n.Name}
	}
	return field, nil
}

func typeMismatch(node, expected string, actual ir.Tag) *taerrors.TypeMismatch {
	return &taerrors.TypeMismatch{Node: node, Expected: expected, Actual: actual.String()}
}
