package evaluator

import (
	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/series"
)

// valueKind discriminates the shapes a plan node's materialized result can
// take during evaluation. A KindStruct node never produces one of these
// directly — MemberAccess and Results resolve a struct field's value by
// following PlanNode.Op.StructureFields to the child node_id that actually
// computed it.
type valueKind int

const (
	valNumber valueKind = iota
	valBool
	valNumberSeries
	valBoolSeries
	valCollection
)

// value is the tagged union every evalNode call produces: exactly one field
// group is meaningful, selected by kind — the same flat-struct-plus-switch
// shape ir.Literal and ir.ParamValue use for their own tagged unions.
type value struct {
	kind valueKind

	num     float64
	boolean bool

	numSeries  series.Series[float64]
	boolSeries series.Series[bool]

	events []dataset.Event
}

func numberValue(f float64) value { return value{kind: valNumber, num: f} }
func boolValue(b bool) value      { return value{kind: valBool, boolean: b} }
func numberSeriesValue(s series.Series[float64]) value {
	return value{kind: valNumberSeries, numSeries: s}
}
func boolSeriesValue(s series.Series[bool]) value { return value{kind: valBoolSeries, boolSeries: s} }
func collectionValue(events []dataset.Event) value {
	return value{kind: valCollection, events: events}
}

func (v value) isSeries() bool      { return v.kind == valNumberSeries || v.kind == valBoolSeries }
func (v value) isNumericLike() bool { return v.kind == valNumber || v.kind == valNumberSeries }
func (v value) isBoolLike() bool    { return v.kind == valBool || v.kind == valBoolSeries }

// outputTag reports the Tag this value would typecheck to, for Results.
func (v value) outputTag() ir.Tag {
	switch v.kind {
	case valNumber:
		return ir.Scalar(ir.ElemNumber)
	case valBool:
		return ir.Scalar(ir.ElemBool)
	case valNumberSeries:
		return ir.SeriesOf(ir.ElemNumber)
	case valBoolSeries:
		return ir.SeriesOf(ir.ElemBool)
	default:
		return ir.Collection(ir.ElemTrades)
	}
}

// Output is the public, per-node result Results exposes. Exactly one of
// Numbers/Bools is populated, selected by Kind; Scalar carries a single
// value for a node whose output never became a Series (e.g. a bare
// literal at the plan root).
type Output struct {
	Kind    string // "number" | "bool"
	Scalar  bool   // true when this node's result was never materialized as a Series
	Number  float64
	Bool    bool
	Numbers series.Series[float64]
	Bools   series.Series[bool]
}

func (v value) toOutput() Output {
	switch v.kind {
	case valNumber:
		return Output{Kind: "number", Scalar: true, Number: v.num}
	case valBool:
		return Output{Kind: "bool", Scalar: true, Bool: v.boolean}
	case valBoolSeries:
		return Output{Kind: "bool", Bools: v.boolSeries}
	default:
		return Output{Kind: "number", Numbers: v.numSeries}
	}
}

// Results is the output of Batch: every plan node's materialized Output,
// keyed by node_id, plus the plan's root id. A composite indicator's named
// outputs (e.g. "macd.signal") are resolved by looking up the root's
// Op.StructureFields (when the root is a KindStruct) and indexing ByNode
// with the child node_id each field name maps to.
type Results struct {
	Root   string
	ByNode map[string]Output
}

// Field resolves one named output of a composite root by walking
// structFields (PlanNode.Op.StructureFields, the map Build supplies for
// every KindStruct node).
func (r Results) Field(structFields map[string]string, name string) (Output, bool) {
	id, ok := structFields[name]
	if !ok {
		return Output{}, false
	}
	out, ok := r.ByNode[id]
	return out, ok
}
