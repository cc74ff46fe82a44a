// Package normalize rewrites a raw IR tree into canonical form before
// typecheck/planning: alias expansion, positional-to-named parameter
// canonicalization, default filling, source canonicalization, constant
// folding and common subexpression elimination, in that order.
// Normalize(Normalize(e)) == Normalize(e) for any e (idempotence is a
// tested property).
package normalize

import (
	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/catalog"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

const (
	defaultSource = "ohlcv"
	defaultField  = "close"
)

// collectionSources names the sources with no per-field Series — a bare
// SourceRef onto one of these (trades.filter(...), book.aggregate(...))
// carries no field at all, so canonicalizeSources must not default one
// onto it the way it does for ohlcv-shaped sources.
var collectionSources = map[string]bool{
	"trades":       true,
	"book":         true,
	"liquidations": true,
}

// Normalize applies the full canonicalization pipeline against a catalog
// for alias/default resolution.
func Normalize(node ir.Node, cat *catalog.Catalog) (ir.Node, error) {
	expanded, err := canonicalizeCalls(node, cat)
	if err != nil {
		return nil, err
	}
	sourced := canonicalizeSources(expanded)
	folded := foldConstants(sourced)
	deduped := eliminateCommonSubexpressions(folded)
	return deduped, nil
}

// canonicalizeCalls walks bottom-up, and for every Call: resolves the
// indicator alias to its canonical id, renames/positions Params against
// the catalog's declared param order, and fills declared defaults for
// params the caller omitted.
func canonicalizeCalls(node ir.Node, cat *catalog.Catalog) (ir.Node, error) {
	rewriteChildren := func(children []ir.Node) ([]ir.Node, error) {
		out := make([]ir.Node, len(children))
		for i, c := range children {
			r, err := canonicalizeCalls(c, cat)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}

	switch n := node.(type) {
	case ir.Call:
		meta, ok := cat.Find(n.ID)
		if !ok {
			return nil, &taerrors.UnknownIndicator{Name: n.ID}
		}
		args, err := rewriteChildren(n.Args)
		if err != nil {
			return nil, err
		}
		params, err := canonicalizeParams(meta, n.Params)
		if err != nil {
			return nil, err
		}
		return ir.NewCall(n.Span(), meta.ID, args, params), nil
	case ir.BinaryOp:
		left, err := canonicalizeCalls(n.Left, cat)
		if err != nil {
			return nil, err
		}
		right, err := canonicalizeCalls(n.Right, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewBinaryOp(n.Span(), n.Op, left, right).WithAlign(n.Align), nil
	case ir.UnaryOp:
		child, err := canonicalizeCalls(n.Child, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewUnaryOp(n.Span(), n.Op, child), nil
	case ir.TimeShift:
		child, err := canonicalizeCalls(n.Child, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewTimeShift(n.Span(), child, n.Delta), nil
	case ir.Filter:
		child, err := canonicalizeCalls(n.Child, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewFilter(n.Span(), child, n.Predicate), nil
	case ir.Aggregate:
		child, err := canonicalizeCalls(n.Child, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewAggregate(n.Span(), child, n.Field, n.Reducer), nil
	case ir.MemberAccess:
		child, err := canonicalizeCalls(n.Child, cat)
		if err != nil {
			return nil, err
		}
		return ir.NewMemberAccess(n.Span(), child, n.Name), nil
	default:
		// Literal, SourceRef: no children, nothing to canonicalize here.
		return node, nil
	}
}

// canonicalizeParams assigns names to positional params (empty Name) in
// catalog declaration order, maps declared aliases to their canonical
// name, and appends any declared-but-omitted optional param with its
// catalog default so downstream passes never see a missing param.
func canonicalizeParams(meta catalog.IndicatorMeta, raw []ir.Param) ([]ir.Param, error) {
	named := make(map[string]ir.ParamValue, len(raw))
	positional := make([]ir.ParamValue, 0, len(raw))
	for _, p := range raw {
		if p.Name == "" {
			positional = append(positional, p.Value)
			continue
		}
		name := p.Name
		if canon, ok := meta.ParamAliases[name]; ok {
			name = canon
		}
		named[name] = p.Value
	}
	for i, v := range positional {
		if i >= len(meta.Params) {
			return nil, &taerrors.InvalidParameter{Name: meta.ID, Reason: "too many positional parameters"}
		}
		named[meta.Params[i].Name] = v
	}

	out := make([]ir.Param, 0, len(meta.Params))
	for _, spec := range meta.Params {
		if v, ok := named[spec.Name]; ok {
			out = append(out, ir.Param{Name: spec.Name, Value: v})
			continue
		}
		if spec.Required {
			return nil, &taerrors.InvalidParameter{Name: spec.Name, Reason: "required parameter missing"}
		}
		dv, ok := literalDefault(spec)
		if ok {
			out = append(out, ir.Param{Name: spec.Name, Value: dv})
		}
	}
	return out, nil
}

func literalDefault(spec catalog.ParamSpec) (ir.ParamValue, bool) {
	if spec.Default == nil {
		return ir.ParamValue{}, false
	}
	switch v := spec.Default.(type) {
	case float64:
		return ir.NumberParam(decimal.NewFromFloat(v)), true
	case int:
		if spec.Kind == "int" {
			return ir.IntParam(int64(v)), true
		}
		return ir.NumberParam(decimal.NewFromFloat(float64(v))), true
	case bool:
		return ir.BoolParam(v), true
	case string:
		return ir.StringParam(v), true
	default:
		return ir.ParamValue{}, false
	}
}

// canonicalizeSources fills the default source/field ("source=ohlcv,
// field=close where applicable") on every SourceRef that omitted them.
func canonicalizeSources(node ir.Node) ir.Node {
	switch n := node.(type) {
	case ir.SourceRef:
		source, field := n.Source, n.Field
		if source == "" {
			source = defaultSource
		}
		if field == "" && !collectionSources[source] {
			field = defaultField
		}
		return ir.NewSourceRef(n.Span(), n.Symbol, n.Exchange, n.Timeframe, source, field)
	case ir.Call:
		args := mapChildren(n.Args, canonicalizeSources)
		return ir.NewCall(n.Span(), n.ID, args, n.Params)
	case ir.BinaryOp:
		return ir.NewBinaryOp(n.Span(), n.Op, canonicalizeSources(n.Left), canonicalizeSources(n.Right)).WithAlign(n.Align)
	case ir.UnaryOp:
		return ir.NewUnaryOp(n.Span(), n.Op, canonicalizeSources(n.Child))
	case ir.TimeShift:
		return ir.NewTimeShift(n.Span(), canonicalizeSources(n.Child), n.Delta)
	case ir.Filter:
		return ir.NewFilter(n.Span(), canonicalizeSources(n.Child), n.Predicate)
	case ir.Aggregate:
		return ir.NewAggregate(n.Span(), canonicalizeSources(n.Child), n.Field, n.Reducer)
	case ir.MemberAccess:
		return ir.NewMemberAccess(n.Span(), canonicalizeSources(n.Child), n.Name)
	default:
		return node
	}
}

func mapChildren(children []ir.Node, f func(ir.Node) ir.Node) []ir.Node {
	out := make([]ir.Node, len(children))
	for i, c := range children {
		out[i] = f(c)
	}
	return out
}
