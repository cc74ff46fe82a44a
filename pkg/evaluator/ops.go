package evaluator

import (
	"fmt"
	"sort"

	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/series"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

func (ec *evalContext) evalOp(pn *planner.PlanNode, values map[string]value) (value, error) {
	op := pn.Op
	switch {
	case op.IsBinary:
		return ec.evalBinary(pn, values)
	case op.IsUnary:
		return ec.evalUnary(pn, values)
	case op.IsShift:
		return ec.evalShift(pn, values)
	case op.IsFilter:
		return ec.evalFilter(pn, values)
	case op.IsAggregate:
		return ec.evalAggregate(pn, values)
	case op.IsMember:
		return ec.evalMember(pn, values)
	default:
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: node %s has no recognized op", pn.NodeID)}
	}
}

func isComparison(op ir.BinOp) bool {
	switch op {
	case ir.OpEq, ir.OpNeq, ir.OpLt, ir.OpLte, ir.OpGt, ir.OpGte:
		return true
	}
	return false
}

func isBoolean(op ir.BinOp) bool { return op == ir.OpAnd || op == ir.OpOr }

func (ec *evalContext) evalBinary(pn *planner.PlanNode, values map[string]value) (value, error) {
	left := values[pn.ChildIDs[0]]
	right := values[pn.ChildIDs[1]]
	op := pn.Op.BinOp

	if !left.isSeries() && !right.isSeries() {
		return scalarBinary(op, left, right)
	}
	return seriesBinary(op, left, right, pn.Op.Align)
}

func scalarBinary(op ir.BinOp, left, right value) (value, error) {
	if isBoolean(op) {
		l, r := left.boolean, right.boolean
		if op == ir.OpAnd {
			return boolValue(l && r), nil
		}
		return boolValue(l || r), nil
	}
	l, r := left.num, right.num
	if isComparison(op) {
		return boolValue(compareFloats(op, l, r)), nil
	}
	v, ok := arithmetic(op, l, r)
	if !ok {
		// division/modulo by zero: non-fatal, the scalar result carries no
		// availability flag of its own so the caller sees a zero value —
		// callers combining a scalar into a series still see the series'
		// own per-tick availability mask reflect the divide-by-zero below.
		return numberValue(0), nil
	}
	return numberValue(v), nil
}

// seriesBinary broadcasts a scalar operand across the other side's
// timeline, or joins two series operands by timestamp per align (inner
// intersection, or ffill carrying the right operand's last known value
// forward onto every left-hand timestamp).
func seriesBinary(op ir.BinOp, left, right value, align ir.AlignPolicy) (value, error) {
	switch {
	case left.isSeries() && right.isSeries():
		return seriesSeriesBinary(op, left, right, align)
	case left.isSeries():
		return broadcastBinary(op, left, right, false)
	default:
		return broadcastBinary(op, right, left, true)
	}
}

func broadcastBinary(op ir.BinOp, s value, scalar value, scalarOnLeft bool) (value, error) {
	if s.kind == valBoolSeries && !isBoolean(op) {
		return value{}, &taerrors.TypeMismatch{Node: "BinaryOp", Expected: "numeric", Actual: "Series<bool>"}
	}
	if isBoolean(op) || s.kind == valBoolSeries {
		bs := s.boolSeries
		out := make([]bool, bs.Len())
		avail := make([]bool, bs.Len())
		ts := make([]int64, bs.Len())
		for i := 0; i < bs.Len(); i++ {
			v, ok, t := bs.At(i)
			ts[i] = t
			avail[i] = ok
			l, r := v, scalar.boolean
			if scalarOnLeft {
				l, r = scalar.boolean, v
			}
			out[i] = applyBool(op, l, r)
		}
		res, err := series.New("", "", "", "", ts, out, avail)
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(res), nil
	}

	ns := s.numSeries
	ts := make([]int64, ns.Len())
	if isComparison(op) {
		out := make([]bool, ns.Len())
		avail := make([]bool, ns.Len())
		for i := 0; i < ns.Len(); i++ {
			v, ok, t := ns.At(i)
			ts[i] = t
			avail[i] = ok
			l, r := v, scalar.num
			if scalarOnLeft {
				l, r = scalar.num, v
			}
			out[i] = compareFloats(op, l, r)
		}
		res, err := series.New("", "", "", "", ts, out, avail)
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(res), nil
	}
	out := make([]float64, ns.Len())
	avail := make([]bool, ns.Len())
	for i := 0; i < ns.Len(); i++ {
		v, ok, t := ns.At(i)
		ts[i] = t
		l, r := v, scalar.num
		if scalarOnLeft {
			l, r = scalar.num, v
		}
		result, arithOK := arithmetic(op, l, r)
		out[i] = result
		avail[i] = ok && arithOK
	}
	res, err := series.New("", "", "", "", ts, out, avail)
	if err != nil {
		return value{}, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(res), nil
}

func seriesSeriesBinary(op ir.BinOp, left, right value, align ir.AlignPolicy) (value, error) {
	join := joinIndices(align)

	if left.kind == valBoolSeries && right.kind == valBoolSeries {
		if !isBoolean(op) {
			return value{}, &taerrors.TypeMismatch{Node: "BinaryOp", Expected: "numeric", Actual: "Series<bool>"}
		}
		lt, lv, lok := seriesFields(left.boolSeries)
		rt, rv, rok := seriesFields(right.boolSeries)
		ts, li, ri := join(lt, rt)
		out := make([]bool, len(ts))
		avail := make([]bool, len(ts))
		for k := range ts {
			if ri[k] < 0 {
				continue
			}
			out[k] = applyBool(op, lv[li[k]], rv[ri[k]])
			avail[k] = lok[li[k]] && rok[ri[k]]
		}
		res, err := series.New("", "", "", "", ts, out, avail)
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(res), nil
	}

	lt := left.numSeries.Timestamps()
	rt := right.numSeries.Timestamps()
	ts, li, ri := join(lt, rt)
	lv, rv := left.numSeries.Values(), right.numSeries.Values()
	lm, rm := left.numSeries.AvailabilityMask(), right.numSeries.AvailabilityMask()

	if isComparison(op) {
		out := make([]bool, len(ts))
		avail := make([]bool, len(ts))
		for k := range ts {
			if ri[k] < 0 {
				continue
			}
			out[k] = compareFloats(op, lv[li[k]], rv[ri[k]])
			avail[k] = lm[li[k]] && rm[ri[k]]
		}
		res, err := series.New("", "", "", "", ts, out, avail)
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(res), nil
	}

	out := make([]float64, len(ts))
	avail := make([]bool, len(ts))
	for k := range ts {
		if ri[k] < 0 {
			continue
		}
		v, ok := arithmetic(op, lv[li[k]], rv[ri[k]])
		out[k] = v
		avail[k] = ok && lm[li[k]] && rm[ri[k]]
	}
	res, err := series.New("", "", "", "", ts, out, avail)
	if err != nil {
		return value{}, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(res), nil
}

func seriesFields(s series.Series[bool]) ([]int64, []bool, []bool) {
	return s.Timestamps(), s.Values(), s.AvailabilityMask()
}

// joinIndices picks the timestamp-join strategy a BinaryOp's resolved
// Align policy calls for.
func joinIndices(align ir.AlignPolicy) func(a, b []int64) (ts []int64, ai, bi []int) {
	if align == ir.AlignFfill {
		return ffillJoin
	}
	return intersectIndices
}

// intersectIndices returns the sorted common timestamps of two
// strictly-increasing timestamp slices, plus each side's index into its
// own slice for every common timestamp — the "inner" alignment policy.
func intersectIndices(a, b []int64) (ts []int64, ai, bi []int) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			ts = append(ts, a[i])
			ai = append(ai, i)
			bi = append(bi, j)
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return ts, ai, bi
}

func compareFloats(op ir.BinOp, l, r float64) bool {
	switch op {
	case ir.OpEq:
		return l == r
	case ir.OpNeq:
		return l != r
	case ir.OpLt:
		return l < r
	case ir.OpLte:
		return l <= r
	case ir.OpGt:
		return l > r
	default:
		return l >= r
	}
}

func applyBool(op ir.BinOp, l, r bool) bool {
	if op == ir.OpAnd {
		return l && r
	}
	return l || r
}

// arithmetic applies an arithmetic BinOp, reporting ok=false on division or
// modulo by zero — per the error-handling design, DivisionByZero is
// non-fatal and surfaces only as availability=false at this boundary, never
// a raised error.
func arithmetic(op ir.BinOp, l, r float64) (float64, bool) {
	switch op {
	case ir.OpAdd:
		return l + r, true
	case ir.OpSub:
		return l - r, true
	case ir.OpMul:
		return l * r, true
	case ir.OpDiv:
		if r == 0 {
			return 0, false
		}
		return l / r, true
	case ir.OpMod:
		if r == 0 {
			return 0, false
		}
		return float64(int64(l) % int64(r)), true
	default:
		return 0, false
	}
}

func (ec *evalContext) evalUnary(pn *planner.PlanNode, values map[string]value) (value, error) {
	child := values[pn.ChildIDs[0]]
	op := pn.Op.UnOp
	switch child.kind {
	case valNumber:
		if op == ir.OpNeg {
			return numberValue(-child.num), nil
		}
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "bool", Actual: "number"}
	case valBool:
		if op == ir.OpNot {
			return boolValue(!child.boolean), nil
		}
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "number", Actual: "bool"}
	case valNumberSeries:
		s := child.numSeries
		out := make([]float64, s.Len())
		for i, v := range s.Values() {
			out[i] = -v
		}
		res, err := series.New("", "", "", "", append([]int64(nil), s.Timestamps()...), out, append([]bool(nil), s.AvailabilityMask()...))
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return numberSeriesValue(res), nil
	case valBoolSeries:
		s := child.boolSeries
		out := make([]bool, s.Len())
		for i, v := range s.Values() {
			out[i] = !v
		}
		res, err := series.New("", "", "", "", append([]int64(nil), s.Timestamps()...), out, append([]bool(nil), s.AvailabilityMask()...))
		if err != nil {
			return value{}, &taerrors.InternalError{Message: err.Error()}
		}
		return boolSeriesValue(res), nil
	default:
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "scalar or series", Actual: "collection"}
	}
}

func (ec *evalContext) evalShift(pn *planner.PlanNode, values map[string]value) (value, error) {
	child := values[pn.ChildIDs[0]]
	if child.kind != valNumberSeries {
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "Series<number>", Actual: "other"}
	}
	s := child.numSeries
	delta := pn.Op.Shift
	out := make([]float64, s.Len())
	avail := make([]bool, s.Len())
	ts := append([]int64(nil), s.Timestamps()...)

	if !delta.IsDuration {
		n := int(delta.Bars)
		for i := 0; i < s.Len(); i++ {
			src := i - n
			if src < 0 || src >= s.Len() {
				continue
			}
			v, ok, _ := s.At(src)
			out[i] = v
			avail[i] = ok
		}
	} else {
		offsetNs := delta.Duration * 1_000_000_000
		for i := 0; i < s.Len(); i++ {
			target := s.Timestamp(i) - offsetNs
			v, ok, found := nearestAtOrBefore(s, target)
			out[i] = v
			avail[i] = ok && found
		}
	}
	res, err := series.New("", "", "", "", ts, out, avail)
	if err != nil {
		return value{}, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(res), nil
}

func (ec *evalContext) evalFilter(pn *planner.PlanNode, values map[string]value) (value, error) {
	child := values[pn.ChildIDs[0]]
	if child.kind != valCollection {
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "Collection", Actual: "other"}
	}
	pred := pn.Op.Predicate
	out := make([]dataset.Event, 0, len(child.events))
	for _, e := range child.events {
		v, ok := e.Fields[pred.Field]
		if !ok {
			continue
		}
		if matchesPredicate(pred, v) {
			out = append(out, e)
		}
	}
	return collectionValue(out), nil
}

func matchesPredicate(pred ir.Predicate, v float64) bool {
	var rhs float64
	switch pred.Value.Kind {
	case ir.ParamInt:
		rhs = float64(pred.Value.Int)
	case ir.ParamNumber:
		f, _ := pred.Value.Number.Float64()
		rhs = f
	default:
		return false
	}
	switch pred.Op {
	case ir.CmpEq:
		return v == rhs
	case ir.CmpNeq:
		return v != rhs
	case ir.CmpLt:
		return v < rhs
	case ir.CmpLte:
		return v <= rhs
	case ir.CmpGt:
		return v > rhs
	default:
		return v >= rhs
	}
}

func (ec *evalContext) evalAggregate(pn *planner.PlanNode, values map[string]value) (value, error) {
	child := values[pn.ChildIDs[0]]
	if child.kind != valCollection {
		return value{}, &taerrors.TypeMismatch{Node: pn.NodeID, Expected: "Collection", Actual: "other"}
	}
	bucket, err := timeframeDuration(pn.Alignment.Timeframe)
	if err != nil {
		return value{}, err
	}

	type acc struct {
		sum, min, max float64
		count         int
	}
	buckets := make(map[int64]*acc)
	for _, e := range child.events {
		v, ok := e.Fields[pn.Op.Field]
		if !ok {
			continue
		}
		b := bucketStart(e.Timestamp, bucket)
		a, exists := buckets[b]
		if !exists {
			a = &acc{min: v, max: v}
			buckets[b] = a
		}
		a.sum += v
		a.count++
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	ts := make([]int64, 0, len(buckets))
	for b := range buckets {
		ts = append(ts, b)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	out := make([]float64, len(ts))
	avail := make([]bool, len(ts))
	for i, b := range ts {
		a := buckets[b]
		avail[i] = a.count > 0
		switch pn.Op.Reducer {
		case ir.ReduceSum:
			out[i] = a.sum
		case ir.ReduceMean:
			out[i] = a.sum / float64(a.count)
		case ir.ReduceCount:
			out[i] = float64(a.count)
		case ir.ReduceMin:
			out[i] = a.min
		case ir.ReduceMax:
			out[i] = a.max
		}
	}
	res, err := series.New("", "", "", "", ts, out, avail)
	if err != nil {
		return value{}, &taerrors.InternalError{Message: err.Error()}
	}
	return numberSeriesValue(res), nil
}

// evalMember resolves a MemberAccess by following the referenced node's own
// Op.StructureFields — set only on a KindStruct node — to the node_id that
// actually computed the named output, rather than reading any value this
// node itself might carry.
func (ec *evalContext) evalMember(pn *planner.PlanNode, values map[string]value) (value, error) {
	childID := pn.ChildIDs[0]
	child, ok := ec.byID[childID]
	if !ok || child.Op == nil || child.Op.StructureFields == nil {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: member access %q on non-structured node %s", pn.Op.Member, childID)}
	}
	fieldID, ok := child.Op.StructureFields[pn.Op.Member]
	if !ok {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: unknown struct field %q on node %s", pn.Op.Member, childID)}
	}
	v, ok := values[fieldID]
	if !ok {
		return value{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: struct field %q (node %s) not yet evaluated", pn.Op.Member, fieldID)}
	}
	return v, nil
}
