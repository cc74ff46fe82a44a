package normalize

import "github.com/algomatic/taexpr/pkg/ir"

// eliminateCommonSubexpressions walks bottom-up and, at every node, swaps
// each child for the first-seen node carrying the same StableHash. IR
// nodes are immutable value structs rather than pointers, so this doesn't
// collapse storage the way a pointer-graph CSE pass would — but it does
// make every node_id the planner assigns from StableHash line up across
// what were, before this pass, independently-built-but-identical
// subtrees: shared subnodes end up referenced by id, never by pointer
// cycles.
func eliminateCommonSubexpressions(node ir.Node) ir.Node {
	seen := make(map[ir.Hash]ir.Node)
	return dedup(node, seen)
}

func dedup(node ir.Node, seen map[ir.Hash]ir.Node) ir.Node {
	rewritten := rewriteWithDedupedChildren(node, seen)
	h := rewritten.StableHash()
	if canon, ok := seen[h]; ok {
		return canon
	}
	seen[h] = rewritten
	return rewritten
}

func rewriteWithDedupedChildren(node ir.Node, seen map[ir.Hash]ir.Node) ir.Node {
	switch n := node.(type) {
	case ir.Call:
		args := make([]ir.Node, len(n.Args))
		for i, a := range n.Args {
			args[i] = dedup(a, seen)
		}
		return ir.NewCall(n.Span(), n.ID, args, n.Params)
	case ir.BinaryOp:
		return ir.NewBinaryOp(n.Span(), n.Op, dedup(n.Left, seen), dedup(n.Right, seen)).WithAlign(n.Align)
	case ir.UnaryOp:
		return ir.NewUnaryOp(n.Span(), n.Op, dedup(n.Child, seen))
	case ir.TimeShift:
		return ir.NewTimeShift(n.Span(), dedup(n.Child, seen), n.Delta)
	case ir.Filter:
		return ir.NewFilter(n.Span(), dedup(n.Child, seen), n.Predicate)
	case ir.Aggregate:
		return ir.NewAggregate(n.Span(), dedup(n.Child, seen), n.Field, n.Reducer)
	case ir.MemberAccess:
		return ir.NewMemberAccess(n.Span(), dedup(n.Child, seen), n.Name)
	default:
		return node
	}
}
