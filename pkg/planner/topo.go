package planner

import "github.com/algomatic/taexpr/pkg/taerrors"

// topoSort runs Kahn's algorithm over the built node set, ordering every
// node strictly after its ChildIDs. The builder's post-order walk already
// produces a valid order by construction (IR is a finite tree with shared
// subnodes, never a cycle), but an explicit Kahn's-algorithm pass runs
// regardless — it's what catches a cycle introduced by a hand-edited or
// deserialized Plan rather than one built fresh from an IR tree.
func topoSort(nodes []*PlanNode) ([]PlanNode, error) {
	byID := make(map[string]*PlanNode, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
		if _, ok := inDegree[n.NodeID]; !ok {
			inDegree[n.NodeID] = 0
		}
		for _, c := range n.ChildIDs {
			inDegree[n.NodeID]++
			dependents[c] = append(dependents[c], n.NodeID)
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.NodeID] == 0 {
			queue = append(queue, n.NodeID)
		}
	}

	out := make([]PlanNode, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, *byID[id])
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(out) != len(nodes) {
		remaining := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, &taerrors.CycleError{Cycle: remaining}
	}
	return out, nil
}
