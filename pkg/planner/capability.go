package planner

import "sort"

// buildCapabilityManifest computes the capability_manifest: the distinct
// sources, fields, operators, and indicators a plan actually exercises,
// each sorted for deterministic serialization.
func buildCapabilityManifest(nodes []PlanNode) CapabilityManifest {
	sources := make(map[string]struct{})
	fields := make(map[string]struct{})
	operators := make(map[string]struct{})
	indicators := make(map[string]struct{})

	for _, n := range nodes {
		if n.CompositeID != "" {
			indicators[n.CompositeID] = struct{}{}
		}
		switch n.Kind {
		case KindLeaf:
			if n.Requirement != nil {
				sources[n.Requirement.Source] = struct{}{}
				fields[n.Requirement.Field] = struct{}{}
			}
		case KindKernel:
			if n.Kernel != nil && n.CompositeID == "" {
				indicators[n.Kernel.KernelID] = struct{}{}
			}
		case KindOp:
			if n.Op == nil {
				continue
			}
			switch {
			case n.Op.IsBinary:
				operators[string(n.Op.BinOp)] = struct{}{}
			case n.Op.IsUnary:
				operators[string(n.Op.UnOp)] = struct{}{}
			case n.Op.IsShift:
				operators["time_shift"] = struct{}{}
			case n.Op.IsFilter:
				operators["filter"] = struct{}{}
			case n.Op.IsAggregate:
				operators["aggregate:"+string(n.Op.Reducer)] = struct{}{}
			case n.Op.IsMember:
				operators["member_access"] = struct{}{}
			}
		}
	}

	return CapabilityManifest{
		Sources:    sortedKeys(sources),
		Fields:     sortedKeys(fields),
		Operators:  sortedKeys(operators),
		Indicators: sortedKeys(indicators),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
