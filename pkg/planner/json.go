package planner

import (
	"encoding/json"
	"fmt"

	"github.com/algomatic/taexpr/pkg/kernel"
)

// ToJSON renders a Plan in the canonical wire format. Map keys throughout are
// sorted by encoding/json's own marshaling of map[string]interface{}, the
// same mechanism ir.ToJSON relies on, so two builds of the same IR over
// the same dataset schema serialize byte-identical.
func ToJSON(p *Plan) ([]byte, error) {
	nodes := make([]map[string]interface{}, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes[i] = wireNode(n)
	}
	return json.Marshal(map[string]interface{}{
		"schema_version": p.SchemaVersion,
		"root":           p.Root,
		"nodes":          nodes,
		"capability_manifest": map[string]interface{}{
			"sources":    p.Capability.Sources,
			"fields":     p.Capability.Fields,
			"operators":  p.Capability.Operators,
			"indicators": p.Capability.Indicators,
		},
	})
}

func wireNode(n PlanNode) map[string]interface{} {
	out := map[string]interface{}{
		"node_id":  n.NodeID,
		"kind":     string(n.Kind),
		"ir_hash":  fmt.Sprintf("%016x", uint64(n.IRHash)),
		"parents":  n.Parents,
		"lookback": n.Lookback,
		"alignment": map[string]interface{}{
			"policy":    n.Alignment.Policy,
			"timeframe": n.Alignment.Timeframe,
		},
		"output_schema": wireTag(n.OutputTag),
	}
	if n.Kernel != nil {
		out["kernel"] = map[string]interface{}{
			"id":     n.Kernel.KernelID,
			"params": wireParams(n.Kernel.Params),
		}
	}
	if n.Requirement != nil {
		out["data_requirement"] = map[string]interface{}{
			"symbol":    n.Requirement.Symbol,
			"exchange":  n.Requirement.Exchange,
			"timeframe": n.Requirement.Timeframe,
			"source":    n.Requirement.Source,
			"field":     n.Requirement.Field,
			"min_bars":  n.Requirement.MinBars,
		}
	}
	if n.Op != nil {
		out["op"] = wireOp(n.Op)
	}
	if n.CompositeID != "" {
		out["composite_id"] = n.CompositeID
	}
	return out
}

func wireOp(op *OpSpec) map[string]interface{} {
	switch {
	case op.IsBinary:
		return map[string]interface{}{"type": "binary", "op": string(op.BinOp)}
	case op.IsUnary:
		return map[string]interface{}{"type": "unary", "op": string(op.UnOp)}
	case op.IsShift:
		return map[string]interface{}{"type": "time_shift", "bars": op.Shift.Bars, "duration_seconds": op.Shift.Duration, "is_duration": op.Shift.IsDuration}
	case op.IsFilter:
		return map[string]interface{}{"type": "filter", "field": op.Predicate.Field, "cmp": string(op.Predicate.Op)}
	case op.IsAggregate:
		return map[string]interface{}{"type": "aggregate", "field": op.Field, "reducer": string(op.Reducer)}
	case op.IsMember:
		return map[string]interface{}{"type": "member_access", "name": op.Member}
	case len(op.StructureFields) > 0:
		return map[string]interface{}{"type": "structure", "composite_id": op.CompositeID, "fields": op.StructureFields}
	default:
		return map[string]interface{}{"type": "unknown"}
	}
}

func wireParams(params map[string]kernel.ParamValue) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for name, v := range params {
		switch v.Kind {
		case kernel.KindBool:
			out[name] = v.Bool
		case kernel.KindString:
			out[name] = v.Str
		default:
			out[name] = v.Num
		}
	}
	return out
}

func wireTag(t interface{ String() string }) string {
	return t.String()
}
