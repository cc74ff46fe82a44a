package ir

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/algomatic/taexpr/pkg/taerrors"
)

// ToJSON renders n as the canonical wire format: a "kind"
// discriminant plus the node's fields, object keys sorted, numeric
// literals serialized as canonical decimal strings rather than JSON
// numbers so the round trip never reintroduces binary floating-point
// error. encoding/json sorts map[string]interface{} keys automatically,
// which is what gives us "keys are sorted" for free here.
func ToJSON(n Node) ([]byte, error) {
	return json.Marshal(wireNode(n))
}

func wireParam(v ParamValue) map[string]interface{} {
	m := map[string]interface{}{"kind": string(v.Kind)}
	switch v.Kind {
	case ParamNumber:
		m["value"] = v.Number.String()
	case ParamBool:
		m["value"] = v.Bool
	case ParamInt:
		m["value"] = v.Int
	case ParamString:
		m["value"] = v.Str
	}
	return m
}

func wireNode(n Node) map[string]interface{} {
	switch v := n.(type) {
	case Literal:
		m := map[string]interface{}{"type": "literal", "value_kind": string(v.Kind)}
		switch v.Kind {
		case ParamNumber:
			m["value"] = v.Num.String()
		case ParamBool:
			m["value"] = v.Bool
		case ParamInt:
			m["value"] = v.Int
		}
		return m
	case SourceRef:
		m := map[string]interface{}{
			"type":      "source_ref",
			"timeframe": v.Timeframe,
			"source":    v.Source,
			"field":     v.Field,
		}
		if v.Symbol != nil {
			m["symbol"] = *v.Symbol
		}
		if v.Exchange != nil {
			m["exchange"] = *v.Exchange
		}
		return m
	case Call:
		args := make([]interface{}, len(v.Args))
		for i, a := range v.Args {
			args[i] = wireNode(a)
		}
		params := make([]interface{}, len(v.Params))
		for i, p := range v.Params {
			params[i] = map[string]interface{}{"name": p.Name, "value": wireParam(p.Value)}
		}
		return map[string]interface{}{
			"type":   "call",
			"id":     v.ID,
			"args":   args,
			"params": params,
		}
	case BinaryOp:
		return map[string]interface{}{
			"type":  "binary_op",
			"op":    string(v.Op),
			"align": string(v.Align.orDefault()),
			"left":  wireNode(v.Left),
			"right": wireNode(v.Right),
		}
	case UnaryOp:
		return map[string]interface{}{
			"type":  "unary_op",
			"op":    string(v.Op),
			"child": wireNode(v.Child),
		}
	case TimeShift:
		return map[string]interface{}{
			"type":        "time_shift",
			"child":       wireNode(v.Child),
			"is_duration": v.Delta.IsDuration,
			"bars":        v.Delta.Bars,
			"duration":    v.Delta.Duration,
		}
	case Filter:
		return map[string]interface{}{
			"type":  "filter",
			"child": wireNode(v.Child),
			"predicate": map[string]interface{}{
				"field": v.Predicate.Field,
				"op":    string(v.Predicate.Op),
				"value": wireParam(v.Predicate.Value),
			},
		}
	case Aggregate:
		return map[string]interface{}{
			"type":    "aggregate",
			"child":   wireNode(v.Child),
			"field":   v.Field,
			"reducer": string(v.Reducer),
		}
	case MemberAccess:
		return map[string]interface{}{
			"type":  "member_access",
			"child": wireNode(v.Child),
			"name":  v.Name,
		}
	default:
		panic(fmt.Sprintf("ir: wireNode: unhandled node type %T", n))
	}
}

// FromJSON parses the canonical wire format back into a Node tree. An
// unknown "type" discriminant, a missing child or numeric field, or a
// wrong JSON shape is reported as *taerrors.ParseError; a missing string
// or bool field reads as its zero value.
func FromJSON(data []byte) (Node, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &taerrors.ParseError{Message: "malformed IR JSON", Cause: err}
	}
	return nodeFromRaw(raw)
}

func nodeFromRaw(raw map[string]interface{}) (Node, error) {
	t, _ := raw["type"].(string)
	switch t {
	case "literal":
		kind, _ := raw["value_kind"].(string)
		switch ParamKind(kind) {
		case ParamNumber:
			s, ok := raw["value"].(string)
			if !ok {
				return nil, &taerrors.ParseError{Message: "literal.value must be a decimal string"}
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, &taerrors.ParseError{Message: "literal.value not a valid decimal", Cause: err}
			}
			return NewLiteralNumber(Span{}, d), nil
		case ParamBool:
			b, _ := raw["value"].(bool)
			return NewLiteralBool(Span{}, b), nil
		case ParamInt:
			i, err := numberField(raw, "value")
			if err != nil {
				return nil, err
			}
			return NewLiteralInt(Span{}, int64(i)), nil
		default:
			return nil, &taerrors.ParseError{Message: fmt.Sprintf("literal.value_kind %q not recognized", kind)}
		}
	case "source_ref":
		timeframe, _ := raw["timeframe"].(string)
		source, _ := raw["source"].(string)
		field, _ := raw["field"].(string)
		var symbol, exchange *string
		if s, ok := raw["symbol"].(string); ok {
			symbol = &s
		}
		if s, ok := raw["exchange"].(string); ok {
			exchange = &s
		}
		return NewSourceRef(Span{}, symbol, exchange, timeframe, source, field), nil
	case "call":
		id, _ := raw["id"].(string)
		argsRaw, _ := raw["args"].([]interface{})
		args := make([]Node, 0, len(argsRaw))
		for _, a := range argsRaw {
			am, ok := a.(map[string]interface{})
			if !ok {
				return nil, &taerrors.ParseError{Message: "call.args element not an object"}
			}
			n, err := nodeFromRaw(am)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		paramsRaw, _ := raw["params"].([]interface{})
		params := make([]Param, 0, len(paramsRaw))
		for _, p := range paramsRaw {
			pm, ok := p.(map[string]interface{})
			if !ok {
				return nil, &taerrors.ParseError{Message: "call.params element not an object"}
			}
			name, _ := pm["name"].(string)
			vm, ok := pm["value"].(map[string]interface{})
			if !ok {
				return nil, &taerrors.ParseError{Message: "call.params element missing value"}
			}
			v, err := paramValueFromRaw(vm)
			if err != nil {
				return nil, err
			}
			params = append(params, Param{Name: name, Value: v})
		}
		return NewCall(Span{}, id, args, params), nil
	case "binary_op":
		op, _ := raw["op"].(string)
		align, _ := raw["align"].(string)
		left, right, err := childPair(raw, "left", "right")
		if err != nil {
			return nil, err
		}
		return NewBinaryOp(Span{}, BinOp(op), left, right).WithAlign(AlignPolicy(align)), nil
	case "unary_op":
		op, _ := raw["op"].(string)
		child, err := childNode(raw, "child")
		if err != nil {
			return nil, err
		}
		return NewUnaryOp(Span{}, UnOp(op), child), nil
	case "time_shift":
		child, err := childNode(raw, "child")
		if err != nil {
			return nil, err
		}
		isDuration, _ := raw["is_duration"].(bool)
		bars, err := numberField(raw, "bars")
		if err != nil {
			return nil, err
		}
		duration, err := numberField(raw, "duration")
		if err != nil {
			return nil, err
		}
		return NewTimeShift(Span{}, child, ShiftDelta{Bars: int64(bars), Duration: int64(duration), IsDuration: isDuration}), nil
	case "filter":
		child, err := childNode(raw, "child")
		if err != nil {
			return nil, err
		}
		pm, ok := raw["predicate"].(map[string]interface{})
		if !ok {
			return nil, &taerrors.ParseError{Message: "filter missing predicate"}
		}
		field, _ := pm["field"].(string)
		op, _ := pm["op"].(string)
		vm, ok := pm["value"].(map[string]interface{})
		if !ok {
			return nil, &taerrors.ParseError{Message: "filter.predicate missing value"}
		}
		v, err := paramValueFromRaw(vm)
		if err != nil {
			return nil, err
		}
		return NewFilter(Span{}, child, Predicate{Field: field, Op: CompareOp(op), Value: v}), nil
	case "aggregate":
		child, err := childNode(raw, "child")
		if err != nil {
			return nil, err
		}
		field, _ := raw["field"].(string)
		reducer, _ := raw["reducer"].(string)
		return NewAggregate(Span{}, child, field, ReducerKind(reducer)), nil
	case "member_access":
		child, err := childNode(raw, "child")
		if err != nil {
			return nil, err
		}
		name, _ := raw["name"].(string)
		return NewMemberAccess(Span{}, child, name), nil
	default:
		return nil, &taerrors.ParseError{Message: fmt.Sprintf("unrecognized IR node type %q", t)}
	}
}

func paramValueFromRaw(vm map[string]interface{}) (ParamValue, error) {
	kind, _ := vm["kind"].(string)
	switch ParamKind(kind) {
	case ParamNumber:
		s, ok := vm["value"].(string)
		if !ok {
			return ParamValue{}, &taerrors.ParseError{Message: "param number value must be a decimal string"}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return ParamValue{}, &taerrors.ParseError{Message: "param number value not a valid decimal", Cause: err}
		}
		return NumberParam(d), nil
	case ParamBool:
		b, _ := vm["value"].(bool)
		return BoolParam(b), nil
	case ParamInt:
		f, err := numberField(vm, "value")
		if err != nil {
			return ParamValue{}, err
		}
		return IntParam(int64(f)), nil
	case ParamString:
		s, _ := vm["value"].(string)
		return StringParam(s), nil
	default:
		return ParamValue{}, &taerrors.ParseError{Message: fmt.Sprintf("param kind %q not recognized", kind)}
	}
}

func childNode(raw map[string]interface{}, key string) (Node, error) {
	cm, ok := raw[key].(map[string]interface{})
	if !ok {
		return nil, &taerrors.ParseError{Message: fmt.Sprintf("missing child %q", key)}
	}
	return nodeFromRaw(cm)
}

func childPair(raw map[string]interface{}, k1, k2 string) (Node, Node, error) {
	a, err := childNode(raw, k1)
	if err != nil {
		return nil, nil, err
	}
	b, err := childNode(raw, k2)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func numberField(raw map[string]interface{}, key string) (float64, error) {
	f, ok := raw[key].(float64)
	if !ok {
		return 0, &taerrors.ParseError{Message: fmt.Sprintf("field %q must be a number", key)}
	}
	return f, nil
}
