package ir

import "github.com/shopspring/decimal"

// Span locates a node in the original source text, used for error
// messages. Zero value means "no source position" (a node built
// programmatically rather than parsed).
type Span struct {
	Start, End int
}

// Node is the closed sum type of the IR node algebra. Every concrete node
// type is an immutable value struct implementing this interface; the type
// switch in typecheck/planner/evaluator is the dispatch mechanism, not a
// visitor pattern — matches the flat case-per-kind style of a condition
// evaluator.
type Node interface {
	isNode()
	Span() Span
	StableHash() Hash
	Children() []Node
}

// ParamKind discriminates the scalar kinds a Call parameter or Predicate
// value can carry.
type ParamKind string

const (
	ParamNumber ParamKind = "number"
	ParamBool   ParamKind = "bool"
	ParamInt    ParamKind = "int"
	ParamString ParamKind = "string"
)

// ParamValue is a tagged union over the literal kinds a named Call
// parameter or a Filter predicate's comparison value may hold.
type ParamValue struct {
	Kind   ParamKind
	Number decimal.Decimal
	Bool   bool
	Int    int64
	Str    string
}

func NumberParam(d decimal.Decimal) ParamValue { return ParamValue{Kind: ParamNumber, Number: d} }
func BoolParam(b bool) ParamValue              { return ParamValue{Kind: ParamBool, Bool: b} }
func IntParam(i int64) ParamValue              { return ParamValue{Kind: ParamInt, Int: i} }
func StringParam(s string) ParamValue          { return ParamValue{Kind: ParamString, Str: s} }

// Param is one named, positional entry in a Call's ordered parameter list.
// Call stores []Param rather than a map so that the wire format's "ordered
// map" contract survives a parse/serialize round trip without relying on
// incidental Go map iteration order.
type Param struct {
	Name  string
	Value ParamValue
}

// Literal is a constant scalar value. Numeric literals carry a
// decimal.Decimal so constant folding in normalize never accumulates
// binary floating-point error ahead of the evaluator's own float64 math.
type Literal struct {
	span Span
	Kind ParamKind
	Num  decimal.Decimal
	Bool bool
	Int  int64
	Str  string
}

func NewLiteralNumber(span Span, d decimal.Decimal) Literal {
	return Literal{span: span, Kind: ParamNumber, Num: d}
}
func NewLiteralBool(span Span, b bool) Literal { return Literal{span: span, Kind: ParamBool, Bool: b} }
func NewLiteralInt(span Span, i int64) Literal { return Literal{span: span, Kind: ParamInt, Int: i} }

func (n Literal) isNode()          {}
func (n Literal) Span() Span       { return n.span }
func (n Literal) Children() []Node { return nil }
func (n Literal) StableHash() Hash {
	h := newHasher()
	h.writeString("Literal")
	h.writeString(string(n.Kind))
	switch n.Kind {
	case ParamNumber:
		h.writeString(n.Num.String())
	case ParamBool:
		h.writeBool(n.Bool)
	case ParamInt:
		h.writeInt(n.Int)
	case ParamString:
		h.writeString(n.Str)
	}
	return h.sum()
}

// SourceRef names a leaf field of a dataset (symbol, timeframe, source,
// field), optionally overriding the evaluation-context symbol/exchange for
// cross-symbol expressions (e.g. "ETH.ohlcv.close on BTC's timeframe").
type SourceRef struct {
	span      Span
	Symbol    *string
	Exchange  *string
	Timeframe string
	Source    string
	Field     string
}

func NewSourceRef(span Span, symbol, exchange *string, timeframe, source, field string) SourceRef {
	return SourceRef{span: span, Symbol: symbol, Exchange: exchange, Timeframe: timeframe, Source: source, Field: field}
}

func (n SourceRef) isNode()          {}
func (n SourceRef) Span() Span       { return n.span }
func (n SourceRef) Children() []Node { return nil }
func (n SourceRef) StableHash() Hash {
	h := newHasher()
	h.writeString("SourceRef")
	h.writeStringPtr(n.Symbol)
	h.writeStringPtr(n.Exchange)
	h.writeString(n.Timeframe)
	h.writeString(n.Source)
	h.writeString(n.Field)
	return h.sum()
}

// Call is an indicator or function invocation: an id resolved against the
// catalog plus an ordered, already-canonicalized (post-normalize) argument
// list and child nodes feeding its inputs.
type Call struct {
	span   Span
	ID     string
	Args   []Node
	Params []Param
}

func NewCall(span Span, id string, args []Node, params []Param) Call {
	return Call{span: span, ID: id, Args: args, Params: params}
}

func (n Call) isNode()          {}
func (n Call) Span() Span       { return n.span }
func (n Call) Children() []Node { return n.Args }
func (n Call) StableHash() Hash {
	h := newHasher()
	h.writeString("Call")
	h.writeString(n.ID)
	for _, a := range n.Args {
		h.writeHash(a.StableHash())
	}
	for _, p := range n.Params {
		h.writeString(p.Name)
		h.writeString(string(p.Value.Kind))
		switch p.Value.Kind {
		case ParamNumber:
			h.writeString(p.Value.Number.String())
		case ParamBool:
			h.writeBool(p.Value.Bool)
		case ParamInt:
			h.writeInt(p.Value.Int)
		case ParamString:
			h.writeString(p.Value.Str)
		}
	}
	return h.sum()
}

// BinOp enumerates the arithmetic, comparison and boolean binary
// operators the expression grammar supports.
type BinOp string

const (
	OpAdd BinOp = "+"
	OpSub BinOp = "-"
	OpMul BinOp = "*"
	OpDiv BinOp = "/"
	OpMod BinOp = "%"
	OpEq  BinOp = "=="
	OpNeq BinOp = "!="
	OpLt  BinOp = "<"
	OpLte BinOp = "<="
	OpGt  BinOp = ">"
	OpGte BinOp = ">="
	OpAnd BinOp = "&"
	OpOr  BinOp = "|"
)

// AlignPolicy selects how a BinaryOp joins two Series operands that don't
// already share a timeline: AlignInner keeps only timestamps present on
// both sides, AlignFfill keeps every left-hand timestamp and carries the
// right-hand operand's last known value forward onto it. The zero value
// (empty string) means "unspecified" — callers resolve it to AlignInner.
type AlignPolicy string

const (
	AlignInner AlignPolicy = "inner"
	AlignFfill AlignPolicy = "ffill"
)

// orDefault resolves an unspecified policy to the inner-join default.
func (p AlignPolicy) orDefault() AlignPolicy {
	if p == "" {
		return AlignInner
	}
	return p
}

// Resolved is the exported form of orDefault, for callers outside the ir
// package (planner, evaluator) that need the policy a BinaryOp actually
// joins with rather than its possibly-unset wire value.
func (p AlignPolicy) Resolved() AlignPolicy { return p.orDefault() }

// BinaryOp applies a BinOp across its Left/Right children, with at least
// one side a Series for the result to be a Series: scalar-scalar ops stay
// Scalar, and any Series operand broadcasts the result to Series. Align
// only matters when both sides are Series with differing timelines.
type BinaryOp struct {
	span        Span
	Op          BinOp
	Left, Right Node
	Align       AlignPolicy
}

func NewBinaryOp(span Span, op BinOp, left, right Node) BinaryOp {
	return BinaryOp{span: span, Op: op, Left: left, Right: right}
}

// WithAlign returns a copy of n with its join policy set to p.
func (n BinaryOp) WithAlign(p AlignPolicy) BinaryOp {
	n.Align = p
	return n
}

func (n BinaryOp) isNode()          {}
func (n BinaryOp) Span() Span       { return n.span }
func (n BinaryOp) Children() []Node { return []Node{n.Left, n.Right} }
func (n BinaryOp) StableHash() Hash {
	h := newHasher()
	h.writeString("BinaryOp")
	h.writeString(string(n.Op))
	h.writeString(string(n.Align.orDefault()))
	h.writeHash(n.Left.StableHash())
	h.writeHash(n.Right.StableHash())
	return h.sum()
}

// UnOp enumerates unary operators: arithmetic negation and boolean not.
type UnOp string

const (
	OpNeg UnOp = "-"
	OpNot UnOp = "!"
)

type UnaryOp struct {
	span  Span
	Op    UnOp
	Child Node
}

func NewUnaryOp(span Span, op UnOp, child Node) UnaryOp {
	return UnaryOp{span: span, Op: op, Child: child}
}

func (n UnaryOp) isNode()          {}
func (n UnaryOp) Span() Span       { return n.span }
func (n UnaryOp) Children() []Node { return []Node{n.Child} }
func (n UnaryOp) StableHash() Hash {
	h := newHasher()
	h.writeString("UnaryOp")
	h.writeString(string(n.Op))
	h.writeHash(n.Child.StableHash())
	return h.sum()
}

// ShiftDelta is either a bar-count shift (measured in the child's own
// timeframe) or an absolute duration shift, expressed in bars of the
// child's timeframe or as a duration.
type ShiftDelta struct {
	Bars       int64
	Duration   int64 // seconds, only meaningful when IsDuration
	IsDuration bool
}

// TimeShift looks a child Series back (or forward) by a fixed delta,
// reindexed onto the parent's timeline during planning/evaluation.
type TimeShift struct {
	span  Span
	Child Node
	Delta ShiftDelta
}

func NewTimeShift(span Span, child Node, delta ShiftDelta) TimeShift {
	return TimeShift{span: span, Child: child, Delta: delta}
}

func (n TimeShift) isNode()          {}
func (n TimeShift) Span() Span       { return n.span }
func (n TimeShift) Children() []Node { return []Node{n.Child} }
func (n TimeShift) StableHash() Hash {
	h := newHasher()
	h.writeString("TimeShift")
	h.writeBool(n.Delta.IsDuration)
	h.writeInt(n.Delta.Bars)
	h.writeInt(n.Delta.Duration)
	h.writeHash(n.Child.StableHash())
	return h.sum()
}

// CompareOp enumerates the comparison operators a Filter predicate may use.
type CompareOp string

const (
	CmpEq  CompareOp = "=="
	CmpNeq CompareOp = "!="
	CmpLt  CompareOp = "<"
	CmpLte CompareOp = "<="
	CmpGt  CompareOp = ">"
	CmpGte CompareOp = ">="
)

// Predicate is a single field-comparison test applied to each raw event in
// a Filter's collection child (e.g. trades.filter(amount > 1_000_000)).
type Predicate struct {
	Field string
	Op    CompareOp
	Value ParamValue
}

// Filter keeps only the events of a Collection-typed child that satisfy
// Predicate.
type Filter struct {
	span      Span
	Child     Node
	Predicate Predicate
}

func NewFilter(span Span, child Node, pred Predicate) Filter {
	return Filter{span: span, Child: child, Predicate: pred}
}

func (n Filter) isNode()          {}
func (n Filter) Span() Span       { return n.span }
func (n Filter) Children() []Node { return []Node{n.Child} }
func (n Filter) StableHash() Hash {
	h := newHasher()
	h.writeString("Filter")
	h.writeString(n.Predicate.Field)
	h.writeString(string(n.Predicate.Op))
	h.writeString(string(n.Predicate.Value.Kind))
	switch n.Predicate.Value.Kind {
	case ParamNumber:
		h.writeString(n.Predicate.Value.Number.String())
	case ParamBool:
		h.writeBool(n.Predicate.Value.Bool)
	case ParamInt:
		h.writeInt(n.Predicate.Value.Int)
	case ParamString:
		h.writeString(n.Predicate.Value.Str)
	}
	h.writeHash(n.Child.StableHash())
	return h.sum()
}

// ReducerKind enumerates the numeric reductions Aggregate may apply to a
// Collection's named field.
type ReducerKind string

const (
	ReduceSum   ReducerKind = "sum"
	ReduceMean  ReducerKind = "mean"
	ReduceCount ReducerKind = "count"
	ReduceMin   ReducerKind = "min"
	ReduceMax   ReducerKind = "max"
)

// Aggregate reduces a Collection-typed child's named field over a bucketing
// window supplied by the enclosing evaluation context (the planner's
// window is the bar boundary the collection is being aligned onto) into a
// Scalar or Series<number>.
type Aggregate struct {
	span    Span
	Child   Node
	Field   string
	Reducer ReducerKind
}

func NewAggregate(span Span, child Node, field string, reducer ReducerKind) Aggregate {
	return Aggregate{span: span, Child: child, Field: field, Reducer: reducer}
}

func (n Aggregate) isNode()          {}
func (n Aggregate) Span() Span       { return n.span }
func (n Aggregate) Children() []Node { return []Node{n.Child} }
func (n Aggregate) StableHash() Hash {
	h := newHasher()
	h.writeString("Aggregate")
	h.writeString(n.Field)
	h.writeString(string(n.Reducer))
	h.writeHash(n.Child.StableHash())
	return h.sum()
}

// MemberAccess projects one named output off of a Structured-typed child,
// used to pull a single line (e.g. "signal") out of a multi-output
// indicator Call (e.g. macd).
type MemberAccess struct {
	span  Span
	Child Node
	Name  string
}

func NewMemberAccess(span Span, child Node, name string) MemberAccess {
	return MemberAccess{span: span, Child: child, Name: name}
}

func (n MemberAccess) isNode()          {}
func (n MemberAccess) Span() Span       { return n.span }
func (n MemberAccess) Children() []Node { return []Node{n.Child} }
func (n MemberAccess) StableHash() Hash {
	h := newHasher()
	h.writeString("MemberAccess")
	h.writeString(n.Name)
	h.writeHash(n.Child.StableHash())
	return h.sum()
}
