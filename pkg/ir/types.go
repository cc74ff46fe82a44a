package ir

import "sort"

// TagKind discriminates the four type-tag shapes the type algebra defines.
type TagKind string

const (
	TagScalar     TagKind = "scalar"
	TagSeries     TagKind = "series"
	TagCollection TagKind = "collection"
	TagStructured TagKind = "structured"
)

// Elem is the element kind carried by a Scalar or Series tag (number, bool,
// int) or the collection kind carried by a Collection tag (trades, book,
// liquidations).
type Elem string

const (
	ElemNumber      Elem = "number"
	ElemBool        Elem = "bool"
	ElemInt         Elem = "int"
	ElemTrades      Elem = "trades"
	ElemBook        Elem = "book"
	ElemLiquidation Elem = "liquidations"
)

// Tag is the inferred/declared type of an IR node after typecheck.
// Exactly one of Elem or Fields is meaningful, selected by Kind.
type Tag struct {
	Kind   TagKind
	Elem   Elem
	Fields map[string]Tag // only for Kind == TagStructured
}

func Scalar(e Elem) Tag     { return Tag{Kind: TagScalar, Elem: e} }
func SeriesOf(e Elem) Tag   { return Tag{Kind: TagSeries, Elem: e} }
func Collection(e Elem) Tag { return Tag{Kind: TagCollection, Elem: e} }
func Structured(fields map[string]Tag) Tag {
	return Tag{Kind: TagStructured, Fields: fields}
}

// Equal reports structural equality between two tags, recursing into
// Structured field maps.
func (t Tag) Equal(o Tag) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TagStructured:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for k, v := range t.Fields {
			ov, ok := o.Fields[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return t.Elem == o.Elem
	}
}

// String renders a human-readable type description for error messages.
func (t Tag) String() string {
	switch t.Kind {
	case TagScalar:
		return "Scalar<" + string(t.Elem) + ">"
	case TagSeries:
		return "Series<" + string(t.Elem) + ">"
	case TagCollection:
		return "Collection<" + string(t.Elem) + ">"
	case TagStructured:
		names := make([]string, 0, len(t.Fields))
		for k := range t.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		out := "Structured{"
		for i, n := range names {
			if i > 0 {
				out += ", "
			}
			out += n + ": " + t.Fields[n].String()
		}
		return out + "}"
	default:
		return "<unknown type>"
	}
}

// IsBoolLike reports whether t is Scalar<bool> or Series<bool>, the shape
// required on both sides of '&' and '|'.
func (t Tag) IsBoolLike() bool {
	return (t.Kind == TagScalar || t.Kind == TagSeries) && t.Elem == ElemBool
}

// IsNumericLike reports whether t is Scalar<number|int> or
// Series<number|int>, the shape required by arithmetic binary operators.
func (t Tag) IsNumericLike() bool {
	return (t.Kind == TagScalar || t.Kind == TagSeries) && (t.Elem == ElemNumber || t.Elem == ElemInt)
}
