// Package preview is the thin orchestrator every frontend calls instead of
// wiring normalize/typecheck/planner/evaluator itself: Preview compiles,
// plans, and runs an expression end to end; Validate stops after planning;
// Analyze reports the static shape (lookback, indicators used) without
// touching a Dataset at all. No HTTP or RPC surface lives here — CLI,
// package build, and ergonomics wrappers stay out of the core, so this
// package is a set of plain Go calls a host wraps however it likes.
package preview

import (
	"github.com/algomatic/taexpr/pkg/ir"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// ErrorDetail is the wire error envelope's "error" field: a stable Kind
// string plus a human message, the optional source span, and a free-form
// details bag for the fields individual taerrors types carry (e.g.
// MissingData's have_bars/need_bars).
type ErrorDetail struct {
	Kind    string
	Message string
	Span    *ir.Span
	Details map[string]interface{}
}

// Result is the wire error envelope (`{ok, value, error, warnings}`) as
// a Go struct rather than a transport-level wrapper. Exactly one of Value
// (when OK) or Error (when !OK) is meaningful.
type Result[T any] struct {
	OK       bool
	Value    T
	Error    *ErrorDetail
	Warnings []string
}

func ok[T any](value T, warnings []string) Result[T] {
	return Result[T]{OK: true, Value: value, Warnings: warnings}
}

func fail[T any](err error, warnings []string) Result[T] {
	return Result[T]{OK: false, Error: toErrorDetail(err), Warnings: warnings}
}

// toErrorDetail recovers the stable taxonomy Kind from any taerrors.Coded
// error, falling back to InternalError for anything else (a bug, since
// every error this package's callees raise implements Coded).
func toErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	detail := &ErrorDetail{Message: err.Error(), Details: map[string]interface{}{}}
	if coded, ok := err.(taerrors.Coded); ok {
		detail.Kind = string(coded.Kind())
	} else {
		detail.Kind = string(taerrors.KindInternalError)
	}
	fillDetails(detail, err)
	return detail
}

// fillDetails copies a taerrors type's own fields into Details, keyed by
// their wire names, so a frontend can switch on Kind and read the rest
// without a Go type assertion of its own.
func fillDetails(d *ErrorDetail, err error) {
	switch e := err.(type) {
	case *taerrors.InvalidParameter:
		d.Details["name"] = e.Name
		d.Details["reason"] = e.Reason
	case *taerrors.ParameterOutOfRange:
		d.Details["name"] = e.Name
		d.Details["value"] = e.Value
		d.Details["min"] = e.Min
		d.Details["max"] = e.Max
	case *taerrors.TypeMismatch:
		d.Details["node"] = e.Node
		d.Details["expected"] = e.Expected
		d.Details["actual"] = e.Actual
	case *taerrors.AlignmentError:
		d.Details["left"] = e.Left
		d.Details["right"] = e.Right
		d.Details["reason"] = e.Reason
	case *taerrors.MissingData:
		d.Details["symbol"] = e.Symbol
		d.Details["timeframe"] = e.Timeframe
		d.Details["source"] = e.Source
		d.Details["field"] = e.Field
		d.Details["have_bars"] = e.HaveBars
		d.Details["need_bars"] = e.NeedBars
	case *taerrors.CycleError:
		d.Details["cycle"] = e.Cycle
	case *taerrors.OrderingViolation:
		d.Details["leaf"] = e.Leaf
		d.Details["last_ts"] = e.LastTS
		d.Details["incoming_ts"] = e.IncomingTS
	case *taerrors.SnapshotMismatch:
		d.Details["expected_schema"] = e.ExpectedSchema
		d.Details["got_schema"] = e.GotSchema
	case *taerrors.UnknownIndicator:
		d.Details["name"] = e.Name
	case *taerrors.UnknownField:
		d.Details["source"] = e.Source
		d.Details["field"] = e.Field
	case *taerrors.UnknownSource:
		d.Details["source"] = e.Source
	}
}
