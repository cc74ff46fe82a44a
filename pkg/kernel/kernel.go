// Package kernel implements the stateful primitive library the planner
// binds Call nodes to and the evaluator drives bar-by-bar or vectorized.
// Every primitive honors one protocol: New constructs cold state, Step
// advances it by exactly one timestamp, WarmupHint lets the planner
// compute lookback without instantiating, Snapshot/Restore serialize
// state for the evaluator's snapshot envelope.
package kernel

import "github.com/algomatic/taexpr/pkg/taerrors"

// ValueKind discriminates the two shapes a kernel input/output slot can
// carry (KindNumber, KindBool), plus KindString, which only a string-typed
// ParamValue uses. Collections never reach a kernel directly —
// Filter/Aggregate reduce them to Number before any kernel sees them.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindBool
	KindString
)

// Value is a tagged scalar passed into or out of a kernel Step.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
}

func Num(f float64) Value  { return Value{Kind: KindNumber, Num: f} }
func Bool(b bool) Value    { return Value{Kind: KindBool, Bool: b} }

// Input is one argument slot to Step: a Value plus its own availability.
// Any input with available=false MUST be treated as missing — this is
// carried per-input, not assumed from the Value.
type Input struct {
	Value     Value
	Available bool
}

func NumInput(f float64, available bool) Input {
	return Input{Value: Num(f), Available: available}
}
func BoolInput(b bool, available bool) Input {
	return Input{Value: Bool(b), Available: available}
}

// Update is one tick delivered to Step: a strictly-increasing timestamp
// plus the ordered input slots bound by the planner.
type Update struct {
	Timestamp int64
	Inputs    []Input
}

// Emit is Step's result.
type Emit struct {
	Value     Value
	Available bool
}

func unavailable() Emit { return Emit{Available: false} }

// WarmupKind classifies how a kernel's lookback/availability rule works,
// mirroring the catalog's semantics.warmup_policy vocabulary.
type WarmupKind string

const (
	WarmupWindow    WarmupKind = "window"
	WarmupRecursive WarmupKind = "recursive"
	WarmupCumulative WarmupKind = "cumulative"
	WarmupNone      WarmupKind = "none"
)

// WarmupHint tells the planner how many prior samples this kernel needs
// before it can emit available=true, without instantiating State.
type WarmupHint struct {
	Kind   WarmupKind
	Length int
}

// State is the opaque, kernel-specific mutable record the evaluator holds
// one of per (node_id). Kernels type-assert their own concrete state type
// out of this interface; the evaluator never inspects it directly.
type State interface {
	isKernelState()
}

// Kernel is the primitive protocol every entry in the registry implements.
type Kernel interface {
	// New constructs cold state from the catalog-coerced typed params.
	New(params map[string]ParamValue) (State, error)
	// Step advances state by one tick, mutating it in place, and returns
	// this tick's output.
	Step(state State, update Update) (Emit, error)
	WarmupHint(params map[string]ParamValue) WarmupHint
	Snapshot(state State) ([]byte, error)
	Restore(data []byte) (State, error)
}

// ParamValue is the typed, coerced parameter value a kernel's New/WarmupHint
// receives — catalog.coerce_params is responsible for producing these from
// raw IR Call params.
type ParamValue struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
}

func (p ParamValue) Int() int { return int(p.Num) }

// Registry is the static, deterministic kernel_id → Kernel binding the
// planner and evaluator consult. Default builds a fresh one on each call
// via explicit Register calls (not an import-side-effect registry) so the set
// of available kernels is enumerable and testable without importing every
// kernel's package for its side effect.
type Registry struct {
	kernels map[string]Kernel
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

func (r *Registry) Register(id string, k Kernel) {
	if _, exists := r.kernels[id]; !exists {
		r.order = append(r.order, id)
	}
	r.kernels[id] = k
}

func (r *Registry) Lookup(id string) (Kernel, bool) {
	k, ok := r.kernels[id]
	return k, ok
}

// IDs returns the registered kernel ids in stable registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default builds the canonical registry of every kernel this package
// implements.
func Default() *Registry {
	r := NewRegistry()
	registerRolling(r)
	registerSmoothers(r)
	registerCumulative(r)
	registerTransforms(r)
	registerEvents(r)
	registerComposed(r)
	return r
}

func paramInt(params map[string]ParamValue, name string, fallback int) int {
	if p, ok := params[name]; ok {
		return p.Int()
	}
	return fallback
}

func paramStr(params map[string]ParamValue, name string, fallback string) string {
	if p, ok := params[name]; ok {
		return p.Str
	}
	return fallback
}

func invalidParam(name, reason string) error {
	return &taerrors.InvalidParameter{Name: name, Reason: reason}
}
