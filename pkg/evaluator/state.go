package evaluator

import "github.com/algomatic/taexpr/pkg/kernel"

// WarmupStatus is a node's position in the cold -> warming -> ready state
// machine. Transitions only ever move forward; a node that goes ready never
// regresses to warming or cold just because one tick comes back
// unavailable (the node state machine).
type WarmupStatus int

const (
	StatusCold WarmupStatus = iota
	StatusWarming
	StatusReady
)

func (s WarmupStatus) String() string {
	switch s {
	case StatusWarming:
		return "warming"
	case StatusReady:
		return "ready"
	default:
		return "cold"
	}
}

// nodeState is the incremental-mode bookkeeping a Session keeps per plan
// node: its kernel State (nil for leaf/literal/struct/op nodes, which carry
// no kernel of their own), its warmup position, and the last value it
// emitted (so a dirty-node re-evaluation has something to feed downstream
// consumers that weren't themselves marked dirty).
type nodeState struct {
	kernelState kernel.State
	status      WarmupStatus
	warmupSeen  int
	lastValue   value
	hasValue    bool
}

// advance folds one tick's availability into the node's warmup status.
// Per the state machine: any input observed at all moves cold->warming;
// reaching the kernel's declared warmup length moves warming->ready.
func (ns *nodeState) advance(available bool, warmupLen int) (from, to WarmupStatus) {
	from = ns.status
	if ns.status == StatusCold {
		ns.status = StatusWarming
	}
	if available {
		ns.warmupSeen++
	}
	if ns.status == StatusWarming && ns.warmupSeen >= warmupLen {
		ns.status = StatusReady
	}
	return from, ns.status
}

// leafState tracks per-leaf incremental ordering: the last timestamp
// accepted, used to raise taerrors.OrderingViolation on any append whose
// timestamp is not strictly greater than it.
type leafState struct {
	lastTimestamp int64
	seenAny       bool
}
