package evaluator

import (
	"context"
	"fmt"

	"github.com/algomatic/taexpr/pkg/dataset"
	"github.com/algomatic/taexpr/pkg/planner"
	"github.com/algomatic/taexpr/pkg/taerrors"
)

// SnapshotSchemaVersion is the wire schema_version every Snapshot carries
// (the wire snapshot envelope). Restore rejects any other value with
// SnapshotMismatch rather than guessing at a layout it wasn't built for.
const SnapshotSchemaVersion = 1

// NodeSnapshot is one KindKernel node's serialized state: its warmup
// status plus the opaque bytes its kernel's own Snapshot produced. Only
// kernel nodes carry state worth persisting — every other NodeKind is a
// pure recomputation of its children, so Restore recomputes those from the
// Dataset it is given.
type NodeSnapshot struct {
	NodeID       string `json:"node_id"`
	WarmupStatus string `json:"warmup_status"`
	Payload      []byte `json:"payload_b64"`
}

// Snapshot is the in-memory form of the wire snapshot envelope. The host may
// serialize it to JSON (field names line up with the wire format) and
// persist it externally — the core itself keeps no durable snapshot
// store, since storage durability beyond in-memory state snapshots is a
// non-goal.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	SessionEpoch  uint64         `json:"session_epoch"`
	States        []NodeSnapshot `json:"states"`
}

// Snapshot captures every KindKernel node's current kernel.State and
// warmup status, plus the session's monotonic epoch.
func (s *Session) Snapshot() (Snapshot, error) {
	snap := Snapshot{SchemaVersion: SnapshotSchemaVersion, SessionEpoch: s.epoch}
	for i := range s.plan.Nodes {
		pn := &s.plan.Nodes[i]
		if pn.Kind != planner.KindKernel {
			continue
		}
		ns := s.nodeStates[pn.NodeID]
		if ns == nil {
			continue
		}
		k, ok := s.kernels.Lookup(pn.Kernel.KernelID)
		if !ok {
			return Snapshot{}, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: kernel %q not registered", pn.Kernel.KernelID)}
		}
		payload, err := k.Snapshot(ns.kernelState)
		if err != nil {
			return Snapshot{}, err
		}
		snap.States = append(snap.States, NodeSnapshot{NodeID: pn.NodeID, WarmupStatus: ns.status.String(), Payload: payload})
	}
	return snap, nil
}

// Restore rebuilds a Session from a Snapshot and the Dataset view the host
// wants it to resume against: the history up to and including the
// snapshot's anchor point. Kernel states and warmup statuses come from the
// snapshot; every leaf cursor is seeded from ds's last timestamp, and every
// node's cached value is recomputed from ds in one batch pass, so the Steps
// the caller drives afterwards extend the same series an uninterrupted
// session would hold.
func Restore(snapshot Snapshot, plan *planner.Plan, ds dataset.Dataset, opts Options) (*Session, error) {
	if snapshot.SchemaVersion != SnapshotSchemaVersion {
		return nil, &taerrors.SnapshotMismatch{ExpectedSchema: SnapshotSchemaVersion, GotSchema: snapshot.SchemaVersion}
	}
	opts = opts.resolve()
	s := &Session{
		plan:       plan,
		byID:       indexByID(plan.Nodes),
		kernels:    opts.Kernels,
		ds:         ds,
		nodeStates: make(map[string]*nodeState),
		leafStates: make(map[string]*leafState),
		leafByKey:  make(map[string]string),
		cache:      make(map[string]value, len(plan.Nodes)),
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		epoch:      snapshot.SessionEpoch,
	}
	byNode := make(map[string]NodeSnapshot, len(snapshot.States))
	for _, ns := range snapshot.States {
		byNode[ns.NodeID] = ns
	}
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		if pn.Kind == planner.KindLeaf && pn.Requirement != nil {
			s.seedLeafState(pn)
		}
		if pn.Kind != planner.KindKernel {
			continue
		}
		snap, ok := byNode[pn.NodeID]
		if !ok {
			continue
		}
		k, ok := s.kernels.Lookup(pn.Kernel.KernelID)
		if !ok {
			return nil, &taerrors.InternalError{Message: fmt.Sprintf("evaluator: kernel %q not registered", pn.Kernel.KernelID)}
		}
		state, err := k.Restore(snap.Payload)
		if err != nil {
			return nil, err
		}
		ns := &nodeState{kernelState: state}
		switch snap.WarmupStatus {
		case StatusWarming.String():
			ns.status = StatusWarming
		case StatusReady.String():
			ns.status = StatusReady
		default:
			ns.status = StatusCold
		}
		s.nodeStates[pn.NodeID] = ns
	}
	ec := &evalContext{byID: s.byID, kernels: s.kernels, ds: s.ds, metrics: s.metrics, logger: s.logger}
	for i := range plan.Nodes {
		pn := &plan.Nodes[i]
		v, err := ec.evalNode(pn, s.cache)
		if err != nil {
			return nil, err
		}
		s.cache[pn.NodeID] = v
	}
	return s, nil
}

// Replay restores snapshot and re-applies events in order, the
// replay primitive: "restore nearest safe snapshot before range.start,
// then step forward across the range." Choosing which snapshot is
// "nearest safe" is the host's call (the core has no snapshot store to
// search); Replay only does the restore-then-step mechanics.
func Replay(ctx context.Context, snapshot Snapshot, plan *planner.Plan, ds dataset.Dataset, events []LeafEvent, opts Options) (*Session, error) {
	s, err := Restore(snapshot, plan, ds, opts)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := s.Step(ctx, e); err != nil {
			return nil, err
		}
	}
	return s, nil
}
