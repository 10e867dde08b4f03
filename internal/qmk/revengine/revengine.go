// Package revengine implements the reversibility analyzer and uncomputer of
// spec.md §4.G: identifying the maximal run of reversible nodes since the
// last irreversible boundary, synthesizing an inverse instruction sequence,
// and verifying a round trip against the device's per-handle indicator
// state before a rollback is trusted.
package revengine

import (
	"context"
	"fmt"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
)

// Segment is a maximal run of reversible nodes bounded below by the graph
// start or an irreversible node, and above by the current execution
// position (spec.md §3 "REV segment").
type Segment struct {
	ID    string
	Nodes []*graph.Node
}

// reversible reports whether op may appear inside a REV segment. COND_PAULI
// is reversible only when its mask is self-inverse (X, Y, or Z all square to
// identity), which holds for every mask this opcode accepts, so the
// signature table's static Reversible flag is sufficient here — no node-args
// inspection is needed, unlike the uncomputed-reconstruction helpers below.
func reversible(op graph.Opcode) bool {
	sig, ok := graph.Signatures[op]
	return ok && sig.Reversible
}

// IdentifySegment walks order backward from position (exclusive) collecting
// the maximal trailing run of reversible nodes, stopping at the first
// irreversible node or the start of the graph (spec.md §4.G "the current REV
// segment ... since the last irreversible boundary").
func IdentifySegment(byID map[string]*graph.Node, order []string, position int) *Segment {
	seg := &Segment{}
	for i := position - 1; i >= 0; i-- {
		n := byID[order[i]]
		if n == nil || !reversible(n.Op) {
			break
		}
		seg.Nodes = append([]*graph.Node{n}, seg.Nodes...)
	}
	if len(seg.Nodes) > 0 {
		seg.ID = seg.Nodes[0].ID + ".." + seg.Nodes[len(seg.Nodes)-1].ID
	}
	return seg
}

// InverseStep is one instruction of a synthesized inverse sequence: the gate
// to reapply and the qubit refs it targets. Self-inverse single-qubit gates
// (H, X, Y, Z) and CNOT invert by reapplication; APPLY_S requires three
// reapplications (S^4 = I, so S^-1 = S^3).
type InverseStep struct {
	Gate device.GateOp
	Refs []device.QubitRef
}

// Synthesize builds the inverse instruction sequence for seg in the order it
// must be replayed (reverse node order, each node's own inverse), per the
// inversion rules of spec.md §4.G.
func Synthesize(seg *Segment, refsOf func(vqID string) device.QubitRef) ([]InverseStep, error) {
	var steps []InverseStep
	for i := len(seg.Nodes) - 1; i >= 0; i-- {
		n := seg.Nodes[i]
		refs := make([]device.QubitRef, 0, len(n.VQs))
		for _, id := range n.VQs {
			refs = append(refs, refsOf(id))
		}
		switch n.Op {
		case graph.OpApplyH, graph.OpApplyX, graph.OpApplyY, graph.OpApplyZ, graph.OpApplyCNOT:
			steps = append(steps, InverseStep{Gate: gateFor(n.Op), Refs: refs})
		case graph.OpApplyS:
			// S^-1 = S^3: three reapplications of S.
			steps = append(steps, InverseStep{Gate: device.GateS, Refs: refs}, InverseStep{Gate: device.GateS, Refs: refs}, InverseStep{Gate: device.GateS, Refs: refs})
		case graph.OpCondPauli:
			mask, _ := n.Args["mask"].(string)
			gate := device.GateX
			if mask == "Z" {
				gate = device.GateZ
			}
			steps = append(steps, InverseStep{Gate: gate, Refs: refs})
		case graph.OpFenceEpoch, graph.OpBarRegion, graph.OpSetPolicy:
			// no-ops; nothing to invert.
		default:
			return nil, fmt.Errorf("node %q: opcode %q has no inversion rule", n.ID, n.Op)
		}
	}
	return steps, nil
}

func gateFor(op graph.Opcode) device.GateOp {
	switch op {
	case graph.OpApplyH:
		return device.GateH
	case graph.OpApplyX:
		return device.GateX
	case graph.OpApplyY:
		return device.GateY
	case graph.OpApplyZ:
		return device.GateZ
	case graph.OpApplyCNOT:
		return device.GateCNOT
	default:
		return ""
	}
}

// EstimateCost sums the gate count of the synthesized inverse, the cost
// metric spec.md §4.G defines for uncompute planning.
func EstimateCost(steps []InverseStep) int {
	return len(steps)
}

// Uncompute applies steps to backend, then verifies the round trip by
// comparing backend's indicator telemetry before and after against want
// (spec.md §4.G "verifies that applying the generated inverse sequence in
// reverse order returns the device's per-handle indicator state"). A
// mismatch is UNCOMPUTE_FAILURE; the segment's rollback is not trusted, but
// the job itself is not necessarily terminated (spec.md §7: "fatal for the
// rollback, not necessarily the job if retry is allowed").
func Uncompute(ctx context.Context, backend device.Backend, seg *Segment, steps []InverseStep, indicatorBefore device.Telemetry) error {
	for _, step := range steps {
		if err := backend.ApplyGate(ctx, step.Gate, step.Refs...); err != nil {
			return qmkerrors.UncomputeFailure(seg.ID, err)
		}
	}
	after := backend.Telemetry(ctx)
	if after.AllocatedQubits != indicatorBefore.AllocatedQubits || after.OpenChannels != indicatorBefore.OpenChannels {
		return qmkerrors.UncomputeFailure(seg.ID, fmt.Errorf("indicator mismatch after round trip: before=%+v after=%+v", indicatorBefore, after))
	}
	return nil
}
