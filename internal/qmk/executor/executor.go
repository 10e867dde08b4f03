// Package executor implements the topological dispatch engine of spec.md
// §4.F: per-node guard evaluation, runtime linearity and capability
// enforcement, the entanglement firewall, and telemetry/audit emission.
package executor

import (
	"context"
	"fmt"
	"time"

	core "github.com/R3E-Network/qmk/internal/app/core/service"
	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/checkpoint"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
	"github.com/R3E-Network/qmk/internal/qmk/revengine"
	"github.com/R3E-Network/qmk/internal/qmk/verifier"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	"github.com/R3E-Network/qmk/infrastructure/resilience"
	"github.com/R3E-Network/qmk/pkg/metrics"
)

// RunInput bundles everything one job's execution needs (spec.md §4.F
// "Inputs: a certified graph, a session (with granted rights), a seed, a
// priority").
type RunInput struct {
	JobID   string
	Graph   *graph.Graph
	Cert    *verifier.Certification
	Seed    int64
	Session *registry.Session
	// Tokens are the capability tokens the session is presenting for this
	// run; rights are checked against their union.
	Tokens []*capability.Token
	// CancelCh, when non-nil and closed, requests cancellation at the next
	// node boundary (spec.md §4.F "Cancellation: checked at every node
	// boundary").
	CancelCh <-chan struct{}
	// MaxRecoveryAttempts bounds how many times a DEVICE_FAILURE at a single
	// node triggers an uncompute-and-retry cycle before the job fails
	// (spec.md §7: "the rollback executor may optionally restore a prior
	// checkpoint and retry within configured bounds"). Zero disables
	// recovery even when Deps.Checkpoints is configured.
	MaxRecoveryAttempts int
}

// RunResult is the outcome of one job execution.
type RunResult struct {
	Events       map[string]int
	Telemetry    device.Telemetry
	FailedNodeID string
	Err          error
	Cancelled    bool
}

// Deps bundles the shared collaborators an Executor needs, mirroring the
// SharedDeps wiring pattern of infrastructure/service.
type Deps struct {
	Registry *registry.Registry
	CapStore *capability.Store
	Signer   *capability.Signer
	Audit    *audit.Logger
	// Checkpoints is optional. When set, the executor captures a checkpoint
	// (spec.md §4.H) immediately before every measurement-family node and at
	// every FENCE_EPOCH, and consults the REV analyzer (spec.md §4.G) to
	// attempt uncompute-and-retry cycles on a DEVICE_FAILURE, up to
	// RunInput.MaxRecoveryAttempts of them.
	Checkpoints *checkpoint.Manager
}

// Executor dispatches certified graphs against a device backend.
type Executor struct {
	deps    Deps
	breaker *resilience.CircuitBreaker
}

// New constructs an Executor. A device backend that trips the circuit
// breaker (five consecutive physical failures, spec.md §7 DEVICE_FAILURE)
// fails every subsequent node immediately rather than retrying into an
// already-down device.
func New(deps Deps) *Executor {
	return &Executor{
		deps:    deps,
		breaker: resilience.New(resilience.DefaultConfig()),
	}
}

// Descriptor advertises the executor's placement for admin introspection
// (internal/app/system "service catalog", SPEC_FULL.md §2 component F).
func (e *Executor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "graph_executor",
		Domain:       "qmk",
		Layer:        core.LayerExecution,
		Capabilities: []string{"topological_dispatch", "entanglement_firewall", "uncompute_recovery"},
	}
}

// deviceRetry bounds transient device-backend errors with a short
// exponential backoff before the caller classifies the failure as a
// DEVICE_FAILURE node error.
var deviceRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// liveHandle tracks one VQ/CH's runtime state for the duration of a single
// job's execution (spec.md §5 "runtime linearity... is the canonical
// source of truth").
type liveHandle struct {
	ref      device.QubitRef
	chRef    device.ChannelRef
	consumed bool
	measured bool
	skipped  bool
}

// Run executes in.Graph against backend to completion, cancellation, or a
// fatal error, following the seven-step per-node procedure of spec.md
// §4.F.
func (e *Executor) Run(ctx context.Context, backend device.Backend, in RunInput) RunResult {
	order := verifier.Order(in.Graph)
	events := make(map[string]int)
	vqHandles := make(map[string]*liveHandle)
	chHandles := make(map[string]*liveHandle)
	skippedNodes := make(map[string]bool)

	rights := unionRights(in.Tokens)
	tenant := in.Session.Tenant

	byID := make(map[string]*graph.Node, len(in.Graph.Program.Nodes))
	for i := range in.Graph.Program.Nodes {
		byID[in.Graph.Program.Nodes[i].ID] = &in.Graph.Program.Nodes[i]
	}

	var lastCheckpointID string

	for i, nodeID := range order {
		select {
		case <-ctx.Done():
			e.releaseAll(ctx, backend, vqHandles, chHandles)
			return RunResult{Events: events, Cancelled: true, Err: ctx.Err()}
		default:
		}
		if in.CancelCh != nil {
			select {
			case <-in.CancelCh:
				e.releaseAll(ctx, backend, vqHandles, chHandles)
				return RunResult{Events: events, Cancelled: true}
			default:
			}
		}

		n := byID[nodeID]
		if n == nil {
			continue
		}

		// Step 1: guard evaluation with transitive skip.
		if e.skippedByGuardOrAncestry(n, events, skippedNodes, vqHandles, chHandles) {
			skippedNodes[n.ID] = true
			e.markSkippedProducer(n, vqHandles, chHandles)
			continue
		}

		if e.needsCheckpoint(n) {
			if cp := e.captureCheckpoint(ctx, backend, in, n, rights, vqHandles); cp != nil {
				lastCheckpointID = cp.ID
			}
		}

		if err := e.execNodeWithRecovery(ctx, backend, in, n, tenant, rights, events, vqHandles, chHandles, byID, order, i, lastCheckpointID); err != nil {
			e.deps.Audit.Append("JOB_NODE_FAILED", map[string]any{
				"node_id": n.ID,
				"op":      string(n.Op),
				"error":   err.Error(),
			})
			e.releaseAll(ctx, backend, vqHandles, chHandles)
			if in.JobID != "" && e.deps.Checkpoints != nil {
				e.deps.Checkpoints.UnpinJob(in.JobID)
			}
			return RunResult{Events: events, FailedNodeID: n.ID, Err: err}
		}
	}

	if in.JobID != "" && e.deps.Checkpoints != nil {
		e.deps.Checkpoints.UnpinJob(in.JobID)
	}

	tel := backend.Telemetry(ctx)
	metrics.RecordNodeExecution("job", "completed", time.Duration(0))
	return RunResult{Events: events, Telemetry: tel}
}

// skippedByGuardOrAncestry evaluates n's own guard and, transitively,
// whether any of n's input handles were produced by an already-skipped
// node (spec.md §4.F step 1, §8 "Guarded skip transitivity").
func (e *Executor) skippedByGuardOrAncestry(n *graph.Node, events map[string]int, skipped map[string]bool, vqs, chs map[string]*liveHandle) bool {
	if n.Guard != nil {
		val, ok := events[n.Guard.Event]
		if !ok || val != n.Guard.Equals {
			return true
		}
	}
	for _, id := range n.VQs {
		if h, ok := vqs[id]; ok && h.skipped {
			return true
		}
	}
	for _, id := range n.CHs {
		if h, ok := chs[id]; ok && h.skipped {
			return true
		}
	}
	return false
}

// markSkippedProducer records, for a node n that step 1 has just decided to
// skip, a placeholder liveHandle marked skipped for every VQ/CH it would
// otherwise have produced (ALLOC_LQ, OPEN_CHAN). Without this, the handle id
// simply never appears in vqs/chs, so an unguarded downstream consumer of it
// falls through skippedByGuardOrAncestry's "ok" check as if the id were
// merely undeclared, and execNode's linearity step rejects it with a fatal
// LINEARITY_VIOLATION instead of skipping transitively (spec.md §4.F step 1,
// §8 "Guarded skip transitivity").
func (e *Executor) markSkippedProducer(n *graph.Node, vqs, chs map[string]*liveHandle) {
	switch n.Op {
	case graph.OpAllocLQ:
		for _, id := range n.Produces {
			vqs[id] = &liveHandle{skipped: true}
		}
	case graph.OpOpenChan:
		for _, id := range n.Produces {
			chs[id] = &liveHandle{skipped: true}
		}
	}
}

// needsCheckpoint reports whether n is a program point spec.md §4.H
// captures a checkpoint at: an explicit FENCE_EPOCH, or immediately before
// any measurement-family node.
func (e *Executor) needsCheckpoint(n *graph.Node) bool {
	switch n.Op {
	case graph.OpFenceEpoch, graph.OpMeasureZ, graph.OpMeasureX, graph.OpMeasureY, graph.OpMeasureAngle, graph.OpMeasureBell:
		return true
	default:
		return false
	}
}

// captureCheckpoint snapshots the backend and records a pinned Checkpoint
// for in.JobID ahead of n, returning nil (and capturing nothing) when no
// checkpoint manager is configured or the snapshot call fails — a missed
// checkpoint degrades recovery, it is never fatal to the node itself.
func (e *Executor) captureCheckpoint(ctx context.Context, backend device.Backend, in RunInput, n *graph.Node, rights map[capability.Right]bool, vqs map[string]*liveHandle) *checkpoint.Checkpoint {
	if e.deps.Checkpoints == nil || in.JobID == "" {
		return nil
	}
	snap, err := backend.Snapshot(ctx)
	if err != nil {
		return nil
	}
	rightNames := make([]string, 0, len(rights))
	for r := range rights {
		rightNames = append(rightNames, string(r))
	}
	cp := &checkpoint.Checkpoint{
		ID:           in.JobID + "#" + n.ID,
		JobID:        in.JobID,
		SegmentID:    n.ID,
		Snapshot:     snap,
		VQAllocCount: len(vqs),
		RequiredCaps: rightNames,
		CreatedAt:    time.Now().UTC(),
	}
	e.deps.Checkpoints.Store(cp)
	return cp
}

// execNodeWithRecovery runs n and, on a DEVICE_FAILURE, attempts up to
// in.MaxRecoveryAttempts uncompute-and-retry cycles (spec.md §4.G, §7):
// identify the REV segment executed since the last irreversible node,
// synthesize its inverse, verify the round trip via revengine.Uncompute,
// restore n's checkpoint snapshot if one was taken, then retry n. A segment that cannot be inverted, or a retry that fails
// again, surfaces the original DEVICE_FAILURE.
func (e *Executor) execNodeWithRecovery(ctx context.Context, backend device.Backend, in RunInput, n *graph.Node, tenant string, rights map[capability.Right]bool, events map[string]int, vqs, chs map[string]*liveHandle, byID map[string]*graph.Node, order []string, position int, checkpointID string) error {
	err := e.execNode(ctx, backend, n, tenant, rights, events, vqs, chs)
	if err == nil {
		return nil
	}
	svcErr := qmkerrors.GetServiceError(err)
	if svcErr == nil || svcErr.Code != qmkerrors.ErrCodeDeviceFailure {
		return err
	}
	if e.deps.Checkpoints == nil || in.MaxRecoveryAttempts <= 0 {
		return err
	}

	for attempt := 0; attempt < in.MaxRecoveryAttempts; attempt++ {
		seg := revengine.IdentifySegment(byID, order, position)
		if len(seg.Nodes) == 0 {
			break
		}
		before := backend.Telemetry(ctx)
		steps, synthErr := revengine.Synthesize(seg, func(vqID string) device.QubitRef {
			if h, ok := vqs[vqID]; ok {
				return h.ref
			}
			return ""
		})
		if synthErr != nil {
			break
		}
		if uErr := revengine.Uncompute(ctx, backend, seg, steps, before); uErr != nil {
			break
		}
		if cp, ok := e.deps.Checkpoints.Get(checkpointID); ok && cp.Snapshot != nil {
			_ = backend.Restore(ctx, cp.Snapshot)
		}
		retryErr := e.execNode(ctx, backend, n, tenant, rights, events, vqs, chs)
		if retryErr == nil {
			return nil
		}
		retrySvcErr := qmkerrors.GetServiceError(retryErr)
		if retrySvcErr == nil || retrySvcErr.Code != qmkerrors.ErrCodeDeviceFailure {
			return retryErr
		}
		err = retryErr
	}
	return err
}

func (e *Executor) execNode(ctx context.Context, backend device.Backend, n *graph.Node, tenant string, rights map[capability.Right]bool, events map[string]int, vqs, chs map[string]*liveHandle) error {
	// Step 2: linear ownership.
	for _, id := range n.VQs {
		if h, ok := vqs[id]; ok {
			if h.consumed && !(n.Op == graph.OpFreeLQ && h.measured) {
				return qmkerrors.GraphInvalid(qmkerrors.SubLinearityViolation, n.ID, fmt.Sprintf("vq %q already consumed", id))
			}
		} else if n.Op != graph.OpAllocLQ {
			return qmkerrors.GraphInvalid(qmkerrors.SubLinearityViolation, n.ID, fmt.Sprintf("vq %q not live", id))
		}
	}

	// Step 3: capability coverage, including the mandatory measurement
	// right (spec.md §4.F step 3: "absence is a hard error").
	for _, right := range graph.RequiredCaps[n.Op] {
		if !rights[right] {
			e.deps.Audit.Append("CAPABILITY_DENIED", map[string]any{"node_id": n.ID, "right": string(right), "tenant": tenant})
			metrics.RecordCapabilityDenial(string(right), "missing")
			return qmkerrors.CapDenied(string(right))
		}
	}

	// Step 4: entanglement firewall.
	if graph.IsTwoQubitNode(n) && n.Op != graph.OpTeleportCNOT {
		if err := e.checkFirewall(n, tenant); err != nil {
			e.deps.Audit.Append("FIREWALL_VIOLATION", map[string]any{"node_id": n.ID, "tenant": tenant})
			metrics.RecordFirewallViolation(string(n.Op))
			return err
		}
	}

	// Step 5: invoke the backend. A node whose op is safe to retry without
	// double-applying side effects (the common single-gate/measurement
	// case) gets a short retry budget for transient backend errors; a
	// circuit-breaker trip after repeated failures fails every subsequent
	// node immediately rather than retrying into an already-down device.
	invokeErr := e.breaker.Execute(ctx, func() error {
		if retriable(n.Op) {
			return resilience.Retry(ctx, deviceRetry, func() error {
				return e.invoke(ctx, backend, n, events, vqs, chs)
			})
		}
		return e.invoke(ctx, backend, n, events, vqs, chs)
	})
	if invokeErr != nil {
		return qmkerrors.DeviceFailure(n.ID, invokeErr)
	}

	// Step 6 happens inside invoke (state transitions recorded per op).
	// Step 7: telemetry/audit for capability decisions and cross-tenant ops
	// already emitted above; nothing further for the common path.
	return nil
}

// checkFirewall enforces spec.md §8's Firewall invariant: a two-qubit node
// may operate across tenants only via a bound channel token presented in
// the node's args (`channel_cap_id`) together with a `foreign_vq_tenants`
// map naming which tenant owns each non-local VQ. Neither field is part of
// the normative wire format's required fields; this executor treats their
// absence as "both operands are local to this job's tenant", which is the
// overwhelmingly common case and exactly what every non-cross-tenant
// scenario in spec.md §8 exercises.
func (e *Executor) checkFirewall(n *graph.Node, tenant string) error {
	if len(n.VQs) != 2 {
		return nil
	}
	foreign, _ := n.Args["foreign_vq_tenants"].(map[string]any)
	if len(foreign) == 0 {
		return nil
	}
	for _, vq := range n.VQs {
		owner, ok := foreign[vq].(string)
		if !ok || owner == tenant {
			continue
		}
		capID, _ := n.Args["channel_cap_id"].(string)
		tok, ok := e.deps.CapStore.Lookup(capID)
		if !ok || e.deps.CapStore.Verify(tok) != nil || !tok.HasRight(capability.RightLink) {
			return qmkerrors.FirewallViolation(n.ID)
		}
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, backend device.Backend, n *graph.Node, events map[string]int, vqs, chs map[string]*liveHandle) error {
	switch n.Op {
	case graph.OpAllocLQ:
		profile, _ := n.Args["profile"].(string)
		for _, id := range n.Produces {
			ref, err := backend.Allocate(ctx, profile)
			if err != nil {
				return err
			}
			vqs[id] = &liveHandle{ref: ref}
		}
		return nil

	case graph.OpFreeLQ:
		for _, id := range n.VQs {
			h := vqs[id]
			if err := backend.Release(ctx, h.ref); err != nil {
				return err
			}
			h.consumed = true
			h.measured = false
		}
		return nil

	case graph.OpApplyH:
		return backend.ApplyGate(ctx, device.GateH, vqs[n.VQs[0]].ref)
	case graph.OpApplyS:
		return backend.ApplyGate(ctx, device.GateS, vqs[n.VQs[0]].ref)
	case graph.OpApplyX:
		return backend.ApplyGate(ctx, device.GateX, vqs[n.VQs[0]].ref)
	case graph.OpApplyY:
		return backend.ApplyGate(ctx, device.GateY, vqs[n.VQs[0]].ref)
	case graph.OpApplyZ:
		return backend.ApplyGate(ctx, device.GateZ, vqs[n.VQs[0]].ref)
	case graph.OpApplyCNOT:
		return backend.ApplyGate(ctx, device.GateCNOT, vqs[n.VQs[0]].ref, vqs[n.VQs[1]].ref)

	case graph.OpCondPauli:
		event, _ := n.Args["event"].(string)
		mask, _ := n.Args["mask"].(string)
		if val, ok := events[event]; ok && val == 1 {
			gate := device.GateX
			if mask == "Z" {
				gate = device.GateZ
			}
			return backend.ApplyGate(ctx, gate, vqs[n.VQs[0]].ref)
		}
		return nil

	case graph.OpReset:
		h := vqs[n.VQs[0]]
		if err := backend.Release(ctx, h.ref); err != nil {
			return err
		}
		ref, err := backend.Allocate(ctx, "")
		if err != nil {
			return err
		}
		h.ref = ref
		return nil

	case graph.OpMeasureZ, graph.OpMeasureX, graph.OpMeasureY, graph.OpMeasureAngle, graph.OpMeasureBell:
		basis, angle := measurementBasis(n.Op, n.Args)
		refs := make([]device.QubitRef, 0, len(n.VQs))
		for _, id := range n.VQs {
			refs = append(refs, vqs[id].ref)
		}
		bit, err := backend.Measure(ctx, basis, angle, refs...)
		if err != nil {
			return err
		}
		for _, id := range n.VQs {
			vqs[id].consumed = true
			vqs[id].measured = true
		}
		for _, ev := range n.Produces {
			events[ev] = bit
		}
		metrics.RecordNodeExecution(string(n.Op), "ok", time.Duration(0))
		return nil

	case graph.OpTeleportCNOT:
		return backend.ApplyGate(ctx, device.GateCNOT, vqs[n.VQs[0]].ref, vqs[n.VQs[1]].ref)

	case graph.OpInjectTState:
		return backend.ApplyGate(ctx, device.GateH, vqs[n.VQs[0]].ref)

	case graph.OpOpenChan:
		ref, err := backend.OpenChannel(ctx)
		if err != nil {
			return err
		}
		for _, id := range n.Produces {
			chs[id] = &liveHandle{chRef: ref}
		}
		return nil

	case graph.OpUseChan:
		ch := chs[n.CHs[0]]
		refs := make([]device.QubitRef, 0, len(n.VQs))
		for _, id := range n.VQs {
			refs = append(refs, vqs[id].ref)
		}
		if err := backend.UseChannel(ctx, ch.chRef, refs...); err != nil {
			return err
		}
		ch.consumed = true
		return nil

	case graph.OpCloseChan:
		ch := chs[n.CHs[0]]
		if err := backend.CloseChannel(ctx, ch.chRef); err != nil {
			return err
		}
		ch.consumed = true
		return nil

	case graph.OpFenceEpoch, graph.OpBarRegion, graph.OpSetPolicy:
		return nil

	default:
		return fmt.Errorf("unhandled opcode %q", n.Op)
	}
}

// retriable reports whether op's invoke branch performs a single atomic
// backend call with no handle-map side effects, so retrying it on failure
// cannot double-allocate or double-consume a handle. Allocation, release,
// reset, and channel lifecycle ops mutate vqs/chs as part of invoke and are
// excluded.
func retriable(op graph.Opcode) bool {
	switch op {
	case graph.OpApplyH, graph.OpApplyS, graph.OpApplyX, graph.OpApplyY, graph.OpApplyZ, graph.OpApplyCNOT,
		graph.OpCondPauli, graph.OpTeleportCNOT, graph.OpInjectTState,
		graph.OpMeasureZ, graph.OpMeasureX, graph.OpMeasureY, graph.OpMeasureAngle, graph.OpMeasureBell:
		return true
	default:
		return false
	}
}

func measurementBasis(op graph.Opcode, args map[string]any) (device.Basis, float64) {
	switch op {
	case graph.OpMeasureX:
		return device.BasisX, 0
	case graph.OpMeasureY:
		return device.BasisY, 0
	case graph.OpMeasureAngle:
		angle, _ := args["angle"].(float64)
		return device.BasisAngle, angle
	case graph.OpMeasureBell:
		return device.BasisBell, 0
	default:
		return device.BasisZ, 0
	}
}

func (e *Executor) releaseAll(ctx context.Context, backend device.Backend, vqs, chs map[string]*liveHandle) {
	for _, h := range vqs {
		if !h.consumed {
			_ = backend.Release(ctx, h.ref)
			h.consumed = true
		}
	}
	for _, h := range chs {
		if !h.consumed {
			_ = backend.CloseChannel(ctx, h.chRef)
			h.consumed = true
		}
	}
}

func unionRights(tokens []*capability.Token) map[capability.Right]bool {
	out := make(map[capability.Right]bool)
	for _, t := range tokens {
		if t == nil {
			continue
		}
		for _, r := range t.Rights {
			out[r] = true
		}
	}
	return out
}
