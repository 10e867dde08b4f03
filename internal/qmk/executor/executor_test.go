package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
	"github.com/R3E-Network/qmk/internal/qmk/verifier"
)

func newTestExecutor(t *testing.T) (*Executor, *capability.Store, *registry.Registry) {
	t.Helper()
	signer := capability.NewSigner([]byte("executor-test-secret-0123456789"))
	capStore := capability.NewStore(signer)
	reg := registry.New()
	auditLog := audit.New([]byte("executor-test-audit-key"))
	return New(Deps{Registry: reg, CapStore: capStore, Signer: signer, Audit: auditLog}), capStore, reg
}

func bellPairGraph() *graph.Graph {
	return &graph.Graph{
		Version:   "0.1",
		Resources: graph.Resources{VQs: []string{"q0", "q1"}, Events: []string{"m0", "m1"}},
		Caps:      []string{"CAP_ALLOC", "CAP_MEASURE"},
		Program: graph.Program{Nodes: []graph.Node{
			{ID: "n1", Op: graph.OpAllocLQ, VQs: []string{"q0", "q1"}, Produces: []string{"q0", "q1"}},
			{ID: "n2", Op: graph.OpApplyH, VQs: []string{"q0"}},
			{ID: "n3", Op: graph.OpApplyCNOT, VQs: []string{"q0", "q1"}},
			{ID: "n4", Op: graph.OpMeasureZ, VQs: []string{"q0"}, Produces: []string{"m0"}},
			{ID: "n5", Op: graph.OpMeasureZ, VQs: []string{"q1"}, Produces: []string{"m1"}},
			{ID: "n6", Op: graph.OpFreeLQ, VQs: []string{"q0", "q1"}},
		}},
	}
}

func TestRunBellPairProducesCorrelatedEvents(t *testing.T) {
	ex, capStore, reg := newTestExecutor(t)
	_, err := reg.CreateTenant("tenant-a", registry.Quota{MaxVQs: 10}, []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	sess, err := reg.OpenSession("tenant-a", []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	tok := capStore.Issue(capability.IssueParams{Tenant: "tenant-a", IssuedBy: "kernel", Rights: []capability.Right{capability.RightAlloc, capability.RightMeasure}})

	g := bellPairGraph()
	backend := device.NewSimBackend(42)
	res := ex.Run(context.Background(), backend, RunInput{Graph: g, Seed: 42, Session: sess, Tokens: []*capability.Token{tok}})

	require.NoError(t, res.Err)
	require.Equal(t, res.Events["m0"], res.Events["m1"])
}

func TestRunFailsOnMissingMeasurementCapability(t *testing.T) {
	ex, capStore, reg := newTestExecutor(t)
	_, err := reg.CreateTenant("tenant-a", registry.Quota{MaxVQs: 10}, []capability.Right{capability.RightAlloc})
	require.NoError(t, err)
	sess, err := reg.OpenSession("tenant-a", []capability.Right{capability.RightAlloc})
	require.NoError(t, err)
	tok := capStore.Issue(capability.IssueParams{Tenant: "tenant-a", IssuedBy: "kernel", Rights: []capability.Right{capability.RightAlloc}})

	g := bellPairGraph()
	backend := device.NewSimBackend(42)
	res := ex.Run(context.Background(), backend, RunInput{Graph: g, Seed: 42, Session: sess, Tokens: []*capability.Token{tok}})

	require.Error(t, res.Err)
	require.Equal(t, "n4", res.FailedNodeID)
}

func TestRunHonorsGuardSkip(t *testing.T) {
	ex, capStore, reg := newTestExecutor(t)
	_, err := reg.CreateTenant("tenant-a", registry.Quota{MaxVQs: 10}, []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	sess, err := reg.OpenSession("tenant-a", []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	tok := capStore.Issue(capability.IssueParams{Tenant: "tenant-a", IssuedBy: "kernel", Rights: []capability.Right{capability.RightAlloc, capability.RightMeasure}})

	// Scenario 3: MEASURE_Z produces m0 deterministically 0 (no H applied);
	// node A guarded by m0==1 must be skipped while n3 still frees q1,
	// leaving the job COMPLETED with only m0 recorded.
	g := &graph.Graph{
		Version:   "0.1",
		Resources: graph.Resources{VQs: []string{"q0", "q1"}, Events: []string{"m0"}},
		Caps:      []string{"CAP_ALLOC", "CAP_MEASURE"},
		Program: graph.Program{Nodes: []graph.Node{
			{ID: "n1", Op: graph.OpAllocLQ, VQs: []string{"q0", "q1"}, Produces: []string{"q0", "q1"}},
			{ID: "n2", Op: graph.OpMeasureZ, VQs: []string{"q0"}, Produces: []string{"m0"}},
			{ID: "nA", Op: graph.OpApplyH, VQs: []string{"q1"}, Guard: &graph.Guard{Event: "m0", Equals: 1}},
			{ID: "n3", Op: graph.OpFreeLQ, VQs: []string{"q1"}},
		}},
	}
	backend := device.NewSimBackend(42)
	res := ex.Run(context.Background(), backend, RunInput{Graph: g, Seed: 42, Session: sess, Tokens: []*capability.Token{tok}})

	require.NoError(t, res.Err)
	require.Equal(t, 0, res.Events["m0"])
	require.Len(t, res.Events, 1)
}

func TestRunSkipsConsumerOfGuardedProducerTransitively(t *testing.T) {
	ex, capStore, reg := newTestExecutor(t)
	_, err := reg.CreateTenant("tenant-a", registry.Quota{MaxVQs: 10}, []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	sess, err := reg.OpenSession("tenant-a", []capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)
	tok := capStore.Issue(capability.IssueParams{Tenant: "tenant-a", IssuedBy: "kernel", Rights: []capability.Right{capability.RightAlloc, capability.RightMeasure}})

	// q0 is measured deterministically to 0 (no H applied). nG is an
	// ALLOC_LQ guarded on m0==1, so it never runs and q1 never comes into
	// existence; nB and n3 are unguarded consumers of q1 and must be
	// skipped transitively rather than fail with LINEARITY_VIOLATION
	// against a VQ that was never live.
	g := &graph.Graph{
		Version:   "0.1",
		Resources: graph.Resources{VQs: []string{"q0", "q1"}, Events: []string{"m0"}},
		Caps:      []string{"CAP_ALLOC", "CAP_MEASURE"},
		Program: graph.Program{Nodes: []graph.Node{
			{ID: "n1", Op: graph.OpAllocLQ, VQs: []string{"q0"}, Produces: []string{"q0"}},
			{ID: "n2", Op: graph.OpMeasureZ, VQs: []string{"q0"}, Produces: []string{"m0"}},
			{ID: "nG", Op: graph.OpAllocLQ, VQs: []string{"q1"}, Produces: []string{"q1"}, Guard: &graph.Guard{Event: "m0", Equals: 1}},
			{ID: "nB", Op: graph.OpApplyH, VQs: []string{"q1"}},
			{ID: "n3", Op: graph.OpFreeLQ, VQs: []string{"q1"}},
		}},
	}
	backend := device.NewSimBackend(42)
	res := ex.Run(context.Background(), backend, RunInput{Graph: g, Seed: 42, Session: sess, Tokens: []*capability.Token{tok}})

	require.NoError(t, res.Err)
	require.Empty(t, res.FailedNodeID)
	require.Equal(t, 0, res.Events["m0"])
	require.Len(t, res.Events, 1)
}

func TestVerifiedBellGraphRunsUnderExecutor(t *testing.T) {
	signer := capability.NewSigner([]byte("executor-test-secret-0123456789"))
	g := bellPairGraph()
	_, errs := verifier.Verify(g, signer)
	require.Empty(t, errs)
}
