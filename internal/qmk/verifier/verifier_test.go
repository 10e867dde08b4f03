package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
)

func testSigner(t *testing.T) *capability.Signer {
	t.Helper()
	return capability.NewSigner([]byte("verifier-test-secret-0123456789"))
}

// bellPairGraph builds the scenario 1 graph of spec.md §8: two qubits
// prepared into a Bell pair and both measured in the Z basis.
func bellPairGraph() *graph.Graph {
	return &graph.Graph{
		Version: "0.1",
		Resources: graph.Resources{
			VQs:    []string{"q0", "q1"},
			Events: []string{"m0", "m1"},
		},
		Caps: []string{"CAP_ALLOC", "CAP_MEASURE"},
		Program: graph.Program{Nodes: []graph.Node{
			{ID: "n1", Op: graph.OpAllocLQ, VQs: []string{"q0", "q1"}, Produces: []string{"q0", "q1"}, Args: map[string]any{"n": 2.0}},
			{ID: "n2", Op: graph.OpApplyH, VQs: []string{"q0"}},
			{ID: "n3", Op: graph.OpApplyCNOT, VQs: []string{"q0", "q1"}},
			{ID: "n4", Op: graph.OpMeasureZ, VQs: []string{"q0"}, Produces: []string{"m0"}},
			{ID: "n5", Op: graph.OpMeasureZ, VQs: []string{"q1"}, Produces: []string{"m1"}},
			{ID: "n6", Op: graph.OpFreeLQ, VQs: []string{"q0", "q1"}},
		}},
	}
}

func TestVerifyBellPairSucceeds(t *testing.T) {
	g := bellPairGraph()
	cert, errs := Verify(g, testSigner(t))
	require.Empty(t, errs)
	require.NotNil(t, cert)
	require.True(t, Valid(cert, g, testSigner(t)))
}

func TestVerifyRejectsLinearityViolation(t *testing.T) {
	g := bellPairGraph()
	// Scenario 4: a reference to q0 after n6 has already freed it.
	g.Program.Nodes = append(g.Program.Nodes, graph.Node{ID: "n2b", Op: graph.OpApplyH, VQs: []string{"q0"}})

	_, errs := Verify(g, testSigner(t))
	require.NotEmpty(t, errs)

	found := false
	for _, e := range errs {
		if e.SubCode == "LINEARITY_VIOLATION" {
			found = true
		}
	}
	require.True(t, found, "expected a LINEARITY_VIOLATION among: %v", errs)
}

func TestVerifyRejectsMissingCapability(t *testing.T) {
	g := bellPairGraph()
	g.Caps = []string{"CAP_ALLOC"} // drop CAP_MEASURE

	_, errs := Verify(g, testSigner(t))
	require.NotEmpty(t, errs)

	found := false
	for _, e := range errs {
		if e.SubCode == "CAP_MISSING" {
			found = true
		}
	}
	require.True(t, found)
}

func TestVerifyRejectsUndeclaredGuardEvent(t *testing.T) {
	g := bellPairGraph()
	g.Program.Nodes[1].Guard = &graph.Guard{Event: "ghost", Equals: 1}

	_, errs := Verify(g, testSigner(t))
	require.NotEmpty(t, errs)

	found := false
	for _, e := range errs {
		if e.SubCode == "GUARD_INVALID" {
			found = true
		}
	}
	require.True(t, found)
}

func TestVerifyRejectsNodesNotList(t *testing.T) {
	g := bellPairGraph()
	g.Program.Nodes = nil

	_, errs := Verify(g, testSigner(t))
	require.NotEmpty(t, errs)
	require.Equal(t, "NODES_NOT_LIST", string(errs[0].SubCode))
}

func TestVerifyRejectsGuardOnUnproducedEvent(t *testing.T) {
	g := &graph.Graph{
		Version:   "0.1",
		Resources: graph.Resources{VQs: []string{"q0"}, Events: []string{"m0", "m1"}},
		Caps:      []string{"CAP_ALLOC", "CAP_MEASURE"},
		Program: graph.Program{Nodes: []graph.Node{
			{ID: "n1", Op: graph.OpAllocLQ, VQs: []string{"q0"}, Produces: []string{"q0"}},
			{ID: "n2", Op: graph.OpApplyH, VQs: []string{"q0"}, Guard: &graph.Guard{Event: "m1", Equals: 1}},
			{ID: "n3", Op: graph.OpMeasureZ, VQs: []string{"q0"}, Produces: []string{"m0"}},
		}},
	}
	_, errs := Verify(g, testSigner(t))
	require.NotEmpty(t, errs)

	found := false
	for _, e := range errs {
		if e.SubCode == "GUARD_INVALID" {
			found = true
		}
	}
	require.True(t, found)
}
