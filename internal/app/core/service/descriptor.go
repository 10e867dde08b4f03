package service

// Layer describes the architectural slice a service belongs to, following the
// kernel's verifier → control-plane → execution → persistence → transport
// pipeline.
type Layer string

const (
	// LayerVerifier covers the graph model and static verifier (components B, C).
	LayerVerifier Layer = "verifier"
	// LayerControlPlane covers tenant/session registry and job management (D, K).
	LayerControlPlane Layer = "control_plane"
	// LayerExecution covers the device backend, executor, and REV engine (E, F, G).
	LayerExecution Layer = "execution"
	// LayerPersistence covers checkpoint/migration and audit logging (H, I).
	LayerPersistence Layer = "persistence"
	// LayerTransport covers the RPC server surface (J).
	LayerTransport Layer = "transport"
)

// Descriptor advertises a service's placement and capabilities. It is optional
// and does not change runtime behavior, but allows orchestration layers and
// documentation to reason about modules consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
