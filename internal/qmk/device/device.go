// Package device defines the backend interface consumed by the executor
// (spec.md §4.E) and a deterministic in-process simulator used when no
// external backend is configured. The simulator classically tracks
// entanglement groups and resolves measurement outcomes from a per-job
// seeded PRNG; it makes no claim to modeling physical quantum state and
// exists solely to give the kernel's control-plane logic — capability
// checks, firewall enforcement, linearity, checkpointing — a backend to
// exercise deterministically in tests.
package device

import "context"

// GateOp names a single- or two-qubit unitary the backend must apply.
type GateOp string

const (
	GateH    GateOp = "H"
	GateS    GateOp = "S"
	GateX    GateOp = "X"
	GateY    GateOp = "Y"
	GateZ    GateOp = "Z"
	GateCNOT GateOp = "CNOT"
)

// Basis names a measurement basis.
type Basis string

const (
	BasisZ     Basis = "Z"
	BasisX     Basis = "X"
	BasisY     Basis = "Y"
	BasisAngle Basis = "ANGLE"
	BasisBell  Basis = "BELL"
)

// QubitRef is an opaque backend-local handle for a logical qubit,
// independent of the kernel's VQ handle id (which the executor maps to a
// QubitRef on allocation).
type QubitRef string

// ChannelRef is an opaque backend-local handle for an entanglement channel.
type ChannelRef string

// Snapshot is an opaque, backend-produced point-in-time capture suitable
// for Restore, used by the checkpoint manager (spec.md §4.H). Opaque holds
// a serialized form for backends that persist snapshots externally;
// restoreState carries an in-process backend's native representation
// directly, avoiding a serialize/deserialize round trip for the common
// case of restoring into the same backend instance.
type Snapshot struct {
	Opaque       []byte
	restoreState any
}

// Telemetry reports backend-observable counters (spec.md §4.E).
type Telemetry struct {
	AllocatedQubits int
	AppliedGates    int
	Measurements    int
	OpenChannels    int
}

// Backend is the interface the executor drives (spec.md §4.E). All methods
// take a context so a slow or hung backend call can be cancelled at a node
// boundary.
type Backend interface {
	Allocate(ctx context.Context, profile string) (QubitRef, error)
	Release(ctx context.Context, q QubitRef) error
	ApplyGate(ctx context.Context, op GateOp, qs ...QubitRef) error
	Measure(ctx context.Context, basis Basis, angle float64, q ...QubitRef) (int, error)
	OpenChannel(ctx context.Context) (ChannelRef, error)
	UseChannel(ctx context.Context, ch ChannelRef, qs ...QubitRef) error
	CloseChannel(ctx context.Context, ch ChannelRef) error
	Snapshot(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) error
	Telemetry(ctx context.Context) Telemetry
}
