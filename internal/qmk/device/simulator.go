package device

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
)

// qubitState tracks one logical qubit's classical-shadow bookkeeping.
type qubitState struct {
	group string // union-find root
	flip  bool   // parity of local X/Y applications
	freed bool
}

// entangleGroup is the shared resolution state for a union-find group of
// qubits that have been connected by at least one two-qubit gate.
type entangleGroup struct {
	superposed bool // an H (or equivalent) was applied somewhere in this group
	resolved   bool
	value      int
}

// SimBackend is the deterministic Backend implementation (spec.md §9
// "Measurement randomness: treat the PRNG as an explicit parameter of the
// device backend (seeded per job)").
type SimBackend struct {
	mu       sync.Mutex
	rng      *rand.Rand
	qubits   map[QubitRef]*qubitState
	groups   map[string]*entangleGroup
	channels map[ChannelRef]bool
	nextID   int

	allocCount  int
	gateCount   int
	measureCount int
}

// NewSimBackend constructs a simulator seeded deterministically for one
// job's execution (spec.md §8 "Determinism": same graph, same seed, same
// backend ⇒ byte-identical output).
func NewSimBackend(seed int64) *SimBackend {
	return &SimBackend{
		rng:      rand.New(rand.NewSource(seed)),
		qubits:   make(map[QubitRef]*qubitState),
		groups:   make(map[string]*entangleGroup),
		channels: make(map[ChannelRef]bool),
	}
}

func (b *SimBackend) newID(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s%d", prefix, b.nextID)
}

func (b *SimBackend) find(group string) *entangleGroup {
	g, ok := b.groups[group]
	if !ok {
		g = &entangleGroup{}
		b.groups[group] = g
	}
	return g
}

// Allocate creates a fresh logical qubit in its own singleton group,
// definite |0> state (spec.md §4.E "allocate ... under a named
// error-correction profile"; the profile name is accepted but does not
// affect simulated behavior).
func (b *SimBackend) Allocate(ctx context.Context, profile string) (QubitRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := QubitRef(b.newID("q"))
	group := b.newID("g")
	b.qubits[ref] = &qubitState{group: group}
	b.groups[group] = &entangleGroup{}
	b.allocCount++
	return ref, nil
}

func (b *SimBackend) Release(ctx context.Context, q QubitRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.qubits[q]
	if !ok {
		return qmkerrors.DeviceFailure(string(q), fmt.Errorf("unknown qubit"))
	}
	st.freed = true
	return nil
}

// union merges a's and b's groups, carrying forward superposition and
// leaving resolution unset (two previously independent groups merging mid-
// circuit is not expressible by this opcode set, so callers only ever union
// two unresolved groups).
func (b *SimBackend) union(a, bb string) string {
	if a == bb {
		return a
	}
	ga, gb := b.find(a), b.find(bb)
	merged := &entangleGroup{superposed: ga.superposed || gb.superposed}
	b.groups[a] = merged
	b.groups[bb] = merged
	return a
}

func (b *SimBackend) groupKey(q QubitRef) string {
	return b.qubits[q].group
}

// ApplyGate mutates classical-shadow bookkeeping for q per spec.md §4.E.
// H marks the qubit's group superposed (a later measurement must consult
// the PRNG); X/Y toggle the qubit's flip parity; Z and S are phase-only and
// have no effect on a subsequent computational-basis measurement; CNOT
// unions control and target into one group.
func (b *SimBackend) ApplyGate(ctx context.Context, op GateOp, qs ...QubitRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range qs {
		if _, ok := b.qubits[q]; !ok {
			return qmkerrors.DeviceFailure(string(q), fmt.Errorf("unknown qubit"))
		}
	}
	b.gateCount++

	switch op {
	case GateH:
		st := b.qubits[qs[0]]
		b.find(st.group).superposed = true
	case GateX, GateY:
		b.qubits[qs[0]].flip = !b.qubits[qs[0]].flip
	case GateZ, GateS:
		// phase-only; no classical-bit effect in this model.
	case GateCNOT:
		if len(qs) != 2 {
			return qmkerrors.DeviceFailure("", fmt.Errorf("CNOT requires exactly 2 qubits"))
		}
		control, target := b.qubits[qs[0]], b.qubits[qs[1]]
		control.group = b.union(control.group, target.group)
		target.group = control.group
	default:
		return qmkerrors.DeviceFailure("", fmt.Errorf("unsupported gate %q", op))
	}
	return nil
}

// resolve assigns a value to q's group if not already resolved, consuming
// one PRNG draw only when the group is in superposition; a group that was
// never put into superposition resolves deterministically to 0.
func (b *SimBackend) resolve(group string) int {
	g := b.find(group)
	if !g.resolved {
		if g.superposed {
			g.value = b.rng.Intn(2)
		} else {
			g.value = 0
		}
		g.resolved = true
	}
	return g.value
}

// Measure resolves the PRNG-backed classical shadow for each requested
// qubit and returns a single combined outcome bit: for single-qubit
// measurements (Z/X/Y/angle) this is that qubit's resolved value XOR its
// flip parity; for MEASURE_BELL it is the XOR of both qubits' bits, which
// is 0 exactly when the pair is perfectly correlated (spec.md §8 scenario
// 1's m0==m1 property, generalized).
func (b *SimBackend) Measure(ctx context.Context, basis Basis, angle float64, qs ...QubitRef) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range qs {
		if _, ok := b.qubits[q]; !ok {
			return 0, qmkerrors.DeviceFailure(string(q), fmt.Errorf("unknown qubit"))
		}
	}
	b.measureCount++

	bit := func(q QubitRef) int {
		st := b.qubits[q]
		v := b.resolve(st.group)
		if st.flip {
			v ^= 1
		}
		return v
	}

	switch basis {
	case BasisBell:
		if len(qs) != 2 {
			return 0, qmkerrors.DeviceFailure("", fmt.Errorf("BELL measurement requires 2 qubits"))
		}
		return bit(qs[0]) ^ bit(qs[1]), nil
	default:
		if len(qs) != 1 {
			return 0, qmkerrors.DeviceFailure("", fmt.Errorf("%s measurement requires 1 qubit", basis))
		}
		return bit(qs[0]), nil
	}
}

func (b *SimBackend) OpenChannel(ctx context.Context) (ChannelRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := ChannelRef(b.newID("ch"))
	b.channels[ref] = true
	return ref, nil
}

func (b *SimBackend) UseChannel(ctx context.Context, ch ChannelRef, qs ...QubitRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.channels[ch] {
		return qmkerrors.DeviceFailure(string(ch), fmt.Errorf("channel not open"))
	}
	if len(qs) == 2 {
		a, bq := b.qubits[qs[0]], b.qubits[qs[1]]
		if a != nil && bq != nil {
			a.group = b.union(a.group, bq.group)
			bq.group = a.group
		}
	}
	return nil
}

func (b *SimBackend) CloseChannel(ctx context.Context, ch ChannelRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.channels[ch] {
		return qmkerrors.DeviceFailure(string(ch), fmt.Errorf("channel not open"))
	}
	delete(b.channels, ch)
	return nil
}

// Snapshot captures the full classical-shadow state in memory, without
// serializing it: since SimBackend never holds amplitudes, the snapshot is
// just its bookkeeping maps, deep-copied.
func (b *SimBackend) Snapshot(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &simSnapshot{
		qubits:   make(map[QubitRef]qubitState, len(b.qubits)),
		groups:   make(map[string]entangleGroup, len(b.groups)),
		channels: make(map[ChannelRef]bool, len(b.channels)),
		nextID:   b.nextID,
	}
	for k, v := range b.qubits {
		s.qubits[k] = *v
	}
	for k, v := range b.groups {
		s.groups[k] = *v
	}
	for k, v := range b.channels {
		s.channels[k] = v
	}
	return &Snapshot{Opaque: nil, restoreState: s}, nil
}

func (b *SimBackend) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.restoreState == nil {
		return qmkerrors.DeviceFailure("", fmt.Errorf("nil or foreign snapshot"))
	}
	s, ok := snap.restoreState.(*simSnapshot)
	if !ok {
		return qmkerrors.DeviceFailure("", fmt.Errorf("snapshot from a different backend implementation"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qubits = make(map[QubitRef]*qubitState, len(s.qubits))
	for k, v := range s.qubits {
		cp := v
		b.qubits[k] = &cp
	}
	b.groups = make(map[string]*entangleGroup, len(s.groups))
	for k, v := range s.groups {
		cp := v
		b.groups[k] = &cp
	}
	b.channels = make(map[ChannelRef]bool, len(s.channels))
	for k, v := range s.channels {
		b.channels[k] = v
	}
	b.nextID = s.nextID
	return nil
}

func (b *SimBackend) Telemetry(ctx context.Context) Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Telemetry{
		AllocatedQubits: b.allocCount,
		AppliedGates:    b.gateCount,
		Measurements:    b.measureCount,
		OpenChannels:    len(b.channels),
	}
}

// simSnapshot is the concrete state carried by Snapshot.restoreState for a
// SimBackend; kept unexported so only this file's Snapshot/Restore pair can
// interpret it.
type simSnapshot struct {
	qubits   map[QubitRef]qubitState
	groups   map[string]entangleGroup
	channels map[ChannelRef]bool
	nextID   int
}
