// Package verifier implements the mandatory static verification gate of
// spec.md §4.C. A graph that does not pass Verify may never be executed.
package verifier

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/graph"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
)

// certificationDomain scopes the HMAC used to mint certification tokens,
// keeping it independent of the capability-token signing domain even though
// both reuse the kernel's single Signer (spec.md §9: "the key lives in a
// single, explicit holder passed to verifier and executor").
const certificationDomain = "certification"

// verifierVersion is mixed into the certification MAC so a future change to
// the verifier's rules invalidates certifications minted under old rules.
const verifierVersion = "v1"

// VerificationError is one independently surfaced failure from a single
// Verify call (spec.md §4.C: "surface all independent errors when
// feasible").
type VerificationError struct {
	NodeID  string
	SubCode qmkerrors.ErrorCode
	Reason  string
}

func (e VerificationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %q: %s", e.SubCode, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.SubCode, e.Reason)
}

// AsServiceError renders the first verification error as a GRAPH_INVALID
// ServiceError (spec.md §7), the form submit_job returns over RPC. Callers
// that need every independent failure should iterate errs directly.
func AsServiceError(errs []VerificationError) *qmkerrors.ServiceError {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	return qmkerrors.GraphInvalid(first.SubCode, first.NodeID, first.Reason)
}

// Certification is the opaque token bound to a graph's content hash,
// produced by a successful Verify call (spec.md §4.C). The executor refuses
// to run a graph without a matching certification.
type Certification struct {
	ContentHash [32]byte
	MAC         []byte
}

// Valid reports whether cert was minted for graph g by signer.
func Valid(cert *Certification, g *graph.Graph, signer *capability.Signer) bool {
	if cert == nil {
		return false
	}
	hash := contentHash(g)
	if hash != cert.ContentHash {
		return false
	}
	return signer.Verify(certificationDomain, macInput(hash), cert.MAC)
}

func macInput(hash [32]byte) []byte {
	return append([]byte(verifierVersion+"|"), hash[:]...)
}

// contentHash is a deterministic digest of the graph's canonical JSON
// encoding (resources and node order are already part of the wire format
// and therefore part of the hash).
func contentHash(g *graph.Graph) [32]byte {
	// encoding/json's map key ordering is stable (sorted), and struct field
	// order is fixed, so two structurally equal graphs hash identically.
	data, _ := json.Marshal(g)
	return sha256.Sum256(data)
}

// Verify runs all ten checks of spec.md §4.C against g, in order but
// non-short-circuiting within a check where multiple independent problems
// exist. It returns a Certification only when zero errors are found.
func Verify(g *graph.Graph, signer *capability.Signer) (*Certification, []VerificationError) {
	var errs []VerificationError

	if e := checkSchemaShape(g); len(e) > 0 {
		errs = append(errs, e...)
		// Every later check assumes a well-shaped graph; bail out now
		// rather than risk panics on nil slices.
		return nil, errs
	}

	vqSet, chSet, evSet := declaredSets(g)
	capSet := declaredCapSet(g)

	errs = append(errs, checkNodeIDUniqueness(g)...)
	errs = append(errs, checkOpcodeSignatures(g)...)
	errs = append(errs, checkHandleDeclaration(g, vqSet, chSet, evSet)...)
	errs = append(errs, checkLinearity(g)...)
	errs = append(errs, checkLifetimeClosure(g, vqSet, chSet)...)

	order, cycleErrs := topologicalOrder(g)
	errs = append(errs, cycleErrs...)

	if order != nil {
		errs = append(errs, checkGuardValidity(g, order)...)
	}
	errs = append(errs, checkCapabilityCoverage(g, capSet)...)
	errs = append(errs, checkFirewallPrecheck(g)...)

	if len(errs) > 0 {
		return nil, errs
	}

	hash := contentHash(g)
	cert := &Certification{
		ContentHash: hash,
		MAC:         signer.Sign(certificationDomain, macInput(hash)),
	}
	return cert, nil
}

func checkSchemaShape(g *graph.Graph) []VerificationError {
	var errs []VerificationError
	if g == nil {
		return []VerificationError{{SubCode: qmkerrors.SubNodesNotList, Reason: "graph is nil"}}
	}
	if !graph.SupportedVersions[g.Version] {
		errs = append(errs, VerificationError{SubCode: qmkerrors.SubTypeMismatch, Reason: fmt.Sprintf("unsupported version %q", g.Version)})
	}
	if g.Program.Nodes == nil {
		errs = append(errs, VerificationError{SubCode: qmkerrors.SubNodesNotList, Reason: "program.nodes is not a list"})
	}
	return errs
}

func declaredSets(g *graph.Graph) (vqs, chs, events map[string]bool) {
	vqs = toSet(g.Resources.VQs)
	chs = toSet(g.Resources.CHs)
	events = toSet(g.Resources.Events)
	return
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func declaredCapSet(g *graph.Graph) map[capability.Right]bool {
	m := make(map[capability.Right]bool, len(g.Caps))
	for _, c := range g.Caps {
		m[capability.Right(c)] = true
	}
	return m
}

func checkNodeIDUniqueness(g *graph.Graph) []VerificationError {
	var errs []VerificationError
	seen := make(map[string]bool, len(g.Program.Nodes))
	for _, n := range g.Program.Nodes {
		if n.ID == "" {
			errs = append(errs, VerificationError{SubCode: qmkerrors.SubTypeMismatch, Reason: "node id is empty"})
			continue
		}
		if seen[n.ID] {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: "duplicate node id"})
		}
		seen[n.ID] = true
	}
	return errs
}

func checkOpcodeSignatures(g *graph.Graph) []VerificationError {
	var errs []VerificationError
	for i := range g.Program.Nodes {
		n := &g.Program.Nodes[i]
		sig, ok := graph.Signatures[n.Op]
		if !ok {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: fmt.Sprintf("unknown opcode %q", n.Op)})
			continue
		}
		if len(n.VQs) < sig.MinVQs || (sig.MaxVQs >= 0 && len(n.VQs) > sig.MaxVQs) {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: fmt.Sprintf("opcode %s expects %d..%d vqs, got %d", n.Op, sig.MinVQs, sig.MaxVQs, len(n.VQs))})
		}
		if len(n.CHs) < sig.MinCHs || (sig.MaxCHs >= 0 && len(n.CHs) > sig.MaxCHs) {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: fmt.Sprintf("opcode %s expects %d..%d chs, got %d", n.Op, sig.MinCHs, sig.MaxCHs, len(n.CHs))})
		}
		if sig.RequiresAngle {
			if n.Args == nil {
				errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: "missing args.angle"})
			} else if _, ok := n.Args["angle"].(float64); !ok {
				errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: "args.angle must be numeric"})
			}
		}
		if sig.ProducesEvent && len(n.Produces) != 1 {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubTypeMismatch, Reason: fmt.Sprintf("opcode %s must produce exactly one event", n.Op)})
		}
		if n.Guard != nil && n.Guard.Equals != 0 && n.Guard.Equals != 1 {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubGuardInvalid, Reason: "guard.equals must be 0 or 1"})
		}
	}
	return errs
}

func checkHandleDeclaration(g *graph.Graph, vqs, chs, events map[string]bool) []VerificationError {
	var errs []VerificationError
	check := func(nodeID string, ids []string, set map[string]bool, kind string) {
		for _, id := range ids {
			if !set[id] {
				errs = append(errs, VerificationError{NodeID: nodeID, SubCode: qmkerrors.SubLifetimeLeak, Reason: fmt.Sprintf("%s %q not in declared resource set", kind, id)})
			}
		}
	}
	for _, n := range g.Program.Nodes {
		check(n.ID, n.VQs, vqs, "vq")
		check(n.ID, n.CHs, chs, "ch")
		check(n.ID, n.Inputs, events, "event input")
		outSet, outKind := events, "event output"
		switch n.Op {
		case graph.OpAllocLQ:
			outSet, outKind = vqs, "vq output"
		case graph.OpOpenChan:
			outSet, outKind = chs, "ch output"
		}
		check(n.ID, n.Produces, outSet, outKind)
		if n.Guard != nil && !events[n.Guard.Event] {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubGuardInvalid, Reason: fmt.Sprintf("guard event %q not declared", n.Guard.Event)})
		}
	}
	return errs
}

// checkLinearity walks the program in its declared order, tracking for every
// VQ/CH id whether it is currently live (produced and not yet terminated).
// A live handle may be referenced by any number of nodes in sequence — a
// chain of single-qubit gates, or OPEN_CHAN -> USE_CHAN* -> CLOSE_CHAN — that
// is ordinary data flow, not a clone. The violation spec.md §4.C step 5 and
// §8 Scenario 4 describe is a reference to a handle that has already been
// terminated (measured, reset, freed, or closed), or a handle produced by
// more than one node. The one reference allowed after termination is a
// FREE_LQ releasing a VQ whose terminator was a measurement. A flat
// whole-graph use-count, by contrast, would flag every multi-gate chain on
// the same qubit as a false positive.
func checkLinearity(g *graph.Graph) []VerificationError {
	var errs []VerificationError
	producedBy := make(map[string]string)   // handle id -> producing node id
	terminatedBy := make(map[string]string) // handle id -> terminating node id
	measured := make(map[string]bool)       // handle id -> terminated by a measurement

	markProduced := func(nodeID string, ids []string) {
		for _, id := range ids {
			if prev, ok := producedBy[id]; ok && prev != nodeID {
				errs = append(errs, VerificationError{NodeID: nodeID, SubCode: qmkerrors.SubLinearityViolation, Reason: fmt.Sprintf("handle %q already produced by %q", id, prev)})
			}
			producedBy[id] = nodeID
		}
	}

	for _, n := range g.Program.Nodes {
		sig := graph.Signatures[n.Op]
		if n.Op == graph.OpAllocLQ || n.Op == graph.OpOpenChan {
			markProduced(n.ID, n.Produces)
			continue
		}

		for _, id := range append(append([]string{}, n.VQs...), n.CHs...) {
			if prev, ok := terminatedBy[id]; ok && !(n.Op == graph.OpFreeLQ && measured[id]) {
				errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubLinearityViolation, Reason: fmt.Sprintf("handle %q referenced by %q after already being terminated by %q", id, n.ID, prev)})
			}
		}

		if sig.TerminatesVQs {
			for _, id := range n.VQs {
				terminatedBy[id] = n.ID
				measured[id] = sig.ProducesEvent
			}
		}
		if n.Op == graph.OpCloseChan {
			for _, id := range n.CHs {
				terminatedBy[id] = n.ID
			}
		}

		if !sig.TerminatesVQs {
			// pass-through ops "produce" the same handles they consume
			// under a fresh name only if Produces is set; otherwise the
			// handle continues live under its original id and must not be
			// independently re-declared as produced elsewhere.
			markProduced(n.ID, n.Produces)
		}
	}

	return errs
}

// checkLifetimeClosure ensures every declared VQ reaches FREE_LQ/RESET/a
// measurement and every CH reaches CLOSE_CHAN (spec.md §4.C step 6).
func checkLifetimeClosure(g *graph.Graph, vqs, chs map[string]bool) []VerificationError {
	var errs []VerificationError
	vqTerminated := make(map[string]bool)
	chTerminated := make(map[string]bool)

	for _, n := range g.Program.Nodes {
		sig := graph.Signatures[n.Op]
		if sig.TerminatesVQs {
			for _, id := range n.VQs {
				vqTerminated[id] = true
			}
		}
		if n.Op == graph.OpCloseChan {
			for _, id := range n.CHs {
				chTerminated[id] = true
			}
		}
	}
	for id := range vqs {
		if !vqTerminated[id] {
			errs = append(errs, VerificationError{SubCode: qmkerrors.SubLifetimeLeak, Reason: fmt.Sprintf("vq %q never reaches a terminator", id)})
		}
	}
	for id := range chs {
		if !chTerminated[id] {
			errs = append(errs, VerificationError{SubCode: qmkerrors.SubLifetimeLeak, Reason: fmt.Sprintf("ch %q never reaches CLOSE_CHAN", id)})
		}
	}
	return errs
}

// Order returns a topological ordering of g's node ids. It is exported for
// the executor's dispatch loop to reuse against an already-certified graph,
// where a cycle is no longer possible; callers that have not certified g
// should use Verify instead, which surfaces DAG_CYCLIC as a proper error.
func Order(g *graph.Graph) []string {
	order, _ := topologicalOrder(g)
	return order
}

// topologicalOrder performs the acyclicity DFS of spec.md §4.C step 7,
// ordering nodes by handle-producer/consumer edges. A node with no incoming
// handle edge is a root. A back-edge during the DFS indicates a cycle.
func topologicalOrder(g *graph.Graph) ([]string, []VerificationError) {
	producedBy := make(map[string]string)
	for _, n := range g.Program.Nodes {
		for _, id := range n.Produces {
			producedBy[id] = n.ID
		}
		if n.Op == graph.OpAllocLQ {
			for _, id := range n.VQs {
				producedBy[id] = n.ID
			}
		}
		if n.Op == graph.OpOpenChan {
			for _, id := range n.CHs {
				producedBy[id] = n.ID
			}
		}
	}

	byID := make(map[string]*graph.Node, len(g.Program.Nodes))
	for i := range g.Program.Nodes {
		byID[g.Program.Nodes[i].ID] = &g.Program.Nodes[i]
	}

	edges := func(n *graph.Node) []string {
		var deps []string
		for _, id := range append(append(append([]string{}, n.VQs...), n.CHs...), n.Inputs...) {
			if producer, ok := producedBy[id]; ok && producer != n.ID {
				deps = append(deps, producer)
			}
		}
		if n.Guard != nil {
			for _, other := range g.Program.Nodes {
				for _, p := range other.Produces {
					if p == n.Guard.Event {
						deps = append(deps, other.ID)
					}
				}
			}
		}
		return deps
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Program.Nodes))
	var order []string
	var errs []VerificationError

	var visit func(id string) bool
	visit = func(id string) bool {
		if color[id] == black {
			return true
		}
		if color[id] == gray {
			errs = append(errs, VerificationError{NodeID: id, SubCode: qmkerrors.SubDAGCyclic, Reason: "cycle detected"})
			return false
		}
		color[id] = gray
		n := byID[id]
		if n != nil {
			for _, dep := range edges(n) {
				visit(dep)
			}
		}
		color[id] = black
		order = append(order, id)
		return true
	}

	ids := make([]string, 0, len(g.Program.Nodes))
	for _, n := range g.Program.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		visit(id)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return order, nil
}

// checkGuardValidity ensures every guard's event is produced by a node that
// topologically precedes the guarded node (spec.md §4.C step 8).
func checkGuardValidity(g *graph.Graph, order []string) []VerificationError {
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	producerOf := make(map[string]string)
	for _, n := range g.Program.Nodes {
		for _, ev := range n.Produces {
			producerOf[ev] = n.ID
		}
	}

	var errs []VerificationError
	for _, n := range g.Program.Nodes {
		if n.Guard == nil {
			continue
		}
		producer, ok := producerOf[n.Guard.Event]
		if !ok {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubGuardInvalid, Reason: fmt.Sprintf("guard event %q produced by no node", n.Guard.Event)})
			continue
		}
		if position[producer] >= position[n.ID] {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubGuardInvalid, Reason: fmt.Sprintf("guard event %q producer %q does not precede this node", n.Guard.Event, producer)})
		}
	}
	return errs
}

// checkCapabilityCoverage ensures every node's required rights are a subset
// of the graph's declared capability set (spec.md §4.C step 9).
func checkCapabilityCoverage(g *graph.Graph, declared map[capability.Right]bool) []VerificationError {
	var errs []VerificationError
	for right := range declared {
		if !capability.KnownRights[right] {
			errs = append(errs, VerificationError{SubCode: qmkerrors.SubCapMissing, Reason: fmt.Sprintf("unknown capability name %q", right)})
		}
	}
	for _, n := range g.Program.Nodes {
		required := graph.RequiredCaps[n.Op]
		for _, r := range required {
			if !declared[r] {
				errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubCapMissing, Reason: fmt.Sprintf("opcode %s requires %s, not declared", n.Op, r)})
			}
		}
		for _, c := range n.Caps {
			if !declared[capability.Right(c)] {
				errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubCapMissing, Reason: fmt.Sprintf("node-level cap %q not declared on graph", c)})
			}
		}
	}
	return errs
}

// checkFirewallPrecheck rejects any two-qubit node whose VQs cannot be
// traced to the same ALLOC_LQ producing node group within the graph,
// without attempting cross-tenant resolution — that supplemental check
// happens at runtime, where tenant identity is known (spec.md §4.C step
// 10, §4.F step 4).
func checkFirewallPrecheck(g *graph.Graph) []VerificationError {
	var errs []VerificationError
	allocGroup := make(map[string]string) // vq id -> alloc node id

	for _, n := range g.Program.Nodes {
		if n.Op != graph.OpAllocLQ {
			continue
		}
		for _, id := range n.VQs {
			allocGroup[id] = n.ID
		}
		for _, id := range n.Produces {
			allocGroup[id] = n.ID
		}
	}

	for i := range g.Program.Nodes {
		n := &g.Program.Nodes[i]
		if !graph.IsTwoQubitNode(n) {
			continue
		}
		if n.Op == graph.OpTeleportCNOT {
			// Teleportation is explicitly designed to cross allocation
			// groups via a channel; the runtime firewall check (which
			// knows tenant identity) enforces binding for it, not this
			// graph-local pre-check (spec.md §4.C step 10).
			continue
		}
		a, b := n.VQs[0], n.VQs[1]
		groupA, okA := allocGroup[a]
		groupB, okB := allocGroup[b]
		if okA && okB && groupA != groupB {
			errs = append(errs, VerificationError{NodeID: n.ID, SubCode: qmkerrors.SubLifetimeLeak, Reason: fmt.Sprintf("two-qubit op spans distinct allocation groups (%q, %q) with no channel", groupA, groupB)})
		}
	}
	return errs
}
