// Package checkpoint implements the checkpoint and migration manager of
// spec.md §4.H: point-in-time device snapshots taken at FENCE_EPOCH nodes
// and before measurements, kept in a size-bounded
// store that never evicts a checkpoint belonging to a still-running job.
// The map+mutex shape is grounded directly on infrastructure/cache's Cache,
// extended here with LRU recency order and job-pinning, neither of which
// that cache needed.
package checkpoint

import (
	"container/list"
	"sync"
	"time"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	core "github.com/R3E-Network/qmk/internal/app/core/service"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/pkg/metrics"
)

// Checkpoint is one point-in-time capture of a job's device state.
type Checkpoint struct {
	ID        string
	JobID     string
	SegmentID string
	Snapshot  *device.Snapshot
	// VQAllocCount records how many logical qubits were live when the
	// checkpoint was taken, for migration-point admission checks.
	VQAllocCount int
	// RequiredCaps are the rights the job's session held at capture time;
	// a migration destination must grant at least this set.
	RequiredCaps []string
	CreatedAt    time.Time
}

type entry struct {
	cp      *Checkpoint
	pinned  bool
	element *list.Element
}

// Manager stores checkpoints under a bounded LRU, evicting the
// least-recently-used unpinned entry when full (spec.md §4.H "size-bounded
// checkpoint store; never evicts an active checkpoint of a running job").
type Manager struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*entry
	order   *list.List // front = most recently used
}

// NewManager constructs a Manager holding at most maxSize checkpoints.
func NewManager(maxSize int) *Manager {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Manager{
		maxSize: maxSize,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// Descriptor advertises the checkpoint manager's placement for admin
// introspection (internal/app/system "service catalog", SPEC_FULL.md §2
// component H).
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "checkpoint_manager",
		Domain:       "qmk",
		Layer:        core.LayerPersistence,
		Capabilities: []string{"lru_eviction", "job_pinning", "migration_validation"},
	}
}

// Store records cp, pinning it (a freshly taken checkpoint belongs to a
// running job by construction and must not be evicted until explicitly
// unpinned at job completion).
func (m *Manager) Store(cp *Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[cp.ID]; ok {
		m.order.Remove(old.element)
	}
	el := m.order.PushFront(cp.ID)
	m.entries[cp.ID] = &entry{cp: cp, pinned: true, element: el}
	metrics.RecordCheckpointStored("ok")
	m.evictLocked()
}

// Get returns a checkpoint by id, marking it most-recently-used.
func (m *Manager) Get(id string) (*Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(e.element)
	return e.cp, true
}

// Unpin marks a checkpoint eligible for eviction, normally called once its
// owning job reaches a terminal state (spec.md §4.H).
func (m *Manager) Unpin(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.pinned = false
		m.evictLocked()
	}
}

// UnpinJob unpins every checkpoint owned by jobID.
func (m *Manager) UnpinJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.cp.JobID == jobID {
			e.pinned = false
		}
	}
	m.evictLocked()
}

// Delete removes a checkpoint unconditionally, e.g. after a confirmed
// migration.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		m.order.Remove(e.element)
		delete(m.entries, id)
	}
}

// evictLocked drops least-recently-used unpinned entries until the store is
// back within maxSize. Pinned entries are never evicted even if this leaves
// the store over-size — the bound is best-effort against the unpinned tail.
func (m *Manager) evictLocked() {
	for len(m.entries) > m.maxSize {
		evicted := false
		for el := m.order.Back(); el != nil; el = el.Prev() {
			id := el.Value.(string)
			e := m.entries[id]
			if e.pinned {
				continue
			}
			m.order.Remove(el)
			delete(m.entries, id)
			metrics.RecordCheckpointEviction("lru")
			evicted = true
			break
		}
		if !evicted {
			return // every remaining entry is pinned; store stays over-size
		}
	}
}

// MigrationTarget describes a destination's admission posture for a
// migration-point validation (spec.md §4.H "migration-point validation").
type MigrationTarget struct {
	AvailableVQSlots int
	GrantedCaps      map[string]bool
}

// ValidateMigration checks that target can host cp: it must be able to
// allocate at least as many logical qubits as cp captured, and must grant
// every capability the source session held.
func ValidateMigration(cp *Checkpoint, target MigrationTarget) error {
	if target.AvailableVQSlots < cp.VQAllocCount {
		return qmkerrors.QuotaExceeded("vqs")
	}
	for _, c := range cp.RequiredCaps {
		if !target.GrantedCaps[c] {
			return qmkerrors.CapDenied(c)
		}
	}
	return nil
}
