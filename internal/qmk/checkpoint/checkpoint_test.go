package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/qmk/internal/qmk/device"
)

func TestStoreAndGetRoundTrip(t *testing.T) {
	m := NewManager(4)
	cp := &Checkpoint{ID: "cp1", JobID: "job1", Snapshot: &device.Snapshot{}}
	m.Store(cp)

	got, ok := m.Get("cp1")
	require.True(t, ok)
	require.Equal(t, cp, got)
}

func TestPinnedCheckpointSurvivesEviction(t *testing.T) {
	m := NewManager(1)
	m.Store(&Checkpoint{ID: "cp1", JobID: "job1"})
	m.Store(&Checkpoint{ID: "cp2", JobID: "job2"}) // both pinned (running jobs)

	_, ok1 := m.Get("cp1")
	_, ok2 := m.Get("cp2")
	require.True(t, ok1, "pinned checkpoint must not be evicted even over maxSize")
	require.True(t, ok2)
}

func TestUnpinAllowsEviction(t *testing.T) {
	m := NewManager(1)
	m.Store(&Checkpoint{ID: "cp1", JobID: "job1"})
	m.Unpin("cp1")
	m.Store(&Checkpoint{ID: "cp2", JobID: "job2"})

	_, ok1 := m.Get("cp1")
	_, ok2 := m.Get("cp2")
	require.False(t, ok1, "unpinned cp1 should be evicted to make room for cp2")
	require.True(t, ok2)
}

func TestValidateMigrationRejectsInsufficientSlots(t *testing.T) {
	cp := &Checkpoint{VQAllocCount: 3, RequiredCaps: []string{"CAP_ALLOC"}}
	err := ValidateMigration(cp, MigrationTarget{AvailableVQSlots: 2, GrantedCaps: map[string]bool{"CAP_ALLOC": true}})
	require.Error(t, err)
}

func TestValidateMigrationRejectsMissingCapability(t *testing.T) {
	cp := &Checkpoint{VQAllocCount: 1, RequiredCaps: []string{"CAP_MEASURE"}}
	err := ValidateMigration(cp, MigrationTarget{AvailableVQSlots: 5, GrantedCaps: map[string]bool{"CAP_ALLOC": true}})
	require.Error(t, err)
}

func TestValidateMigrationAccepts(t *testing.T) {
	cp := &Checkpoint{VQAllocCount: 2, RequiredCaps: []string{"CAP_ALLOC"}}
	err := ValidateMigration(cp, MigrationTarget{AvailableVQSlots: 2, GrantedCaps: map[string]bool{"CAP_ALLOC": true}})
	require.NoError(t, err)
}
