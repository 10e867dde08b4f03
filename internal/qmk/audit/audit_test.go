package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndVerifyChain(t *testing.T) {
	l := New([]byte("test-audit-key"))

	require.NoError(t, l.Append("SESSION_OPENED", map[string]any{"tenant": "a"}))
	require.NoError(t, l.Append("CAPABILITY_DENIED", map[string]any{"right": "CAP_TELEPORT"}))
	require.NoError(t, l.Append("JOB_COMPLETED", map[string]any{"job_id": "j1"}))

	require.True(t, l.VerifyChain())
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	l := New([]byte("test-audit-key"))
	require.NoError(t, l.Append("SESSION_OPENED", map[string]any{"tenant": "a"}))
	require.NoError(t, l.Append("JOB_COMPLETED", map[string]any{"job_id": "j1"}))

	l.records[0].Kind = "TAMPERED"
	require.False(t, l.VerifyChain())
}

func TestQueryFiltersByTenant(t *testing.T) {
	l := New([]byte("test-audit-key"))
	require.NoError(t, l.AppendEvent(Record{Tenant: "a", Kind: "X", Severity: SeverityInfo}))
	require.NoError(t, l.AppendEvent(Record{Tenant: "b", Kind: "X", Severity: SeverityInfo}))

	got := l.Query(QueryFilter{Tenant: "a"})
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Tenant)
}
