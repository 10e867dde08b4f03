package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/qmk/infrastructure/testutil"
	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/executor"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
	"github.com/R3E-Network/qmk/internal/qmk/jobmanager"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	signer := capability.NewSigner([]byte("rpcserver-test-secret-0123456789"))
	capStore := capability.NewStore(signer)
	reg := registry.New()
	auditLog := audit.New([]byte("rpcserver-test-audit-key"))
	ex := executor.New(executor.Deps{Registry: reg, CapStore: capStore, Signer: signer, Audit: auditLog})
	jobs := jobmanager.New(jobmanager.Deps{
		Registry:   reg,
		Signer:     signer,
		Audit:      auditLog,
		Executor:   ex,
		NewBackend: func(seed int64) device.Backend { return device.NewSimBackend(seed) },
	}, 2)
	t.Cleanup(jobs.Close)

	_, err := reg.CreateTenant("tenant-a", registry.Quota{MaxVQs: 10, MaxSessions: 5, MaxConcurrentJobs: 5},
		[]capability.Right{capability.RightAlloc, capability.RightMeasure})
	require.NoError(t, err)

	return New(Deps{
		Registry:        reg,
		CapStore:        capStore,
		Signer:          signer,
		Jobs:            jobs,
		Audit:           auditLog,
		JWTSecret:       []byte("rpcserver-test-jwt-secret"),
		SessionTokenTTL: time.Hour,
	})
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

func doRPC(t *testing.T, s *Server, token string, id int64, method string, params any) response {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(request{ID: id, Method: method, Params: paramsJSON})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNegotiateCapabilitiesGrantsRequestedRights(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "", 1, MethodNegotiateCapabilities, negotiateParams{
		TenantID:  "tenant-a",
		Requested: []capability.Right{capability.RightAlloc, capability.RightMeasure, capability.RightAdmin},
	})
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result negotiateResult
	require.NoError(t, json.Unmarshal(raw, &result))

	require.NotEmpty(t, result.SessionID)
	require.NotEmpty(t, result.Token)
	require.ElementsMatch(t, []capability.Right{capability.RightAlloc, capability.RightMeasure}, result.Granted)
	require.Equal(t, []capability.Right{capability.RightAdmin}, result.Denied)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "", 1, "not_a_real_method", map[string]any{})
	require.NotNil(t, resp.Error)
	require.Equal(t, "METHOD_NOT_FOUND", resp.Error.Code)
}

func TestSubmitJobWithoutSessionTokenIsRejected(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "", 1, MethodSubmitJob, submitJobParams{Graph: *bellPairGraph()})
	require.NotNil(t, resp.Error)
	require.Equal(t, "SESSION_INVALID", resp.Error.Code)
}

func TestSubmitAndWaitForJobRoundTrips(t *testing.T) {
	s := newTestServer(t)
	negResp := doRPC(t, s, "", 1, MethodNegotiateCapabilities, negotiateParams{
		TenantID:  "tenant-a",
		Requested: []capability.Right{capability.RightAlloc, capability.RightMeasure},
	})
	require.Nil(t, negResp.Error)
	raw, err := json.Marshal(negResp.Result)
	require.NoError(t, err)
	var neg negotiateResult
	require.NoError(t, json.Unmarshal(raw, &neg))

	submitResp := doRPC(t, s, neg.Token, 2, MethodSubmitJob, submitJobParams{
		Graph:     *bellPairGraph(),
		Seed:      7,
		RequestID: "req-1",
		CapTokens: []*capability.Token{neg.CapToken},
	})
	require.Nil(t, submitResp.Error)
	subRaw, err := json.Marshal(submitResp.Result)
	require.NoError(t, err)
	var sub submitJobResult
	require.NoError(t, json.Unmarshal(subRaw, &sub))
	require.NotEmpty(t, sub.JobID)

	waitResp := doRPC(t, s, neg.Token, 3, MethodWaitForJob, waitForJobParams{JobID: sub.JobID, TimeoutMs: 5000})
	require.Nil(t, waitResp.Error)
	waitRaw, err := json.Marshal(waitResp.Result)
	require.NoError(t, err)
	var result jobResult
	require.NoError(t, json.Unmarshal(waitRaw, &result))
	require.Equal(t, "COMPLETED", result.State)
	require.Equal(t, result.Events["m0"], result.Events["m1"])
}

// TestRPCOverRealListenerRoundTrips exercises the server the way qmkd
// actually serves it, bound to a live socket rather than an in-memory
// ResponseRecorder, catching anything that only breaks once real HTTP
// framing and a real net.Conn are involved (chunked bodies, header casing).
func TestRPCOverRealListenerRoundTrips(t *testing.T) {
	s := newTestServer(t)
	srv := testutil.NewHTTPTestServer(t, s.Router())
	defer srv.Close()

	negBody, err := json.Marshal(request{ID: 1, Method: MethodNegotiateCapabilities, Params: mustJSON(t, negotiateParams{
		TenantID:  "tenant-a",
		Requested: []capability.Right{capability.RightAlloc, capability.RightMeasure},
	})})
	require.NoError(t, err)

	httpResp, err := http.Post(srv.URL+"/rpc", "application/json", bytes.NewReader(negBody))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var resp response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	require.Nil(t, resp.Error)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestCancelJobFromWrongSessionIsNotFound(t *testing.T) {
	s := newTestServer(t)
	negResp := doRPC(t, s, "", 1, MethodNegotiateCapabilities, negotiateParams{
		TenantID:  "tenant-a",
		Requested: []capability.Right{capability.RightAlloc, capability.RightMeasure},
	})
	raw, _ := json.Marshal(negResp.Result)
	var neg negotiateResult
	require.NoError(t, json.Unmarshal(raw, &neg))

	submitResp := doRPC(t, s, neg.Token, 2, MethodSubmitJob, submitJobParams{
		Graph:     *bellPairGraph(),
		RequestID: "req-2",
		CapTokens: []*capability.Token{neg.CapToken},
	})
	subRaw, _ := json.Marshal(submitResp.Result)
	var sub submitJobResult
	require.NoError(t, json.Unmarshal(subRaw, &sub))

	negResp2 := doRPC(t, s, "", 3, MethodNegotiateCapabilities, negotiateParams{
		TenantID:  "tenant-a",
		Requested: []capability.Right{capability.RightAlloc, capability.RightMeasure},
	})
	raw2, _ := json.Marshal(negResp2.Result)
	var neg2 negotiateResult
	require.NoError(t, json.Unmarshal(raw2, &neg2))

	cancelResp := doRPC(t, s, neg2.Token, 4, MethodCancelJob, jobIDParams{JobID: sub.JobID})
	require.NotNil(t, cancelResp.Error)
	require.Equal(t, "JOB_NOT_FOUND", cancelResp.Error.Code)
}
