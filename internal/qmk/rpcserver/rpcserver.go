// Package rpcserver implements the sole user-kernel boundary of spec.md
// §4.J: exactly seven JSON-structured RPC methods, dispatched over a single
// HTTP route and routed with gorilla/mux (a direct teacher dependency),
// following the request/response envelope pattern of spec.md §6 ("the
// server accepts JSON objects with numeric request ids and returns
// result-or-error objects").
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/qmk/infrastructure/cache"
	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	"github.com/R3E-Network/qmk/infrastructure/httputil"
	"github.com/R3E-Network/qmk/infrastructure/logging"
	"github.com/R3E-Network/qmk/infrastructure/security"
	core "github.com/R3E-Network/qmk/internal/app/core/service"
	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
	"github.com/R3E-Network/qmk/internal/qmk/jobmanager"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
	"github.com/R3E-Network/qmk/pkg/metrics"
)

// methods is the exhaustive, normative RPC surface (spec.md §4.J). Any other
// method name fails with METHOD_NOT_FOUND (spec.md §6: "any other input
// returns METHOD_NOT_FOUND").
const (
	MethodNegotiateCapabilities = "negotiate_capabilities"
	MethodSubmitJob             = "submit_job"
	MethodGetJobStatus          = "get_job_status"
	MethodWaitForJob            = "wait_for_job"
	MethodCancelJob             = "cancel_job"
	MethodOpenChannel           = "open_channel"
	MethodGetTelemetry          = "get_telemetry"
)

// sessionClaims is the bearer credential issued by negotiate_capabilities: it
// proves "this connection is session_id", layered above, and never a
// substitute for, the CAP tokens the executor checks (SPEC_FULL.md §4.J).
type sessionClaims struct {
	SessionID string `json:"sid"`
	Tenant    string `json:"tenant"`
	jwt.RegisteredClaims
}

// request is the JSON envelope of every inbound call (spec.md §6).
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcError is the stable error payload of spec.md §7.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// response is the JSON envelope returned for every call: exactly one of
// Result or Error is populated.
type response struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

// Deps bundles every collaborator the RPC surface dispatches into.
type Deps struct {
	Registry        *registry.Registry
	CapStore        *capability.Store
	Signer          *capability.Signer
	Jobs            *jobmanager.Manager
	Audit           *audit.Logger
	Logger          *logging.Logger
	JWTSecret       []byte
	SessionTokenTTL time.Duration
	// MaxRecoveryAttempts is threaded into every submitted job's executor
	// run (SPEC_FULL.md §4.F/§4.G).
	MaxRecoveryAttempts int
}

// channelGrant records the metadata behind a channel_token returned by
// open_channel, keyed by the minted capability's cap_id so the executor's
// firewall check (executor.checkFirewall) can look the underlying CAP token
// up in the same Deps.CapStore the RPC server minted it into.
type channelGrant struct {
	VQA, VQB         string
	Fidelity         float64
	MaxEntanglements int
}

// Server dispatches the seven RPC methods of spec.md §4.J over a single
// gorilla/mux route.
type Server struct {
	deps   Deps
	router *mux.Router

	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex

	channelsMu sync.Mutex
	channels   map[string]channelGrant

	// claimsCache spares authenticate from re-verifying the HMAC signature
	// of the same bearer JWT on every call in a hot polling loop
	// (get_job_status/wait_for_job), keyed by the raw token string.
	claimsCache *cache.TokenCache

	// telemetryCache spares get_telemetry from re-acquiring the registry's
	// per-tenant usage lock on every poll of a dashboard hitting it every
	// few hundred milliseconds; telemetry is informational, so a short,
	// context-aware TTL (infrastructure/cache.TTLCache, previously unwired
	// in the transformed tree) is an acceptable staleness trade here, unlike
	// the quota admission checks themselves which stay synchronous.
	telemetryCache *cache.TTLCache

	// credentialReplay rejects a replayed (id, method) pair on the two RPCs
	// that mint fresh credentials on every call, so a retried or duplicated
	// envelope never issues a second CAP token for the same logical request.
	credentialReplay *security.ReplayProtection
}

// New constructs a Server and registers its route on a fresh gorilla/mux
// router (spec.md §6: "local socket"; transport choice documented in
// SPEC_FULL.md §4.J).
func New(deps Deps) *Server {
	if deps.SessionTokenTTL <= 0 {
		deps.SessionTokenTTL = time.Hour
	}
	s := &Server{
		deps:             deps,
		router:           mux.NewRouter(),
		jobLocks:         make(map[string]*sync.Mutex),
		channels:         make(map[string]channelGrant),
		claimsCache:      cache.NewTokenCache(cache.CacheConfig{DefaultTTL: 30 * time.Second, MaxSize: 4096}),
		telemetryCache:   cache.NewTTLCache(2 * time.Second),
		credentialReplay: security.NewReplayProtectionWithMaxSize(5*time.Minute, 4096, deps.Logger),
	}
	s.router.HandleFunc("/rpc", s.handle).Methods(http.MethodPost)
	return s
}

// Router exposes the mux.Router so callers can mount it under a BaseService
// or a standalone listener.
func (s *Server) Router() *mux.Router { return s.router }

// Descriptor advertises the RPC surface's placement for admin introspection
// (internal/app/system "service catalog", SPEC_FULL.md §2 component J).
func (s *Server) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "rpc_server",
		Domain:       "qmk",
		Layer:        core.LayerTransport,
		Capabilities: []string{MethodNegotiateCapabilities, MethodSubmitJob, MethodGetJobStatus, MethodWaitForJob, MethodCancelJob, MethodOpenChannel, MethodGetTelemetry},
	}
}

func (s *Server) logger() *logging.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return logging.NewFromEnv("rpcserver")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req request
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	start := time.Now()
	result, err := s.dispatch(r, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRPCCall(req.Method, status, time.Since(start))

	resp := response{ID: req.ID}
	if err != nil {
		resp.Error = toRPCError(err)
		httputil.WriteJSON(w, http.StatusOK, resp)
		return
	}
	resp.Result = result
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func toRPCError(err error) *rpcError {
	if svc := qmkerrors.GetServiceError(err); svc != nil {
		out := &rpcError{Code: string(svc.Code), Message: svc.Message}
		if len(svc.Details) > 0 {
			out.Data = svc.Details
		}
		return out
	}
	return &rpcError{Code: string(qmkerrors.ErrCodeInternal), Message: security.SanitizeError(err)}
}

func (s *Server) dispatch(r *http.Request, req request) (any, error) {
	switch req.Method {
	case MethodNegotiateCapabilities:
		return s.negotiateCapabilities(r, req.ID, req.Params)
	case MethodSubmitJob:
		return s.submitJob(r, req.Params)
	case MethodGetJobStatus:
		return s.getJobStatus(r, req.Params)
	case MethodWaitForJob:
		return s.waitForJob(r, req.Params)
	case MethodCancelJob:
		return s.cancelJob(r, req.Params)
	case MethodOpenChannel:
		return s.openChannel(r, req.ID, req.Params)
	case MethodGetTelemetry:
		return s.getTelemetry(r, req.Params)
	default:
		return nil, qmkerrors.MethodNotFound(req.Method)
	}
}

// lockFor returns the per-job serialization lock, creating it on first use
// (spec.md §4.J: "operations on the same job serialize").
func (s *Server) lockFor(jobID string) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	return l
}

// issueSessionToken mints the JWT bearer credential for sess.
func (s *Server) issueSessionToken(sess *registry.Session) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		SessionID: sess.ID,
		Tenant:    sess.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.deps.SessionTokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.deps.JWTSecret)
}

// authenticate resolves the bearer JWT on r to a live session, or returns
// SESSION_INVALID (spec.md §7 authorization errors).
func (s *Server) authenticate(r *http.Request) (*registry.Session, error) {
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return nil, qmkerrors.SessionInvalid("")
	}
	tokenStr := raw[len(prefix):]

	var claims sessionClaims
	if cached, ok := s.claimsCache.GetToken(tokenStr); ok {
		claims = cached.(sessionClaims)
	} else {
		_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, qmkerrors.SessionInvalid("")
			}
			return s.deps.JWTSecret, nil
		})
		if err != nil {
			return nil, qmkerrors.SessionInvalid("")
		}
		s.claimsCache.SetToken(tokenStr, claims, 0)
	}

	sess, err := s.deps.Registry.Session(claims.SessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// --- negotiate_capabilities ---

type negotiateParams struct {
	TenantID  string              `json:"tenant_id"`
	Requested []capability.Right  `json:"requested"`
	IssuedBy  string              `json:"issued_by"`
	TTL       int64               `json:"ttl_seconds"`
	MaxUses   int                 `json:"max_uses"`
}

type negotiateResult struct {
	SessionID string             `json:"session_id"`
	Granted   []capability.Right `json:"granted"`
	Denied    []capability.Right `json:"denied"`
	Token     string             `json:"token"`
	CapToken  *capability.Token  `json:"cap_token"`
}

// negotiateCapabilities opens a session under an existing tenant (tenants
// are provisioned out-of-band, see DESIGN.md) and mints both the session
// bearer JWT and a CAP token carrying the granted rights, so the client has
// something to present to submit_job (spec.md §4.J).
func (s *Server) negotiateCapabilities(r *http.Request, id int64, raw json.RawMessage) (any, error) {
	var p negotiateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed negotiate_capabilities params")
	}
	if p.TenantID == "" {
		return nil, qmkerrors.BadRequest("tenant_id required")
	}
	replayKey := fmt.Sprintf("%s|%s|%s|%d", r.RemoteAddr, MethodNegotiateCapabilities, p.TenantID, id)
	if !s.credentialReplay.ValidateAndMark(replayKey) {
		return nil, qmkerrors.BadRequest("replayed negotiate_capabilities request")
	}
	for _, right := range p.Requested {
		if !capability.KnownRights[right] {
			return nil, qmkerrors.BadRequest("unknown capability right: " + string(right))
		}
	}

	if err := s.deps.Registry.Allow(&registry.Session{Tenant: p.TenantID}, registry.OpClassRPCCall); err != nil {
		return nil, err
	}

	sess, err := s.deps.Registry.OpenSession(p.TenantID, p.Requested)
	if err != nil {
		return nil, err
	}

	denied := make([]capability.Right, 0, len(p.Requested))
	grantedSet := make(map[capability.Right]bool, len(sess.GrantedRights))
	for _, g := range sess.GrantedRights {
		grantedSet[g] = true
	}
	for _, req := range p.Requested {
		if !grantedSet[req] {
			denied = append(denied, req)
		}
	}

	issuedBy := p.IssuedBy
	if issuedBy == "" {
		issuedBy = "rpc-negotiate"
	}
	ttl := time.Duration(p.TTL) * time.Second
	if ttl <= 0 {
		ttl = s.deps.SessionTokenTTL
	}
	capTok := s.deps.CapStore.Issue(capability.IssueParams{
		Tenant:             p.TenantID,
		IssuedBy:           issuedBy,
		Rights:             sess.GrantedRights,
		TTL:                ttl,
		MaxUses:            p.MaxUses,
		MaxDelegationDepth: 3,
	})

	token, err := s.issueSessionToken(sess)
	if err != nil {
		return nil, qmkerrors.Internal("issue session token", err)
	}

	s.deps.Audit.Append("SESSION_OPENED", map[string]any{"tenant": p.TenantID, "session_id": sess.ID, "granted": sess.GrantedRights})

	return negotiateResult{
		SessionID: sess.ID,
		Granted:   sess.GrantedRights,
		Denied:    denied,
		Token:     token,
		CapToken:  capTok,
	}, nil
}

// --- submit_job ---

type submitJobParams struct {
	Graph     graph.Graph       `json:"graph"`
	Priority  int               `json:"priority"`
	Seed      int64             `json:"seed"`
	Debug     bool              `json:"debug"`
	RequestID string            `json:"request_id"`
	CapTokens []*capability.Token `json:"cap_tokens"`
}

type submitJobResult struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitJob(r *http.Request, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Allow(sess, registry.OpClassSubmitJob); err != nil {
		return nil, err
	}

	var p submitJobParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed submit_job params")
	}

	for _, tok := range p.CapTokens {
		if err := s.deps.CapStore.Verify(tok); err != nil {
			s.deps.Audit.Append("CAPABILITY_DENIED", map[string]any{"session_id": sess.ID, "reason": err.Error()})
			return nil, err
		}
	}

	job, err := s.deps.Jobs.Submit(jobmanager.SubmitParams{
		RequestID: p.RequestID,
		Session:   sess,
		Graph:     &p.Graph,
		Seed:      p.Seed,
		Priority:  p.Priority,
		Tokens:    p.CapTokens,
	})
	if err != nil {
		return nil, err
	}
	return submitJobResult{JobID: job.ID}, nil
}

// --- get_job_status ---

type jobIDParams struct {
	JobID string `json:"job_id"`
}

type jobStatusResult struct {
	State          string `json:"state"`
	Progress       string `json:"progress"`
	TerminalReason string `json:"terminal_reason,omitempty"`
}

func (s *Server) getJobStatus(r *http.Request, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	var p jobIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed get_job_status params")
	}

	lock := s.lockFor(p.JobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.deps.Jobs.GetStatus(p.JobID)
	if err != nil {
		return nil, err
	}
	if job.SessionID != sess.ID {
		return nil, qmkerrors.JobNotFound(p.JobID)
	}
	_, _, _, reason := job.Result()
	return jobStatusResult{State: string(job.State()), Progress: progressFor(job.State()), TerminalReason: reason}, nil
}

func progressFor(state jobmanager.State) string {
	switch state {
	case jobmanager.StateQueued:
		return "queued"
	case jobmanager.StateValidating:
		return "validating"
	case jobmanager.StateRunning:
		return "running"
	default:
		return "terminal"
	}
}

// --- wait_for_job ---

type waitForJobParams struct {
	JobID     string `json:"job_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type jobResult struct {
	State          string         `json:"state"`
	Events         map[string]int `json:"events,omitempty"`
	Telemetry      device.Telemetry `json:"telemetry"`
	TerminalReason string         `json:"terminal_reason,omitempty"`
	FailedNodeID   string         `json:"failed_node_id,omitempty"`
}

func (s *Server) waitForJob(r *http.Request, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	var p waitForJobParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed wait_for_job params")
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	lock := s.lockFor(p.JobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.deps.Jobs.GetStatus(p.JobID)
	if err != nil {
		return nil, err
	}
	if job.SessionID != sess.ID {
		return nil, qmkerrors.JobNotFound(p.JobID)
	}

	done, err := s.deps.Jobs.WaitForJob(r.Context(), p.JobID, timeout)
	if err != nil {
		return nil, err
	}

	events, tel, failedNode, reason := done.Result()
	return jobResult{
		State:          string(done.State()),
		Events:         events,
		Telemetry:      tel,
		TerminalReason: reason,
		FailedNodeID:   failedNode,
	}, nil
}

// --- cancel_job ---

type ackResult struct {
	Ack bool `json:"ack"`
}

func (s *Server) cancelJob(r *http.Request, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	var p jobIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed cancel_job params")
	}

	lock := s.lockFor(p.JobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.deps.Jobs.GetStatus(p.JobID)
	if err != nil {
		return nil, err
	}
	if job.SessionID != sess.ID {
		return nil, qmkerrors.JobNotFound(p.JobID)
	}
	if err := s.deps.Jobs.Cancel(p.JobID); err != nil {
		return nil, err
	}
	return ackResult{Ack: true}, nil
}

// --- open_channel ---

type openChannelParams struct {
	VQA              string     `json:"vq_a"`
	VQB              string     `json:"vq_b"`
	Fidelity         float64    `json:"fidelity"`
	MaxEntanglements int        `json:"max_entanglements"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

type openChannelResult struct {
	ChannelToken string `json:"channel_token"`
}

func (s *Server) openChannel(r *http.Request, id int64, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Allow(sess, registry.OpClassOpenChan); err != nil {
		return nil, err
	}
	replayKey := fmt.Sprintf("%s|%s|%d", sess.ID, MethodOpenChannel, id)
	if !s.credentialReplay.ValidateAndMark(replayKey) {
		return nil, qmkerrors.BadRequest("replayed open_channel request")
	}

	var p openChannelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, qmkerrors.BadRequest("malformed open_channel params")
	}
	if p.VQA == "" || p.VQB == "" {
		return nil, qmkerrors.BadRequest("vq_a and vq_b required")
	}

	var ttl time.Duration
	if p.ExpiresAt != nil {
		ttl = time.Until(*p.ExpiresAt)
		if ttl <= 0 {
			return nil, qmkerrors.BadRequest("expires_at is in the past")
		}
	}

	tok := s.deps.CapStore.Issue(capability.IssueParams{
		Tenant:   sess.Tenant,
		IssuedBy: "rpc-open-channel",
		Rights:   []capability.Right{capability.RightLink},
		TTL:      ttl,
		MaxUses:  p.MaxEntanglements,
	})

	s.channelsMu.Lock()
	s.channels[tok.CapID] = channelGrant{VQA: p.VQA, VQB: p.VQB, Fidelity: p.Fidelity, MaxEntanglements: p.MaxEntanglements}
	s.channelsMu.Unlock()

	s.deps.Audit.Append("CHANNEL_REQUESTED", map[string]any{"session_id": sess.ID, "vq_a": p.VQA, "vq_b": p.VQB, "cap_id": tok.CapID})

	return openChannelResult{ChannelToken: tok.CapID + "." + capability.EncodeSignature(tok)}, nil
}

// --- get_telemetry ---

type telemetryResult struct {
	Tenant           string         `json:"tenant"`
	Usage            registry.Usage `json:"usage"`
	LiveJobs         int            `json:"live_jobs"`
	AuditChainValid  bool           `json:"audit_chain_valid"`
}

// cachedUsageSnapshot serves get_telemetry's usage figures from
// telemetryCache when a fresh-enough snapshot exists, falling back to the
// registry (and repopulating the cache) on a miss.
func (s *Server) cachedUsageSnapshot(ctx context.Context, tenant string) (registry.Usage, error) {
	if cached, ok := s.telemetryCache.Get(ctx, tenant); ok {
		return cached.(registry.Usage), nil
	}
	usage, err := s.deps.Registry.UsageSnapshot(tenant)
	if err != nil {
		return registry.Usage{}, err
	}
	s.telemetryCache.Set(ctx, tenant, usage)
	return usage, nil
}

func (s *Server) getTelemetry(r *http.Request, raw json.RawMessage) (any, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}

	usage, err := s.cachedUsageSnapshot(r.Context(), sess.Tenant)
	if err != nil {
		return nil, err
	}

	return telemetryResult{
		Tenant:          sess.Tenant,
		Usage:           usage,
		LiveJobs:        len(s.deps.Jobs.ListBySession(sess.ID)),
		AuditChainValid: s.deps.Audit.VerifyChain(),
	}, nil
}
