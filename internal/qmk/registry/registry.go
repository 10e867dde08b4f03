// Package registry implements the tenant and session control plane of
// spec.md §4.D: isolated namespaces, quotas, usage counters, and session
// lifecycle. Mutation of tenant/session tables happens under per-entity
// fine-grained locks (spec.md §5 "Shared-resource policy"), following the
// same one-lock-per-entity discipline as the infrastructure/cache package's
// map+mutex pattern, but extended here with quota bookkeeping and
// per-(tenant, operation class) rate limiting.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	"github.com/R3E-Network/qmk/infrastructure/ratelimit"
	core "github.com/R3E-Network/qmk/internal/app/core/service"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
)

// Quota bounds a tenant's resource consumption (spec.md §3 "Tenant").
type Quota struct {
	MaxVQs           int
	MaxCHs           int
	MaxSessions      int
	MaxConcurrentJobs int
	RateLimitPerSec   float64
	RateLimitBurst    int
}

// Usage tracks a tenant's live resource counts.
type Usage struct {
	VQs            int
	CHs            int
	Sessions       int
	ConcurrentJobs int
}

// OperationClass names a rate-limited class of operation (spec.md §4.D
// "Rate limits are token-bucket per (tenant, operation class)").
type OperationClass string

const (
	OpClassSubmitJob OperationClass = "submit_job"
	OpClassRPCCall   OperationClass = "rpc_call"
	OpClassOpenChan  OperationClass = "open_channel"
)

// Tenant is an isolated namespace (spec.md §3).
type Tenant struct {
	mu           sync.Mutex
	ID           string
	Suspended    bool
	Quota        Quota
	GrantedRights []capability.Right
	Usage        Usage
	limiters     map[OperationClass]*ratelimit.RateLimiter
}

func (t *Tenant) limiterFor(class OperationClass) *ratelimit.RateLimiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[class]
	if !ok {
		rps := t.Quota.RateLimitPerSec
		if rps <= 0 {
			rps = 50
		}
		burst := t.Quota.RateLimitBurst
		if burst <= 0 {
			burst = 100
		}
		lim = ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: rps, Burst: burst, Window: time.Second})
		t.limiters[class] = lim
	}
	return lim
}

// Session is owned by one tenant (spec.md §3).
type Session struct {
	mu            sync.Mutex
	ID            string
	Tenant        string
	GrantedRights []capability.Right
	LiveVQs       map[string]bool
	LiveCHs       map[string]bool
	LiveJobs      map[string]bool
	Closed        bool
	OpenedAt      time.Time
}

// HasRight reports whether the session was granted right.
func (s *Session) HasRight(right capability.Right) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.GrantedRights {
		if r == right {
			return true
		}
	}
	return false
}

// Registry holds every tenant and session, keyed by id, each behind its own
// lock; the Registry-level mutex only protects the two top-level maps, not
// entity fields (spec.md §5, §9 "explicit registries... typed map protected
// by fine-grained locks").
type Registry struct {
	mu       sync.RWMutex
	tenants  map[string]*Tenant
	sessions map[string]*Session
}

// Descriptor advertises the registry's placement for admin introspection
// (internal/app/system "service catalog", SPEC_FULL.md §2 component D).
func (r *Registry) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "tenant_session_registry",
		Domain:       "qmk",
		Layer:        core.LayerControlPlane,
		Capabilities: []string{"quota_enforcement", "session_lifecycle", "rate_limiting"},
	}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		tenants:  make(map[string]*Tenant),
		sessions: make(map[string]*Session),
	}
}

// CreateTenant registers a new tenant (spec.md §4.D "create_tenant(id,
// quota, initial_rights)").
func (r *Registry) CreateTenant(id string, quota Quota, initialRights []capability.Right) (*Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[id]; exists {
		return nil, qmkerrors.BadRequest("tenant already exists")
	}
	t := &Tenant{
		ID:            id,
		Quota:         quota,
		GrantedRights: append([]capability.Right(nil), initialRights...),
		limiters:      make(map[OperationClass]*ratelimit.RateLimiter),
	}
	r.tenants[id] = t
	return t, nil
}

// Tenant looks up a tenant by id.
func (r *Registry) Tenant(id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, qmkerrors.BadRequest("unknown tenant")
	}
	return t, nil
}

// Suspend marks a tenant inactive; its sessions remain until explicitly
// closed, but OpenSession refuses new ones and Session fails SESSION_INVALID
// for the existing ones while the tenant stays suspended.
func (r *Registry) Suspend(id string) error {
	t, err := r.Tenant(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.Suspended = true
	t.mu.Unlock()
	return nil
}

// Resume un-suspends a tenant.
func (r *Registry) Resume(id string) error {
	t, err := r.Tenant(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.Suspended = false
	t.mu.Unlock()
	return nil
}

// OpenSession admits a new session under tenant, computing
// granted_rights = requested_rights ∩ tenant_rights (spec.md §4.D; policy
// rights are represented by the tenant's own granted set in this
// implementation, since no separate global policy store is specified).
func (r *Registry) OpenSession(tenantID string, requestedRights []capability.Right) (*Session, error) {
	t, err := r.Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.Suspended {
		t.mu.Unlock()
		return nil, qmkerrors.SessionInvalid(tenantID)
	}
	if t.Quota.MaxSessions > 0 && t.Usage.Sessions >= t.Quota.MaxSessions {
		t.mu.Unlock()
		return nil, qmkerrors.QuotaExceeded("sessions")
	}
	tenantRights := make(map[capability.Right]bool, len(t.GrantedRights))
	for _, right := range t.GrantedRights {
		tenantRights[right] = true
	}
	t.Usage.Sessions++
	t.mu.Unlock()

	var granted []capability.Right
	for _, req := range requestedRights {
		if tenantRights[req] {
			granted = append(granted, req)
		}
	}

	sess := &Session{
		ID:            uuid.NewString(),
		Tenant:        tenantID,
		GrantedRights: granted,
		LiveVQs:       make(map[string]bool),
		LiveCHs:       make(map[string]bool),
		LiveJobs:      make(map[string]bool),
		OpenedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess, nil
}

// Session looks up a session by id, failing SESSION_INVALID if absent,
// already closed, or owned by a suspended tenant (spec.md §7 taxonomy).
func (r *Registry) Session(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, qmkerrors.SessionInvalid(id)
	}
	sess.mu.Lock()
	closed := sess.Closed
	sess.mu.Unlock()
	if closed {
		return nil, qmkerrors.SessionInvalid(id)
	}
	if t, err := r.Tenant(sess.Tenant); err == nil {
		t.mu.Lock()
		suspended := t.Suspended
		t.mu.Unlock()
		if suspended {
			return nil, qmkerrors.SessionInvalid(id)
		}
	}
	return sess, nil
}

// CloseSession closes a session, releasing its quota-counted resources back
// to the owning tenant (spec.md §4.D "closing a session cancels its jobs
// and frees its handles"; job cancellation itself is the job manager's
// responsibility — CloseSession reports the live job ids so the caller can
// cancel each).
func (r *Registry) CloseSession(id string) ([]string, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, qmkerrors.SessionInvalid(id)
	}

	sess.mu.Lock()
	if sess.Closed {
		sess.mu.Unlock()
		return nil, nil
	}
	sess.Closed = true
	liveJobs := make([]string, 0, len(sess.LiveJobs))
	for id := range sess.LiveJobs {
		liveJobs = append(liveJobs, id)
	}
	vqCount, chCount := len(sess.LiveVQs), len(sess.LiveCHs)
	sess.mu.Unlock()

	if t, err := r.Tenant(sess.Tenant); err == nil {
		t.mu.Lock()
		t.Usage.Sessions--
		t.Usage.VQs -= vqCount
		t.Usage.CHs -= chCount
		t.mu.Unlock()
	}
	return liveJobs, nil
}

// AdmitVQ charges one VQ allocation against the tenant's quota, returning
// QUOTA_EXCEEDED synchronously if the tenant is already at its bound
// (spec.md §4.D "Quota enforcement is synchronous at every admission
// point").
func (r *Registry) AdmitVQ(sess *Session) error {
	t, err := r.Tenant(sess.Tenant)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Quota.MaxVQs > 0 && t.Usage.VQs >= t.Quota.MaxVQs {
		return qmkerrors.QuotaExceeded("vqs")
	}
	t.Usage.VQs++
	return nil
}

// ReleaseVQ returns one VQ allocation to the tenant's available quota.
func (r *Registry) ReleaseVQ(sess *Session) {
	t, err := r.Tenant(sess.Tenant)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.Usage.VQs > 0 {
		t.Usage.VQs--
	}
	t.mu.Unlock()
}

// AdmitJob charges one concurrent-job slot against the tenant's quota.
func (r *Registry) AdmitJob(sess *Session) error {
	t, err := r.Tenant(sess.Tenant)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Quota.MaxConcurrentJobs > 0 && t.Usage.ConcurrentJobs >= t.Quota.MaxConcurrentJobs {
		return qmkerrors.QuotaExceeded("concurrent_jobs")
	}
	t.Usage.ConcurrentJobs++
	return nil
}

// ReleaseJob returns one concurrent-job slot to the tenant.
func (r *Registry) ReleaseJob(sess *Session) {
	t, err := r.Tenant(sess.Tenant)
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.Usage.ConcurrentJobs > 0 {
		t.Usage.ConcurrentJobs--
	}
	t.mu.Unlock()
}

// Allow checks the per-(tenant, operation class) token bucket (spec.md
// §4.D), returning RATE_LIMITED if exhausted.
func (r *Registry) Allow(sess *Session, class OperationClass) error {
	t, err := r.Tenant(sess.Tenant)
	if err != nil {
		return err
	}
	if !t.limiterFor(class).Allow() {
		return qmkerrors.RateLimited(string(class))
	}
	return nil
}

// UsageSnapshot returns a copy of a tenant's current usage counters, for
// telemetry and the supplemental `usage_snapshot` read operation.
func (r *Registry) UsageSnapshot(tenantID string) (Usage, error) {
	t, err := r.Tenant(tenantID)
	if err != nil {
		return Usage{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Usage, nil
}

// ListSessions returns the ids of all open sessions for tenantID.
func (r *Registry) ListSessions(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		s.mu.Lock()
		closed := s.Closed
		tenant := s.Tenant
		s.mu.Unlock()
		if tenant == tenantID && !closed {
			out = append(out, id)
		}
	}
	return out
}
