// Package jobmanager implements the job control plane of spec.md §4.K: a
// fixed-size worker pool draining one manager-wide priority queue (FIFO
// among equal priorities; jobs are not queued per session), blocking
// wait_for_job with a timeout, idempotent submission and cancellation.
package jobmanager

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	qmkerrors "github.com/R3E-Network/qmk/infrastructure/errors"
	core "github.com/R3E-Network/qmk/internal/app/core/service"
	"github.com/R3E-Network/qmk/internal/qmk/audit"
	"github.com/R3E-Network/qmk/internal/qmk/capability"
	"github.com/R3E-Network/qmk/internal/qmk/device"
	"github.com/R3E-Network/qmk/internal/qmk/executor"
	"github.com/R3E-Network/qmk/internal/qmk/graph"
	"github.com/R3E-Network/qmk/internal/qmk/registry"
	"github.com/R3E-Network/qmk/internal/qmk/verifier"
	"github.com/R3E-Network/qmk/pkg/metrics"
)

// State is a job's position in the lifecycle state machine of spec.md §3
// (`QUEUED -> VALIDATING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}`).
type State string

const (
	StateQueued     State = "QUEUED"
	StateValidating State = "VALIDATING"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Job is one submitted unit of execution.
type Job struct {
	ID        string
	SessionID string
	TenantID  string
	Graph     *graph.Graph
	Cert      *verifier.Certification
	Seed      int64
	Priority  int
	Tokens    []*capability.Token

	mu             sync.Mutex
	state          State
	events         map[string]int
	telemetry      device.Telemetry
	failedNodeID   string
	terminalReason string

	seq       int64
	cancelCh  chan struct{}
	cancelled bool
	done      chan struct{}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the job's outcome fields, valid once State() is terminal.
func (j *Job) Result() (events map[string]int, tel device.Telemetry, failedNodeID, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.events, j.telemetry, j.failedNodeID, j.terminalReason
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	prev := j.state
	j.state = s
	j.mu.Unlock()
	metrics.RecordJobTransition(string(prev), string(s))
}

// SubmitParams is the input to Submit (spec.md §4.J "submit_job").
type SubmitParams struct {
	RequestID string // client-generated idempotency key
	Session   *registry.Session
	Graph     *graph.Graph
	Seed      int64
	Priority  int
	Tokens    []*capability.Token
}

// Deps bundles the collaborators the Manager drives jobs through.
type Deps struct {
	Registry *registry.Registry
	Signer   *capability.Signer
	Audit    *audit.Logger
	Executor *executor.Executor
	// NewBackend constructs a fresh device backend for one job's run,
	// typically device.NewSimBackend(seed).
	NewBackend func(seed int64) device.Backend
	// MaxRecoveryAttempts bounds the executor's uncompute-and-retry cycles
	// on a DEVICE_FAILURE (spec.md §7); zero disables recovery.
	MaxRecoveryAttempts int
}

// Manager owns the job table, the request-id dedup map (its entries never
// expire), and the worker
// pool (spec.md §4.K, §5 "fixed-size worker pool").
type Manager struct {
	deps Deps

	mu      sync.Mutex
	jobs    map[string]*Job
	dedup   map[string]string // request id -> job id
	pq      priorityQueue
	seq     int64
	wake    chan struct{}
	closeCh chan struct{}
	workers int
	wg      sync.WaitGroup

	// obsHooks wraps the executor.Run call for each job with a Prometheus
	// in-flight gauge and completion histogram (pkg/metrics.ObservationHooks),
	// reusing internal/app/core/service's generic observation contract rather
	// than adding a jobmanager-specific timing wrapper.
	obsHooks core.ObservationHooks
}

// Descriptor advertises the job manager's placement for admin introspection
// (internal/app/system "service catalog", SPEC_FULL.md §2 component K).
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "job_manager",
		Domain:       "qmk",
		Layer:        core.LayerControlPlane,
		Capabilities: []string{"priority_queue", "idempotent_submission", "cancellation"},
	}
}

// New constructs a Manager and starts workers goroutines draining the queue.
func New(deps Deps, workers int) *Manager {
	if workers <= 0 {
		workers = 4
	}
	m := &Manager{
		deps:     deps,
		jobs:     make(map[string]*Job),
		dedup:    make(map[string]string),
		wake:     make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		workers:  workers,
		obsHooks: metrics.ObservationHooks("qmk", "jobmanager", "job_execution"),
	}
	heap.Init(&m.pq)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.workerLoop()
	}
	return m
}

// Close stops accepting new dispatch and waits for in-flight workers to
// drain their current job.
func (m *Manager) Close() {
	close(m.closeCh)
	m.wg.Wait()
}

// Submit admits a job under quota, certifies its graph, and enqueues it.
// Resubmission with the same RequestID returns the original job rather than
// creating a duplicate (spec.md §4.K "idempotent submission keyed by
// client-generated request id").
func (m *Manager) Submit(p SubmitParams) (*Job, error) {
	if p.RequestID != "" {
		m.mu.Lock()
		if jobID, ok := m.dedup[p.RequestID]; ok {
			job := m.jobs[jobID]
			m.mu.Unlock()
			return job, nil
		}
		m.mu.Unlock()
	}

	cert, errs := verifier.Verify(p.Graph, m.deps.Signer)
	if len(errs) > 0 {
		return nil, verifier.AsServiceError(errs)
	}

	if err := m.deps.Registry.AdmitJob(p.Session); err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.NewString(),
		SessionID: p.Session.ID,
		TenantID:  p.Session.Tenant,
		Graph:     p.Graph,
		Cert:      cert,
		Seed:      p.Seed,
		Priority:  p.Priority,
		Tokens:    p.Tokens,
		state:     StateQueued,
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	job.seq = m.seq
	m.seq++
	m.jobs[job.ID] = job
	if p.RequestID != "" {
		m.dedup[p.RequestID] = job.ID
	}
	heap.Push(&m.pq, job)
	m.mu.Unlock()

	p.Session.LiveJobs[job.ID] = true
	metrics.RecordJobTransition("", string(StateQueued))
	m.deps.Audit.Append("JOB_SUBMITTED", map[string]any{"job_id": job.ID, "tenant": job.TenantID})

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// GetStatus returns a job by id.
func (m *Manager) GetStatus(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, qmkerrors.JobNotFound(jobID)
	}
	return job, nil
}

// WaitForJob blocks until jobID reaches a terminal state or timeout elapses
// (spec.md §4.J "wait_for_job"), parking on the job's completion channel per
// spec.md §9's "parks on a completion signal with a timeout".
func (m *Manager) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*Job, error) {
	job, err := m.GetStatus(jobID)
	if err != nil {
		return nil, err
	}
	select {
	case <-job.done:
		return job, nil
	case <-ctx.Done():
		return job, ctx.Err()
	case <-time.After(timeout):
		return job, qmkerrors.Timeout("wait_for_job")
	}
}

// Cancel requests cancellation of jobID. Cancelling an already-terminal job
// is a no-op (spec.md §4.K "idempotent cancellation"); cancelling a queued
// job marks it cancelled without ever dispatching it; cancelling a running
// job closes its cancel channel, checked at the executor's next node
// boundary.
func (m *Manager) Cancel(jobID string) error {
	job, err := m.GetStatus(jobID)
	if err != nil {
		return err
	}

	job.mu.Lock()
	if job.cancelled || isTerminal(job.state) {
		job.mu.Unlock()
		return nil
	}
	job.cancelled = true
	state := job.state
	job.mu.Unlock()

	if state == StateQueued {
		job.setState(StateCancelled)
		close(job.done)
		m.deps.Registry.ReleaseJob(&registry.Session{Tenant: job.TenantID})
		return nil
	}
	close(job.cancelCh)
	return nil
}

func isTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (m *Manager) workerLoop() {
	defer m.wg.Done()
	for {
		job := m.dequeue()
		if job == nil {
			select {
			case <-m.closeCh:
				return
			case <-m.wake:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		m.run(job)
	}
}

func (m *Manager) dequeue() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pq.Len() > 0 {
		job := heap.Pop(&m.pq).(*Job)
		job.mu.Lock()
		cancelled := job.cancelled
		job.mu.Unlock()
		if cancelled {
			continue
		}
		return job
	}
	return nil
}

func (m *Manager) run(job *Job) {
	job.setState(StateValidating)
	job.setState(StateRunning)

	sess, err := m.deps.Registry.Session(job.SessionID)
	if err != nil {
		m.finishFailed(job, "", err.Error())
		return
	}

	backend := m.deps.NewBackend(job.Seed)
	runCtx := context.Background()
	finishObservation := core.StartObservation(runCtx, m.obsHooks, map[string]string{"resource": job.TenantID})
	res := m.deps.Executor.Run(runCtx, backend, executor.RunInput{
		JobID:               job.ID,
		Graph:               job.Graph,
		Cert:                job.Cert,
		Seed:                job.Seed,
		Session:             sess,
		Tokens:              job.Tokens,
		CancelCh:            job.cancelCh,
		MaxRecoveryAttempts: m.deps.MaxRecoveryAttempts,
	})
	finishObservation(res.Err)

	job.mu.Lock()
	job.events = res.Events
	job.telemetry = res.Telemetry
	job.failedNodeID = res.FailedNodeID
	job.mu.Unlock()

	delete(sess.LiveJobs, job.ID)
	m.deps.Registry.ReleaseJob(sess)

	switch {
	case res.Cancelled:
		job.setState(StateCancelled)
	case res.Err != nil:
		job.mu.Lock()
		job.terminalReason = res.Err.Error()
		job.mu.Unlock()
		job.setState(StateFailed)
	default:
		job.setState(StateCompleted)
	}
	m.deps.Audit.Append("JOB_TERMINAL", map[string]any{"job_id": job.ID, "state": string(job.State())})
	close(job.done)
}

func (m *Manager) finishFailed(job *Job, nodeID, reason string) {
	job.mu.Lock()
	job.failedNodeID = nodeID
	job.terminalReason = reason
	job.mu.Unlock()
	job.setState(StateFailed)
	close(job.done)
}

// priorityQueue orders jobs by descending Priority, then ascending seq
// (FIFO within the same priority), satisfying spec.md §4.K "per-session
// priority+FIFO queues" at the manager-wide level (session identity is
// already captured per job via SessionID for any caller that wants a
// per-session view through ListBySession).
type priorityQueue []*Job

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*Job)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// ListBySession returns the ids of all non-terminal jobs owned by
// sessionID, for CloseSession-driven bulk cancellation.
func (m *Manager) ListBySession(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, j := range m.jobs {
		if j.SessionID == sessionID && !isTerminal(j.State()) {
			out = append(out, id)
		}
	}
	return out
}
