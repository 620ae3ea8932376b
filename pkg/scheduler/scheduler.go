// Package scheduler implements the WFQ dispatch of admitted runs across
// tenants (§4.2), generalizing the teacher's single global FIFO worker
// pool (pkg/queue/{pool,worker,orphan}.go) into a per-tenant priority
// queue keyed by virtual finish time. The poll-claim-execute worker shape
// survives; what changes is what a worker claims: not the oldest pending
// row, but the pending run with the lowest virtual finish time whose
// tenant has spare concurrency.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
)

// ErrQueueClosed is returned by Next once the scheduler has been closed
// and no further runs will ever become eligible.
var ErrQueueClosed = errors.New("scheduler: queue closed")

// pendingPollFallback bounds how long Next can block without a wake
// signal, guarding against a missed notify on the single-slot channel
// when more than one worker is waiting.
const pendingPollFallback = 250 * time.Millisecond

// Entry is one admitted run waiting for dispatch. Its fields are
// immutable except attempts, which the Dispatcher increments on a
// worker-crash re-queue (§4.2 edge cases).
type Entry struct {
	RunID         string
	TenantID      string
	Tenant        domain.Tenant
	VirtualFinish float64
	AdmittedAt    time.Time
	Attempts      int

	index int // heap.Interface bookkeeping; -1 when not in the heap
}

// tenantState is the WFQ bookkeeping kept per tenant. queued counts
// entries still waiting in the heap (not yet dispatched); it drives the
// "empty queue carries no history" reset on the next enqueue.
type tenantState struct {
	lastFinish float64
	running    int
	queued     int
}

// entryHeap is a min-heap ordered by virtual finish time, tie-broken by
// admitted_at then run_id (§4.2 "Ties in F_r broken by earlier
// admitted_at, then lexicographic run_id").
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.VirtualFinish != b.VirtualFinish {
		return a.VirtualFinish < b.VirtualFinish
	}
	if !a.AdmittedAt.Equal(b.AdmittedAt) {
		return a.AdmittedAt.Before(b.AdmittedAt)
	}
	return a.RunID < b.RunID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler holds the process-wide pending queue plus per-tenant running
// counts and virtual finish times. Concurrency caps are read from each
// Entry's Tenant.Caps.MaxParallelRuns at dispatch time, so a tier change
// takes effect on the next enqueue without restarting the scheduler.
type Scheduler struct {
	mu      sync.Mutex
	pending entryHeap
	tenants map[string]*tenantState
	vclock  float64
	closed  bool
	notify  chan struct{}
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		tenants: make(map[string]*tenantState),
		notify:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits run for dispatch under tenant. serviceDemand is the
// Admission Controller's cost estimate in abstract units (§4.3 step 5);
// callers with no better estimate pass 1.0. admittedAt seeds the tie-break
// rule and should be the run's creation time, not time.Now(), so replays
// and tests stay deterministic.
func (s *Scheduler) Enqueue(tenant domain.Tenant, runID string, serviceDemand float64, admittedAt time.Time) {
	if serviceDemand <= 0 {
		serviceDemand = 1
	}
	weight := tenant.Caps.Weight
	if weight <= 0 {
		weight = 1
	}

	s.mu.Lock()
	ts, ok := s.tenants[tenant.TenantID]
	if !ok {
		ts = &tenantState{}
		s.tenants[tenant.TenantID] = ts
	}
	// A tenant with an empty queue carries no historical advantage or
	// disadvantage: F_t_last resets to the current virtual clock on its
	// next enqueue (§4.2 edge cases).
	if ts.queued == 0 {
		ts.lastFinish = s.vclock
	}
	finish := ts.lastFinish + serviceDemand/weight
	ts.lastFinish = finish
	ts.queued++

	heap.Push(&s.pending, &Entry{
		RunID:         runID,
		TenantID:      tenant.TenantID,
		Tenant:        tenant,
		VirtualFinish: finish,
		AdmittedAt:    admittedAt,
	})
	s.mu.Unlock()
	s.wake()
}

// Next blocks until an eligible run is available or ctx is done, then
// removes and returns it, incrementing the owning tenant's running count.
// Eligible means: minimum virtual finish time among runs whose tenant has
// not reached MaxParallelRuns (§4.2 dispatch algorithm step 1).
func (s *Scheduler) Next(ctx context.Context) (*Entry, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrQueueClosed
		}
		e, ok := s.popEligibleLocked()
		s.mu.Unlock()
		if ok {
			return e, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		case <-time.After(pendingPollFallback):
		}
	}
}

// popEligibleLocked scans the heap in virtual-finish order for the first
// entry whose tenant still has spare concurrency, restoring every entry
// it skipped before returning. Callers must hold s.mu.
func (s *Scheduler) popEligibleLocked() (*Entry, bool) {
	var held []*Entry
	var found *Entry

	for len(s.pending) > 0 {
		e := heap.Pop(&s.pending).(*Entry)
		ts := s.tenants[e.TenantID]
		maxParallel := e.Tenant.Caps.MaxParallelRuns
		if maxParallel <= 0 || ts.running < maxParallel {
			found = e
			break
		}
		held = append(held, e)
	}
	for _, e := range held {
		heap.Push(&s.pending, e)
	}
	if found == nil {
		return nil, false
	}

	ts := s.tenants[found.TenantID]
	ts.running++
	ts.queued--
	if found.VirtualFinish > s.vclock {
		s.vclock = found.VirtualFinish
	}
	return found, true
}

// Complete releases tenantID's concurrency slot after a dispatched run
// reaches a terminal state, and wakes any worker blocked in Next.
func (s *Scheduler) Complete(tenantID string) {
	s.mu.Lock()
	if ts, ok := s.tenants[tenantID]; ok && ts.running > 0 {
		ts.running--
	}
	s.mu.Unlock()
	s.wake()
}

// Requeue returns e to the pending set at its original virtual finish
// time (§4.2: "run is re-queued with same F_r"). Callers must have
// already released e's running slot via Complete, so the re-queued run
// competes for a fresh slot like any other pending entry.
func (s *Scheduler) Requeue(e *Entry) {
	s.mu.Lock()
	if ts, ok := s.tenants[e.TenantID]; ok {
		ts.queued++
	}
	heap.Push(&s.pending, e)
	s.mu.Unlock()
	s.wake()
}

// Close marks the scheduler closed: every blocked and future Next call
// returns ErrQueueClosed. Already-dispatched runs are unaffected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Len reports the number of runs currently pending dispatch.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Running reports the number of runs currently dispatched for tenantID.
func (s *Scheduler) Running(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tenants[tenantID]; ok {
		return ts.running
	}
	return 0
}
