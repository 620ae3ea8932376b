// Package registry implements the Run Registry: the sole writer of Run
// and StageRecord rows, and the authority other components query for
// run/stage status (§3, §4.1).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/events"
)

// Store is the persistence boundary the Registry writes through. It
// carries no locking semantics of its own beyond the optimistic version
// check on updates; serialization per run_id is the Registry's job.
type Store interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, tenantID string, filter ListFilter) ([]domain.Run, error)
	UpdateRun(ctx context.Context, run domain.Run, expectedVersion int64) error
	// PurgeTerminalBefore deletes every run (and its stage records) whose
	// TerminalAt is non-nil and strictly before cutoff, returning the
	// count removed. Non-terminal runs are never eligible regardless of
	// age (§4.5 retention).
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// PurgeTenant deletes every run for tenantID regardless of state or
	// age, for the tenant-scoped purge-on-request operation (§4.5).
	PurgeTenant(ctx context.Context, tenantID string) (int64, error)
}

// ListFilter narrows ListRuns by optional, additive predicates.
type ListFilter struct {
	State     domain.RunState
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit     int
	Offset    int
}

// Registry serializes all writes to a given run_id through an in-process
// mutex, on top of the Store's own optimistic version check. The mutex
// guards against two goroutines in this process racing each other; the
// version check guards against another process (or pod) doing the same.
// Mirrors the claim-then-conditional-update shape the teacher uses for
// session claiming, generalized from a single-field status update to a
// read-modify-write over the whole Run aggregate.
type Registry struct {
	store Store
	clock clock.Clock
	bus   *events.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Registry over store, using c to stamp terminal and
// cancellation timestamps. Events are not published; use NewWithBus to
// wire in a fan-out Bus.
func New(store Store, c clock.Clock) *Registry {
	return &Registry{
		store: store,
		clock: c,
		locks: make(map[string]*sync.Mutex),
	}
}

// NewWithBus constructs a Registry that publishes a run.state_changed or
// stage.completed event on bus after every successful mutation, so an
// in-process subscriber can react without re-reading the registry on
// every tick.
func NewWithBus(store Store, c clock.Clock, bus *events.Bus) *Registry {
	r := New(store, c)
	r.bus = bus
	return r
}

func (r *Registry) publish(runID string, evt events.Event) {
	if r.bus == nil {
		return
	}
	evt.RunID = runID
	r.bus.Publish(events.RunChannel(runID), evt)
}

func (r *Registry) lockFor(runID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[runID] = l
	}
	return l
}

// CreateRun inserts a new run in RunStateAdmitted. Callers (the Admission
// Controller) are responsible for idempotency-key deduplication before
// calling this; CreateRun itself only enforces run_id uniqueness.
func (r *Registry) CreateRun(ctx context.Context, run domain.Run) error {
	run.Version = 1
	return r.store.CreateRun(ctx, run)
}

// GetRun returns the current state of a run.
func (r *Registry) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// ListRuns returns runs for a tenant matching filter.
func (r *Registry) ListRuns(ctx context.Context, tenantID string, filter ListFilter) ([]domain.Run, error) {
	return r.store.ListRuns(ctx, tenantID, filter)
}

// mutate serializes a read-modify-write against runID: it locks the
// in-process mutex, loads the current row, lets fn apply its change, and
// writes back under the version it read. A lost optimistic-concurrency
// race (another process won first) surfaces as ErrConcurrentModification.
func (r *Registry) mutate(ctx context.Context, runID string, fn func(run *domain.Run) error) error {
	lock := r.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	expectedVersion := run.Version
	if err := fn(&run); err != nil {
		return err
	}
	run.Version = expectedVersion + 1

	return r.store.UpdateRun(ctx, run, expectedVersion)
}

// UpdateStage records the outcome of one stage attempt. It replaces any
// existing record for the same stage name (retries overwrite, per §3's
// "only the last attempt's terminal state is authoritative").
func (r *Registry) UpdateStage(ctx context.Context, runID string, rec domain.StageRecord) error {
	err := r.mutate(ctx, runID, func(run *domain.Run) error {
		for i, existing := range run.Stages {
			if existing.Name == rec.Name {
				run.Stages[i] = rec
				return nil
			}
		}
		run.Stages = append(run.Stages, rec)
		return nil
	})
	if err == nil && rec.State.Terminal() {
		r.publish(runID, events.Event{Type: events.EventStageCompleted, Payload: rec})
	}
	return err
}

// SetRunState transitions a run to state. A run already in a terminal
// state rejects every further transition with ErrInvalidTransition.
func (r *Registry) SetRunState(ctx context.Context, runID string, state domain.RunState) error {
	err := r.mutate(ctx, runID, func(run *domain.Run) error {
		if run.State.Terminal() {
			return ErrInvalidTransition
		}
		run.State = state
		if state.Terminal() {
			now := r.clock.Now()
			run.TerminalAt = &now
		}
		return nil
	})
	if err == nil {
		r.publish(runID, events.Event{Type: events.EventRunStateChanged, Payload: state})
	}
	return err
}

// AppendFingerprint attaches the model fingerprint, plan DNA, or both
// (whichever is non-empty) to a run, preserving any fields already set.
func (r *Registry) AppendFingerprint(ctx context.Context, runID string, fp domain.Fingerprints) error {
	return r.mutate(ctx, runID, func(run *domain.Run) error {
		if fp.ModelFingerprint != "" {
			run.Fingerprints.ModelFingerprint = fp.ModelFingerprint
		}
		if fp.PlanDNA != "" {
			run.Fingerprints.PlanDNA = fp.PlanDNA
		}
		return nil
	})
}

// SetEvidenceRef attaches the evidence ref once the run's evidence batch
// has been written.
func (r *Registry) SetEvidenceRef(ctx context.Context, runID, ref string) error {
	return r.mutate(ctx, runID, func(run *domain.Run) error {
		run.EvidenceRef = ref
		return nil
	})
}

// SetReservationID attaches or replaces the budget reservation id a run
// is running under. The Admission Controller does not call it: it sets
// the initial id on the Run it passes to CreateRun.
func (r *Registry) SetReservationID(ctx context.Context, runID, reservationID string) error {
	return r.mutate(ctx, runID, func(run *domain.Run) error {
		run.ReservationID = reservationID
		return nil
	})
}

// PurgeTerminal deletes every run that has been terminal since before
// olderThan, for the cleanup service's retention sweep. It applies no
// retention floor of its own: any olderThan is honored, so keeping runs
// for the 90-day window is the caller's responsibility (§4.5: "terminal
// runs retained ≥ 90 days").
func (r *Registry) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.store.PurgeTerminalBefore(ctx, olderThan)
}

// PurgeTenant deletes every run for tenantID immediately, regardless of
// state or age, for an explicit tenant-scoped purge request (§4.5).
func (r *Registry) PurgeTenant(ctx context.Context, tenantID string) (int64, error) {
	return r.store.PurgeTenant(ctx, tenantID)
}

// RequestCancellation marks a run cancellation-requested without
// immediately transitioning its state; the pipeline engine observes the
// timestamp at its next cooperative checkpoint (§4.1) and is responsible
// for the eventual SetRunState(Canceled) call.
func (r *Registry) RequestCancellation(ctx context.Context, runID string) error {
	return r.mutate(ctx, runID, func(run *domain.Run) error {
		if run.State.Terminal() {
			return ErrInvalidTransition
		}
		if run.CancellationAt != nil {
			return nil
		}
		now := r.clock.Now()
		run.CancellationAt = &now
		return nil
	})
}
