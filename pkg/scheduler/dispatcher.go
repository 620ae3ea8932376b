package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/registry"
)

// maxRequeues is the worker-crash re-queue cap (§4.2 edge cases): "cap of
// 2 re-queues before the run is failed with infrastructure_error".
const maxRequeues = 2

// Runner executes one admitted run to its terminal state. *pipeline.Engine
// satisfies this signature; the scheduler depends on the narrow interface
// only, the same boundary the teacher draws between pkg/queue and its
// SessionExecutor.
type Runner interface {
	Run(ctx context.Context, tenant domain.Tenant, runID string) error
}

// Config controls dispatcher worker count and crash-recovery backoff.
type Config struct {
	// WorkerCount is the number of goroutines pulling from the scheduler.
	WorkerCount int

	// CrashBackoff is the delay a worker sleeps after recovering from a
	// run panic before polling for its next entry, the same shape as the
	// teacher's brief one-second backoff on a non-capacity poll error.
	CrashBackoff time.Duration
}

// DefaultConfig returns the built-in dispatcher defaults.
func DefaultConfig() Config {
	return Config{WorkerCount: 5, CrashBackoff: time.Second}
}

// Dispatcher runs a pool of goroutines pulling eligible runs from a
// Scheduler and driving them through a Runner, generalizing the teacher's
// WorkerPool/Worker poll-claim-execute loop from a single global FIFO
// claimed via SQL row locks to per-tenant WFQ dispatch over an in-process
// queue, and its orphan/heartbeat detection into a synchronous
// panic-recover re-queue policy.
type Dispatcher struct {
	scheduler *Scheduler
	runner    Runner
	registry  *registry.Registry
	config    Config
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	log       *slog.Logger
}

// NewDispatcher constructs a Dispatcher. log may be nil, in which case
// slog.Default() is used.
func NewDispatcher(s *Scheduler, runner Runner, reg *registry.Registry, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.CrashBackoff <= 0 {
		cfg.CrashBackoff = DefaultConfig().CrashBackoff
	}
	return &Dispatcher{
		scheduler: s,
		runner:    runner,
		registry:  reg,
		config:    cfg,
		stopCh:    make(chan struct{}),
		log:       log,
	}
}

// Start spawns config.WorkerCount worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.WorkerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		d.wg.Add(1)
		go d.runWorker(ctx, id)
	}
}

// Stop signals every worker to stop after its current run and waits for
// them to finish. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	defer d.wg.Done()
	log := d.log.With("worker_id", workerID)
	log.Info("scheduler worker started")

	// waitCtx ends a blocked Next call once Stop is called, so an idle
	// worker does not sit in Next until new work arrives.
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		select {
		case <-d.stopCh:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	for {
		select {
		case <-d.stopCh:
			log.Info("scheduler worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, scheduler worker shutting down")
			return
		default:
		}

		e, err := d.scheduler.Next(waitCtx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || waitCtx.Err() != nil {
				return
			}
			continue
		}

		d.dispatch(ctx, workerID, e)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, workerID string, e *Entry) {
	log := d.log.With("worker_id", workerID, "run_id", e.RunID, "tenant_id", e.TenantID, "attempt", e.Attempts+1)
	log.Info("run dispatched")

	crashed := d.runSafely(ctx, log, e)
	d.scheduler.Complete(e.TenantID)

	if crashed {
		d.handleCrash(ctx, log, e)
	}
}

// runSafely invokes the runner, recovering a panic as a worker crash —
// the counterpart of what the teacher's ticker-driven orphan scan detects
// from a stale heartbeat, observed here synchronously at the call site
// instead.
func (d *Dispatcher) runSafely(ctx context.Context, log *slog.Logger, e *Entry) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", r)
			crashed = true
		}
	}()
	if err := d.runner.Run(ctx, e.Tenant, e.RunID); err != nil {
		log.Warn("run returned error", "error", err)
	}
	return false
}

func (d *Dispatcher) handleCrash(ctx context.Context, log *slog.Logger, e *Entry) {
	e.Attempts++
	if e.Attempts > maxRequeues {
		log.Error("run exceeded worker-crash requeue cap, failing run", "attempts", e.Attempts)
		if err := d.registry.SetRunState(context.WithoutCancel(ctx), e.RunID, domain.RunStateFailed); err != nil {
			log.Error("failed to mark crashed run as failed", "error", err)
		}
		return
	}

	log.Warn("requeuing run after worker crash", "attempts", e.Attempts)
	time.Sleep(d.config.CrashBackoff)
	d.scheduler.Requeue(e)
}
