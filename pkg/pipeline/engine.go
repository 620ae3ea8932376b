// Package pipeline drives the fixed Compile → Forecast → Policy →
// Optimise → (Diagnose) → Explain → Evidence stage DAG for one run,
// generalizing the teacher's sequential chain loop (fail-fast, one DB
// record per stage, cancellation checked between steps) from a variable
// agent chain to a fixed stage graph with per-stage retry/backoff and
// content-addressed fingerprints (§4.1, §5).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dyocense/kernel/pkg/budget"
	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/evidence"
	"github.com/dyocense/kernel/pkg/fingerprint"
	"github.com/dyocense/kernel/pkg/registry"
	"github.com/dyocense/kernel/pkg/stages"
)

const (
	maxStageAttempts   = 3
	stageBackoffBase   = 250 * time.Millisecond
	stageBackoffCap    = 4 * time.Second
	stageJitterFactor  = 0.2
	defaultStageTimeout = 30 * time.Second
	schedulingSlack     = 5 * time.Second
)

// Engine drives a single run through the stage DAG. One Engine instance
// is shared across runs; all per-run state lives in the Registry and
// the Batch handed to Run.
type Engine struct {
	registry *registry.Registry
	evidence *evidence.Writer
	accountant *budget.Accountant

	compiler      stages.Compiler
	forecaster    stages.Forecaster
	policy        stages.PolicyGuard
	optimiser     stages.Optimiser
	diagnostician stages.Diagnostician
	explainer     stages.Explainer

	clock clock.Clock
	log   *slog.Logger
}

// Adapters bundles the six pluggable stage capabilities.
type Adapters struct {
	Compiler      stages.Compiler
	Forecaster    stages.Forecaster
	Policy        stages.PolicyGuard
	Optimiser     stages.Optimiser
	Diagnostician stages.Diagnostician
	Explainer     stages.Explainer
}

// New constructs an Engine.
func New(reg *registry.Registry, ev *evidence.Writer, acct *budget.Accountant, a Adapters, c clock.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry: reg, evidence: ev, accountant: acct,
		compiler: a.Compiler, forecaster: a.Forecaster, policy: a.Policy,
		optimiser: a.Optimiser, diagnostician: a.Diagnostician, explainer: a.Explainer,
		clock: c, log: log,
	}
}

// stageOutcome is the internal result of running one DAG step.
type stageOutcome struct {
	skipped bool
	failed  bool
	kind    domain.ErrorKind
}

// Run drives runID through the DAG to a terminal state. Every stage
// transition and the run's terminal state are persisted through the
// Registry before Run returns; the caller (the WFQ worker) only needs
// to invoke this once per dispatch.
func (e *Engine) Run(ctx context.Context, tenant domain.Tenant, runID string) error {
	run, err := e.registry.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.globalPipelineCap(tenant))
	defer cancel()

	e.log.Info("run started", "run_id", runID, "tenant_id", tenant.TenantID)

	if err := e.registry.SetRunState(ctx, runID, domain.RunStateRunning); err != nil {
		return err
	}

	batch := evidence.NewBatch(runID)

	if canceled, err := e.checkCancellation(ctx, runID); err != nil {
		return err
	} else if canceled {
		return e.finishCanceled(ctx, runID, tenant, batch)
	}

	// ── Compile ──
	compileReq := stages.CompileRequest{
		GoalText: run.Goal, TablesProfile: run.TablesProfile, TenantCtx: tenant,
		ArchetypeID: run.ArchetypeID, Seed: run.Seed,
	}
	compileOut, outcome, err := runStage(ctx, e, tenant, run, domain.StageCompile, compileReq, func(ctx context.Context) (stages.CompileResponse, error) {
		return e.compiler.Compile(ctx, compileReq)
	})
	if err != nil {
		if outcome.kind == domain.ErrCanceled {
			return e.finishCanceled(ctx, runID, tenant, batch)
		}
		return e.finishFailed(ctx, runID, tenant, batch, outcome.kind, err)
	}
	modelFP, _ := fingerprint.ModelFingerprint(compileOut.OPS, nil)
	_ = e.registry.AppendFingerprint(ctx, runID, domain.Fingerprints{ModelFingerprint: modelFP})
	batch.AddNode(domain.EvidenceNode{NodeID: "goal", Type: domain.NodeGoal, Payload: map[string]any{"goal": run.Goal}})
	batch.AddNode(domain.EvidenceNode{NodeID: "ops", Type: domain.NodeConstraint, Payload: map[string]any{"fingerprint": modelFP}})
	batch.AddEdge(domain.EvidenceEdge{From: "ops", To: "goal", Type: domain.EdgeDerivedFrom})

	if canceled, err := e.checkCancellation(ctx, runID); err != nil {
		return err
	} else if canceled {
		return e.finishCanceled(ctx, runID, tenant, batch)
	}

	// ── Forecast ──
	forecastReq := stages.ForecastRequest{
		OPS: compileOut.OPS, Horizon: run.Horizon, NumScenarios: run.NumScenarios, Seed: run.Seed,
	}
	forecastOut, outcome, err := runStage(ctx, e, tenant, run, domain.StageForecast, forecastReq, func(ctx context.Context) (stages.ForecastResponse, error) {
		return e.forecaster.Forecast(ctx, forecastReq)
	})
	if err != nil {
		if outcome.kind == domain.ErrCanceled {
			return e.finishCanceled(ctx, runID, tenant, batch)
		}
		return e.finishFailed(ctx, runID, tenant, batch, outcome.kind, err)
	}
	batch.AddNode(domain.EvidenceNode{NodeID: "scenarios", Type: domain.NodeScenario})
	batch.AddEdge(domain.EvidenceEdge{From: "scenarios", To: "ops", Type: domain.EdgeDerivedFrom})

	if canceled, err := e.checkCancellation(ctx, runID); err != nil {
		return err
	} else if canceled {
		return e.finishCanceled(ctx, runID, tenant, batch)
	}

	// ── Policy ──
	policyReq := stages.PolicyRequest{OPS: compileOut.OPS, TenantCtx: tenant}
	policyOut, outcome, err := runStage(ctx, e, tenant, run, domain.StagePolicy, policyReq, func(ctx context.Context) (stages.PolicyResponse, error) {
		return e.policy.Evaluate(ctx, policyReq)
	})
	if err != nil {
		if outcome.kind == domain.ErrCanceled {
			return e.finishCanceled(ctx, runID, tenant, batch)
		}
		return e.finishFailed(ctx, runID, tenant, batch, outcome.kind, err)
	}
	batch.AddNode(domain.EvidenceNode{NodeID: "policy", Type: domain.NodeConstraint, Payload: map[string]any{"allow": policyOut.Snapshot.Allow}})
	batch.AddEdge(domain.EvidenceEdge{From: "policy", To: "ops", Type: domain.EdgeConstrains})

	if !policyOut.Snapshot.Allow {
		_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{Name: domain.StageOptimise, State: domain.StageStateSkipped})
		e.explainAndFinish(ctx, run, tenant, compileOut.OPS, &forecastOut.Scenarios, &policyOut.Snapshot, nil, nil, domain.RunStateDenied, batch, domain.CostVector{})
		return nil
	}

	if canceled, err := e.checkCancellation(ctx, runID); err != nil {
		return err
	} else if canceled {
		return e.finishCanceled(ctx, runID, tenant, batch)
	}

	// ── Optimise ──
	timeLimit := e.stageTimeout(tenant, domain.StageOptimise)
	optimiseReq := stages.OptimiseRequest{
		OPS: compileOut.OPS, Scenarios: forecastOut.Scenarios, TimeLimit: timeLimit,
		MIPGap: tenant.Caps.MIPGapFloor, Seed: run.Seed,
	}
	optimiseOut, outcome, err := runStage(ctx, e, tenant, run, domain.StageOptimise, optimiseReq, func(ctx context.Context) (stages.OptimiseResponse, error) {
		return e.optimiser.Optimise(ctx, optimiseReq)
	})
	if err != nil {
		if outcome.kind == domain.ErrCanceled {
			return e.finishCanceled(ctx, runID, tenant, batch)
		}
		return e.finishFailed(ctx, runID, tenant, batch, outcome.kind, err)
	}

	planDNA, _ := fingerprint.PlanDNA(fingerprint.PlanDNAInput{
		OPSFingerprint:       modelFP,
		ScenariosFingerprint: hashOrEmpty(forecastOut.Scenarios),
		PolicySnapshot:       policyOut.Snapshot,
		SolutionDecisions:    optimiseOut.Solution.Decisions,
	})
	_ = e.registry.AppendFingerprint(ctx, runID, domain.Fingerprints{PlanDNA: planDNA})
	batch.AddNode(domain.EvidenceNode{NodeID: "solution", Type: domain.NodeSolverRun, Payload: map[string]any{"status": optimiseOut.Solution.Status}})
	batch.AddEdge(domain.EvidenceEdge{From: "solution", To: "ops", Type: domain.EdgeOptimizes})

	var diagnosis *domain.DiagnosisResult
	runOutcome := domain.RunStateSucceeded

	switch optimiseOut.Solution.Status {
	case domain.SolutionInfeasible:
		// Infeasible is advisory, not a run failure: Diagnose runs and the
		// terminal state still succeeds, per the Open Question decision
		// that Diagnose never triggers an automatic re-solve.
		diagOut, diagErr := e.diagnostician.Diagnose(ctx, stages.DiagnoseRequest{
			OPS: compileOut.OPS, Scenarios: forecastOut.Scenarios, Solution: optimiseOut.Solution,
		})
		now := e.clock.Now()
		if diagErr != nil {
			_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
				Name: domain.StageDiagnose, State: domain.StageStateFailed, Attempts: 1,
				StartedAt: &now, EndedAt: &now, ErrorMsg: diagErr.Error(),
			})
		} else {
			_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
				Name: domain.StageDiagnose, State: domain.StageStateSucceeded, Attempts: 1,
				StartedAt: &now, EndedAt: &now,
			})
			result := diagOut.Result
			diagnosis = &result
			batch.AddNode(domain.EvidenceNode{NodeID: "diagnosis", Type: domain.NodeSolverRun, Payload: map[string]any{"suggestions": diagOut.Result.Suggestions}})
			batch.AddEdge(domain.EvidenceEdge{From: "diagnosis", To: "solution", Type: domain.EdgeDerivedFrom})
		}
	case domain.SolutionPartial:
		runOutcome = domain.RunStateSucceededPartial
	}

	actualCost := domain.CostVector{SolverSeconds: float64(optimiseOut.Solution.Diagnostics.RuntimeMs) / 1000}
	e.explainAndFinish(ctx, run, tenant, compileOut.OPS, &forecastOut.Scenarios, &policyOut.Snapshot, &optimiseOut.Solution, diagnosis, runOutcome, batch, actualCost)
	return nil
}

// hashOrEmpty hashes v, swallowing marshal errors into an empty string
// since scenario sets are always JSON-marshalable plain data here.
func hashOrEmpty(v any) string {
	h, err := fingerprint.Hash(v)
	if err != nil {
		return ""
	}
	return h
}

// explainAndFinish always runs Explain — regardless of which branch the
// DAG took — then flushes evidence and sets the run's terminal state.
func (e *Engine) explainAndFinish(
	ctx context.Context, run domain.Run, tenant domain.Tenant,
	ops domain.OPS, scenarios *domain.ScenarioSet, policySnap *domain.PolicySnapshot,
	solution *domain.SolutionPack, diagnosis *domain.DiagnosisResult,
	runOutcome domain.RunState, batch *evidence.Batch, actualCost domain.CostVector,
) {
	runID := run.RunID
	explainReq := stages.ExplainRequest{
		OPS: ops, Scenarios: scenarios, Policy: policySnap, Solution: solution,
		Diagnosis: diagnosis, RunOutcome: runOutcome,
	}
	explainOut, outcome, err := runStage(ctx, e, tenant, run, domain.StageExplain, explainReq, func(ctx context.Context) (stages.ExplainResponse, error) {
		return e.explainer.Explain(ctx, explainReq)
	})
	if err != nil && outcome.kind == domain.ErrCanceled {
		// Unlike an ordinary Explain failure, an abandoned Explain means a
		// cancellation request arrived mid-stage (§5) — the run itself
		// must land canceled, not succeed with a missing explanation.
		runOutcome = domain.RunStateCanceled
		e.log.Warn("explain stage abandoned after cancellation request", "run_id", runID)
	} else if err != nil {
		// Explain is non-critical (§4.1): its failure never fails the run.
		e.log.Warn("explain stage failed, continuing to evidence", "run_id", runID, "kind", outcome.kind)
	} else {
		batch.AddNode(domain.EvidenceNode{NodeID: "explanation", Type: domain.NodeStep, Payload: map[string]any{"summary": explainOut.Explanation.Summary}})
		batch.AddEdge(domain.EvidenceEdge{From: "explanation", To: "ops", Type: domain.EdgeMeasuredBy})
	}

	e.flushEvidenceAndFinish(ctx, runID, tenant, batch, runOutcome, actualCost)
}

// flushEvidenceAndFinish writes the accumulated evidence batch and
// transitions the run to its terminal state. An evidence write failure
// marks only the evidence StageRecord failed — it never demotes an
// otherwise-successful run (§4.7).
func (e *Engine) flushEvidenceAndFinish(ctx context.Context, runID string, tenant domain.Tenant, batch *evidence.Batch, runOutcome domain.RunState, actualCost domain.CostVector) {
	e.settleBudget(ctx, runID, tenant, runOutcome, actualCost)

	now := e.clock.Now()
	snapshotHash := hashOrEmpty(batch)

	ref, err := e.evidence.Flush(ctx, batch, snapshotHash)
	if err != nil {
		_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
			Name: domain.StageEvidence, State: domain.StageStateFailed, Attempts: 1,
			StartedAt: &now, EndedAt: &now, ErrorKind: domain.ErrStoreUnavailable, ErrorMsg: err.Error(),
		})
	} else {
		_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
			Name: domain.StageEvidence, State: domain.StageStateSucceeded, Attempts: 1,
			StartedAt: &now, EndedAt: &now, OutputRef: ref.Ref,
		})
		_ = e.registry.SetEvidenceRef(ctx, runID, ref.Ref)
	}

	_ = e.registry.SetRunState(ctx, runID, runOutcome)
}

// settleBudget commits the measured solver cost against the run's budget
// reservation on a successful terminal state, or releases the
// reservation in full otherwise. A succeeded_partial run bills at the
// tenant tier's PartialRateFactor rather than full rate (1.0 unless the
// tier configures one), since the solver didn't run to convergence. A run
// with no Accountant wired in, or no reservation recorded, is a no-op.
func (e *Engine) settleBudget(ctx context.Context, runID string, tenant domain.Tenant, runOutcome domain.RunState, actualCost domain.CostVector) {
	if e.accountant == nil {
		return
	}
	run, err := e.registry.GetRun(ctx, runID)
	if err != nil || run.ReservationID == "" {
		return
	}

	switch runOutcome {
	case domain.RunStateSucceeded, domain.RunStateSucceededPartial:
		rateFactor := 1.0
		if runOutcome == domain.RunStateSucceededPartial {
			rateFactor = tenant.Caps.PartialRateFactor
		}
		if err := e.accountant.Commit(ctx, run.ReservationID, actualCost, rateFactor); err != nil {
			e.log.Warn("budget commit failed", "run_id", runID, "error", err)
		}
	default:
		if err := e.accountant.Release(ctx, run.ReservationID); err != nil {
			e.log.Warn("budget release failed", "run_id", runID, "error", err)
		}
	}
}

// finishFailed records the failing stage's terminal error, skips
// straight to Evidence (Explain is skipped on a hard Compile/Forecast/
// Policy-eval-error/solver-error failure since there is nothing left to
// narrate), and sets the run failed.
func (e *Engine) finishFailed(ctx context.Context, runID string, tenant domain.Tenant, batch *evidence.Batch, kind domain.ErrorKind, cause error) error {
	e.log.Error("run failed", "run_id", runID, "error_kind", kind, "error", cause)
	e.flushEvidenceAndFinish(ctx, runID, tenant, batch, domain.RunStateFailed, domain.CostVector{})
	return cause
}

// finishCanceled marks the run canceled when a cancellation request was
// observed at a DAG checkpoint, per §5's cooperative-cancellation model.
func (e *Engine) finishCanceled(ctx context.Context, runID string, tenant domain.Tenant, batch *evidence.Batch) error {
	e.flushEvidenceAndFinish(ctx, runID, tenant, batch, domain.RunStateCanceled, domain.CostVector{})
	return nil
}

// checkCancellation re-reads the run to observe a concurrently-set
// cancellation_requested_at marker before starting the next stage.
func (e *Engine) checkCancellation(ctx context.Context, runID string) (bool, error) {
	run, err := e.registry.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.CancellationAt != nil, nil
}

// stageTimeout resolves the tier-derived wall-clock cap for stageName,
// falling back to defaultStageTimeout when the tier caps omit it.
func (e *Engine) stageTimeout(tenant domain.Tenant, stageName domain.StageName) time.Duration {
	if tenant.Caps.StageTimeouts == nil {
		return defaultStageTimeout
	}
	secs, ok := tenant.Caps.StageTimeouts[stageName]
	if !ok || secs <= 0 {
		return defaultStageTimeout
	}
	return time.Duration(secs * float64(time.Second))
}

// globalPipelineCap is the sum of every DAG stage's timeout, scaled by
// 1.25 plus scheduling slack (§5).
func (e *Engine) globalPipelineCap(tenant domain.Tenant) time.Duration {
	var sum time.Duration
	for _, name := range domain.StageDAGOrder {
		sum += e.stageTimeout(tenant, name)
	}
	return time.Duration(float64(sum)*1.25) + schedulingSlack
}

// cancellationPollInterval is how often an in-flight stage call checks
// the Registry for a concurrently-arrived cancellation request (§5).
const cancellationPollInterval = 250 * time.Millisecond

// errStageAbandoned is the cause recorded against a stage the engine
// gave up waiting on after a mid-stage cancellation request.
var errStageAbandoned = errors.New("stage abandoned: adapter did not yield within 2x remaining timeout after cancellation")

// runStage executes one DAG step with retry, timeout, and mid-stage
// cancellation, persisting a StageRecord before and after each attempt.
// Before invoking the adapter at all, it checks whether a StageRecord
// for name already succeeded with a fingerprint matching input's
// canonical hash — if so it reuses that prior output without invoking
// the adapter (§4.1's idempotency-within-pipeline requirement: a crash
// recovery that re-enters Run must not re-bill an adapter whose input
// hasn't changed since it last succeeded). Retryable error kinds
// (adapter_unavailable, store_unavailable) get up to maxStageAttempts
// tries with jittered exponential backoff; everything else fails the
// stage on the first attempt.
func runStage[T any](
	ctx context.Context, e *Engine, tenant domain.Tenant, run domain.Run, name domain.StageName,
	input any, call func(ctx context.Context) (T, error),
) (T, stageOutcome, error) {
	runID := run.RunID
	inputFP := hashOrEmpty(input)

	if cached, ok := resumeStage[T](run, name, inputFP); ok {
		e.log.Info("stage resumed from prior succeeded attempt", "run_id", runID, "stage", name, "fingerprint", inputFP)
		return cached, stageOutcome{}, nil
	}

	timeout := e.stageTimeout(tenant, name)

	var zero T
	var lastErr error
	var lastKind domain.ErrorKind = domain.ErrAdapterUnavailable

	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, stageOutcome{failed: true, kind: domain.ErrCanceled}, err
		}

		startedAt := e.clock.Now()
		_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
			Name: name, State: domain.StageStateRunning, Attempts: attempt, StartedAt: &startedAt, Fingerprint: inputFP,
		})

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err, abandoned := callWithCancellationWatch(stageCtx, e, runID, timeout, call)
		cancel()
		endedAt := e.clock.Now()

		if abandoned {
			_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
				Name: name, State: domain.StageStateCanceled, Attempts: attempt,
				StartedAt: &startedAt, EndedAt: &endedAt, Fingerprint: inputFP,
				ErrorKind: domain.ErrCanceled, ErrorMsg: errStageAbandoned.Error(),
			})
			return zero, stageOutcome{failed: true, kind: domain.ErrCanceled}, errStageAbandoned
		}

		if err == nil {
			rec := domain.StageRecord{
				Name: name, State: domain.StageStateSucceeded, Attempts: attempt,
				StartedAt: &startedAt, EndedAt: &endedAt, Fingerprint: inputFP,
			}
			if outJSON, marshalErr := json.Marshal(out); marshalErr == nil {
				rec.OutputRef = string(outJSON)
			}
			_ = e.registry.UpdateStage(ctx, runID, rec)
			return out, stageOutcome{}, nil
		}

		kind, timedOut := classify(ctx, stageCtx, err)
		lastErr, lastKind = err, kind

		if timedOut {
			_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
				Name: name, State: domain.StageStateTimedOut, Attempts: attempt,
				StartedAt: &startedAt, EndedAt: &endedAt, Fingerprint: inputFP, ErrorKind: kind, ErrorMsg: err.Error(),
			})
			return zero, stageOutcome{failed: true, kind: kind}, err
		}

		if !kind.Retryable() || attempt == maxStageAttempts {
			_ = e.registry.UpdateStage(ctx, runID, domain.StageRecord{
				Name: name, State: domain.StageStateFailed, Attempts: attempt,
				StartedAt: &startedAt, EndedAt: &endedAt, Fingerprint: inputFP, ErrorKind: kind, ErrorMsg: err.Error(),
			})
			return zero, stageOutcome{failed: true, kind: kind}, err
		}

		select {
		case <-ctx.Done():
			return zero, stageOutcome{failed: true, kind: domain.ErrCanceled}, ctx.Err()
		case <-time.After(stageBackoff(attempt)):
		}
	}

	return zero, stageOutcome{failed: true, kind: lastKind}, lastErr
}

// resumeStage reports whether run already carries a succeeded
// StageRecord for name whose Fingerprint matches inputFP, and if so
// decodes its cached OutputRef as T. A record with no OutputRef (the
// Evidence stage stores a ref string there, not a JSON payload, and
// predates fingerprint-based resume) never resumes.
func resumeStage[T any](run domain.Run, name domain.StageName, inputFP string) (T, bool) {
	var zero T
	if inputFP == "" {
		return zero, false
	}
	for _, rec := range run.Stages {
		if rec.Name != name {
			continue
		}
		if rec.State != domain.StageStateSucceeded || rec.Fingerprint != inputFP || rec.OutputRef == "" {
			return zero, false
		}
		var out T
		if err := json.Unmarshal([]byte(rec.OutputRef), &out); err != nil {
			return zero, false
		}
		return out, true
	}
	return zero, false
}

// callWithCancellationWatch runs call in its own goroutine and returns
// as soon as it completes. While the adapter is in flight it polls the
// Registry every cancellationPollInterval; once a cancellation request
// is observed, it gives the adapter up to 2x its remaining timeout to
// yield before reporting abandoned=true (§5: "if the adapter does not
// yield within 2x its remaining timeout, the engine abandons the
// adapter"). Observing a cancellation request does not cancel stageCtx:
// the adapter's context is canceled only when the stage timeout or the
// run's own context ends, so no cancel signal reaches a cooperative
// adapter before then. An abandoned adapter is simply no longer waited
// on — Go has no mechanism to forcibly stop a running goroutine, so an
// abandoned call's eventual result is discarded into the buffered
// channel instead of blocking this one.
func callWithCancellationWatch[T any](
	stageCtx context.Context, e *Engine, runID string, timeout time.Duration,
	call func(ctx context.Context) (T, error),
) (T, error, bool) {
	type result struct {
		out T
		err error
	}
	done := make(chan result, 1)
	started := e.clock.Now()

	go func() {
		out, err := call(stageCtx)
		done <- result{out, err}
	}()

	ticker := time.NewTicker(cancellationPollInterval)
	defer ticker.Stop()

	var abandonDeadline <-chan time.Time
	watchCtx := context.WithoutCancel(stageCtx)

	for {
		select {
		case r := <-done:
			return r.out, r.err, false
		case <-abandonDeadline:
			var zero T
			return zero, nil, true
		case <-ticker.C:
			if abandonDeadline != nil {
				continue
			}
			canceled, err := e.checkCancellation(watchCtx, runID)
			if err != nil || !canceled {
				continue
			}
			remaining := timeout - e.clock.Now().Sub(started)
			if remaining < 0 {
				remaining = 0
			}
			abandonDeadline = time.After(2 * remaining)
		}
	}
}

// classify maps an adapter error to the §7 taxonomy. A deadline exceeded
// on the overall run context means the whole pipeline ran out of its
// budget (§5's global cap); a deadline exceeded only on the per-attempt
// stageCtx means that one stage's own timeout fired. Adapters are
// expected to already return a *domain.StageError for everything else;
// an error of any other shape is treated as an unclassified adapter
// failure (retryable, the conservative default for unknown transport
// errors).
func classify(runCtx, stageCtx context.Context, err error) (domain.ErrorKind, bool) {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.ErrPipelineTimeout, true
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return domain.ErrTimedOut, true
	}

	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind, false
	}
	return domain.ErrAdapterUnavailable, false
}

// stageBackoff computes jittered exponential backoff for attempt.
func stageBackoff(attempt int) time.Duration {
	d := stageBackoffBase * time.Duration(1<<uint(attempt-1))
	if d > stageBackoffCap {
		d = stageBackoffCap
	}
	jitter := time.Duration(float64(d) * stageJitterFactor)
	offset := time.Duration(rand.Int64N(int64(2*jitter + 1)))
	return d - jitter + offset
}
