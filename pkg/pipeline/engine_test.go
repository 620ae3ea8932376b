package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/evidence"
	"github.com/dyocense/kernel/pkg/registry"
	"github.com/dyocense/kernel/pkg/stages"
)

// memEvidenceStore is an in-process evidence.Store for tests.
type memEvidenceStore struct {
	mu   sync.Mutex
	refs map[string]domain.EvidenceRef
}

func newMemEvidenceStore() *memEvidenceStore {
	return &memEvidenceStore{refs: make(map[string]domain.EvidenceRef)}
}

func (s *memEvidenceStore) WriteBatch(ctx context.Context, nodes []domain.EvidenceNode, edges []domain.EvidenceEdge, ref domain.EvidenceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref.RunID] = ref
	return nil
}

func (s *memEvidenceStore) GetRef(ctx context.Context, runID string) (domain.EvidenceRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[runID]
	return ref, ok, nil
}

func newTestEngine(t *testing.T, a Adapters) (*Engine, *registry.Registry, clock.Clock) {
	t.Helper()
	c := clock.NewFrozen(time.Now())
	reg := registry.New(registry.NewMemStore(), c)
	ev := evidence.New(newMemEvidenceStore(), c, nil, nil)

	if a.Compiler == nil {
		a.Compiler = stages.FakeCompiler{}
	}
	if a.Forecaster == nil {
		a.Forecaster = stages.FakeForecaster{}
	}
	if a.Policy == nil {
		a.Policy = stages.FakePolicyGuard{}
	}
	if a.Optimiser == nil {
		a.Optimiser = stages.FakeOptimiser{}
	}
	if a.Diagnostician == nil {
		a.Diagnostician = stages.FakeDiagnostician{}
	}
	if a.Explainer == nil {
		a.Explainer = stages.FakeExplainer{}
	}

	return New(reg, ev, nil, a, c, nil), reg, c
}

func testTenant() domain.Tenant {
	return domain.Tenant{
		TenantID: "tenant-1",
		Tier:     domain.TierStandard,
		Caps: domain.TierCaps{
			MonthlyBudget: domain.BudgetVector{SolverSeconds: 1000},
			MIPGapFloor:   0.01,
		},
	}
}

func admitRun(t *testing.T, reg *registry.Registry, runID string, tablesProfile map[string]any) domain.Run {
	t.Helper()
	run := domain.Run{
		RunID:         runID,
		TenantID:      "tenant-1",
		TierSnapshot:  domain.TierStandard,
		Goal:          "reduce holding cost",
		TablesProfile: tablesProfile,
		Horizon:       2,
		NumScenarios:  5,
		Seed:          42,
		State:         domain.RunStateAdmitted,
	}
	require.NoError(t, reg.CreateRun(context.Background(), run))
	return run
}

func TestEngine_HappyPath(t *testing.T) {
	eng, reg, _ := newTestEngine(t, Adapters{})
	admitRun(t, reg, "run-1", nil)

	err := eng.Run(context.Background(), testTenant(), "run-1")
	require.NoError(t, err)

	run, err := reg.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, run.State)
	assert.NotEmpty(t, run.Fingerprints.ModelFingerprint)
	assert.NotEmpty(t, run.Fingerprints.PlanDNA)
	assert.NotEmpty(t, run.EvidenceRef)
	require.NotNil(t, run.TerminalAt)

	byName := map[domain.StageName]domain.StageRecord{}
	for _, s := range run.Stages {
		byName[s.Name] = s
	}
	for _, name := range []domain.StageName{domain.StageCompile, domain.StageForecast, domain.StagePolicy, domain.StageOptimise, domain.StageExplain, domain.StageEvidence} {
		require.Contains(t, byName, name)
		assert.Equal(t, domain.StageStateSucceeded, byName[name].State, "stage %s", name)
	}
	_, hasDiagnose := byName[domain.StageDiagnose]
	assert.False(t, hasDiagnose, "diagnose must not run on the happy path")
}

func TestEngine_PolicyDenied(t *testing.T) {
	eng, reg, _ := newTestEngine(t, Adapters{})
	admitRun(t, reg, "run-denied", map[string]any{"max_budget_override": 1e9})

	err := eng.Run(context.Background(), testTenant(), "run-denied")
	require.NoError(t, err)

	run, err := reg.GetRun(context.Background(), "run-denied")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateDenied, run.State)

	byName := map[domain.StageName]domain.StageRecord{}
	for _, s := range run.Stages {
		byName[s.Name] = s
	}
	assert.Equal(t, domain.StageStateSkipped, byName[domain.StageOptimise].State)
	assert.Equal(t, domain.StageStateSucceeded, byName[domain.StageExplain].State)
	assert.Equal(t, domain.StageStateSucceeded, byName[domain.StageEvidence].State)
}

func TestEngine_OptimiseInfeasible_RunsDiagnoseButStillSucceeds(t *testing.T) {
	eng, reg, _ := newTestEngine(t, Adapters{})
	admitRun(t, reg, "run-infeasible", map[string]any{"force_infeasible": true})

	err := eng.Run(context.Background(), testTenant(), "run-infeasible")
	require.NoError(t, err)

	run, err := reg.GetRun(context.Background(), "run-infeasible")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, run.State, "infeasible is advisory, not a run failure")

	byName := map[domain.StageName]domain.StageRecord{}
	for _, s := range run.Stages {
		byName[s.Name] = s
	}
	require.Contains(t, byName, domain.StageDiagnose)
	assert.Equal(t, domain.StageStateSucceeded, byName[domain.StageDiagnose].State)
}

func TestEngine_SucceededPartialOnTimeoutBudget(t *testing.T) {
	partialOptimiser := optimiserFunc(func(ctx context.Context, req stages.OptimiseRequest) (stages.OptimiseResponse, error) {
		obj := 42.0
		return stages.OptimiseResponse{Solution: domain.SolutionPack{
			Status:         domain.SolutionPartial,
			ObjectiveValue: &obj,
			Diagnostics:    domain.SolutionDiagnostics{Solver: "fake", RuntimeMs: 100},
		}}, nil
	})

	eng, reg, _ := newTestEngine(t, Adapters{Optimiser: partialOptimiser})
	admitRun(t, reg, "run-partial", nil)

	err := eng.Run(context.Background(), testTenant(), "run-partial")
	require.NoError(t, err)

	run, err := reg.GetRun(context.Background(), "run-partial")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceededPartial, run.State)
}

func TestEngine_CancellationObservedBeforeCompile(t *testing.T) {
	eng, reg, _ := newTestEngine(t, Adapters{})
	admitRun(t, reg, "run-canceled", nil)
	require.NoError(t, reg.RequestCancellation(context.Background(), "run-canceled"))

	err := eng.Run(context.Background(), testTenant(), "run-canceled")
	require.NoError(t, err)

	run, err := reg.GetRun(context.Background(), "run-canceled")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCanceled, run.State)

	byName := map[domain.StageName]domain.StageRecord{}
	for _, s := range run.Stages {
		byName[s.Name] = s
	}
	_, compiled := byName[domain.StageCompile]
	assert.False(t, compiled, "compile must not run once cancellation was observed")
}

func TestEngine_CompileValidationFailureFailsRunWithoutRetry(t *testing.T) {
	eng, reg, _ := newTestEngine(t, Adapters{})
	run := domain.Run{
		RunID: "run-bad-goal", TenantID: "tenant-1", TierSnapshot: domain.TierStandard,
		Goal: "", Horizon: 2, NumScenarios: 5, Seed: 1, State: domain.RunStateAdmitted,
	}
	require.NoError(t, reg.CreateRun(context.Background(), run))

	err := eng.Run(context.Background(), testTenant(), "run-bad-goal")
	require.Error(t, err)

	got, err := reg.GetRun(context.Background(), "run-bad-goal")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateFailed, got.State)

	for _, s := range got.Stages {
		if s.Name == domain.StageCompile {
			assert.Equal(t, 1, s.Attempts, "validation errors must not retry")
			assert.Equal(t, domain.ErrValidation, s.ErrorKind)
		}
	}
}

// optimiserFunc adapts a plain function to stages.Optimiser.
type optimiserFunc func(ctx context.Context, req stages.OptimiseRequest) (stages.OptimiseResponse, error)

func (f optimiserFunc) Optimise(ctx context.Context, req stages.OptimiseRequest) (stages.OptimiseResponse, error) {
	return f(ctx, req)
}

// countingCompiler wraps a Compiler and counts invocations, so a test can
// assert a resumed stage never reaches the adapter.
type countingCompiler struct {
	mu    sync.Mutex
	calls int
	inner stages.Compiler
}

func (c *countingCompiler) Compile(ctx context.Context, req stages.CompileRequest) (stages.CompileResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Compile(ctx, req)
}

func (c *countingCompiler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestEngine_ResumesSucceededStageWithoutReinvokingAdapter(t *testing.T) {
	tenant := testTenant()
	run := domain.Run{
		RunID: "run-resume", TenantID: "tenant-1", TierSnapshot: domain.TierStandard,
		Goal: "reduce holding cost", Horizon: 2, NumScenarios: 5, Seed: 42,
		State: domain.RunStateAdmitted,
	}

	// A prior attempt (before a simulated crash) already ran Compile to
	// completion over the exact inputs this run will recompute; seed the
	// run with that stage already succeeded so this run looks exactly
	// like the registry state scheduler.Dispatcher's handleCrash would
	// hand back to a freshly re-invoked Engine.Run.
	compileReq := stages.CompileRequest{
		GoalText: run.Goal, TablesProfile: run.TablesProfile, TenantCtx: tenant,
		ArchetypeID: run.ArchetypeID, Seed: run.Seed,
	}
	compileOut, err := stages.FakeCompiler{}.Compile(context.Background(), compileReq)
	require.NoError(t, err)
	outJSON, err := json.Marshal(compileOut)
	require.NoError(t, err)

	run.Stages = []domain.StageRecord{{
		Name: domain.StageCompile, State: domain.StageStateSucceeded, Attempts: 1,
		Fingerprint: hashOrEmpty(compileReq), OutputRef: string(outJSON),
	}}

	compiler := &countingCompiler{inner: stages.FakeCompiler{}}
	eng, reg, _ := newTestEngine(t, Adapters{Compiler: compiler})
	require.NoError(t, reg.CreateRun(context.Background(), run))

	require.NoError(t, eng.Run(context.Background(), tenant, "run-resume"))

	assert.Equal(t, 0, compiler.count(), "a fingerprint-matching prior success must not re-invoke the adapter")

	got, err := reg.GetRun(context.Background(), "run-resume")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, got.State)

	for _, s := range got.Stages {
		if s.Name == domain.StageCompile {
			assert.Equal(t, 1, s.Attempts, "resumed stage record is left exactly as seeded")
		}
	}
}

// blockingOptimiser ignores ctx cancellation entirely, modeling an
// adapter that does not yield — the scenario §5's mid-stage abandonment
// bound exists for.
type blockingOptimiser struct {
	sleep time.Duration
}

func (b blockingOptimiser) Optimise(ctx context.Context, req stages.OptimiseRequest) (stages.OptimiseResponse, error) {
	<-time.After(b.sleep)
	obj := 1.0
	return stages.OptimiseResponse{Solution: domain.SolutionPack{
		Status: domain.SolutionOptimal, ObjectiveValue: &obj,
		Diagnostics: domain.SolutionDiagnostics{Solver: "fake", RuntimeMs: 1},
	}}, nil
}

func TestEngine_MidStageCancellationAbandonsStuckAdapter(t *testing.T) {
	tenant := testTenant()
	tenant.Caps.StageTimeouts = domain.StageTimeouts{domain.StageOptimise: 0.4}

	eng, reg, _ := newTestEngine(t, Adapters{Optimiser: blockingOptimiser{sleep: 10 * time.Second}})
	admitRun(t, reg, "run-stuck", nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(context.Background(), tenant, "run-stuck")
	}()

	// Give Optimise time to start running before requesting cancellation,
	// so this exercises the mid-stage path rather than a pre-stage check.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, reg.RequestCancellation(context.Background(), "run-stuck"))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Engine.Run did not return after a mid-stage cancellation request")
	}

	run, err := reg.GetRun(context.Background(), "run-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateCanceled, run.State)

	byName := map[domain.StageName]domain.StageRecord{}
	for _, s := range run.Stages {
		byName[s.Name] = s
	}
	require.Contains(t, byName, domain.StageOptimise)
	assert.Equal(t, domain.StageStateCanceled, byName[domain.StageOptimise].State)
	assert.Equal(t, domain.ErrCanceled, byName[domain.StageOptimise].ErrorKind)
}
