package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/pkg/domain"
)

func tenantWithCap(solverSecondsCap float64) domain.Tenant {
	return domain.Tenant{
		TenantID: "tenant-1",
		Tier:     domain.TierStandard,
		Caps: domain.TierCaps{
			MonthlyBudget: domain.BudgetVector{SolverSeconds: solverSecondsCap},
		},
	}
}

func TestFakeCompiler_RejectsEmptyGoal(t *testing.T) {
	_, err := FakeCompiler{}.Compile(context.Background(), CompileRequest{GoalText: ""})
	require.Error(t, err)
	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, domain.ErrValidation, stageErr.Kind)
}

func TestFakeCompiler_DeterministicForSameInput(t *testing.T) {
	req := CompileRequest{GoalText: "reduce cost", TenantCtx: tenantWithCap(100), Seed: 42}
	a, err := FakeCompiler{}.Compile(context.Background(), req)
	require.NoError(t, err)
	b, err := FakeCompiler{}.Compile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.OPS, b.OPS)
}

func TestFakeForecaster_DeterministicForSameSeed(t *testing.T) {
	compiled, err := FakeCompiler{}.Compile(context.Background(), CompileRequest{GoalText: "g", TenantCtx: tenantWithCap(100), Seed: 7})
	require.NoError(t, err)

	req := ForecastRequest{OPS: compiled.OPS, Horizon: 4, NumScenarios: 20, Seed: 7}
	a, err := FakeForecaster{}.Forecast(context.Background(), req)
	require.NoError(t, err)
	b, err := FakeForecaster{}.Forecast(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Scenarios, b.Scenarios, "identical seed must reproduce identical scenarios")
}

func TestFakeForecaster_DifferentSeedsDiffer(t *testing.T) {
	compiled, err := FakeCompiler{}.Compile(context.Background(), CompileRequest{GoalText: "g", TenantCtx: tenantWithCap(100), Seed: 7})
	require.NoError(t, err)

	a, err := FakeForecaster{}.Forecast(context.Background(), ForecastRequest{OPS: compiled.OPS, Horizon: 4, NumScenarios: 20, Seed: 1})
	require.NoError(t, err)
	b, err := FakeForecaster{}.Forecast(context.Background(), ForecastRequest{OPS: compiled.OPS, Horizon: 4, NumScenarios: 20, Seed: 2})
	require.NoError(t, err)
	assert.NotEqual(t, a.Scenarios.Scenarios, b.Scenarios.Scenarios)
}

func TestFakeForecaster_RejectsNonPositiveHorizon(t *testing.T) {
	_, err := FakeForecaster{}.Forecast(context.Background(), ForecastRequest{Horizon: 0})
	require.Error(t, err)
}

func TestFakePolicyGuard_DeniesOverBudget(t *testing.T) {
	ops := domain.OPS{Parameters: map[string]any{"max_budget_override": 1e9}}
	resp, err := FakePolicyGuard{}.Evaluate(context.Background(), PolicyRequest{OPS: ops, TenantCtx: tenantWithCap(1e5)})
	require.NoError(t, err)
	assert.False(t, resp.Snapshot.Allow)
	assert.Contains(t, resp.Snapshot.Reasons, "budget_cap_exceeded")
}

func TestFakePolicyGuard_AllowsWithinBudget(t *testing.T) {
	ops := domain.OPS{Parameters: map[string]any{"max_budget_override": 100.0}}
	resp, err := FakePolicyGuard{}.Evaluate(context.Background(), PolicyRequest{OPS: ops, TenantCtx: tenantWithCap(1e5)})
	require.NoError(t, err)
	assert.True(t, resp.Snapshot.Allow)
}

func TestFakeOptimiser_ForcedInfeasible(t *testing.T) {
	ops := domain.OPS{Parameters: map[string]any{"force_infeasible": true}}
	resp, err := FakeOptimiser{}.Optimise(context.Background(), OptimiseRequest{OPS: ops})
	require.NoError(t, err)
	assert.Equal(t, domain.SolutionInfeasible, resp.Solution.Status)
}

func TestFakeOptimiser_ReturnsFeasibleByDefault(t *testing.T) {
	scenarios := domain.ScenarioSet{
		Horizon: 2,
		SKUs:    []string{"sku-a"},
		Stats:   map[string]domain.ScenarioStats{"sku-a": {Mean: 10, Sigma: 2}},
	}
	resp, err := FakeOptimiser{}.Optimise(context.Background(), OptimiseRequest{Scenarios: scenarios})
	require.NoError(t, err)
	assert.Equal(t, domain.SolutionOptimal, resp.Solution.Status)
	require.NotNil(t, resp.Solution.ObjectiveValue)
	assert.Greater(t, *resp.Solution.ObjectiveValue, 0.0)
}

func TestFakeDiagnostician_AlwaysProducesSuggestions(t *testing.T) {
	ops := domain.OPS{Constraints: []domain.OPSConstraint{{Name: "c1"}}}
	resp, err := FakeDiagnostician{}.Diagnose(context.Background(), DiagnoseRequest{OPS: ops})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Result.Suggestions)
}

func TestFakeExplainer_VariesByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		req     ExplainRequest
		wantSub string
	}{
		{"denied", ExplainRequest{RunOutcome: domain.RunStateDenied, Policy: &domain.PolicySnapshot{Reasons: []string{"budget_cap_exceeded"}}}, "denied"},
		{"succeeded", ExplainRequest{RunOutcome: domain.RunStateSucceeded, Solution: &domain.SolutionPack{Status: domain.SolutionOptimal}}, "successfully"},
		{"infeasible", ExplainRequest{RunOutcome: domain.RunStateSucceeded, Solution: &domain.SolutionPack{Status: domain.SolutionInfeasible}}, "diagnosis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := FakeExplainer{}.Explain(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Contains(t, resp.Explanation.Summary, tt.wantSub)
		})
	}
}
