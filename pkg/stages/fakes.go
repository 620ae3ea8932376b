package stages

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/dyocense/kernel/pkg/domain"
)

// FakeCompiler is a deterministic in-process Compiler used by tests and
// by deployments that have not wired a real LLM-backed compiler yet. It
// never calls an LLM; it derives a minimal but valid OPS straight from
// the goal text and tables profile.
type FakeCompiler struct{}

// Compile implements Compiler.
func (FakeCompiler) Compile(ctx context.Context, req CompileRequest) (CompileResponse, error) {
	if req.GoalText == "" {
		return CompileResponse{}, domain.NewStageError(domain.ErrValidation, "goal text is empty")
	}

	skus := skusFromProfile(req.TablesProfile)
	params := map[string]any{"skus": skus}
	if v, ok := req.TablesProfile["max_budget_override"]; ok {
		params["max_budget_override"] = v
	}
	if v, ok := req.TablesProfile["force_infeasible"]; ok {
		params["force_infeasible"] = v
	}

	ops := domain.OPS{
		Metadata: domain.OPSMetadata{
			OPSVersion:  "1.0",
			ProblemType: "inventory_replenishment",
			TenantID:    req.TenantCtx.TenantID,
			Seed:        req.Seed,
		},
		Objective: domain.OPSObjective{
			Sense:      "min",
			Expression: "sum(holding_cost + stockout_cost)",
		},
		DecisionVariables: []domain.OPSVariable{
			{Name: "order_qty", Type: "continuous", IndexSets: []string{"sku", "period"}},
		},
		Parameters: params,
		Constraints: []domain.OPSConstraint{
			{Name: "stock_nonneg", ForAll: "sku,period", Expression: "stock[sku,period] >= 0"},
		},
		KPIs: []domain.OPSKPI{
			{Name: "total_cost", Expression: "objective"},
			{Name: "service_level", Expression: "1 - stockout_rate"},
		},
	}

	return CompileResponse{OPS: ops, ValidationNotes: nil}, nil
}

func skusFromProfile(profile map[string]any) []string {
	raw, ok := profile["skus"].([]string)
	if ok {
		return raw
	}
	return []string{"sku-default"}
}

// FakeForecaster deterministically samples scenarios from req.Seed so
// identical canonical inputs always reproduce the same ScenarioSet
// (§8's replay property).
type FakeForecaster struct{}

// Forecast implements Forecaster.
func (FakeForecaster) Forecast(ctx context.Context, req ForecastRequest) (ForecastResponse, error) {
	if req.Horizon <= 0 {
		return ForecastResponse{}, domain.NewStageError(domain.ErrValidation, "horizon must be positive")
	}

	skus, _ := req.OPS.Parameters["skus"].([]string)
	if len(skus) == 0 {
		skus = []string{"sku-default"}
	}

	src := rand.NewPCG(uint64(req.Seed), uint64(req.Seed>>1)+1)
	r := rand.New(src)

	scenarios := make([]domain.ScenarioSample, req.NumScenarios)
	stats := make(map[string]domain.ScenarioStats, len(skus))
	sums := make(map[string]float64, len(skus))
	sumsSq := make(map[string]float64, len(skus))
	maxes := make(map[string]float64, len(skus))

	for i := 0; i < req.NumScenarios; i++ {
		demand := make(map[string]float64, len(skus))
		for _, sku := range skus {
			for p := 0; p < req.Horizon; p++ {
				key := fmt.Sprintf("%s:%d", sku, p)
				qty := 50 + r.Float64()*50
				demand[key] = qty
				sums[sku] += qty
				sumsSq[sku] += qty * qty
				if qty > maxes[sku] {
					maxes[sku] = qty
				}
			}
		}
		scenarios[i] = domain.ScenarioSample{ID: i, Demand: demand, LeadTimeDays: 3 + r.Float64()*4}
	}

	n := float64(req.NumScenarios * req.Horizon)
	for _, sku := range skus {
		mean := sums[sku] / n
		variance := sumsSq[sku]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		stats[sku] = domain.ScenarioStats{Mean: mean, Sigma: sqrtApprox(variance), P95: maxes[sku]}
	}

	sort.Strings(skus)

	return ForecastResponse{Scenarios: domain.ScenarioSet{
		Horizon:      req.Horizon,
		NumScenarios: req.NumScenarios,
		SKUs:         skus,
		Scenarios:    scenarios,
		Stats:        stats,
	}}, nil
}

// sqrtApprox avoids importing math solely for Sqrt in a fake; Newton's
// method converges to full float64 precision in a handful of iterations.
func sqrtApprox(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// FakePolicyGuard denies a request when its compiled max-budget override
// exceeds the tenant's monthly solver-second cap, and allows otherwise —
// enough to exercise the allow/deny/caps_applied shape deterministically.
type FakePolicyGuard struct{}

// Evaluate implements PolicyGuard.
func (FakePolicyGuard) Evaluate(ctx context.Context, req PolicyRequest) (PolicyResponse, error) {
	snapshot := domain.PolicySnapshot{Allow: true, PolicyVersion: "fake-1"}

	override, ok := req.OPS.Parameters["max_budget_override"].(float64)
	cap := req.TenantCtx.Caps.MonthlyBudget.SolverSeconds
	if ok && cap > 0 && override > cap {
		snapshot.Allow = false
		snapshot.Reasons = []string{"budget_cap_exceeded"}
		snapshot.CapsApplied.MaxBudget = &cap
	}

	return PolicyResponse{Snapshot: snapshot}, nil
}

// FakeOptimiser returns a trivial feasible solution unless the compiled
// OPS carries a force_infeasible parameter, letting tests exercise the
// Diagnose branch deterministically.
type FakeOptimiser struct{}

// Optimise implements Optimiser.
func (FakeOptimiser) Optimise(ctx context.Context, req OptimiseRequest) (OptimiseResponse, error) {
	if forced, ok := req.OPS.Parameters["force_infeasible"].(bool); ok && forced {
		return OptimiseResponse{Solution: domain.SolutionPack{
			Status:      domain.SolutionInfeasible,
			Diagnostics: domain.SolutionDiagnostics{Solver: "fake", RuntimeMs: 5},
		}}, nil
	}

	decisions := make(map[string]map[string]float64, len(req.Scenarios.SKUs))
	for _, sku := range req.Scenarios.SKUs {
		perSKU := make(map[string]float64, req.Scenarios.Horizon)
		stats := req.Scenarios.Stats[sku]
		for p := 0; p < req.Scenarios.Horizon; p++ {
			perSKU[fmt.Sprintf("period_%d", p)] = stats.Mean + stats.Sigma
		}
		decisions[sku] = perSKU
	}

	objective := 0.0
	for _, perSKU := range decisions {
		for _, qty := range perSKU {
			objective += qty
		}
	}

	return OptimiseResponse{Solution: domain.SolutionPack{
		Status:         domain.SolutionOptimal,
		ObjectiveValue: &objective,
		Decisions:      decisions,
		KPIs:           map[string]float64{"total_cost": objective},
		Diagnostics:    domain.SolutionDiagnostics{Solver: "fake", RuntimeMs: 10},
	}}, nil
}

// FakeDiagnostician always produces at least one suggestion, satisfying
// the "Optimise infeasible → Diagnose returns ≥ 1 suggestion" property.
type FakeDiagnostician struct{}

// Diagnose implements Diagnostician.
func (FakeDiagnostician) Diagnose(ctx context.Context, req DiagnoseRequest) (DiagnoseResponse, error) {
	suggestions := []string{"relax stock_nonneg lower bound or increase initial inventory"}
	for _, c := range req.OPS.Constraints {
		suggestions = append(suggestions, fmt.Sprintf("review constraint %q for conflicting bounds", c.Name))
	}
	return DiagnoseResponse{Result: domain.DiagnosisResult{Suggestions: suggestions}}, nil
}

// FakeExplainer produces a narrative that varies by run outcome so every
// terminal path (succeeded, denied, infeasible) gets a distinct summary.
type FakeExplainer struct{}

// Explain implements Explainer.
func (FakeExplainer) Explain(ctx context.Context, req ExplainRequest) (ExplainResponse, error) {
	switch req.RunOutcome {
	case domain.RunStateDenied:
		reasons := "policy"
		if req.Policy != nil && len(req.Policy.Reasons) > 0 {
			reasons = req.Policy.Reasons[0]
		}
		return ExplainResponse{Explanation: domain.ExplanationResult{
			Summary: fmt.Sprintf("this plan was denied: %s", reasons),
		}}, nil
	case domain.RunStateSucceeded, domain.RunStateSucceededPartial:
		summary := "plan computed successfully"
		if req.Solution != nil && req.Solution.Status == domain.SolutionInfeasible {
			summary = "no feasible plan found; see diagnosis suggestions"
		}
		highlights := []string{}
		if req.Diagnosis != nil {
			highlights = req.Diagnosis.Suggestions
		}
		return ExplainResponse{Explanation: domain.ExplanationResult{
			Summary:    summary,
			Highlights: highlights,
		}}, nil
	default:
		return ExplainResponse{Explanation: domain.ExplanationResult{
			Summary: fmt.Sprintf("run ended in state %s", req.RunOutcome),
		}}, nil
	}
}
