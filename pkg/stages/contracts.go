// Package stages defines the pluggable capabilities the Pipeline Engine
// invokes at each DAG step. Every adapter is a context-scoped
// request/response call with cooperative cancellation, the same shape
// the teacher uses for its LLM client and MCP tool router — concrete
// LLM, solver, and forecast backends are external collaborators; this
// package only defines the boundary plus in-process reference fakes.
package stages

import (
	"context"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
)

// Compiler turns a natural-language goal plus tabular context into the
// canonical OPS intermediate representation.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (CompileResponse, error)
}

// CompileRequest is the Compile stage's input (§4.1, §6).
type CompileRequest struct {
	GoalText      string
	TablesProfile map[string]any
	TenantCtx     domain.Tenant
	ArchetypeID   string
	Seed          int64
}

// CompileResponse is the Compile stage's output.
type CompileResponse struct {
	OPS            domain.OPS
	ValidationNotes []string
}

// Forecaster samples demand scenarios over a horizon from an OPS.
type Forecaster interface {
	Forecast(ctx context.Context, req ForecastRequest) (ForecastResponse, error)
}

// ForecastRequest is the Forecast stage's input.
type ForecastRequest struct {
	OPS          domain.OPS
	Horizon      int
	NumScenarios int
	Seed         int64
}

// ForecastResponse is the Forecast stage's output.
type ForecastResponse struct {
	Scenarios domain.ScenarioSet
}

// PolicyGuard evaluates an OPS against tenant policy, grounded on the
// pluggable policy-decision-point shape (allow/deny + rationale + caps
// applied) the examples use for policy backends such as OPA or Cedar.
type PolicyGuard interface {
	Evaluate(ctx context.Context, req PolicyRequest) (PolicyResponse, error)
}

// PolicyRequest is the Policy stage's input.
type PolicyRequest struct {
	OPS       domain.OPS
	TenantCtx domain.Tenant
}

// PolicyResponse is the Policy stage's output.
type PolicyResponse struct {
	Snapshot domain.PolicySnapshot
}

// Optimiser solves an OPS against a scenario set, producing a plan.
type Optimiser interface {
	Optimise(ctx context.Context, req OptimiseRequest) (OptimiseResponse, error)
}

// OptimiseRequest is the Optimise stage's input.
type OptimiseRequest struct {
	OPS        domain.OPS
	Scenarios  domain.ScenarioSet
	WarmStart  *domain.SolutionPack
	TimeLimit  time.Duration
	MIPGap     float64
	Seed       int64
}

// OptimiseResponse is the Optimise stage's output.
type OptimiseResponse struct {
	Solution domain.SolutionPack
}

// Diagnostician produces advisory suggestions when Optimise reports
// infeasible. It never triggers a re-solve (§9 Open Question decision).
type Diagnostician interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (DiagnoseResponse, error)
}

// DiagnoseRequest is the Diagnose stage's input.
type DiagnoseRequest struct {
	OPS       domain.OPS
	Scenarios domain.ScenarioSet
	Solution  domain.SolutionPack
}

// DiagnoseResponse is the Diagnose stage's output.
type DiagnoseResponse struct {
	Result domain.DiagnosisResult
}

// Explainer turns the upstream stage outputs into a tenant-facing
// narrative, regardless of whether the run succeeded, was denied, or
// went infeasible.
type Explainer interface {
	Explain(ctx context.Context, req ExplainRequest) (ExplainResponse, error)
}

// ExplainRequest is the Explain stage's input. Fields beyond OPS are
// optional depending on which branch of the DAG the run took.
type ExplainRequest struct {
	OPS        domain.OPS
	Scenarios  *domain.ScenarioSet
	Policy     *domain.PolicySnapshot
	Solution   *domain.SolutionPack
	Diagnosis  *domain.DiagnosisResult
	RunOutcome domain.RunState
}

// ExplainResponse is the Explain stage's output.
type ExplainResponse struct {
	Explanation domain.ExplanationResult
}
