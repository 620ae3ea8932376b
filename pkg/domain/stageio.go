package domain

// This file defines the bit-exact inter-stage shapes from §6. They travel
// between Pipeline Engine and Stage Adapters; none of these are directly
// tenant-visible except where Get Run projects a subset into its result.

// OPSMetadata carries the tenant/problem identifiers the Compile stage
// stamps onto every OPS document.
type OPSMetadata struct {
	OPSVersion  string `json:"ops_version"`
	ProblemType string `json:"problem_type"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id,omitempty"`
	Seed        int64  `json:"seed"`
}

// OPSObjective is the optimisation sense and symbolic expression.
type OPSObjective struct {
	Sense      string `json:"sense"` // "min" | "max"
	Expression string `json:"expression"`
}

// OPSVariable is one decision variable declaration.
type OPSVariable struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	LB        *float64 `json:"lb,omitempty"`
	UB        *float64 `json:"ub,omitempty"`
	IndexSets []string `json:"index_sets,omitempty"`
}

// OPSConstraint is one constraint declaration, optionally quantified over
// an index set.
type OPSConstraint struct {
	Name       string `json:"name"`
	ForAll     string `json:"for_all,omitempty"`
	Expression string `json:"expression"`
}

// OPSKPI is a named reporting expression evaluated against a solution.
type OPSKPI struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// OPS is the canonical intermediate representation of an optimisation
// problem — the Compile stage's output and every downstream stage's
// primary input.
type OPS struct {
	Metadata          OPSMetadata     `json:"metadata"`
	Objective         OPSObjective    `json:"objective"`
	DecisionVariables []OPSVariable   `json:"decision_variables"`
	Parameters        map[string]any  `json:"parameters"`
	Constraints       []OPSConstraint `json:"constraints"`
	KPIs              []OPSKPI        `json:"kpis"`
	ValidationNotes   []string        `json:"validation_notes,omitempty"`
}

// ScenarioSample is one demand scenario over the forecast horizon.
type ScenarioSample struct {
	ID            int                `json:"id"`
	Demand        map[string]float64 `json:"demand"` // period -> quantity
	LeadTimeDays  float64            `json:"lead_time_days"`
}

// ScenarioStats summarizes a single SKU's distribution across scenarios.
type ScenarioStats struct {
	Mean float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
	P95  float64 `json:"p95"`
}

// ScenarioSet is the Forecast stage's output: a bundle of sampled demand
// scenarios plus per-SKU summary statistics.
type ScenarioSet struct {
	Horizon      int                      `json:"horizon"`
	NumScenarios int                      `json:"num_scenarios"`
	SKUs         []string                 `json:"skus"`
	Scenarios    []ScenarioSample         `json:"scenarios"`
	Stats        map[string]ScenarioStats `json:"stats"`
}

// PolicyCapsApplied carries the caps a policy decision clamped the request
// to, when applicable.
type PolicyCapsApplied struct {
	MaxBudget    *float64 `json:"max_budget,omitempty"`
	ScenarioCap  *int     `json:"scenario_cap,omitempty"`
}

// PolicySnapshot is the Policy stage's allow/deny verdict plus rationale.
type PolicySnapshot struct {
	Allow         bool              `json:"allow"`
	Reasons       []string          `json:"reasons,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
	CapsApplied   PolicyCapsApplied `json:"caps_applied"`
	PolicyVersion string            `json:"policy_version"`
}

// SolutionStatus is the Optimise stage's terminal solver verdict.
type SolutionStatus string

const (
	SolutionOptimal    SolutionStatus = "optimal"
	SolutionFeasible   SolutionStatus = "feasible"
	SolutionInfeasible SolutionStatus = "infeasible"
	SolutionUnbounded  SolutionStatus = "unbounded"
	SolutionPartial    SolutionStatus = "partial"
)

// SolutionDiagnostics carries solver introspection fields used by Explain
// and surfaced (redacted) to callers.
type SolutionDiagnostics struct {
	Gap       float64 `json:"gap"`
	RuntimeMs int64   `json:"runtime_ms"`
	Solver    string  `json:"solver"`
}

// ExplanationHints are Optimise's advisory notes consumed by Explain.
type ExplanationHints struct {
	Binding     string   `json:"binding,omitempty"`
	CostDrivers []string `json:"cost_drivers,omitempty"`
}

// SolutionPack is the Optimise stage's output.
type SolutionPack struct {
	Status            SolutionStatus         `json:"status"`
	ObjectiveValue    *float64               `json:"objective_value"`
	Decisions         map[string]map[string]float64 `json:"decisions"`
	KPIs              map[string]float64     `json:"kpis"`
	Diagnostics       SolutionDiagnostics    `json:"diagnostics"`
	ExplanationHints  ExplanationHints       `json:"explanation_hints"`
}

// DiagnosisResult is the Diagnose stage's output: advisory-only
// suggestions, never an auto-retry (per the Open Question decision in §9).
type DiagnosisResult struct {
	Suggestions []string `json:"suggestions"`
}

// ExplanationResult is the Explain stage's output.
type ExplanationResult struct {
	Summary   string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
	WhatIfs    []string `json:"what_ifs,omitempty"`
}
