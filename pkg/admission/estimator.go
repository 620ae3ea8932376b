package admission

import "github.com/dyocense/kernel/pkg/domain"

// perScenarioSolverSeconds and perHorizonStepLLMTokens are the flat per-unit
// costs sizeByTier scales by horizon and scenario count. They are coarse
// admission-time estimates, not a substitute for the actual measurements
// the pipeline commits at stage completion (§4.4 commit).
const (
	perScenarioSolverSeconds = 0.5
	perHorizonStepLLMTokens  = 40.0
	baseLLMTokens            = 2000.0
	gpuSecondsPerScenario    = 0.0 // forecast/optimise run on CPU by default
)

// sizeByTier is the default CostEstimator: it scales a tenant's
// MIPGapFloor-independent base cost by requested horizon and scenario
// count, per §4.3 step 5 ("estimate cost vector from request size and
// tier profile").
type sizeByTier struct{}

// Estimate implements CostEstimator.
func (sizeByTier) Estimate(tenant domain.Tenant, req Request) (domain.CostVector, float64) {
	scenarios := req.NumScenarios
	if scenarios <= 0 {
		scenarios = 1
	}
	horizon := req.Horizon
	if horizon <= 0 {
		horizon = 1
	}

	cost := domain.CostVector{
		SolverSeconds: float64(scenarios) * perScenarioSolverSeconds,
		LLMTokens:     baseLLMTokens + float64(horizon)*perHorizonStepLLMTokens,
		GPUSeconds:    float64(scenarios) * gpuSecondsPerScenario,
	}

	// Service demand for the WFQ scheduler is an abstract unit of wall
	// time; solver seconds dominate the pipeline's critical path for
	// anything but a trivially small request.
	serviceDemand := 1.0 + cost.SolverSeconds/10.0
	return cost, serviceDemand
}
