// Package admission implements the Admission Controller (§4.3): the
// single entry point that turns a submit-run request into an admitted,
// budgeted, enqueued Run. It composes the Idempotency Index, Budget
// Accountant, Run Registry, and WFQ Scheduler behind one ordered
// pipeline, the same shape as the teacher's submitAlertHandler composed
// with SessionService.CreateSession: bind, validate, de-duplicate,
// delegate to the owning component, respond.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyocense/kernel/pkg/archetype"
	"github.com/dyocense/kernel/pkg/budget"
	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/idempotency"
	"github.com/dyocense/kernel/pkg/registry"
	"github.com/dyocense/kernel/pkg/scheduler"
)

// maxGoalBytes is the §4.3 step 2 size limit on goal_text.
const maxGoalBytes = 8 * 1024

// defaultTablesProfileBudget bounds the tables profile when a tenant's
// tier carries no explicit MaxTablesProfileBytes override.
const defaultTablesProfileBudget = 64 * 1024

// Request is the caller-supplied submit-run payload, already bound from
// its transport representation (HTTP JSON, CLI flags, ...) by the
// runapi layer. The Controller never parses wire formats itself.
type Request struct {
	TenantID            string
	IdempotencyKey      string
	Goal                string
	TablesProfile       map[string]any
	DataInputs          map[string]any
	Horizon             int
	NumScenarios        int
	ArchetypeID         string
	ConstraintsOverride map[string]any
	PriorityHint        domain.PriorityHint
}

// Result is what SubmitRun returns on success: either a freshly admitted
// run or the run_id of a prior submission replayed under the same
// idempotency key.
type Result struct {
	RunID  string
	Replay bool
}

// CostEstimator turns a validated request and tenant tier profile into a
// budget reservation request plus a WFQ service-demand estimate. The
// default implementation is sizeByTier; tests may substitute a fixed
// estimator.
type CostEstimator interface {
	Estimate(tenant domain.Tenant, req Request) (domain.CostVector, float64)
}

// Controller is the Admission Controller. It holds no state of its own
// beyond its collaborators; every call is independently serializable.
type Controller struct {
	resolver   domain.TenantResolver
	idempotent *idempotency.Index
	accountant *budget.Accountant
	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	archetypes *archetype.Service
	ids        *clock.IDGen
	clock      clock.Clock
	estimator  CostEstimator
}

// Config bundles the Controller's collaborators. Archetypes may be nil,
// in which case any archetype_id in a request is passed through
// unresolved and the pipeline's Compile stage parses the goal from
// scratch.
type Config struct {
	Resolver   domain.TenantResolver
	Idempotent *idempotency.Index
	Accountant *budget.Accountant
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Archetypes *archetype.Service
	IDs        *clock.IDGen
	Clock      clock.Clock
	Estimator  CostEstimator
}

// New constructs a Controller. A nil Estimator defaults to sizeByTier.
func New(cfg Config) *Controller {
	if cfg.Estimator == nil {
		cfg.Estimator = sizeByTier{}
	}
	return &Controller{
		resolver:   cfg.Resolver,
		idempotent: cfg.Idempotent,
		accountant: cfg.Accountant,
		registry:   cfg.Registry,
		scheduler:  cfg.Scheduler,
		archetypes: cfg.Archetypes,
		ids:        cfg.IDs,
		clock:      cfg.Clock,
		estimator:  cfg.Estimator,
	}
}

// SubmitRun runs the full §4.3 order of operations: resolve tenant,
// validate, de-duplicate, derive seed, estimate cost, reserve budget,
// create the run, record idempotency, enqueue. Each step fully resolves
// before the next begins; a failure at any step leaves no partial state
// behind it (a budget reservation made just before a registry failure is
// released, never orphaned).
func (c *Controller) SubmitRun(ctx context.Context, req Request) (Result, error) {
	tenant, err := c.resolver.Resolve(req.TenantID)
	if err != nil {
		return Result{}, domain.NewStageError(domain.ErrTenantUnknown, err.Error())
	}

	// Archetype resolution is a supplement to the admission order below,
	// not one of its numbered steps: it fills request gaps before shape
	// validation so a template's defaults are validated like any other
	// request field, never exempted from the tier caps that follow.
	if err := c.applyArchetype(ctx, &req); err != nil {
		return Result{}, fmt.Errorf("resolve archetype: %w", err)
	}

	if err := validate(tenant, req); err != nil {
		return Result{}, err
	}

	if existing, ok, err := c.idempotent.Lookup(ctx, tenant.TenantID, req.IdempotencyKey); err != nil {
		return Result{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		return Result{RunID: existing, Replay: true}, nil
	}

	seed := clock.DeriveSeed(tenant.TenantID, req.IdempotencyKey)
	costVector, serviceDemand := c.estimator.Estimate(tenant, req)

	reservationID, err := c.accountant.Reserve(ctx, tenant, costVector)
	if err != nil {
		var exhausted *budget.ErrBudgetExhausted
		if errors.As(err, &exhausted) {
			return Result{}, domain.NewStageError(domain.ErrBudgetExhausted,
				fmt.Sprintf("insufficient budget for: %v", exhausted.Limiting))
		}
		return Result{}, fmt.Errorf("budget reserve: %w", err)
	}

	runID := c.ids.NewRunID()
	now := c.clock.Now()
	run := domain.Run{
		RunID:               runID,
		TenantID:            tenant.TenantID,
		TierSnapshot:        tenant.Tier,
		Goal:                req.Goal,
		TablesProfile:       req.TablesProfile,
		DataInputs:          req.DataInputs,
		Horizon:             req.Horizon,
		NumScenarios:        req.NumScenarios,
		ArchetypeID:         req.ArchetypeID,
		ConstraintsOverride: req.ConstraintsOverride,
		PriorityHint:        req.PriorityHint,
		IdempotencyKey:      req.IdempotencyKey,
		Seed:                seed,
		CreatedAt:           now,
		State:               domain.RunStateAdmitted,
		ReservationID:       reservationID,
	}

	if err := c.registry.CreateRun(ctx, run); err != nil {
		// The run never reached the registry: release the reservation so
		// it does not count against the tenant's cap forever.
		_ = c.accountant.Release(ctx, reservationID)
		return Result{}, fmt.Errorf("create run: %w", err)
	}

	if err := c.idempotent.Record(ctx, tenant.TenantID, req.IdempotencyKey, runID); err != nil {
		return Result{}, fmt.Errorf("record idempotency: %w", err)
	}

	c.scheduler.Enqueue(tenant, runID, serviceDemand, now)

	return Result{RunID: runID}, nil
}

// applyArchetype resolves req.ArchetypeID (if any) and seeds any
// caller-unset Horizon, NumScenarios, or DataInputs from the template's
// defaults and structure. Caller-supplied values always win: an
// archetype only fills gaps, never overrides an explicit request field.
func (c *Controller) applyArchetype(ctx context.Context, req *Request) error {
	if req.ArchetypeID == "" || c.archetypes == nil {
		return nil
	}

	tmpl, err := c.archetypes.Resolve(ctx, req.ArchetypeID)
	if err != nil {
		if errors.Is(err, archetype.ErrNotFound) {
			return domain.NewStageError(domain.ErrValidation,
				fmt.Sprintf("archetype %q not found", req.ArchetypeID))
		}
		return err
	}

	if req.Horizon == 0 {
		if h, ok := tmpl.Defaults["horizon"].(float64); ok {
			req.Horizon = int(h)
		}
	}
	if req.NumScenarios == 0 {
		if n, ok := tmpl.Defaults["num_scenarios"].(float64); ok {
			req.NumScenarios = int(n)
		}
	}
	if len(tmpl.Structure) > 0 {
		if req.DataInputs == nil {
			req.DataInputs = make(map[string]any, 1)
		}
		if _, exists := req.DataInputs["archetype_structure"]; !exists {
			req.DataInputs["archetype_structure"] = tmpl.Structure
		}
	}
	return nil
}

func validate(tenant domain.Tenant, req Request) error {
	if req.IdempotencyKey == "" {
		return domain.NewStageError(domain.ErrValidation, "idempotency_key is required")
	}
	if req.Goal == "" {
		return domain.NewStageError(domain.ErrValidation, "goal is required")
	}
	if len(req.Goal) > maxGoalBytes {
		return domain.NewStageError(domain.ErrValidation,
			fmt.Sprintf("goal exceeds maximum size of %d bytes", maxGoalBytes))
	}
	if size := tablesProfileSize(req.TablesProfile); size > tablesProfileBudget(tenant) {
		return domain.NewStageError(domain.ErrValidation,
			fmt.Sprintf("tables_profile exceeds tier limit of %d bytes", tablesProfileBudget(tenant)))
	}
	if tenant.Caps.MaxHorizon > 0 && req.Horizon > tenant.Caps.MaxHorizon {
		return domain.NewStageError(domain.ErrValidation,
			fmt.Sprintf("horizon %d exceeds tier limit of %d", req.Horizon, tenant.Caps.MaxHorizon))
	}
	if tenant.Caps.MaxScenarios > 0 && req.NumScenarios > tenant.Caps.MaxScenarios {
		return domain.NewStageError(domain.ErrValidation,
			fmt.Sprintf("num_scenarios %d exceeds tier limit of %d", req.NumScenarios, tenant.Caps.MaxScenarios))
	}
	return nil
}

func tablesProfileBudget(tenant domain.Tenant) int {
	if tenant.Caps.MaxTablesProfileBytes > 0 {
		return tenant.Caps.MaxTablesProfileBytes
	}
	return defaultTablesProfileBudget
}

// tablesProfileSize approximates the wire size of the tables profile
// without marshaling it, by summing the length of its string-keyed
// entries' JSON-ish representation. This rough estimate is the only size
// check: the storage layer persists the profile without checking its
// size again.
func tablesProfileSize(profile map[string]any) int {
	total := 0
	for k, v := range profile {
		total += len(k)
		total += estimateValueSize(v)
	}
	return total
}

func estimateValueSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case map[string]any:
		return tablesProfileSize(t)
	case []any:
		n := 0
		for _, e := range t {
			n += estimateValueSize(e)
		}
		return n
	default:
		return 8
	}
}
