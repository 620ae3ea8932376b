// Package tenant implements a config-file-backed domain.TenantResolver.
// Tenants are administered externally (§1: "created and administered
// externally; the core only resolves and reads") — this package is that
// read boundary, the kernel's analogue of the teacher's ChainRegistry/
// MCPServerRegistry: a thread-safe, YAML-loaded, in-memory lookup table.
package tenant

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dyocense/kernel/pkg/domain"
)

// ErrUnknownTenant is returned by Resolve for an id the registry has no
// record of.
var ErrUnknownTenant = fmt.Errorf("tenant: unknown tenant")

// TierCapsConfig is the YAML shape of one tier's caps, decoded into
// domain.TierCaps on load.
type TierCapsConfig struct {
	MaxParallelRuns       int                        `yaml:"max_parallel_runs" validate:"min=1"`
	MaxScenarios          int                        `yaml:"max_scenarios" validate:"min=1"`
	MaxHorizon            int                        `yaml:"max_horizon" validate:"min=1"`
	MaxTablesProfileBytes int                        `yaml:"max_tables_profile_bytes,omitempty"`
	StageTimeoutSeconds   map[domain.StageName]float64 `yaml:"stage_timeouts_seconds"`
	MIPGapFloor           float64                    `yaml:"mip_gap_floor"`
	MonthlyBudget         domain.BudgetVector        `yaml:"monthly_budget"`
	Weight                float64                    `yaml:"weight" validate:"gt=0"`
	PartialRateFactor     float64                    `yaml:"partial_rate_factor"`
}

// TenantConfig is one entry in tenants.yaml: a tenant_id bound to a tier.
type TenantConfig struct {
	TenantID string     `yaml:"tenant_id" validate:"required"`
	Tier     domain.Tier `yaml:"tier" validate:"required"`
}

// File is the top-level tenants.yaml shape: a tier-name-keyed caps table
// plus the flat list of known tenants.
type File struct {
	Tiers   map[domain.Tier]TierCapsConfig `yaml:"tiers" validate:"required,dive"`
	Tenants []TenantConfig                 `yaml:"tenants" validate:"required,min=1,dive"`
}

// Registry resolves tenant_id to domain.Tenant from an in-memory table
// built at load time. It implements domain.TenantResolver.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]domain.Tenant
}

// NewRegistry builds a Registry directly from already-validated tenants,
// bypassing YAML entirely — used by tests and by any caller assembling
// tenants programmatically.
func NewRegistry(tenants []domain.Tenant) *Registry {
	r := &Registry{tenants: make(map[string]domain.Tenant, len(tenants))}
	for _, t := range tenants {
		r.tenants[t.TenantID] = t
	}
	return r
}

// LoadFile reads and validates a tenants.yaml file at path, expanding
// each tenant's tier into its full domain.Tenant record.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("tenant: parse %s: %w", path, err)
	}

	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("tenant: validate %s: %w", path, err)
	}

	tenants := make([]domain.Tenant, 0, len(f.Tenants))
	for _, tc := range f.Tenants {
		caps, ok := f.Tiers[tc.Tier]
		if !ok {
			return nil, fmt.Errorf("tenant: %s references undefined tier %q", tc.TenantID, tc.Tier)
		}
		tenants = append(tenants, domain.Tenant{
			TenantID: tc.TenantID,
			Tier:     tc.Tier,
			Caps:     caps.toDomain(),
		})
	}

	return NewRegistry(tenants), nil
}

func (c TierCapsConfig) toDomain() domain.TierCaps {
	timeouts := make(domain.StageTimeouts, len(c.StageTimeoutSeconds))
	for stage, seconds := range c.StageTimeoutSeconds {
		timeouts[stage] = seconds
	}
	rateFactor := c.PartialRateFactor
	if rateFactor <= 0 {
		rateFactor = 1.0
	}
	return domain.TierCaps{
		MaxParallelRuns:       c.MaxParallelRuns,
		MaxScenarios:          c.MaxScenarios,
		MaxHorizon:            c.MaxHorizon,
		MaxTablesProfileBytes: c.MaxTablesProfileBytes,
		StageTimeouts:         timeouts,
		MIPGapFloor:           c.MIPGapFloor,
		MonthlyBudget:         c.MonthlyBudget,
		Weight:                c.Weight,
		PartialRateFactor:     rateFactor,
	}
}

// Resolve implements domain.TenantResolver.
func (r *Registry) Resolve(tenantID string) (domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, ErrUnknownTenant
	}
	return t, nil
}

// Put adds or replaces a tenant record, for an operator rotating a
// tenant's tier without a full config reload.
func (r *Registry) Put(t domain.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.TenantID] = t
}
