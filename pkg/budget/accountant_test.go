package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
)

func testTenant(cap domain.BudgetVector) domain.Tenant {
	return domain.Tenant{
		TenantID: "t1",
		Tier:     domain.TierStandard,
		Caps:     domain.TierCaps{MonthlyBudget: cap},
	}
}

func TestAccountant_ReserveWithinCapSucceeds(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, resID)
}

func TestAccountant_ReserveExceedingCapFails(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 10})

	_, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 11})
	require.Error(t, err)

	var exhausted *ErrBudgetExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Limiting, domain.BudgetSolverSeconds)
}

func TestAccountant_ReserveExactlyAtCapSucceeds(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 10})

	_, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)
}

func TestAccountant_CommitSettlesAndRefundsUnused(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemLedger()
	a := New(ledger, clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 6}, 1.0))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)

	assert.Equal(t, float64(6), totals[domain.BudgetSolverSeconds].Committed)
	assert.Equal(t, float64(0), totals[domain.BudgetSolverSeconds].Reserved)
}

func TestAccountant_CommitCapsAtReservedAmount(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	// Actual usage exceeds the reservation; commit must not exceed reserved.
	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 50}, 1.0))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, float64(10), totals[domain.BudgetSolverSeconds].Committed)
}

func TestAccountant_Release(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx, resID))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, float64(0), totals[domain.BudgetSolverSeconds].Sum())
}

func TestAccountant_DoubleCommitRejected(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 5}, 1.0))
	err = a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 5}, 1.0)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestAccountant_ReleaseAfterCommitRejected(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 5}, 1.0))

	err = a.Release(ctx, resID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestAccountant_SettleUnknownReservation(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)

	err := a.Commit(ctx, "nonexistent", domain.CostVector{}, 1.0)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

type recordingAlertSink struct {
	alerts []domain.BudgetKind
}

func (s *recordingAlertSink) SoftAlert(_ context.Context, _ string, kind domain.BudgetKind, _ string, _ float64) error {
	s.alerts = append(s.alerts, kind)
	return nil
}

func TestAccountant_SoftAlertAt80Percent(t *testing.T) {
	ctx := context.Background()
	sink := &recordingAlertSink{}
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), sink)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	_, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 85})
	require.NoError(t, err)

	assert.Contains(t, sink.alerts, domain.BudgetSolverSeconds)
}

func TestAccountant_NoSoftAlertBelow80Percent(t *testing.T) {
	ctx := context.Background()
	sink := &recordingAlertSink{}
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), sink)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	_, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 50})
	require.NoError(t, err)

	assert.Empty(t, sink.alerts)
}

func TestAccountant_SumNeverExceedsCapAcrossReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 20})

	res1, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	// Second reservation for the remaining 10 succeeds exactly at cap.
	res2, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	// A third reservation of any size must fail: no room left.
	_, err = a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 1})
	require.Error(t, err)

	require.NoError(t, a.Commit(ctx, res1, domain.CostVector{SolverSeconds: 10}, 1.0))
	require.NoError(t, a.Release(ctx, res2))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)
	assert.LessOrEqual(t, totals[domain.BudgetSolverSeconds].Sum(), float64(20))
}

func TestAccountant_CommitAppliesRateFactorBeforeBilling(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	// Enterprise's succeeded_partial discount: 8 measured seconds billed
	// at 0.75 commits as 6, refunding the remaining 4 of the reservation.
	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 8}, 0.75))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, float64(6), totals[domain.BudgetSolverSeconds].Committed)
	assert.Equal(t, float64(0), totals[domain.BudgetSolverSeconds].Reserved)
}

func TestAccountant_CommitZeroRateFactorDefaultsToFullRate(t *testing.T) {
	ctx := context.Background()
	a := New(NewMemLedger(), clock.NewFrozen(time.Now()), nil)
	tenant := testTenant(domain.BudgetVector{SolverSeconds: 100})

	resID, err := a.Reserve(ctx, tenant, domain.CostVector{SolverSeconds: 10})
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, resID, domain.CostVector{SolverSeconds: 6}, 0))

	totals, err := a.Query(ctx, tenant.TenantID, period(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, float64(6), totals[domain.BudgetSolverSeconds].Committed)
}
