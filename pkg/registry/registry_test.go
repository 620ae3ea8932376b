package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
)

func newTestRegistry() (*Registry, *clock.Frozen) {
	frozen := clock.NewFrozen(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC))
	return New(NewMemStore(), frozen), frozen
}

func testRun(runID string) domain.Run {
	return domain.Run{
		RunID:          runID,
		TenantID:       "tenant-1",
		TierSnapshot:   domain.TierStandard,
		Goal:           "reduce cost",
		Horizon:        4,
		NumScenarios:   20,
		IdempotencyKey: "key-1",
		Seed:           42,
		CreatedAt:      time.Date(2026, 7, 30, 11, 0, 0, 0, time.UTC),
		State:          domain.RunStateAdmitted,
	}
}

func TestRegistry_CreateAndGetRun(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateAdmitted, got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestRegistry_CreateRunDuplicateRejected(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))
	err := reg.CreateRun(ctx, testRun("run-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegistry_GetRunNotFound(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_UpdateStage(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, reg.UpdateStage(ctx, "run-1", domain.StageRecord{
		Name: domain.StageCompile, State: domain.StageStateSucceeded, Attempts: 1,
	}))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, domain.StageStateSucceeded, got.Stages[0].State)
	assert.Equal(t, int64(2), got.Version)
}

func TestRegistry_UpdateStageOverwritesRetry(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, reg.UpdateStage(ctx, "run-1", domain.StageRecord{
		Name: domain.StageCompile, State: domain.StageStateFailed, Attempts: 1,
	}))
	require.NoError(t, reg.UpdateStage(ctx, "run-1", domain.StageRecord{
		Name: domain.StageCompile, State: domain.StageStateSucceeded, Attempts: 2,
	}))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Stages, 1, "second attempt replaces the first, it does not append")
	assert.Equal(t, 2, got.Stages[0].Attempts)
	assert.Equal(t, domain.StageStateSucceeded, got.Stages[0].State)
}

func TestRegistry_SetRunStateToTerminalStampsTimestamp(t *testing.T) {
	reg, frozen := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, reg.SetRunState(ctx, "run-1", domain.RunStateSucceeded))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, got.State)
	require.NotNil(t, got.TerminalAt)
	assert.True(t, got.TerminalAt.Equal(frozen.Now()))
}

func TestRegistry_SetRunStateFromTerminalRejected(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, reg.SetRunState(ctx, "run-1", domain.RunStateFailed))

	err := reg.SetRunState(ctx, "run-1", domain.RunStateRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_AppendFingerprintPreservesExisting(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, reg.AppendFingerprint(ctx, "run-1", domain.Fingerprints{ModelFingerprint: "abc"}))
	require.NoError(t, reg.AppendFingerprint(ctx, "run-1", domain.Fingerprints{PlanDNA: "def"}))

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Fingerprints.ModelFingerprint)
	assert.Equal(t, "def", got.Fingerprints.PlanDNA)
}

func TestRegistry_RequestCancellationIsIdempotent(t *testing.T) {
	reg, frozen := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, reg.RequestCancellation(ctx, "run-1"))
	first, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, first.CancellationAt)

	frozen.Advance(time.Minute)
	require.NoError(t, reg.RequestCancellation(ctx, "run-1"))
	second, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, first.CancellationAt.Equal(*second.CancellationAt), "a repeat cancellation request does not move the timestamp")
}

func TestRegistry_RequestCancellationOnTerminalRunRejected(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, reg.SetRunState(ctx, "run-1", domain.RunStateCanceled))

	err := reg.RequestCancellation(ctx, "run-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_ListRunsFiltersByTenantAndState(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))
	other := testRun("run-2")
	other.TenantID = "tenant-2"
	require.NoError(t, reg.CreateRun(ctx, other))
	require.NoError(t, reg.SetRunState(ctx, "run-1", domain.RunStateRunning))

	runs, err := reg.ListRuns(ctx, "tenant-1", ListFilter{State: domain.RunStateRunning})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}

func TestRegistry_ConcurrentMutationsSerialize(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateRun(ctx, testRun("run-1")))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(attempt int) {
			errs <- reg.UpdateStage(ctx, "run-1", domain.StageRecord{
				Name: domain.StageCompile, State: domain.StageStateRunning, Attempts: attempt,
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	got, err := reg.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), got.Version, "every mutation through the Registry's lock must land exactly once")
}
