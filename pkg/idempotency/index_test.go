package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/pkg/clock"
)

func TestIndex_RecordThenLookup(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFrozen(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC))
	idx := New(NewMemStore(), c, 0)

	require.NoError(t, idx.Record(ctx, "t1", "k1", "run-1"))

	runID, ok, err := idx.Lookup(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-1", runID)
}

func TestIndex_LookupMiss(t *testing.T) {
	ctx := context.Background()
	idx := New(NewMemStore(), clock.Real{}, 0)

	_, ok, err := idx.Lookup(ctx, "t1", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndex_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	c := clock.NewFrozen(start)
	idx := New(NewMemStore(), c, time.Hour)

	require.NoError(t, idx.Record(ctx, "t1", "k1", "run-1"))

	c.Advance(2 * time.Hour)

	_, ok, err := idx.Lookup(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.False(t, ok, "expired record must be treated as absent")
}

func TestIndex_DefaultTTLAppliedWhenZero(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	c := clock.NewFrozen(start)
	idx := New(NewMemStore(), c, 0)

	require.NoError(t, idx.Record(ctx, "t1", "k1", "run-1"))

	c.Advance(DefaultTTL - time.Minute)
	_, ok, err := idx.Lookup(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.True(t, ok, "record should still be live just under the default TTL")

	c.Advance(2 * time.Minute)
	_, ok, err = idx.Lookup(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.False(t, ok, "record should be expired just past the default TTL")
}

func TestIndex_Forget(t *testing.T) {
	ctx := context.Background()
	idx := New(NewMemStore(), clock.Real{}, 0)

	require.NoError(t, idx.Record(ctx, "t1", "k1", "run-1"))
	require.NoError(t, idx.Forget(ctx, "t1", "k1"))

	_, ok, err := idx.Lookup(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndex_KeysScopedPerTenant(t *testing.T) {
	ctx := context.Background()
	idx := New(NewMemStore(), clock.Real{}, 0)

	require.NoError(t, idx.Record(ctx, "t1", "k1", "run-1"))
	require.NoError(t, idx.Record(ctx, "t2", "k1", "run-2"))

	run1, _, _ := idx.Lookup(ctx, "t1", "k1")
	run2, _, _ := idx.Lookup(ctx, "t2", "k1")

	assert.Equal(t, "run-1", run1)
	assert.Equal(t, "run-2", run2)
}
