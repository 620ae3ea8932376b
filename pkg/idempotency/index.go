// Package idempotency maps (tenant_id, idempotency_key) -> run_id with a
// TTL, so that resubmission within the window returns the existing run
// rather than creating a new one (§3, §4.3 step 3).
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/dyocense/kernel/pkg/clock"
	"github.com/dyocense/kernel/pkg/domain"
)

// Store is the durable backing store for idempotency records. The
// Postgres-backed implementation lives in pkg/storage; Index wraps it
// with the business rule (expired records behave as absent).
type Store interface {
	Get(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, bool, error)
	Put(ctx context.Context, rec domain.IdempotencyRecord) error
	Delete(ctx context.Context, tenantID, key string) error
}

// DefaultTTL is the idempotency window per §4.3 step 7 / §9 Open Question (c).
const DefaultTTL = 24 * time.Hour

// Index is the Idempotency Index component. It owns IdempotencyRecord
// exclusively; no other component writes these records.
type Index struct {
	store Store
	clock clock.Clock
	ttl   time.Duration
}

// New creates an Index with the given TTL. Pass 0 to use DefaultTTL.
func New(store Store, c clock.Clock, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{store: store, clock: c, ttl: ttl}
}

// Lookup returns the existing run_id for (tenantID, key) if a live record
// exists. An expired record is treated as absent (ok=false) — the caller
// is responsible for recreating the mapping if they proceed with
// admission.
func (idx *Index) Lookup(ctx context.Context, tenantID, key string) (runID string, ok bool, err error) {
	rec, found, err := idx.store.Get(ctx, tenantID, key)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	if rec.Expired(idx.clock.Now()) {
		return "", false, nil
	}
	return rec.RunID, true, nil
}

// Record creates the (tenantID, key) -> runID mapping with this Index's
// TTL, per §4.3 step 7.
func (idx *Index) Record(ctx context.Context, tenantID, key, runID string) error {
	now := idx.clock.Now()
	return idx.store.Put(ctx, domain.IdempotencyRecord{
		TenantID:  tenantID,
		Key:       key,
		RunID:     runID,
		CreatedAt: now,
		ExpiresAt: now.Add(idx.ttl),
	})
}

// Forget removes the mapping on explicit tenant request, ahead of TTL expiry.
func (idx *Index) Forget(ctx context.Context, tenantID, key string) error {
	return idx.store.Delete(ctx, tenantID, key)
}

// MemStore is an in-process Store implementation used by tests and by
// the in-memory pipeline harness; it is not the production store.
type MemStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

// NewMemStore creates an empty in-memory idempotency store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]domain.IdempotencyRecord)}
}

func memKey(tenantID, key string) string { return tenantID + "\x00" + key }

// Get implements Store.
func (m *MemStore) Get(_ context.Context, tenantID, key string) (domain.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(tenantID, key)]
	return rec, ok, nil
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, rec domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[memKey(rec.TenantID, rec.Key)] = rec
	return nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey(tenantID, key))
	return nil
}

// PurgeExpired deletes every record whose ExpiresAt is before now,
// returning the count removed. It mirrors storage.IdempotencyStore's
// production method so the cleanup service can be exercised against
// either backing store.
func (m *MemStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for k, rec := range m.records {
		if rec.ExpiresAt.Before(now) {
			delete(m.records, k)
			removed++
		}
	}
	return removed, nil
}
