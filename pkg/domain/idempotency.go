package domain

import "time"

// IdempotencyRecord maps a caller-supplied key to the run it produced.
// Owned exclusively by the Idempotency Index; created at admission,
// removed after TTL or explicit tenant purge.
type IdempotencyRecord struct {
	TenantID  string    `json:"tenant_id"`
	Key       string    `json:"key"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its TTL as of now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
