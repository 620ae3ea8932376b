package clock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/oklog/ulid/v2"
)

// IDGen generates run identifiers and derives admission seeds. run_id
// must be globally unique, immutable, and monotonically sortable so the
// Run Registry and WFQ tie-break rule (earlier admitted_at, then
// lexicographic run_id) hold without a secondary sequence.
type IDGen struct {
	clock Clock
	mu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGen creates an IDGen backed by clock for monotonic ULID timestamps.
func NewIDGen(clock Clock) *IDGen {
	return &IDGen{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewRunID returns a new globally unique, lexicographically sortable run
// identifier.
func (g *IDGen) NewRunID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy)
	return id.String()
}

// seedSalt is a fixed, non-secret domain-separation constant mixed into
// every derived seed so that seeds for this kernel never collide with
// seeds derived by an unrelated hashing use of the same inputs.
const seedSalt = "dyocense-kernel-seed-v1"

// DeriveSeed computes seed = hash(tenant_id || idempotency_key ||
// fixed_salt) per §4.3 step 4. The result is fixed at admission; every
// stage that consumes randomness must derive from it, never from
// crypto/rand or math/rand directly.
func DeriveSeed(tenantID, idempotencyKey string) int64 {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte(idempotencyKey))
	h.Write([]byte(seedSalt))
	sum := h.Sum(nil)

	// Take the first 8 bytes as an unsigned integer, then fold into the
	// positive int64 range so downstream rand.Source seeding never sees
	// a negative seed.
	v := binary.BigEndian.Uint64(sum[:8])
	folded := new(big.Int).SetUint64(v)
	folded.Mod(folded, new(big.Int).SetInt64(1<<62))
	return folded.Int64()
}
