// Package clock provides the kernel's authority time source and run
// identity generation. Stage timeouts, backoff jitter, ledger timestamps,
// and run creation all derive from an injected Clock so that tests can
// drive deterministic schedules and replays are reproducible. Code outside
// that path (the archetype cache, HTTP request logging and health, the
// Slack history lookup) still calls time.Now() directly.
package clock

import (
	"sync"
	"time"
)

// Clock provides authority time for the kernel. Production code uses
// Real; tests inject a Frozen clock to assert on scheduling
// and timeout behavior without wall-clock flakiness.
type Clock interface {
	Now() time.Time
}

// Real is the default clock, backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Frozen is a Clock that always returns the same instant, useful for
// fingerprint and ledger tests that must not observe time drift.
type Frozen struct {
	mu sync.Mutex
	at time.Time
}

// NewFrozen returns a Frozen clock fixed at at.
func NewFrozen(at time.Time) *Frozen {
	return &Frozen{at: at}
}

// Now returns the frozen instant.
func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at
}

// Advance moves the frozen instant forward by d, for tests that need to
// simulate elapsed time between stage attempts without sleeping.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = f.at.Add(d)
}
