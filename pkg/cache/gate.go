package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gateSuppressions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "statrelay_cache_l2_gate_suppressions_total",
	Help: "L2 reads suppressed while the fast tier was unavailable",
})

// ReadGate suppresses durable-tier reads while the fast tier is failing.
// A sustained Redis outage would otherwise shift the full read load onto
// the database; after consecutiveLimit L1 errors the gate closes and L2
// reads are skipped until the backoff elapses or L1 recovers.
type ReadGate struct {
	mu               sync.Mutex
	consecutiveLimit int
	backoff          time.Duration
	failures         int
	suppressedUntil  time.Time

	now func() time.Time
}

// NewReadGate creates a gate that closes after limit consecutive L1 errors
// and reopens after backoff.
func NewReadGate(limit int, backoff time.Duration) *ReadGate {
	if limit <= 0 {
		limit = 3
	}
	if backoff <= 0 {
		backoff = 15 * time.Second
	}
	return &ReadGate{
		consecutiveLimit: limit,
		backoff:          backoff,
		now:              time.Now,
	}
}

// NoteL1Error records a fast-tier failure.
func (g *ReadGate) NoteL1Error() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	if g.failures >= g.consecutiveLimit {
		g.suppressedUntil = g.now().Add(g.backoff)
	}
}

// NoteL1OK records a fast-tier success, reopening the gate immediately.
func (g *ReadGate) NoteL1OK() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.suppressedUntil = time.Time{}
}

// AllowRead reports whether a durable-tier read should proceed.
func (g *ReadGate) AllowRead() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.suppressedUntil.IsZero() || g.now().After(g.suppressedUntil) {
		return true
	}
	gateSuppressions.Inc()
	return false
}
