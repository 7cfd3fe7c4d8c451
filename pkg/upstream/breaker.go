package upstream

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	breakerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statrelay_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statrelay_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"to"})

	breakerRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statrelay_breaker_rejections_total",
		Help: "Calls rejected by the open circuit breaker without a network attempt",
	})
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	// StateClosed allows all calls.
	StateClosed BreakerState = "closed"

	// StateOpen fails fast without a network call until the reset timeout
	// elapses.
	StateOpen BreakerState = "open"

	// StateHalfOpen allows exactly one trial call after the reset timeout.
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// MinSamples is the minimum number of completed calls observed before
	// the breaker may open. Guards against opening on a single cold-start
	// failure.
	MinSamples int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration
}

// BreakerSnapshot is a point-in-time copy of the breaker state for
// observability and fail-fast checks.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	LastFailureAt       time.Time
	NextRetryAt         time.Time
}

// Breaker is a process-wide circuit breaker shared by every caller of the
// upstream client. It is explicitly constructed and injected, never a hidden
// singleton, so tests can build isolated instances.
type Breaker struct {
	mu sync.Mutex

	cfg    BreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	state               BreakerState
	consecutiveFailures int
	samples             int
	lastFailureAt       time.Time
	nextRetryAt         time.Time
	trialInFlight       bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MinSamples < cfg.FailureThreshold {
		cfg.MinSamples = cfg.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it fails fast
// with ErrBreakerOpen until the reset deadline, then admits exactly one
// half-open trial call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextRetryAt) {
			breakerRejectionsTotal.Inc()
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			breakerRejectionsTotal.Inc()
			return ErrBreakerOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// OnSuccess records a successful call, resetting the failure streak and
// closing the breaker after a successful half-open trial.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples++
	b.consecutiveFailures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// OnFailure records a failed call. A half-open trial failure re-opens
// immediately; in the closed state the breaker opens once the consecutive
// failure threshold is reached and the minimum sample size has been met.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.samples++
	b.consecutiveFailures++
	b.lastFailureAt = now
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.open(now)
		return
	}

	if b.state == StateClosed &&
		b.consecutiveFailures >= b.cfg.FailureThreshold &&
		b.samples >= b.cfg.MinSamples {
		b.open(now)
	}
}

// Snapshot returns a copy of the current breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
	}
}

// open must be called with the mutex held.
func (b *Breaker) open(now time.Time) {
	b.nextRetryAt = now.Add(b.cfg.ResetTimeout)
	b.transition(StateOpen)
	b.logger.Error().
		Int("consecutive_failures", b.consecutiveFailures).
		Time("next_retry_at", b.nextRetryAt).
		Msg("Circuit breaker opened")
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	breakerTransitionsTotal.WithLabelValues(string(to)).Inc()
	breakerStateGauge.Set(stateValue(to))
	if to == StateClosed {
		b.logger.Info().Msg("Circuit breaker closed")
	}
}

func stateValue(s BreakerState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
