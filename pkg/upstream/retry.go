package upstream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statrelay_upstream_retries_total",
		Help: "Transient upstream failures retried after a jittered delay",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statrelay_upstream_retry_backoff_seconds",
		Help:    "Backoff duration applied before the single retry",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
	})
)

// retryOnceTransient runs fn, retrying exactly once after a small jittered
// delay when the failure is transient. Auth, rate-limit and empty-payload
// failures are surfaced immediately.
func retryOnceTransient(ctx context.Context, baseDelay time.Duration, logger zerolog.Logger, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}

	var ue *Error
	if !errors.As(err, &ue) || !ue.IsRetryable() {
		return err
	}

	// Jitter in [0.5, 1.5) of the base delay to spread concurrent retries.
	delay := time.Duration(float64(baseDelay) * (0.5 + rand.Float64()))
	retriesTotal.Inc()
	retryBackoffSeconds.Observe(delay.Seconds())

	logger.Warn().
		Err(err).
		Dur("backoff", delay).
		Msg("Transient upstream failure, retrying once")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	return fn()
}
