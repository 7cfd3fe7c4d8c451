// Package maintenance runs the periodic cache upkeep jobs: the adaptive TTL
// recompute and the expired-row purge. Whether this process may run them is
// decided by an injected leader check; a process that is never leader simply
// runs reactively and stays correct.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/cache"
)

// LeaderCheck reports whether this process currently holds leadership.
// AlwaysLeader suits single-instance deployments.
type LeaderCheck func(ctx context.Context) bool

// AlwaysLeader grants leadership unconditionally.
func AlwaysLeader(context.Context) bool { return true }

// Config tunes the job intervals.
type Config struct {
	AdaptiveInterval time.Duration
	PurgeInterval    time.Duration
}

// Runner owns the maintenance loop.
type Runner struct {
	ttl      *cache.AdaptiveTTL
	store    *cache.Store
	isLeader LeaderCheck
	cfg      Config
	logger   zerolog.Logger
}

// New creates a maintenance runner. A nil leader check defaults to
// AlwaysLeader.
func New(ttl *cache.AdaptiveTTL, store *cache.Store, isLeader LeaderCheck, cfg Config, logger zerolog.Logger) *Runner {
	if isLeader == nil {
		isLeader = AlwaysLeader
	}
	if cfg.AdaptiveInterval <= 0 {
		cfg.AdaptiveInterval = 30 * time.Second
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 15 * time.Minute
	}
	return &Runner{
		ttl:      ttl,
		store:    store,
		isLeader: isLeader,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, firing each job on its interval while
// this process holds leadership.
func (r *Runner) Run(ctx context.Context) {
	adaptive := time.NewTicker(r.cfg.AdaptiveInterval)
	defer adaptive.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	r.logger.Info().
		Dur("adaptive_interval", r.cfg.AdaptiveInterval).
		Dur("purge_interval", r.cfg.PurgeInterval).
		Msg("Maintenance loop started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Maintenance loop stopped")
			return
		case <-adaptive.C:
			r.recompute(ctx)
		case <-purge.C:
			r.purge(ctx)
		}
	}
}

func (r *Runner) recompute(ctx context.Context) {
	if r.ttl == nil || !r.isLeader(ctx) {
		return
	}
	r.ttl.Recompute(ctx)
}

func (r *Runner) purge(ctx context.Context) {
	if r.store == nil || !r.isLeader(ctx) {
		return
	}
	purged, err := r.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("Expired-row purge failed")
		return
	}
	if purged > 0 {
		r.logger.Info().Int64("rows", purged).Msg("Purged expired cache rows")
	}
}
