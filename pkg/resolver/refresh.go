package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/cache"
)

var refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statrelay_resolver_refreshes_total",
	Help: "Background refreshes by outcome",
}, []string{"outcome"})

const refreshTimeout = 10 * time.Second

// refreshPool runs stale-triggered refreshes on a small fixed set of
// workers. Each distinct key is queued at most once at a time; refreshes
// share the resolver's singleflight group so a concurrent cold-miss fetch
// for the same key collapses into the same upstream call.
type refreshPool struct {
	r      *Resolver
	queue  chan string
	logger zerolog.Logger

	mu      sync.Mutex
	queued  map[string]struct{}
	stopped bool

	wg sync.WaitGroup
}

func newRefreshPool(r *Resolver, workers, queueSize int, logger zerolog.Logger) *refreshPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &refreshPool{
		r:      r,
		queue:  make(chan string, queueSize),
		logger: logger,
		queued: make(map[string]struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// enqueue schedules a refresh for an opaque ID. Duplicate keys and a full
// queue are dropped; the entry stays servable until the stale window ends,
// so a missed refresh only delays, never breaks.
func (p *refreshPool) enqueue(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if _, ok := p.queued[id]; ok {
		refreshesTotal.WithLabelValues("deduped").Inc()
		return
	}

	select {
	case p.queue <- id:
		p.queued[id] = struct{}{}
	default:
		refreshesTotal.WithLabelValues("dropped").Inc()
	}
}

func (p *refreshPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
}

func (p *refreshPool) worker() {
	defer p.wg.Done()
	for id := range p.queue {
		p.refreshOne(id)

		p.mu.Lock()
		delete(p.queued, id)
		p.mu.Unlock()
	}
}

// refreshOne revalidates one key using the current entry's validators. The
// refresh runs detached from any request context.
func (p *refreshPool) refreshOne(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	var prior *cache.Entry
	if swr, err := p.r.store.GetWithSWR(ctx, cache.PlayerKey(id)); err == nil && swr != nil {
		prior = &swr.Entry
	}

	out, _, err := p.r.fetchThroughGroup(ctx, id, prior)
	if err != nil {
		refreshesTotal.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("id", id).Msg("Background refresh failed")
		return
	}
	if out.revalidated {
		refreshesTotal.WithLabelValues("revalidated").Inc()
	} else {
		refreshesTotal.WithLabelValues("ok").Inc()
	}
}
