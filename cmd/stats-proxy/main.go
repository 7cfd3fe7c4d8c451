package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/cache"
	"github.com/statrelay/statrelay/pkg/config"
	"github.com/statrelay/statrelay/pkg/logging"
	"github.com/statrelay/statrelay/pkg/maintenance"
	"github.com/statrelay/statrelay/pkg/resolver"
	"github.com/statrelay/statrelay/pkg/stats"
	"github.com/statrelay/statrelay/pkg/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logging.Setup(logging.Config{Level: logging.LogLevel(cfg.LogLevel)})
	logger := logging.NewLogger("main")

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	logger.Info().Msg("Connected to database")

	staleWindow := cfg.SWRStaleWindow
	if !cfg.SWREnabled {
		staleWindow = 0
	}

	adaptiveTTL := cache.NewAdaptiveTTL(cache.AdaptiveTTLConfig{
		Min:               cfg.L1TTLMin,
		Max:               cfg.L1TTLMax,
		Fallback:          cfg.L1TTLFallback,
		MaxBytes:          cfg.L1MaxBytes,
		TargetUtilization: cfg.L1TargetUtil,
		SafetyFactor:      cfg.L1SafetyFactor,
	}, redisClient, logging.NewLogger("adaptive-ttl"))

	l1 := cache.NewTierL1(redisClient, adaptiveTTL, staleWindow, logging.NewLogger("cache-l1"))
	l2 := cache.NewTierL2(pool, cfg.L2TTL, cfg.NameL2TTL, staleWindow, logging.NewLogger("cache-l2"))
	if err := l2.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure cache schema")
	}
	store := cache.NewStore(l1, l2, cache.NewReadGate(0, 0), logging.NewLogger("cache-store"))

	breaker := upstream.NewBreaker(upstream.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MinSamples:       cfg.BreakerMinSamples,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, logging.NewLogger("breaker"))
	quota := upstream.NewQuotaGate(redisClient, logging.NewLogger("quota"))

	client, err := upstream.New(upstream.Config{
		BaseURL:        cfg.UpstreamBaseURL,
		APIKey:         cfg.UpstreamAPIKey,
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.UpstreamTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, breaker, quota, logging.NewLogger("upstream"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create upstream client")
	}

	profiles, err := upstream.NewProfileClient(upstream.ProfileConfig{
		BaseURL:        cfg.ProfileBaseURL,
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.UpstreamTimeout,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, logging.NewLogger("profiles"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create profile client")
	}

	res := resolver.New(store, client, profiles, resolver.Config{
		MaxIdentifierLen: cfg.MaxIdentifierLen,
		MemoTTL:          cfg.MemoTTL,
		MemoSize:         cfg.MemoSize,
		RefreshWorkers:   cfg.RefreshWorkers,
		RefreshQueueSize: cfg.RefreshQueueSize,
		BatchConcurrency: cfg.BatchConcurrency,
	}, logging.NewLogger("resolver"))
	defer res.Close()

	runner := maintenance.New(adaptiveTTL, store, maintenance.AlwaysLeader, maintenance.Config{
		AdaptiveInterval: cfg.AdaptiveInterval,
		PurgeInterval:    cfg.PurgeInterval,
	}, logging.NewLogger("maintenance"))
	go runner.Run(ctx)

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/ready", readyHandler(redisClient, pool))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/player/submit/", submitHandler(res))
	http.HandleFunc("/player/", playerHandler(res, logging.NewLogger("http")))
	http.HandleFunc("/players", playersHandler(res))

	addr := ":" + cfg.Port
	logger.Info().Str("addr", addr).Str("upstream", cfg.UpstreamBaseURL).Msg("Starting stats proxy")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(redisClient *redis.Client, pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// playerHandler maps one resolution to conditional HTTP semantics.
func playerHandler(res *resolver.Resolver, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := strings.TrimPrefix(r.URL.Path, "/player/")

		var cond *upstream.Conditional
		if etag := r.Header.Get("If-None-Match"); etag != "" {
			cond = &upstream.Conditional{ETag: etag}
		} else if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			if t, err := http.ParseTime(ims); err == nil {
				cond = &upstream.Conditional{LastModified: t}
			}
		}

		result, err := res.Resolve(r.Context(), identifier, cond)
		if err != nil {
			writeResolveError(w, err)
			return
		}

		if result.ETag != "" {
			w.Header().Set("ETag", result.ETag)
		}
		if !result.LastModified.IsZero() {
			w.Header().Set("Last-Modified", result.LastModified.UTC().Format(http.TimeFormat))
		}
		if result.Source == resolver.FromCache {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		if result.IsStale {
			w.Header().Set("X-Cache-Stale", "true")
		}
		if result.NotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(result.Value); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}

// playersHandler resolves a comma-separated identifier list with bounded
// fan-out.
func playersHandler(res *resolver.Resolver) http.HandlerFunc {
	type item struct {
		Identifier string          `json:"identifier"`
		Stats      json.RawMessage `json:"stats,omitempty"`
		Error      string          `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("ids")
		if raw == "" {
			http.Error(w, "ids query parameter is required", http.StatusBadRequest)
			return
		}

		results := res.ResolveMany(r.Context(), strings.Split(raw, ","))
		items := make([]item, len(results))
		for i, br := range results {
			items[i].Identifier = br.Identifier
			if br.Err != nil {
				items[i].Error = br.Err.Error()
				continue
			}
			data, err := json.Marshal(br.Result.Value)
			if err != nil {
				items[i].Error = err.Error()
				continue
			}
			items[i].Stats = data
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(items)
	}
}

// submitHandler accepts community-contributed stats for an opaque player ID.
// Contributions land in the cache as unverified until a verification layer
// in front of this proxy vouches for them.
func submitHandler(res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/player/submit/")

		var sub stats.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "invalid submission body", http.StatusUnprocessableEntity)
			return
		}

		if err := res.Submit(r.Context(), id, sub, false); err != nil {
			writeResolveError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "Contribution accepted.")
	}
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrInvalidIdentifier):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, upstream.ErrBreakerOpen):
		http.Error(w, "upstream temporarily unavailable", http.StatusServiceUnavailable)
	default:
		switch upstream.KindOf(err) {
		case upstream.KindAuth:
			http.Error(w, "upstream rejected credentials", http.StatusBadGateway)
		case upstream.KindRateLimited:
			http.Error(w, "upstream rate limited", http.StatusTooManyRequests)
		case upstream.KindEmptyPayload:
			http.Error(w, "player not found", http.StatusNotFound)
		default:
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		}
	}
}
