// Package ratelimit implements the sliding-window request limiter and IP
// failure ledger of spec §4.5, backed by Redis sorted sets and counters.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/13Dev-07/emailv/errs"
)

// Tier names a rate-limit class; unlimited short-circuits to allow without
// any Redis round trip.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierUnlimited  Tier = "unlimited"
)

// TierLimit pairs a tier with its request budget and window.
type TierLimit struct {
	Limit  int
	Window time.Duration
}

// TierResolver maps an API key (or anonymous caller) to its tier, the
// authorization surface the spec's `X-API-Key` middleware depends on.
type TierResolver interface {
	ResolveTier(ctx context.Context, apiKey string) (Tier, error)
}

// Config carries the default tiers and the fail-open fallback used when
// Redis itself is unavailable.
type Config struct {
	Tiers          map[Tier]TierLimit
	Multiplier     float64
	FallbackLimit  int
	FallbackWindow time.Duration
}

func defaultTiers() map[Tier]TierLimit {
	return map[Tier]TierLimit{
		TierBasic:      {Limit: 100, Window: time.Hour},
		TierPro:        {Limit: 1000, Window: time.Hour},
		TierEnterprise: {Limit: 10000, Window: time.Hour},
	}
}

func (c Config) withDefaults() Config {
	if c.Tiers == nil {
		c.Tiers = defaultTiers()
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1.0
	}
	if c.FallbackLimit <= 0 {
		c.FallbackLimit = 10
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = time.Minute
	}
	return c
}

// Limiter enforces a per-key sliding window via a Redis sorted set of
// request timestamps, per spec §4.5.
type Limiter struct {
	cfg   Config
	redis *redis.Client
}

// New constructs a Limiter backed by the given Redis client.
func New(cfg Config, client *redis.Client) *Limiter {
	return &Limiter{cfg: cfg.withDefaults(), redis: client}
}

func bucketKey(key string) string { return fmt.Sprintf("rate_limit:%s", key) }

// Allow checks and records one request of the given cost against key's
// tier, returning errs.QuotaExceeded when the sliding window is full. A
// Redis failure fails open: the request is counted against FallbackLimit in
// a separate fallback bucket, and is allowed without any limit when that
// bucket cannot be updated either.
func (l *Limiter) Allow(ctx context.Context, key string, tier Tier, cost int) error {
	if tier == TierUnlimited {
		return nil
	}
	if cost <= 0 {
		cost = 1
	}

	limit, ok := l.cfg.Tiers[tier]
	if !ok {
		limit = TierLimit{Limit: l.cfg.FallbackLimit, Window: l.cfg.FallbackWindow}
	}

	n, err := l.slideAndCount(ctx, bucketKey(key), limit.Window, cost)
	if err != nil {
		return l.failOpen(ctx, key, cost)
	}

	allowed := float64(n) <= float64(limit.Limit)*l.cfg.Multiplier
	if !allowed {
		return errs.New(errs.QuotaExceeded, "ratelimit.Allow", nil)
	}
	return nil
}

// slideAndCount adds `cost` timestamp entries for now, prunes entries
// older than window, reads the resulting set size, and refreshes the key's
// TTL, all in one Redis pipeline so the check-and-update is atomic from
// the caller's point of view.
func (l *Limiter) slideAndCount(ctx context.Context, key string, window time.Duration, cost int) (int64, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := l.redis.TxPipeline()
	for i := 0; i < cost; i++ {
		member := fmt.Sprintf("%d-%d", now.UnixNano(), i)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	}
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// failOpen applies the fallback limit after the tier bucket update failed.
// The fallback bucket lives in the same Redis instance, under a
// "fallback:"-prefixed key with FallbackLimit per FallbackWindow; there is
// no process-local counter. If Redis cannot update that bucket either, every
// request is allowed.
func (l *Limiter) failOpen(ctx context.Context, key string, cost int) error {
	n, err := l.slideAndCount(ctx, bucketKey("fallback:"+key), l.cfg.FallbackWindow, cost)
	if err != nil {
		// Redis is entirely unavailable even for the fallback bucket;
		// per spec §7 this still fails open rather than blocking traffic.
		return nil
	}
	if n > int64(l.cfg.FallbackLimit) {
		return errs.New(errs.QuotaExceeded, "ratelimit.Allow", nil)
	}
	return nil
}

// IPLedger tracks per-IP auth failures and blocks, per spec §4.5. Separate
// from Limiter because it is keyed by client IP, not API key, and blocking
// is binary rather than a sliding count.
type IPLedger struct {
	redis         *redis.Client
	maxFailures   int
	failureWindow time.Duration
	blockDuration time.Duration
}

// NewIPLedger constructs an IPLedger.
func NewIPLedger(client *redis.Client, maxFailures int, failureWindow, blockDuration time.Duration) *IPLedger {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if failureWindow <= 0 {
		failureWindow = time.Hour
	}
	if blockDuration <= 0 {
		blockDuration = 15 * time.Minute
	}
	return &IPLedger{redis: client, maxFailures: maxFailures, failureWindow: failureWindow, blockDuration: blockDuration}
}

func failKey(ip string) string    { return fmt.Sprintf("failed_attempts:%s", ip) }
func blockedKey(ip string) string { return fmt.Sprintf("blocked_ip:%s", ip) }

// RecordFailure increments ip's failure counter, setting its TTL on first
// increment, and blocks ip once maxFailures is reached. Successful
// authentications never clear the counter; it expires naturally per spec
// §4.5.
func (l *IPLedger) RecordFailure(ctx context.Context, ip string) error {
	key := failKey(ip)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.failureWindow).Err(); err != nil {
			return err
		}
	}
	if count >= int64(l.maxFailures) {
		return l.redis.Set(ctx, blockedKey(ip), "1", l.blockDuration).Err()
	}
	return nil
}

// IsBlocked reports whether ip is currently within its block window.
func (l *IPLedger) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := l.redis.Exists(ctx, blockedKey(ip)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClientIP extracts the caller's IP per spec §4.5: the first element of
// X-Forwarded-For if present, else the peer address.
func ClientIP(xForwardedFor, peerAddr string) string {
	if xForwardedFor != "" {
		first, _, _ := strings.Cut(xForwardedFor, ",")
		return strings.TrimSpace(first)
	}
	return peerAddr
}
